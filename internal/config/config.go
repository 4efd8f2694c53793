package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string
	AppPort    string
	AppEnv     string

	ProviderBaseURL       string
	ProviderAccessToken   string
	ProviderWebhookSecret string

	RefundTimeout time.Duration
	SweepInterval time.Duration

	JWTSecret string
}

func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     os.Getenv("DB_HOST"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		DBPort:     os.Getenv("DB_PORT"),
		AppPort:    os.Getenv("APP_PORT"),
		AppEnv:     os.Getenv("APP_ENV"),

		ProviderBaseURL:       os.Getenv("PROVIDER_BASE_URL"),
		ProviderAccessToken:   os.Getenv("PROVIDER_ACCESS_TOKEN"),
		ProviderWebhookSecret: os.Getenv("PROVIDER_WEBHOOK_SECRET"),

		RefundTimeout: durationEnv("REFUND_TIMEOUT_SECONDS", 15*time.Second),
		SweepInterval: durationEnv("SWEEP_INTERVAL_SECONDS", time.Hour),

		JWTSecret: os.Getenv("SECRET_KEY"),
	}

	if cfg.DBHost == "" {
		log.Fatal("Environment variables not loaded properly")
	}

	return cfg
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
