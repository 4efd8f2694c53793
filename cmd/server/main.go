package main

import (
	"context"
	"net/http"

	"mitienda-be/internal/config"
	"mitienda-be/internal/db"
	"mitienda-be/internal/logger"
	"mitienda-be/internal/metrics"
	"mitienda-be/internal/middleware"
	"mitienda-be/internal/notify"
	"mitienda-be/internal/order"
	"mitienda-be/internal/payment"
	"mitienda-be/internal/product"
	"mitienda-be/internal/reconcile"
	"mitienda-be/internal/scheduler"
	"mitienda-be/internal/utils"
	"mitienda-be/internal/webhook"

	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()

	logger.Init(cfg.AppEnv)
	defer logger.Sync()

	middleware.SetJWTKey(cfg.JWTSecret)

	database, err := db.NewDatabase(cfg)
	if err != nil {
		logger.L().Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	// Clients are constructed here and injected; nothing downstream reaches
	// for process-wide singletons.
	reg := metrics.NewRegistry()
	notifier := notify.NewLogSender()
	gateway := payment.NewProviderGateway(cfg)

	orderRepo := order.NewRepository(database)
	productRepo := product.NewRepository(database)
	eventLog := webhook.NewRepository(database)

	engine := reconcile.NewEngine(orderRepo, eventLog, gateway, notifier, reg)

	orderSvc := order.NewService(orderRepo, productRepo, engine)
	orderHandler := order.NewHandler(orderSvc)
	webhookHandler := webhook.NewHandler(engine, gateway, eventLog)

	sweeper := scheduler.NewSweeper(orderRepo, engine, notifier, reg)
	sched := scheduler.New(sweeper, cfg.SweepInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/payment", webhookHandler.PaymentWebhookHandler)

	mux.Handle("POST /orders",
		middleware.RequireUser(http.HandlerFunc(orderHandler.CreateOrderHandler)))
	mux.Handle("GET /orders/{id}",
		middleware.RequireUser(http.HandlerFunc(orderHandler.GetDetailHandler)))
	mux.Handle("POST /orders/cancel",
		middleware.RequireUser(http.HandlerFunc(orderHandler.CancelByCustomerHandler)))

	mux.Handle("POST /admin/orders/cancel",
		middleware.AdminOnly(http.HandlerFunc(orderHandler.CancelByAdminHandler)))
	mux.Handle("POST /admin/orders/tracking",
		middleware.AdminOnly(http.HandlerFunc(orderHandler.SetTrackingHandler)))
	mux.Handle("GET /admin/webhook-events",
		middleware.AdminOnly(http.HandlerFunc(webhookHandler.ListHandler)))
	mux.Handle("POST /admin/webhook-events/reprocess",
		middleware.AdminOnly(http.HandlerFunc(webhookHandler.ReprocessHandler)))
	mux.Handle("GET /admin/metrics",
		middleware.AdminOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			utils.WriteJSON(w, reg.Snapshot(), http.StatusOK)
		})))

	handler := logger.RequestIDMiddleware(
		middleware.AuthMiddleware(
			middleware.RateLimitMiddleware(
				logger.LoggingMiddleware(mux))))

	logger.L().Info("server listening", zap.String("port", cfg.AppPort))
	if err := http.ListenAndServe(":"+cfg.AppPort, handler); err != nil {
		logger.L().Fatal("server exited", zap.Error(err))
	}
}
