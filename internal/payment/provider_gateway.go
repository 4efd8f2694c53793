package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"mitienda-be/internal/config"
	"mitienda-be/internal/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.pagoslatam.com"

type providerGateway struct {
	baseURL       string
	accessToken   string
	httpClient    *http.Client
	refundTimeout time.Duration
	webhookSecret string
}

// ----------------- Constructor -----------------

func NewProviderGateway(cfg *config.Config) Gateway {
	if cfg.ProviderAccessToken == "" {
		logger.L().Warn("provider access token is empty")
	}

	baseURL := cfg.ProviderBaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	refundTimeout := cfg.RefundTimeout
	if refundTimeout <= 0 {
		refundTimeout = 15 * time.Second
	}

	return &providerGateway{
		baseURL:     baseURL,
		accessToken: cfg.ProviderAccessToken,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		refundTimeout: refundTimeout,
		webhookSecret: cfg.ProviderWebhookSecret,
	}
}

// ----------------- GetPayment -----------------

type paymentResponse struct {
	ID                json.Number     `json:"id"`
	Status            string          `json:"status"`
	ExternalReference string          `json:"external_reference"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	DateApproved      *time.Time      `json:"date_approved"`
}

func (g *providerGateway) GetPayment(ctx context.Context, paymentID string) (*VerifiedPayment, error) {
	log := logger.FromCtx(ctx).With(zap.String("payment_id", paymentID))

	url := fmt.Sprintf("%s/v1/payments/%s", g.baseURL, paymentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Error("failed building payment request", zap.Error(err))
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.accessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		log.Error("payment status request failed", zap.Error(err))
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error("failed to read provider response", zap.Error(err))
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		log.Warn("payment not found at provider")
		return nil, ErrPaymentNotFound
	}

	if resp.StatusCode != http.StatusOK {
		log.Error("provider returned non-success status",
			zap.Int("http_status", resp.StatusCode),
			zap.ByteString("response", bodyBytes),
		)
		return nil, fmt.Errorf("provider error (%d): %s", resp.StatusCode, string(bodyBytes))
	}

	var res paymentResponse
	if err := json.Unmarshal(bodyBytes, &res); err != nil {
		log.Error("failed decoding provider response", zap.Error(err))
		return nil, err
	}

	log.Info("payment verified",
		zap.String("status", res.Status),
		zap.String("external_reference", res.ExternalReference),
	)

	return &VerifiedPayment{
		PaymentID:         res.ID.String(),
		Status:            Status(res.Status),
		ExternalReference: res.ExternalReference,
		TransactionAmount: res.TransactionAmount,
		DateApproved:      res.DateApproved,
		RawPayload:        json.RawMessage(bodyBytes),
	}, nil
}

// ----------------- Refund -----------------

func (g *providerGateway) Refund(ctx context.Context, paymentID string) error {
	log := logger.FromCtx(ctx).With(zap.String("payment_id", paymentID))

	// A refund that times out is a failure. Money state is unknown and the
	// caller must not proceed as if it moved back.
	ctx, cancel := context.WithTimeout(ctx, g.refundTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/v1/payments/%s/refunds", g.baseURL, paymentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		log.Error("failed building refund request", zap.Error(err))
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.accessToken)
	req.Header.Set("Content-Type", "application/json")

	log.Info("requesting refund")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		log.Error("refund request failed", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrRefundFailed, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error("failed to read refund response", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrRefundFailed, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		log.Error("refund rejected by provider",
			zap.Int("http_status", resp.StatusCode),
			zap.ByteString("response", bodyBytes),
		)
		return fmt.Errorf("%w: provider status %d", ErrRefundFailed, resp.StatusCode)
	}

	log.Info("refund confirmed")
	return nil
}

// ----------------- Verify Signature -----------------

func (g *providerGateway) VerifySignature(r *http.Request) error {
	if g.webhookSecret == "" {
		return nil // skip in dev
	}

	if r.Header.Get("x-signature") != g.webhookSecret {
		return errors.New("invalid webhook signature")
	}
	return nil
}
