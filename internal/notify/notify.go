package notify

import (
	"context"

	"mitienda-be/internal/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Template names understood by the delivery service.
const (
	TemplateOrderConfirmation = "order_confirmation"
	TemplateNewOrderInternal  = "new_order_internal"
	TemplateOrderCancelled    = "order_cancelled"
	TemplatePaymentReminder   = "payment_reminder"
)

// InternalRecipient routes a message to the shop operators instead of a customer.
const InternalRecipient = "ops"

// Sender is the boundary to the notification delivery service. Delivery
// transport (email, push) lives outside this codebase.
type Sender interface {
	Send(ctx context.Context, recipient, template string, data map[string]any) error
}

// LogSender writes every notification to the log instead of delivering it.
// Used in development and as the default when no delivery service is wired.
type LogSender struct{}

func NewLogSender() *LogSender {
	return &LogSender{}
}

func (s *LogSender) Send(ctx context.Context, recipient, template string, data map[string]any) error {
	logger.FromCtx(ctx).Info("notification dispatched",
		zap.String("message_id", uuid.New().String()),
		zap.String("recipient", recipient),
		zap.String("template", template),
		zap.Any("data", data),
	)
	return nil
}
