package reconcile

import (
	"context"
	"errors"
	"fmt"

	"mitienda-be/internal/logger"
	"mitienda-be/internal/metrics"
	"mitienda-be/internal/notify"
	"mitienda-be/internal/order"
	"mitienda-be/internal/payment"
	"mitienda-be/internal/utils"
	"mitienda-be/internal/webhook"

	"go.uber.org/zap"
)

// Engine is the state machine between verified payment outcomes and order
// state. All collaborators are injected; nothing here reaches for globals,
// so tests substitute fakes freely.
type Engine struct {
	orders   order.Repository
	events   webhook.Log
	gateway  payment.Gateway
	notifier notify.Sender
	metrics  *metrics.Registry
}

func NewEngine(
	orders order.Repository,
	events webhook.Log,
	gateway payment.Gateway,
	notifier notify.Sender,
	reg *metrics.Registry,
) *Engine {
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Engine{
		orders:   orders,
		events:   events,
		gateway:  gateway,
		notifier: notifier,
		metrics:  reg,
	}
}

// ProcessEvent runs one provider notification through reconciliation.
//
// The returned error contract matters: a nil return means the provider can
// stop delivering this event (handled, duplicate, or permanently failed); a
// non-nil return means retrying may help and the webhook handler should
// answer 5xx.
func (e *Engine) ProcessEvent(ctx context.Context, eventID, eventType string) error {
	log := logger.FromCtx(ctx).With(zap.String("event_id", eventID))
	e.metrics.EventsReceived.Inc()

	// Idempotency gate: the event must be durably recorded before any
	// business logic, and a processed event is never re-applied.
	retryable, err := e.events.RecordOrSkip(ctx, eventID, eventType)
	if err != nil {
		log.Error("failed to record webhook event", zap.Error(err))
		return err
	}
	if !retryable {
		e.metrics.EventsDuplicate.Inc()
		return nil
	}

	if err := e.events.MarkProcessing(ctx, eventID); err != nil {
		log.Error("failed to mark event processing", zap.Error(err))
		return err
	}

	// The notification body is a pointer, never a verdict: fetch the
	// authoritative status fresh on every attempt.
	verified, err := e.gateway.GetPayment(ctx, eventID)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			return e.failPermanent(ctx, eventID, err)
		}
		return e.failTransient(ctx, eventID, err)
	}

	if !verified.Status.Terminal() {
		// The provider will re-notify this same id once the payment
		// settles; marking it processed now would swallow that delivery.
		log.Info("payment not settled yet, leaving event retryable",
			zap.String("provider_status", string(verified.Status)),
		)
		if err := e.events.Reset(ctx, eventID); err != nil {
			log.Error("failed to reset unsettled event", zap.Error(err))
			return err
		}
		return nil
	}

	orderID, err := utils.ToUint(verified.ExternalReference)
	if err != nil || orderID == 0 {
		return e.failPermanent(ctx, eventID,
			fmt.Errorf("invalid external reference %q", verified.ExternalReference))
	}

	applied, err := e.applyVerdict(ctx, orderID, verified)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			return e.failPermanent(ctx, eventID, err)
		case errors.Is(err, order.ErrInsufficientStock):
			// Integrity fault, not a transient hiccup. Flag loudly: this
			// means a prior oversell or a race bug, and hiding it would
			// let inventory drift further.
			log.Error("INTEGRITY VIOLATION: approval would oversell stock",
				zap.Uint("order_id", orderID),
				zap.Error(err),
			)
			return e.failPermanent(ctx, eventID, err)
		default:
			return e.failTransient(ctx, eventID, err)
		}
	}

	if err := e.events.MarkProcessed(ctx, eventID); err != nil {
		log.Error("failed to mark event processed", zap.Error(err))
		return err
	}
	e.metrics.EventsProcessed.Inc()

	if applied != nil {
		e.dispatchApprovalNotifications(ctx, applied)
	}

	return nil
}

// applyVerdict applies a terminal provider verdict under the order's row
// lock. Returns the order when the verdict newly approved it, nil otherwise.
func (e *Engine) applyVerdict(ctx context.Context, orderID uint, verified *payment.VerifiedPayment) (*order.Order, error) {
	log := logger.FromCtx(ctx).With(
		zap.Uint("order_id", orderID),
		zap.String("provider_status", string(verified.Status)),
	)

	tx, err := e.orders.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	o, err := e.orders.GetForUpdateTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	// Locked re-check: a concurrent delivery may have finished between the
	// event-log gate and acquiring this lock.
	if o.Status.Terminal() {
		log.Info("order already in terminal state, no-op",
			zap.String("status", string(o.Status)),
		)
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		committed = true
		return nil, nil
	}

	switch verified.Status {
	case payment.StatusApproved:
		if err := e.orders.ApproveTx(ctx, tx, o, verified.PaymentID); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit approval: %w", err)
		}
		committed = true
		e.metrics.OrdersApproved.Inc()

		o.Status = order.StatusApproved
		o.ProviderTxnID = utils.StrPtr(verified.PaymentID)

		log.Info("order approved",
			zap.String("provider_txn_id", verified.PaymentID),
			zap.String("amount", verified.TransactionAmount.String()),
		)
		return o, nil

	default:
		// Rejected, cancelled or refunded on the provider side: the order
		// stays where it is. Only the explicit cancellation path moves an
		// order to CANCELLED.
		log.Info("provider verdict requires no order mutation")
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		committed = true
		return nil, nil
	}
}

// Cancel is the shared cancellation sub-operation: user self-cancel, admin
// cancel and the expiry sweep all funnel here. Refund-before-cancel: if money
// moved, status only changes after the provider confirms it moved back.
func (e *Engine) Cancel(ctx context.Context, orderID uint) error {
	log := logger.FromCtx(ctx).With(zap.Uint("order_id", orderID))

	tx, err := e.orders.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	o, err := e.orders.GetForUpdateTx(ctx, tx, orderID)
	if err != nil {
		return err
	}

	if o.Status == order.StatusCancelled {
		log.Info("order already cancelled, no-op")
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	}

	// Bank-transfer orders reserve stock at creation, checkout orders at
	// approval; a plain PENDING order holds nothing to give back.
	holdsStock := o.Status == order.StatusApproved || o.Status == order.StatusPendingTransfer

	if o.ProviderTxnID != nil && *o.ProviderTxnID != "" {
		if err := e.gateway.Refund(ctx, *o.ProviderTxnID); err != nil {
			// Abort everything: cancelling without a confirmed refund is
			// the failure mode this system deliberately refuses.
			log.Warn("refund not confirmed, cancellation aborted", zap.Error(err))
			return err
		}
	}

	if err := e.orders.CancelTx(ctx, tx, o, holdsStock); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cancellation: %w", err)
	}
	committed = true
	e.metrics.OrdersCancelled.Inc()

	log.Info("order cancelled",
		zap.Bool("stock_restored", holdsStock),
		zap.Bool("refunded", o.ProviderTxnID != nil && *o.ProviderTxnID != ""),
	)

	e.dispatch(ctx, o.CustomerEmail, notify.TemplateOrderCancelled, map[string]any{
		"order_id": o.ID,
		"total":    o.TotalAmount.String(),
	})

	return nil
}

// failPermanent records the failure and acknowledges the delivery: no retry
// can help, but the event stays visible for manual reprocessing.
func (e *Engine) failPermanent(ctx context.Context, eventID string, cause error) error {
	logger.FromCtx(ctx).Warn("event failed permanently",
		zap.String("event_id", eventID),
		zap.Error(cause),
	)
	e.metrics.EventsFailed.Inc()

	if err := e.events.MarkFailed(ctx, eventID, cause.Error()); err != nil {
		return err
	}
	return nil
}

// failTransient records the failure and propagates it so the provider's own
// retry (or an administrator) gets another attempt.
func (e *Engine) failTransient(ctx context.Context, eventID string, cause error) error {
	logger.FromCtx(ctx).Error("event failed, retry possible",
		zap.String("event_id", eventID),
		zap.Error(cause),
	)
	e.metrics.EventsFailed.Inc()

	if err := e.events.MarkFailed(ctx, eventID, cause.Error()); err != nil {
		logger.FromCtx(ctx).Error("failed to record event failure", zap.Error(err))
	}
	return cause
}

// dispatchApprovalNotifications sends the customer confirmation and the
// internal new-order alert. Best effort, off the webhook response path.
func (e *Engine) dispatchApprovalNotifications(ctx context.Context, o *order.Order) {
	data := map[string]any{
		"order_id": o.ID,
		"total":    o.TotalAmount.String(),
	}
	e.dispatch(ctx, o.CustomerEmail, notify.TemplateOrderConfirmation, data)
	e.dispatch(ctx, notify.InternalRecipient, notify.TemplateNewOrderInternal, data)
}

func (e *Engine) dispatch(ctx context.Context, recipient, template string, data map[string]any) {
	// Keep the request id for tracing but detach from the request lifetime.
	bgCtx := logger.WithRequestID(context.Background(), logger.RequestIDFrom(ctx))
	go func() {
		if err := e.notifier.Send(bgCtx, recipient, template, data); err != nil {
			logger.FromCtx(bgCtx).Warn("notification send failed",
				zap.String("template", template),
				zap.Error(err),
			)
		}
	}()
}
