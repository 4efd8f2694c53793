package scheduler

import (
	"context"
	"time"

	"mitienda-be/internal/logger"
	"mitienda-be/internal/metrics"
	"mitienda-be/internal/notify"
	"mitienda-be/internal/order"

	"go.uber.org/zap"
)

const (
	// Bank-transfer orders older than this are expired and cancelled.
	defaultExpiryAge = 48 * time.Hour
	// Reminders go out once the order is this old...
	defaultRemindAfter = 24 * time.Hour
	// ...within a window matching the sweep cadence, so an hourly sweep
	// reminds each order exactly once.
	defaultRemindWindow = time.Hour
)

// Result is the outcome for one order in a sweep. Partial failure is a
// first-class value, not a swallowed exception.
type Result struct {
	OrderID uint
	Err     error
}

// Report aggregates one sweep run. Err is set only when the sweep itself
// could not run (for example the listing query failed); per-order failures
// live in Results.
type Report struct {
	Ran     time.Time
	Took    time.Duration
	Err     error
	Results []Result
}

func (r Report) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Err == nil {
			n++
		}
	}
	return n
}

func (r Report) Failed() int {
	return len(r.Results) - r.Succeeded()
}

// Sweeper holds the compensating actions for orders stuck awaiting a manual
// bank transfer. Both sweeps take an explicit now so tests never wait on the
// wall clock.
type Sweeper struct {
	orders    order.Repository
	canceller order.Canceller
	notifier  notify.Sender
	metrics   *metrics.Registry

	expiryAge    time.Duration
	remindAfter  time.Duration
	remindWindow time.Duration
}

func NewSweeper(
	orders order.Repository,
	canceller order.Canceller,
	notifier notify.Sender,
	reg *metrics.Registry,
) *Sweeper {
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Sweeper{
		orders:       orders,
		canceller:    canceller,
		notifier:     notifier,
		metrics:      reg,
		expiryAge:    defaultExpiryAge,
		remindAfter:  defaultRemindAfter,
		remindWindow: defaultRemindWindow,
	}
}

// RunExpiry cancels every bank-transfer order older than the expiry age,
// restoring its reserved stock. Each order goes through the engine's locked
// cancellation independently: one failure is recorded and the sweep moves on.
func (s *Sweeper) RunExpiry(ctx context.Context, now time.Time) Report {
	log := logger.FromCtx(ctx).With(zap.String("sweep", "expiry"))
	timer := metrics.StartTimer()
	report := Report{Ran: now}

	cutoff := now.Add(-s.expiryAge)
	stale, err := s.orders.ListPendingTransferBefore(ctx, cutoff)
	if err != nil {
		log.Error("failed to list stale orders", zap.Error(err))
		report.Err = err
		report.Took = timer.Duration()
		return report
	}

	for _, o := range stale {
		err := s.canceller.Cancel(ctx, o.ID)
		report.Results = append(report.Results, Result{OrderID: o.ID, Err: err})

		if err != nil {
			log.Error("failed to expire order",
				zap.Uint("order_id", o.ID),
				zap.Error(err),
			)
			continue
		}
		s.metrics.SweepExpired.Inc()
	}

	report.Took = timer.Duration()
	log.Info("expiry sweep finished",
		zap.Int("expired", report.Succeeded()),
		zap.Int("failed", report.Failed()),
		zap.Duration("took", report.Took),
	)
	return report
}

// RunReminder notifies customers whose bank-transfer order entered the
// reminder window since the previous sweep. Read and notify only; no
// mutations.
func (s *Sweeper) RunReminder(ctx context.Context, now time.Time) Report {
	log := logger.FromCtx(ctx).With(zap.String("sweep", "reminder"))
	timer := metrics.StartTimer()
	report := Report{Ran: now}

	from := now.Add(-(s.remindAfter + s.remindWindow))
	to := now.Add(-s.remindAfter)

	due, err := s.orders.ListPendingTransferBetween(ctx, from, to)
	if err != nil {
		log.Error("failed to list orders due a reminder", zap.Error(err))
		report.Err = err
		report.Took = timer.Duration()
		return report
	}

	for _, o := range due {
		err := s.notifier.Send(ctx, o.CustomerEmail, notify.TemplatePaymentReminder, map[string]any{
			"order_id": o.ID,
			"total":    o.TotalAmount.String(),
		})
		report.Results = append(report.Results, Result{OrderID: o.ID, Err: err})

		if err != nil {
			// Logged, not retried within this sweep.
			log.Warn("reminder send failed",
				zap.Uint("order_id", o.ID),
				zap.Error(err),
			)
			continue
		}
		s.metrics.SweepReminded.Inc()
	}

	report.Took = timer.Duration()
	log.Info("reminder sweep finished",
		zap.Int("reminded", report.Succeeded()),
		zap.Int("failed", report.Failed()),
		zap.Duration("took", report.Took),
	)
	return report
}
