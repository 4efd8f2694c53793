package scheduler

import (
	"context"
	"time"

	"mitienda-be/internal/logger"

	"go.uber.org/zap"
)

// Scheduler drives the sweeper on a recurring interval. The tick body is
// Tick, callable directly with a fixed now, so the timer itself stays dumb.
type Scheduler struct {
	sweeper  *Sweeper
	interval time.Duration
}

func New(sweeper *Sweeper, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		sweeper:  sweeper,
		interval: interval,
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval. A failed
// tick is only logged: stale orders stay stale, so the next tick retries
// naturally.
func (s *Scheduler) Run(ctx context.Context) {
	log := logger.FromCtx(ctx)
	log.Info("scheduler started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick runs both sweeps once.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	log := logger.FromCtx(ctx)

	expiry := s.sweeper.RunExpiry(ctx, now)
	if expiry.Err != nil {
		log.Error("expiry sweep did not run", zap.Error(expiry.Err))
	}

	reminder := s.sweeper.RunReminder(ctx, now)
	if reminder.Err != nil {
		log.Error("reminder sweep did not run", zap.Error(reminder.Err))
	}
}
