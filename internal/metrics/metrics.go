package metrics

import (
	"sync/atomic"
	"time"
)

type Counter struct {
	value uint64
}

func (c *Counter) Inc() {
	atomic.AddUint64(&c.value, 1)
}

func (c *Counter) Add(n uint64) {
	atomic.AddUint64(&c.value, n)
}

func (c *Counter) Load() uint64 {
	return atomic.LoadUint64(&c.value)
}

type Timer struct {
	start time.Time
}

func StartTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Registry holds the counters the reconciliation pipeline reports on.
type Registry struct {
	EventsReceived  Counter
	EventsDuplicate Counter
	EventsProcessed Counter
	EventsFailed    Counter

	OrdersApproved  Counter
	OrdersCancelled Counter

	SweepExpired  Counter
	SweepReminded Counter
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Snapshot returns a point-in-time copy for the admin endpoint.
func (r *Registry) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"events_received":  r.EventsReceived.Load(),
		"events_duplicate": r.EventsDuplicate.Load(),
		"events_processed": r.EventsProcessed.Load(),
		"events_failed":    r.EventsFailed.Load(),
		"orders_approved":  r.OrdersApproved.Load(),
		"orders_cancelled": r.OrdersCancelled.Load(),
		"sweep_expired":    r.SweepExpired.Load(),
		"sweep_reminded":   r.SweepReminded.Load(),
	}
}
