package quirks

import (
	"time"

	"zigbee-quirks/internal/clock"
)

// RearmConfig parameterizes a Rearm.
type RearmConfig[T any] struct {
	// Match gates Observe. Nil matches every value.
	Match func(T) bool
	// OnTrigger runs on every trigger, after any pending expiry is cancelled.
	OnTrigger func()
	// OnExpire runs when Delay elapses without a new trigger.
	OnExpire func()
	Delay    time.Duration
}

// Rearm collapses repeated triggers into one active period that clears
// itself Delay after the last trigger. It owns at most one pending timer.
// Rearm is not safe for concurrent use; drive it from one event loop.
type Rearm[T any] struct {
	sched clock.Scheduler
	cfg   RearmConfig[T]
	timer clock.Timer
}

// NewRearm creates an idle Rearm.
func NewRearm[T any](sched clock.Scheduler, cfg RearmConfig[T]) *Rearm[T] {
	return &Rearm[T]{sched: sched, cfg: cfg}
}

// Observe triggers if v matches. It reports whether a trigger happened.
func (r *Rearm[T]) Observe(v T) bool {
	if r.cfg.Match != nil && !r.cfg.Match(v) {
		return false
	}
	r.Trigger()
	return true
}

// Trigger cancels any pending expiry, runs OnTrigger and schedules a new expiry.
func (r *Rearm[T]) Trigger() {
	r.Cancel()
	if r.cfg.OnTrigger != nil {
		r.cfg.OnTrigger()
	}
	r.timer = r.sched.AfterFunc(r.cfg.Delay, r.expire)
}

func (r *Rearm[T]) expire() {
	r.timer = nil
	if r.cfg.OnExpire != nil {
		r.cfg.OnExpire()
	}
}

// Cancel drops the pending expiry without running OnExpire. It reports
// whether an expiry was pending.
func (r *Rearm[T]) Cancel() bool {
	if r.timer == nil {
		return false
	}
	stopped := r.timer.Stop()
	r.timer = nil
	return stopped
}

// Pending reports whether an expiry is scheduled.
func (r *Rearm[T]) Pending() bool {
	return r.timer != nil
}

// Close cancels any pending expiry.
func (r *Rearm[T]) Close() {
	r.Cancel()
}
