// Package clock provides the scheduling primitives quirk code runs on:
// a single-goroutine event loop for production and a virtual clock for tests.
package clock

import (
	"context"
	"time"
)

// Timer is a handle to a deferred one-shot callback.
type Timer interface {
	// Stop cancels the callback. It reports whether the call prevented the
	// callback from running; stopping a fired or stopped timer returns false.
	Stop() bool
}

// Scheduler schedules deferred callbacks.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Executor runs a function on the goroutine that owns quirk state.
type Executor interface {
	// Do runs fn and returns once it has completed, or with ctx's error if
	// fn could not be scheduled in time.
	Do(ctx context.Context, fn func()) error
}

// EventLoop is a Scheduler whose callbacks run on the same goroutine as Do.
type EventLoop interface {
	Scheduler
	Executor
}
