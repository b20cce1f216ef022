package clock

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	f := NewFake(epoch)
	var order []string

	f.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	f.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	f.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	f.AfterFunc(2*time.Second, func() { order = append(order, "b2") })

	f.Advance(2 * time.Second)
	require.Equal(t, []string{"a", "b", "b2"}, order)
	require.Equal(t, 1, f.Pending())

	f.Advance(time.Second)
	require.Equal(t, []string{"a", "b", "b2", "c"}, order)
	require.Equal(t, epoch.Add(3*time.Second), f.Now())
}

func TestFakeCallbackSeesDeadline(t *testing.T) {
	f := NewFake(epoch)
	var firedAt time.Time
	f.AfterFunc(5*time.Second, func() { firedAt = f.Now() })

	f.Advance(20 * time.Second)
	require.Equal(t, epoch.Add(5*time.Second), firedAt)
	require.Equal(t, epoch.Add(20*time.Second), f.Now())
}

func TestFakeNestedScheduleWithinWindow(t *testing.T) {
	f := NewFake(epoch)
	count := 0
	f.AfterFunc(time.Second, func() {
		count++
		f.AfterFunc(time.Second, func() { count++ })
	})

	f.Advance(2 * time.Second)
	require.Equal(t, 2, count)
	require.Zero(t, f.Pending())
}

func TestFakeStopIsIdempotent(t *testing.T) {
	f := NewFake(epoch)
	fired := false
	tm := f.AfterFunc(time.Second, func() { fired = true })

	require.True(t, tm.Stop())
	require.False(t, tm.Stop())
	f.Advance(time.Minute)
	require.False(t, fired)

	fired2 := false
	tm2 := f.AfterFunc(time.Second, func() { fired2 = true })
	f.Advance(time.Second)
	require.True(t, fired2)
	require.False(t, tm2.Stop(), "stopping a fired timer reports false")
}

func TestFakeDoHonoursContext(t *testing.T) {
	f := NewFake(epoch)
	ran := false
	require.NoError(t, f.Do(context.Background(), func() { ran = true }))
	require.True(t, ran)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.Do(ctx, func() {}), context.Canceled)
}

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	l := NewLoop(logger)
	go l.Run(context.Background())
	t.Cleanup(l.Stop)
	return l
}

func TestLoopDoRunsTask(t *testing.T) {
	l := newTestLoop(t)
	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	require.True(t, ran)
}

func TestLoopRecoversPanic(t *testing.T) {
	l := newTestLoop(t)
	require.NoError(t, l.Do(context.Background(), func() { panic("boom") }))

	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	require.True(t, ran)
}

func TestLoopAfterFuncRunsOnLoop(t *testing.T) {
	l := newTestLoop(t)
	fired := make(chan struct{})
	l.AfterFunc(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestLoopTimerStop(t *testing.T) {
	l := newTestLoop(t)
	fired := make(chan struct{}, 1)
	var tm Timer
	require.NoError(t, l.Do(context.Background(), func() {
		tm = l.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
	}))
	require.True(t, tm.Stop())
	require.False(t, tm.Stop())

	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestLoopTimerStopAfterDeadline(t *testing.T) {
	l := newTestLoop(t)
	fired := make(chan struct{}, 1)
	require.NoError(t, l.Do(context.Background(), func() {
		tm := l.AfterFunc(5*time.Millisecond, func() { fired <- struct{}{} })
		// Hold the loop past the deadline so the expiry is queued behind us.
		time.Sleep(50 * time.Millisecond)
		require.True(t, tm.Stop())
		require.False(t, tm.Stop())
	}))

	// Drain the queued expiry.
	require.NoError(t, l.Do(context.Background(), func() {}))
	select {
	case <-fired:
		t.Fatal("timer stopped after its deadline still fired")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLoopStopRejectsWork(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	l := NewLoop(logger)
	l.Stop()
	l.Stop()

	require.False(t, l.Post(func() {}))
	require.ErrorIs(t, l.Do(context.Background(), func() {}), ErrLoopStopped)
}
