package coordinator

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recorder collects "<tag>:<type>" strings in delivery order.
type recorder struct{ got []string }

func (r *recorder) handler(tag string) EventHandler {
	return func(e Event) { r.got = append(r.got, tag+":"+e.Type) }
}

func TestEventBusRouting(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	rec := &recorder{}
	eb.On(EventClusterCommand, rec.handler("zone"))
	eb.OnAll(rec.handler("all"))
	eb.On(EventPropertyUpdate, rec.handler("prop"))

	eb.Emit(Event{Type: EventAttributeUpdated})
	eb.Emit(Event{Type: EventClusterCommand})
	eb.Emit(Event{Type: EventPropertyUpdate})

	require.Equal(t, []string{
		"all:attribute_updated",
		"zone:cluster_command",
		"all:cluster_command",
		"all:property_update",
		"prop:property_update",
	}, rec.got)
}

func TestEventBusPassesData(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var got Event
	eb.On(EventDeviceJoined, func(e Event) { got = e })

	data := map[string]interface{}{"ieee": testIEEE, "quirk": "orvibo_motion"}
	eb.Emit(Event{Type: EventDeviceJoined, Data: data})
	require.Equal(t, data, got.Data)
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	rec := &recorder{}
	unsub := eb.OnAll(rec.handler("a"))
	eb.OnAll(rec.handler("b"))

	eb.Emit(Event{Type: EventDeviceLeft})
	unsub()
	unsub()
	eb.Emit(Event{Type: EventDeviceLeft})

	require.Equal(t, []string{"a:device_left", "b:device_left", "b:device_left"}, rec.got)
}

func TestEventBusUnsubscribeDuringEmit(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	rec := &recorder{}
	var unsubSecond func()
	eb.OnAll(func(e Event) {
		rec.got = append(rec.got, "first")
		unsubSecond()
	})
	unsubSecond = eb.OnAll(rec.handler("second"))

	// The emit in progress still reaches the handler removed mid-delivery.
	eb.Emit(Event{Type: EventAttributeReport})
	eb.Emit(Event{Type: EventAttributeReport})
	require.Equal(t, []string{"first", "second:attribute_report", "first"}, rec.got)
}

func TestEventBusRecoversHandlerPanic(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	rec := &recorder{}
	eb.On(EventClusterCommand, func(Event) { panic("zone handler") })
	eb.On(EventClusterCommand, rec.handler("after"))

	require.NotPanics(t, func() { eb.Emit(Event{Type: EventClusterCommand}) })
	require.Equal(t, []string{"after:cluster_command"}, rec.got)
}

func TestEventBusConcurrentEmit(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32
	eb.OnAll(func(Event) { count.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eb.Emit(Event{Type: EventAttributeReport})
		}()
	}
	wg.Wait()
	require.EqualValues(t, 100, count.Load())
}
