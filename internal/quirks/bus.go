package quirks

import "sync"

// Handler receives the arguments of a published bus event.
type Handler func(args ...any)

type subscription struct {
	id    uint64
	event string
	fn    Handler
}

// Bus is a per-device broadcast channel. Delivery is synchronous and
// follows subscription order.
type Bus struct {
	mu     sync.Mutex
	subs   []subscription
	nextID uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for event. Returns an unsubscribe function.
func (b *Bus) Subscribe(event string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, event: event, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers event to the handlers subscribed at the time of the call.
func (b *Bus) Publish(event string, args ...any) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.event == event {
			handlers = append(handlers, s.fn)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(args...)
	}
}

// Len returns the number of subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
