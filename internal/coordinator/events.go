package coordinator

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventDeviceJoined     = "device_joined"
	EventDeviceLeft       = "device_left"
	EventDeviceRestored   = "device_restored"
	EventAttributeReport  = "attribute_report"
	EventAttributeUpdated = "attribute_updated"
	EventClusterCommand   = "cluster_command"
	EventPropertyUpdate   = "property_update"
)

// Event represents a coordinator event.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id        uint64
	eventType string // empty matches every event
	handler   EventHandler
}

// EventBus provides pub/sub for coordinator events. Handlers run
// synchronously in the order they subscribed.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

func (eb *EventBus) subscribe(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.subs = append(eb.subs, subscription{id: id, eventType: eventType, handler: handler})
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		for i, s := range eb.subs {
			if s.id == id {
				// Copy so an Emit holding the old slice is unaffected.
				subs := make([]subscription, 0, len(eb.subs)-1)
				subs = append(subs, eb.subs[:i]...)
				eb.subs = append(subs, eb.subs[i+1:]...)
				return
			}
		}
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	subs := eb.subs
	eb.mu.RUnlock()

	for _, s := range subs {
		if s.eventType != "" && s.eventType != event.Type {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			s.handler(event)
		}()
	}
}
