package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventMuxInitialized    EventType = "mux.initialized"
	EventMuxClosed         EventType = "mux.closed"
	EventStateSwitched     EventType = "state.switched"
	EventStateSwitchFailed EventType = "state.switch_failed"
	EventStateUnchanged    EventType = "state.unchanged"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SwitchEvent is the payload of state.* events.
type SwitchEvent struct {
	ID         string `json:"id"`
	From       string `json:"from,omitempty"`
	To         string `json:"to"`
	Active     string `json:"active,omitempty"` // state active after the attempt
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// NewSwitchEvent wraps a SwitchEvent payload in an Event envelope.
func NewSwitchEvent(typ EventType, ts time.Time, p SwitchEvent) Event {
	data, _ := json.Marshal(p)
	return Event{Type: typ, Timestamp: ts, Payload: data}
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
