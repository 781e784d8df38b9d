// Package bus is the in-process lifecycle event bus. Generations, resumes
// and chat changes are announced here; metrics and logging subscribe.
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Well-known event types.
const (
	EventChatCreated        = "chat.created"
	EventChatDeleted        = "chat.deleted"
	EventGenerationStarted  = "generation.started"
	EventGenerationFinished = "generation.finished"
	EventGenerationFailed   = "generation.failed"
	EventStreamResumed      = "stream.resumed"
	EventStreamFallback     = "stream.fallback"
	EventQuotaExceeded      = "quota.exceeded"
)

// Wildcard subscribes to every event type.
const Wildcard = "*"

// Event is a lifecycle notification.
type Event struct {
	Type      string
	ChatID    string
	StreamID  string
	Source    string         // originating component
	Payload   map[string]any // event-specific data
	Timestamp time.Time
}

// Duration reads a time.Duration payload value, or zero.
func (e Event) Duration(key string) time.Duration {
	d, _ := e.Payload[key].(time.Duration)
	return d
}

type EventHandler func(Event)

type subscription struct {
	id      string
	handler EventHandler
}

// EventBus dispatches events synchronously to handlers registered per type
// and keeps a bounded history for replay. A nil *EventBus discards events.
type EventBus struct {
	mu         sync.RWMutex
	subs       map[string][]subscription
	nextID     int
	history    []Event
	maxHistory int
	logger     *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		subs:       make(map[string][]subscription),
		maxHistory: 1000,
		logger:     logger,
	}
}

// On registers handler for eventType (or Wildcard) and returns an id for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "#" + strconv.Itoa(eb.nextID)
	eb.subs[eventType] = append(eb.subs[eventType], subscription{id: id, handler: handler})
	return id
}

func (eb *EventBus) Off(eventType, id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	subs := eb.subs[eventType]
	for i, s := range subs {
		if s.id == id {
			eb.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit records ev and calls every matching handler in registration order.
// A panicking handler is logged and does not stop the others.
func (eb *EventBus) Emit(ev Event) {
	if eb == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, ev)
	targets := make([]subscription, 0, len(eb.subs[ev.Type])+len(eb.subs[Wildcard]))
	targets = append(targets, eb.subs[ev.Type]...)
	targets = append(targets, eb.subs[Wildcard]...)
	eb.mu.Unlock()

	for _, s := range targets {
		eb.dispatch(s, ev)
	}
}

func (eb *EventBus) dispatch(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", ev.Type, "handler", s.id, "panic", r)
		}
	}()
	s.handler(ev)
}

// Replay returns recorded events of eventType (or Wildcard) at or after since.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var out []Event
	for _, ev := range eb.history {
		if ev.Timestamp.Before(since) {
			continue
		}
		if eventType == Wildcard || ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}
