// Package events provides the in-process event bus shared by the chat,
// call and live sessions.
//
// Sessions publish state changes and user-facing notifications here instead
// of calling into a UI directly. Subscribers register a buffered channel per
// event type; Publish never blocks, a full subscriber channel drops the event.
//
// Usage:
//
//	bus := events.NewEventBus()
//	ch := make(chan events.Event, 16)
//	bus.Subscribe(events.EventNotification, ch)
//	defer bus.Unsubscribe(events.EventNotification, ch)
package events

import (
	"log"
	"sync"
	"time"
)

// EventType identifies a class of events.
type EventType int

const (
	// EventNotification is a transient user-visible notice (toast).
	EventNotification EventType = iota
	// EventGenerationState carries a GenerationState payload.
	EventGenerationState
	// EventMemoryPending carries a MemoryPending payload.
	EventMemoryPending
	// EventCallState carries a CallState payload.
	EventCallState
	// EventLiveState carries a LiveState payload.
	EventLiveState
	// EventSpeaking carries a Speaking payload.
	EventSpeaking
)

func (t EventType) String() string {
	switch t {
	case EventNotification:
		return "notification"
	case EventGenerationState:
		return "generation_state"
	case EventMemoryPending:
		return "memory_pending"
	case EventCallState:
		return "call_state"
	case EventLiveState:
		return "live_state"
	case EventSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Event is a single published event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// Bus is the publish/subscribe contract used by the sessions.
type Bus interface {
	Subscribe(eventType EventType, ch chan<- Event)
	Unsubscribe(eventType EventType, ch chan<- Event)
	Publish(evt Event)
}

var _ Bus = (*EventBus)(nil)

// EventBus is the default Bus implementation.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan<- Event
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]chan<- Event),
	}
}

// Subscribe registers ch for eventType. Registering the same channel twice
// delivers each event twice.
func (b *EventBus) Subscribe(eventType EventType, ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
}

// Unsubscribe removes every registration of ch for eventType.
func (b *EventBus) Unsubscribe(eventType EventType, ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	kept := subs[:0]
	for _, s := range subs {
		if s != ch {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.subscribers, eventType)
		return
	}
	b.subscribers[eventType] = kept
}

// Publish delivers evt to every subscriber of its type without blocking.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := append([]chan<- Event(nil), b.subscribers[evt.Type]...)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			log.Printf("[EventBus] subscriber channel full, dropping %s event", evt.Type)
		}
	}
}
