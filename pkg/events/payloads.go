package events

import "time"

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is the payload of EventNotification.
type Notification struct {
	Level   Level
	Message string
}

// GenerationState is the payload of EventGenerationState.
type GenerationState struct {
	Loading   bool
	Streaming bool
	// Task names the long-running step currently in flight, if any
	// (for example "image" while an image tool call executes).
	Task string
}

// MemoryPending is the payload of EventMemoryPending. A zero Fact means the
// pending confirmation was resolved.
type MemoryPending struct {
	Fact      string
	MessageID string
}

// CallState is the payload of EventCallState.
type CallState struct {
	State string
	Peer  string
}

// LiveState is the payload of EventLiveState.
type LiveState struct {
	Phase string
}

// Speaking is the payload of EventSpeaking.
type Speaking struct {
	Who string
}

// Notify publishes a notification on bus. A nil bus is ignored.
func Notify(bus Bus, level Level, message string) {
	if bus == nil {
		return
	}
	bus.Publish(Event{
		Type:      EventNotification,
		Timestamp: time.Now(),
		Payload:   Notification{Level: level, Message: message},
	})
}

// Emit publishes payload under eventType. A nil bus is ignored.
func Emit(bus Bus, eventType EventType, payload interface{}) {
	if bus == nil {
		return
	}
	bus.Publish(Event{Type: eventType, Timestamp: time.Now(), Payload: payload})
}
