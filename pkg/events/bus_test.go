package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusBasicPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	ch := make(chan Event, 1)
	bus.Subscribe(EventNotification, ch)

	Notify(bus, LevelError, "boom")

	select {
	case evt := <-ch:
		assert.Equal(t, EventNotification, evt.Type)
		assert.False(t, evt.Timestamp.IsZero())
		n, ok := evt.Payload.(Notification)
		require.True(t, ok)
		assert.Equal(t, LevelError, n.Level)
		assert.Equal(t, "boom", n.Message)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	ch := make(chan Event, 1)
	bus.Subscribe(EventCallState, ch)
	bus.Unsubscribe(EventCallState, ch)

	Emit(bus, EventCallState, CallState{State: "idle"})

	select {
	case <-ch:
		t.Fatal("should not receive after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBusOnlyMatchingType(t *testing.T) {
	bus := NewEventBus()
	live := make(chan Event, 1)
	call := make(chan Event, 1)
	bus.Subscribe(EventLiveState, live)
	bus.Subscribe(EventCallState, call)

	Emit(bus, EventLiveState, LiveState{Phase: "connected"})

	assert.Len(t, live, 1)
	assert.Len(t, call, 0)
}

func TestEventBusFullChannelDoesNotBlock(t *testing.T) {
	bus := NewEventBus()
	ch := make(chan Event)
	bus.Subscribe(EventSpeaking, ch)

	done := make(chan struct{})
	go func() {
		Emit(bus, EventSpeaking, Speaking{Who: "user"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestEventBusConcurrentPublish(t *testing.T) {
	bus := NewEventBus()
	ch := make(chan Event, 100)
	bus.Subscribe(EventGenerationState, ch)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				Emit(bus, EventGenerationState, GenerationState{Loading: true})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ch, 100)
}

func TestNilBusIsIgnored(t *testing.T) {
	assert.NotPanics(t, func() {
		Notify(nil, LevelInfo, "x")
		Emit(nil, EventLiveState, nil)
	})
}
