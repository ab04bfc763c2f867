package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/realtime-ai/realtime-chat/pkg/chatlog"
	"github.com/realtime-ai/realtime-chat/pkg/events"
)

// GenerationState is the lifecycle of one generation.
type GenerationState int

const (
	GenerationInProgress GenerationState = iota
	GenerationCompleted
	GenerationFailed
	GenerationCancelled
)

func (s GenerationState) String() string {
	switch s {
	case GenerationInProgress:
		return "in_progress"
	case GenerationFailed:
		return "failed"
	case GenerationCancelled:
		return "cancelled"
	default:
		return "completed"
	}
}

// LoadingTask names the step a generation is waiting on.
type LoadingTask string

const (
	TaskNone   LoadingTask = ""
	TaskText   LoadingTask = "text"
	TaskImage  LoadingTask = "tool-image"
	TaskLyrics LoadingTask = "tool-lyrics"
	TaskVideo  LoadingTask = "tool-video"
)

// errStopped aborts a generation whose Stop has been observed.
var errStopped = errors.New("generation stopped")

// generation is one run of the send pipeline. Every log mutation it makes
// goes through do, so nothing is written once stop has returned.
type generation struct {
	id      uint64
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	mu          sync.Mutex
	stopped     bool
	state       GenerationState
	provisional func()
}

// do runs fn unless the generation has been stopped.
func (g *generation) do(fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return errStopped
	}
	return fn()
}

func (g *generation) append(l *chatlog.Log, sender chatlog.Sender, kind chatlog.Kind, content chatlog.Content) (chatlog.Message, error) {
	var msg chatlog.Message
	err := g.do(func() error {
		var err error
		msg, err = l.Append(sender, kind, content)
		return err
	})
	return msg, err
}

func (g *generation) update(l *chatlog.Log, id string, p chatlog.Patch) error {
	return g.do(func() error {
		_, err := l.Update(id, p)
		return err
	})
}

// setProvisional registers cleanup for a placeholder that must not outlive
// a stopped generation. A nil fn clears it.
func (g *generation) setProvisional(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.provisional = fn
}

// settle runs fn unless the generation has been stopped, clearing the
// provisional cleanup in the same step.
func (g *generation) settle(fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return errStopped
	}
	g.provisional = nil
	return fn()
}

func (g *generation) isStopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

// stop marks the generation stopped after running any provisional cleanup.
// It reports whether this call did the stopping.
func (g *generation) stop() bool {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return false
	}
	if g.provisional != nil {
		g.provisional()
		g.provisional = nil
	}
	g.stopped = true
	g.state = GenerationCancelled
	g.mu.Unlock()
	g.cancel()
	return true
}

// MemoryConfirmation is a fact the model asked to remember, awaiting the
// user's decision.
type MemoryConfirmation struct {
	Fact      string
	MessageID string
}

// State is a snapshot of the session's generation flags.
type State struct {
	Loading       bool
	Streaming     bool
	Task          LoadingTask
	PendingMemory *MemoryConfirmation
}

// tracker owns the generation flags and admits one generation at a time.
type tracker struct {
	bus events.Bus

	mu      sync.Mutex
	current *generation
	nextID  uint64
	state   State
}

func newTracker(bus events.Bus) *tracker {
	return &tracker{bus: bus}
}

// start admits a new generation, or returns ErrBusy while another is in
// flight or a memory confirmation is pending.
func (t *tracker) start(parent context.Context) (*generation, error) {
	t.mu.Lock()
	if t.current != nil {
		t.mu.Unlock()
		return nil, ErrBusy
	}
	if t.state.PendingMemory != nil {
		t.mu.Unlock()
		return nil, ErrMemoryPending
	}
	t.nextID++
	ctx, cancel := context.WithCancel(parent)
	g := &generation{
		id:      t.nextID,
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now(),
		state:   GenerationInProgress,
	}
	t.current = g
	t.state.Loading = true
	t.state.Streaming = false
	t.state.Task = TaskText
	st := t.state
	t.mu.Unlock()

	t.publish(st)
	return g, nil
}

// update applies fn to the flags if g is still the current generation.
func (t *tracker) update(g *generation, fn func(*State)) {
	t.mu.Lock()
	if t.current != g {
		t.mu.Unlock()
		return
	}
	fn(&t.state)
	st := t.state
	t.mu.Unlock()
	t.publish(st)
}

func (t *tracker) setTask(g *generation, task LoadingTask) {
	t.update(g, func(s *State) { s.Task = task })
}

func (t *tracker) setLoading(g *generation, loading bool) {
	t.update(g, func(s *State) { s.Loading = loading })
}

func (t *tracker) setStreaming(g *generation, streaming bool) {
	t.update(g, func(s *State) { s.Streaming = streaming })
}

// finish records the final state of g and clears the flags if g is current.
func (t *tracker) finish(g *generation, state GenerationState) {
	g.mu.Lock()
	if g.state == GenerationInProgress {
		g.state = state
	}
	g.mu.Unlock()
	g.cancel()

	t.mu.Lock()
	if t.current != g {
		t.mu.Unlock()
		return
	}
	t.current = nil
	t.state.Loading = false
	t.state.Streaming = false
	t.state.Task = TaskNone
	st := t.state
	t.mu.Unlock()
	t.publish(st)
}

// cancel stops the current generation, if any, and clears the flags at once.
func (t *tracker) cancel() bool {
	t.mu.Lock()
	g := t.current
	t.current = nil
	t.state.Loading = false
	t.state.Streaming = false
	t.state.Task = TaskNone
	st := t.state
	t.mu.Unlock()

	if g == nil {
		return false
	}
	g.stop()
	t.publish(st)
	return true
}

func (t *tracker) busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current != nil
}

func (t *tracker) setPendingMemory(g *generation, m MemoryConfirmation) {
	t.mu.Lock()
	if g != nil && t.current != g {
		t.mu.Unlock()
		return
	}
	t.state.PendingMemory = &m
	t.mu.Unlock()
	events.Emit(t.bus, events.EventMemoryPending, events.MemoryPending{Fact: m.Fact, MessageID: m.MessageID})
}

// takePendingMemory clears and returns the pending confirmation.
func (t *tracker) takePendingMemory() *MemoryConfirmation {
	t.mu.Lock()
	m := t.state.PendingMemory
	t.state.PendingMemory = nil
	t.mu.Unlock()
	if m != nil {
		events.Emit(t.bus, events.EventMemoryPending, events.MemoryPending{})
	}
	return m
}

func (t *tracker) pendingMemory() *MemoryConfirmation {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.PendingMemory == nil {
		return nil
	}
	m := *t.state.PendingMemory
	return &m
}

func (t *tracker) snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state
	if st.PendingMemory != nil {
		m := *st.PendingMemory
		st.PendingMemory = &m
	}
	return st
}

func (t *tracker) publish(st State) {
	events.Emit(t.bus, events.EventGenerationState, events.GenerationState{
		Loading:   st.Loading,
		Streaming: st.Streaming,
		Task:      string(st.Task),
	})
}
