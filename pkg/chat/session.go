// Package chat implements the generation orchestrator: it drives multi-turn
// streaming generation with one-hop tool calls, memory directives and
// cancellation, writing every result into a chatlog.Log.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/realtime-ai/realtime-chat/pkg/chatlog"
	"github.com/realtime-ai/realtime-chat/pkg/events"
	"github.com/realtime-ai/realtime-chat/pkg/signaling"
	"github.com/realtime-ai/realtime-chat/pkg/store"
	"github.com/realtime-ai/realtime-chat/pkg/tools"
)

var (
	// ErrBusy is returned while a generation is loading or streaming.
	ErrBusy = errors.New("a response is already being generated")
	// ErrMemoryPending is returned while a memory confirmation awaits a decision.
	ErrMemoryPending = errors.New("a memory confirmation is pending")
	// ErrEmptyPrompt is returned for a send with no text and no attachment.
	ErrEmptyPrompt = errors.New("empty prompt")
	// ErrNoUserPrompt is returned by Regenerate when the log has no user message.
	ErrNoUserPrompt = errors.New("no user prompt found to regenerate")
	// ErrRegenerateUnsupported is returned by Regenerate for attachment turns.
	ErrRegenerateUnsupported = errors.New("regenerating responses for file uploads is not supported")
	// ErrNoPendingMemory is returned by ConfirmMemory with nothing to confirm.
	ErrNoPendingMemory = errors.New("no pending memory")
)

// GuestName is the identity used when nobody is signed in.
const GuestName = "Guest"

// Identity is the signed-in user.
type Identity struct {
	Username string
}

// IsGuest reports whether the identity has no persistent account.
func (id Identity) IsGuest() bool {
	return id.Username == "" || id.Username == GuestName
}

// Config tunes a Session.
type Config struct {
	// Thinking requests extended reasoning from the backend.
	Thinking bool
	// ContextWindow bounds the number of prior messages sent as history.
	ContextWindow int
	// VideoPollInterval is the period between video status polls.
	VideoPollInterval time.Duration
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		ContextWindow:     20,
		VideoPollInterval: 10 * time.Second,
	}
}

// Deps are the collaborators of a Session. Store, Images, Lyrics and Bus
// may be nil.
type Deps struct {
	Backend Backend
	Images  tools.ImageGenerator
	Lyrics  tools.LyricsFetcher
	Store   store.Store
	Bus     events.Bus
	// Log is shared with other writers such as the live session. A new log
	// is created when nil.
	Log *chatlog.Log
}

// Attachment is a staged image or file.
type Attachment struct {
	Name     string
	MIMEType string
	Data     []byte
}

// SendRequest is one user submission.
type SendRequest struct {
	Prompt string
	// ImageAPI selects the image service hint; empty means all.
	ImageAPI string
	// Image, when set, is edited according to Prompt instead of chatting.
	Image *Attachment
	// File, when set, is sent to the model alongside Prompt.
	File *Attachment
}

// Session is one user's chat.
type Session struct {
	cfg     Config
	user    Identity
	backend Backend
	images  tools.ImageGenerator
	lyrics  tools.LyricsFetcher
	store   store.Store
	bus     events.Bus
	log     *chatlog.Log
	tracker *tracker
	videos  *VideoPoller

	mu         sync.Mutex
	thinking   bool
	stopWatch  func()
	persisting bool
}

// NewSession creates a session for user.
func NewSession(cfg Config, user Identity, deps Deps) *Session {
	def := DefaultConfig()
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = def.ContextWindow
	}
	if cfg.VideoPollInterval <= 0 {
		cfg.VideoPollInterval = def.VideoPollInterval
	}
	l := deps.Log
	if l == nil {
		l = chatlog.NewLog()
	}
	return &Session{
		cfg:      cfg,
		user:     user,
		backend:  deps.Backend,
		images:   deps.Images,
		lyrics:   deps.Lyrics,
		store:    deps.Store,
		bus:      deps.Bus,
		log:      l,
		tracker:  newTracker(deps.Bus),
		videos:   NewVideoPoller(deps.Backend, l, deps.Bus, cfg.VideoPollInterval),
		thinking: cfg.Thinking,
	}
}

// Log returns the message log.
func (s *Session) Log() *chatlog.Log { return s.log }

// User returns the session identity.
func (s *Session) User() Identity { return s.user }

// State returns the current generation flags.
func (s *Session) State() State { return s.tracker.snapshot() }

// SetThinking toggles extended reasoning for subsequent generations.
func (s *Session) SetThinking(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thinking = on
}

func (s *Session) thinkingEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thinking
}

// Load fills the log with the saved history, or a welcome message when there
// is none, and starts persisting changes for signed-in users. Videos still
// rendering in the restored history resume polling.
func (s *Session) Load(ctx context.Context) error {
	if s.user.IsGuest() || s.store == nil {
		s.log.Reset([]chatlog.Message{s.systemMessage(
			"Hey there! I'm Jiam. Ask me anything. Sign up to save your chats!")})
		return nil
	}

	history, err := s.store.History(ctx, s.user.Username)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", s.user.Username, err)
	}
	if len(history) == 0 {
		s.log.Reset([]chatlog.Message{s.systemMessage(
			fmt.Sprintf("Welcome back, %s! What's on your mind?", s.user.Username))})
	} else {
		s.log.Reset(history)
	}
	s.enablePersistence()

	for _, m := range history {
		if v, ok := m.Content.(chatlog.Video); ok && v.State == chatlog.VideoLoading && v.OperationName != "" {
			s.videos.Start(m.ID, VideoOperation{Name: v.OperationName}, v.Prompt)
		}
	}
	return nil
}

func (s *Session) enablePersistence() {
	s.mu.Lock()
	if s.persisting {
		s.mu.Unlock()
		return
	}
	s.persisting = true
	s.mu.Unlock()

	user := s.user.Username
	st := s.store
	s.log.SetPersister(func(msgs []chatlog.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := st.SaveHistory(ctx, user, msgs); err != nil {
			log.Printf("[Chat] save history for %s: %v", user, err)
		}
	})
}

// Stop cancels the active generation. Text already written stays; nothing
// more is written by that generation once Stop returns.
func (s *Session) Stop() {
	if s.tracker.cancel() {
		log.Printf("[Chat] generation stopped")
	}
}

// ConfirmMemory saves the pending fact and reports the outcome in the log.
func (s *Session) ConfirmMemory(ctx context.Context) error {
	if s.user.IsGuest() || s.store == nil {
		s.tracker.takePendingMemory()
		return ErrNoPendingMemory
	}
	m := s.tracker.pendingMemory()
	if m == nil {
		return ErrNoPendingMemory
	}
	defer s.tracker.takePendingMemory()

	if err := s.store.AppendMemory(ctx, s.user.Username, m.Fact); err != nil {
		log.Printf("[Chat] save memory for %s: %v", s.user.Username, err)
		s.appendSystem("Sorry, I had trouble saving that memory.")
		return fmt.Errorf("save memory: %w", err)
	}
	s.appendSystem(fmt.Sprintf("Got it. I'll remember: \"%s\"", m.Fact))
	return nil
}

// RejectMemory discards the pending fact.
func (s *Session) RejectMemory() {
	s.tracker.takePendingMemory()
}

// StartNewChat stops all work in progress and resets the log to a welcome
// message.
func (s *Session) StartNewChat(ctx context.Context) {
	s.Stop()
	s.videos.StopAll()
	s.tracker.takePendingMemory()
	s.log.Reset([]chatlog.Message{s.systemMessage("New chat started. How can I help you?")})
}

// DeleteMessage removes a message and cancels its video poll, if any.
func (s *Session) DeleteMessage(id string) error {
	s.videos.Stop(id)
	return s.log.Delete(id)
}

// TogglePin flips the pinned flag of a message.
func (s *Session) TogglePin(id string) error {
	m, ok := s.log.Get(id)
	if !ok {
		return chatlog.ErrMessageNotFound
	}
	pinned := !m.Pinned
	_, err := s.log.Update(id, chatlog.Patch{Pinned: &pinned})
	return err
}

// ToggleArchive flips the archived flag of a message.
func (s *Session) ToggleArchive(id string) error {
	m, ok := s.log.Get(id)
	if !ok {
		return chatlog.ErrMessageNotFound
	}
	archived := !m.Archived
	_, err := s.log.Update(id, chatlog.Patch{Archived: &archived})
	return err
}

// WatchBroadcasts mirrors the broadcast list of ch into the log until the
// returned stop function is called or the session closes.
func (s *Session) WatchBroadcasts(ctx context.Context, ch signaling.Channel) (func(), error) {
	unsub, err := ch.SubscribeBroadcasts(ctx, func(list []signaling.Broadcast) {
		msgs := make([]chatlog.Message, 0, len(list))
		for _, b := range list {
			msgs = append(msgs, chatlog.Message{
				ID:        "broadcast-" + b.ID,
				Sender:    chatlog.SenderAssistant,
				Kind:      chatlog.KindBroadcast,
				Content:   chatlog.Text(b.Text),
				Timestamp: b.Timestamp,
			})
		}
		s.log.ReplaceBroadcasts(msgs)
	})
	if err != nil {
		return nil, fmt.Errorf("watch broadcasts: %w", err)
	}

	var once sync.Once
	stop := func() { once.Do(unsub) }
	s.mu.Lock()
	prev := s.stopWatch
	s.stopWatch = stop
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
	return stop, nil
}

// Close stops generation, video polling and broadcast watching, then waits
// for the last history snapshot to be saved.
func (s *Session) Close() {
	s.Stop()
	s.videos.StopAll()
	s.mu.Lock()
	stop := s.stopWatch
	s.stopWatch = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.log.Close()
}

func (s *Session) systemMessage(text string) chatlog.Message {
	return chatlog.Message{
		ID:        uuid.New().String(),
		Sender:    chatlog.SenderAssistant,
		Kind:      chatlog.KindSystem,
		Content:   chatlog.Text(text),
		Timestamp: time.Now(),
	}
}

func (s *Session) appendSystem(text string) {
	if _, err := s.log.Append(chatlog.SenderAssistant, chatlog.KindSystem, chatlog.Text(text)); err != nil {
		log.Printf("[Chat] append system message: %v", err)
	}
}

func (s *Session) notify(level events.Level, msg string) {
	events.Notify(s.bus, level, msg)
}
