// Package live implements the real-time voice conversation: microphone audio
// streams to the voice backend while synthesized speech is scheduled for
// gapless playback and both transcripts are mirrored into the message log.
package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/realtime-ai/realtime-chat/pkg/audio"
	"github.com/realtime-ai/realtime-chat/pkg/chatlog"
	"github.com/realtime-ai/realtime-chat/pkg/events"
	"github.com/realtime-ai/realtime-chat/pkg/trace"
)

const (
	DefaultSystemInstruction = "You are Jiam, a voice assistant in a real-time conversation. Your responses MUST be concise, conversational, and spoken naturally. Avoid long paragraphs or lists. Use short sentences to keep the dialogue flowing. When the user speaks, you listen. When they pause, you respond."
	DefaultModel             = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultSendQueueSize     = 8
)

// Config configures a Session.
type Config struct {
	Model             string
	SystemInstruction string
	// FrameSize is the number of capture samples per outbound chunk.
	FrameSize int
	// SendQueueSize bounds outbound chunks waiting for the network. A chunk
	// arriving at a full queue is dropped.
	SendQueueSize int
}

// DefaultConfig returns the standard live configuration.
func DefaultConfig() Config {
	return Config{
		Model:             DefaultModel,
		SystemInstruction: DefaultSystemInstruction,
		FrameSize:         audio.CaptureFrameSize,
		SendQueueSize:     DefaultSendQueueSize,
	}
}

// Deps are the collaborators of a Session. Bus may be nil.
type Deps struct {
	Dialer  Dialer
	Devices Devices
	Log     *chatlog.Log
	Bus     events.Bus
}

// Transcript is the text of the current turn so far.
type Transcript struct {
	User      string
	Assistant string
}

// Session is a live voice conversation. Start and Stop may be called from
// any goroutine; Stop is idempotent.
type Session struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	phase    Phase
	speaking Speaker
	pending  bool
	run      *liveRun
}

// liveRun owns every resource of one connection.
type liveRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	span   oteltrace.Span

	conn      Conn
	capture   Capture
	playback  Playback
	framer    *audio.Framer
	scheduler *Scheduler
	outbound  chan audio.Blob

	user, assistant    strings.Builder
	userMsgID, aiMsgID string
	dropped            int
}

// New creates a disconnected session.
func New(cfg Config, deps Deps) *Session {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.SystemInstruction == "" {
		cfg.SystemInstruction = def.SystemInstruction
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = def.FrameSize
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	return &Session{cfg: cfg, deps: deps}
}

// Phase returns the connection phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Speaking returns who is talking.
func (s *Session) Speaking() Speaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Transcript returns the accumulated text of the current turn.
func (s *Session) Transcript() Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return Transcript{}
	}
	return Transcript{User: s.run.user.String(), Assistant: s.run.assistant.String()}
}

// Start acquires the microphone and connects to the voice backend. It is a
// no-op while connecting or connected. A microphone failure leaves the
// session disconnected with nothing allocated.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseDisconnected || s.pending {
		s.mu.Unlock()
		return nil
	}
	s.pending = true
	s.mu.Unlock()

	capture, err := s.deps.Devices.OpenCapture(ctx, audio.CaptureSampleRate)
	if err != nil {
		s.mu.Lock()
		s.pending = false
		s.mu.Unlock()
		log.Printf("[Live] open microphone: %v", err)
		events.Notify(s.deps.Bus, events.LevelError, "Could not access microphone. Please check permissions.")
		return fmt.Errorf("open microphone: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	runCtx, span := trace.InstrumentLiveSession(runCtx, s.cfg.Model)
	run := &liveRun{
		ctx:      runCtx,
		cancel:   cancel,
		span:     span,
		capture:  capture,
		outbound: make(chan audio.Blob, s.cfg.SendQueueSize),
	}
	run.scheduler = NewScheduler(audio.PlaybackSampleRate, func() { go s.playbackIdle(run) })

	s.mu.Lock()
	s.pending = false
	s.run = run
	s.setPhaseLocked(PhaseConnecting)
	s.mu.Unlock()

	playback, err := s.deps.Devices.OpenPlayback(audio.PlaybackSampleRate, run.scheduler)
	if err != nil {
		return s.fail(run, fmt.Errorf("open playback: %w", err))
	}
	if !s.attach(run, func() { run.playback = playback }) {
		playback.Close()
		return nil
	}

	conn, err := s.deps.Dialer.Dial(runCtx, ConnectConfig{
		Model:             s.cfg.Model,
		SystemInstruction: s.cfg.SystemInstruction,
		InputSampleRate:   audio.CaptureSampleRate,
		OutputSampleRate:  audio.PlaybackSampleRate,
	})
	if err != nil {
		return s.fail(run, fmt.Errorf("connect: %w", err))
	}
	if !s.attach(run, func() { run.conn = conn }) {
		conn.Close()
		return nil
	}

	s.open(run)
	return nil
}

// open wires capture into the connection and starts the receive loop.
func (s *Session) open(run *liveRun) {
	rate := run.capture.SampleRate()
	framer := audio.NewFramer(s.cfg.FrameSize, func(frame []float32) {
		blob := audio.EncodeBlob(audio.Downsample(frame, rate, audio.CaptureSampleRate))
		select {
		case run.outbound <- blob:
		default:
			run.dropped++
			if run.dropped%50 == 1 {
				log.Printf("[Live] send queue full, dropped %d frames", run.dropped)
			}
		}
	})
	if !s.attach(run, func() { run.framer = framer }) {
		return
	}

	go func() {
		for {
			select {
			case <-run.ctx.Done():
				return
			case samples, ok := <-run.capture.Samples():
				if !ok {
					return
				}
				framer.Write(samples)
			}
		}
	}()

	go func() {
		for {
			select {
			case <-run.ctx.Done():
				return
			case blob := <-run.outbound:
				if err := run.conn.SendRealtimeInput(blob); err != nil && run.ctx.Err() == nil {
					log.Printf("[Live] send audio: %v", err)
				}
			}
		}
	}()

	go s.receive(run)

	s.mu.Lock()
	if s.run == run {
		s.setPhaseLocked(PhaseConnected)
		log.Printf("[Live] connected")
	}
	s.mu.Unlock()
}

func (s *Session) receive(run *liveRun) {
	for {
		msg, err := run.conn.Recv()
		if err != nil {
			if run.ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				log.Printf("[Live] connection closed by server")
				if s.stop(run) {
					events.Notify(s.deps.Bus, events.LevelInfo, "Live conversation ended.")
				}
				return
			}
			s.fail(run, err)
			return
		}
		s.handle(run, msg)
	}
}

func (s *Session) handle(run *liveRun, msg *ServerMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != run {
		return
	}

	if msg.InputTranscript != "" {
		s.setSpeakingLocked(SpeakerUser)
		run.user.WriteString(msg.InputTranscript)
		run.userMsgID = s.mirror(run.userMsgID, chatlog.SenderUser, chatlog.KindLiveUser, run.user.String())
	}
	if msg.OutputTranscript != "" {
		s.setSpeakingLocked(SpeakerAssistant)
		run.assistant.WriteString(msg.OutputTranscript)
		run.aiMsgID = s.mirror(run.aiMsgID, chatlog.SenderAssistant, chatlog.KindLiveAssistant, run.assistant.String())
	}
	for _, blob := range msg.Audio {
		buf, err := audio.DecodeBuffer(blob.Data, audio.PlaybackSampleRate)
		if err != nil {
			log.Printf("[Live] %v", err)
			continue
		}
		run.scheduler.Schedule(buf)
	}
	if msg.Interrupted {
		n := run.scheduler.Interrupt()
		trace.AddEvent(run.span, "live.interrupted")
		log.Printf("[Live] interrupted, discarded %d buffers", n)
	}
	if msg.TurnComplete {
		s.setSpeakingLocked(SpeakerNone)
		s.finalizeLocked(run)
	}
}

// mirror creates the live message for a transcript on first use and keeps
// its content in step with the transcript afterwards.
func (s *Session) mirror(id string, sender chatlog.Sender, kind chatlog.Kind, text string) string {
	if s.deps.Log == nil {
		return id
	}
	if id == "" {
		m, err := s.deps.Log.Append(sender, kind, chatlog.Text(text))
		if err != nil {
			log.Printf("[Live] append transcript: %v", err)
			return ""
		}
		return m.ID
	}
	if _, err := s.deps.Log.Update(id, chatlog.Patch{Content: chatlog.Text(text)}); err != nil {
		log.Printf("[Live] update transcript: %v", err)
	}
	return id
}

// finalizeLocked rewrites open live messages to plain text and starts a
// fresh turn.
func (s *Session) finalizeLocked(run *liveRun) {
	for _, id := range []string{run.userMsgID, run.aiMsgID} {
		if id == "" || s.deps.Log == nil {
			continue
		}
		kind := chatlog.KindText
		if _, err := s.deps.Log.Update(id, chatlog.Patch{Kind: &kind}); err != nil {
			log.Printf("[Live] finalize transcript: %v", err)
		}
	}
	run.user.Reset()
	run.assistant.Reset()
	run.userMsgID, run.aiMsgID = "", ""
}

func (s *Session) playbackIdle(run *liveRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == run && s.speaking == SpeakerAssistant && run.scheduler.Pending() == 0 {
		s.setSpeakingLocked(SpeakerNone)
	}
}

// Stop ends the session from any phase.
func (s *Session) Stop() {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run != nil {
		s.stop(run)
	}
}

func (s *Session) fail(run *liveRun, err error) error {
	log.Printf("[Live] %v", err)
	trace.RecordError(run.span, err)
	if s.stop(run) {
		events.Notify(s.deps.Bus, events.LevelError, "Live conversation error. Please try again.")
	}
	return err
}

// stop releases run and reports whether it was still the active run.
func (s *Session) stop(run *liveRun) bool {
	s.mu.Lock()
	if s.run != run {
		s.mu.Unlock()
		return false
	}
	s.run = nil
	s.finalizeLocked(run)
	s.setSpeakingLocked(SpeakerNone)
	s.setPhaseLocked(PhaseDisconnected)
	conn, capture, playback, framer := run.conn, run.capture, run.playback, run.framer
	s.mu.Unlock()

	run.cancel()
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Printf("[Live] close connection: %v", err)
		}
	}
	if framer != nil {
		framer.Discard()
	}
	if capture != nil {
		if err := capture.Close(); err != nil {
			log.Printf("[Live] close microphone: %v", err)
		}
	}
	if playback != nil {
		if err := playback.Close(); err != nil {
			log.Printf("[Live] close playback: %v", err)
		}
	}
	run.scheduler.Interrupt()
	run.span.End()
	log.Printf("[Live] stopped")
	return true
}

// attach runs fn while run is still active.
func (s *Session) attach(run *liveRun, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != run {
		return false
	}
	fn()
	return true
}

func (s *Session) setPhaseLocked(p Phase) {
	if s.phase == p {
		return
	}
	s.phase = p
	events.Emit(s.deps.Bus, events.EventLiveState, events.LiveState{Phase: p.String()})
}

func (s *Session) setSpeakingLocked(who Speaker) {
	if s.speaking == who {
		return
	}
	s.speaking = who
	events.Emit(s.deps.Bus, events.EventSpeaking, events.Speaking{Who: who.String()})
}
