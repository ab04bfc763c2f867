// Package call implements the point-to-point audio call state machine.
//
// A call is negotiated through a signaling.Channel record stored under the
// callee's identity: the caller writes its offer and candidates there, the
// callee answers into the same record, and removing the record ends the call
// for both sides.
//
//	Idle ──Initiate──▶ Outgoing ──remote track──▶ Connected
//	Idle ──offer seen─▶ Incoming ──Answer───────▶ Connected
//	any  ──Hangup / record removed / failure────▶ Idle
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/realtime-ai/realtime-chat/pkg/events"
	"github.com/realtime-ai/realtime-chat/pkg/signaling"
	"github.com/realtime-ai/realtime-chat/pkg/trace"
)

var (
	// ErrCallUnavailable is returned by Answer when the offer is gone.
	ErrCallUnavailable = errors.New("the call is no longer available")
	// ErrSelfCall is returned when the target is the local identity.
	ErrSelfCall = errors.New("cannot call yourself")
	// ErrConnectionFailed is reported when the peer connection fails.
	ErrConnectionFailed = errors.New("peer connection failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("call session closed")
)

// State is the lifecycle of a call.
type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	roleCaller = "caller"
	roleCallee = "callee"
)

// Config configures a Session.
type Config struct {
	// Identity is the local participant; incoming calls arrive under it.
	Identity string
	// WriteTimeout bounds signaling writes made from callbacks.
	WriteTimeout time.Duration
}

// Deps are the collaborators of a Session. Bus and OnRemoteTrack may be nil.
type Deps struct {
	Channel signaling.Channel
	Devices MediaDevices
	Peers   PeerFactory
	Bus     events.Bus
	// OnRemoteTrack is called once the peer's audio arrives.
	OnRemoteTrack func(RemoteTrack)
}

// Session is the call state machine of one local identity. At most one call
// is active at a time.
type Session struct {
	cfg     Config
	deps    Deps
	selfKey string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	epoch   uint64
	pending bool
	closed  bool
	role    string
	peer    string
	callKey string
	media   LocalMedia
	pc      Peer
	remote  RemoteTrack
	unsubs  []func()

	offerPublished bool
	answerApplied  bool
	localQueue     []signaling.ICECandidate
	applied        map[string]bool
	remoteQueue    []signaling.ICECandidate

	listenUnsub func()
}

// New creates an idle session for cfg.Identity.
func New(cfg Config, deps Deps) (*Session, error) {
	key, err := signaling.SanitizeKey(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("call identity: %w", err)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:     cfg,
		deps:    deps,
		selfKey: key,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// State returns the current call state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the remote identity of the current call, if any.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// RemoteTrack returns the peer's audio once connected.
func (s *Session) RemoteTrack() RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Listen watches the local identity's record for incoming offers.
func (s *Session) Listen(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.listenUnsub != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	unsub, err := s.deps.Channel.Subscribe(s.ctx, s.selfKey, s.onOwnRecord)
	if err != nil {
		return fmt.Errorf("listen for calls: %w", err)
	}

	s.mu.Lock()
	if s.closed || s.listenUnsub != nil {
		s.mu.Unlock()
		unsub()
		return nil
	}
	s.listenUnsub = unsub
	s.mu.Unlock()
	log.Printf("[Call] listening for calls to %s", s.cfg.Identity)
	return nil
}

func (s *Session) onOwnRecord(rec *signaling.CallRecord) {
	s.mu.Lock()
	switch {
	case s.state == StateIdle && !s.pending && rec != nil && rec.Offer != nil && rec.Answer == nil:
		s.epoch++
		s.resetCallLocked()
		s.role = roleCallee
		s.peer = rec.From
		s.callKey = s.selfKey
		from := s.setStateLocked(StateIncoming)
		peer := s.peer
		s.mu.Unlock()
		log.Printf("[Call] incoming call from %s", peer)
		s.publish(from, StateIncoming, peer)
		return

	case rec == nil && s.role == roleCallee && s.state != StateIdle:
		epoch := s.epoch
		s.mu.Unlock()
		s.remoteHangup(epoch)
		return
	}
	s.mu.Unlock()
}

// Initiate calls target. It is a no-op unless the session is idle.
func (s *Session) Initiate(ctx context.Context, target string) error {
	targetKey, err := signaling.SanitizeKey(target)
	if err != nil {
		return fmt.Errorf("call target: %w", err)
	}
	if targetKey == s.selfKey {
		return ErrSelfCall
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateIdle || s.pending {
		state := s.state
		s.mu.Unlock()
		log.Printf("[Call] initiate ignored in state %s", state)
		return nil
	}
	s.pending = true
	s.mu.Unlock()

	ctx, span := trace.InstrumentCallNegotiation(ctx, roleCaller, target)
	defer span.End()

	media, err := s.deps.Devices.AcquireAudio(ctx)
	if err != nil {
		s.mu.Lock()
		s.pending = false
		s.mu.Unlock()
		trace.RecordError(span, err)
		s.notify(events.LevelError, "Could not access the microphone.")
		return fmt.Errorf("acquire audio: %w", err)
	}

	s.mu.Lock()
	s.pending = false
	s.epoch++
	epoch := s.epoch
	s.resetCallLocked()
	s.role = roleCaller
	s.peer = target
	s.callKey = targetKey
	s.media = media
	from := s.setStateLocked(StateOutgoing)
	s.mu.Unlock()
	s.publish(from, StateOutgoing, target)
	log.Printf("[Call] calling %s", target)

	pc, err := s.deps.Peers.NewPeer()
	if err != nil {
		return s.fail(epoch, span, fmt.Errorf("create peer: %w", err))
	}
	if !s.attachPeer(epoch, pc) {
		pc.Close()
		return nil
	}
	pc.RegisterEventHandler(&peerHandler{s: s, epoch: epoch})
	if err := pc.AddLocalMedia(media); err != nil {
		return s.fail(epoch, span, fmt.Errorf("add local media: %w", err))
	}

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		return s.fail(epoch, span, fmt.Errorf("create offer: %w", err))
	}
	if !s.current(epoch) {
		return nil
	}
	if err := s.deps.Channel.Set(ctx, targetKey, signaling.CallRecord{Offer: &offer, From: s.cfg.Identity}); err != nil {
		return s.fail(epoch, span, fmt.Errorf("publish offer: %w", err))
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return nil
	}
	s.offerPublished = true
	queued := s.localQueue
	s.localQueue = nil
	s.mu.Unlock()
	for _, c := range queued {
		s.pushCandidate(targetKey, signaling.CallerCandidates, c)
	}

	unsub, err := s.deps.Channel.Subscribe(s.ctx, targetKey, func(rec *signaling.CallRecord) {
		s.onCallerRecord(epoch, rec)
	})
	if err != nil {
		return s.fail(epoch, span, fmt.Errorf("watch call record: %w", err))
	}
	s.addUnsub(epoch, unsub)
	return nil
}

func (s *Session) onCallerRecord(epoch uint64, rec *signaling.CallRecord) {
	if rec == nil {
		s.remoteHangup(epoch)
		return
	}

	s.mu.Lock()
	if epoch != s.epoch || s.pc == nil {
		s.mu.Unlock()
		return
	}
	pc := s.pc
	applyAnswer := rec.Answer != nil && !s.answerApplied && pc.SignalingState() != SignalingStable
	if applyAnswer {
		s.answerApplied = true
	}
	s.mu.Unlock()

	if applyAnswer {
		if err := pc.SetRemoteDescription(*rec.Answer); err != nil {
			s.fail(epoch, nil, fmt.Errorf("apply answer: %w", err))
			return
		}
		log.Printf("[Call] answer applied")
	}
	s.applyCandidates(epoch, rec, signaling.CalleeCandidates)
}

// Answer accepts the incoming call. It is a no-op unless a call is incoming.
func (s *Session) Answer(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateIncoming || s.pending {
		state := s.state
		s.mu.Unlock()
		log.Printf("[Call] answer ignored in state %s", state)
		return nil
	}
	s.pending = true
	epoch := s.epoch
	peer := s.peer
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pending = false
		s.mu.Unlock()
	}()

	ctx, span := trace.InstrumentCallNegotiation(ctx, roleCallee, peer)
	defer span.End()

	media, err := s.deps.Devices.AcquireAudio(ctx)
	if err != nil {
		trace.RecordError(span, err)
		s.notify(events.LevelError, "Could not access the microphone.")
		return fmt.Errorf("acquire audio: %w", err)
	}
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		media.Stop()
		return ErrCallUnavailable
	}
	s.media = media
	s.mu.Unlock()

	pc, err := s.deps.Peers.NewPeer()
	if err != nil {
		return s.fail(epoch, span, fmt.Errorf("create peer: %w", err))
	}
	if !s.attachPeer(epoch, pc) {
		pc.Close()
		return ErrCallUnavailable
	}
	pc.RegisterEventHandler(&peerHandler{s: s, epoch: epoch})
	if err := pc.AddLocalMedia(media); err != nil {
		return s.fail(epoch, span, fmt.Errorf("add local media: %w", err))
	}

	rec, err := s.deps.Channel.Get(ctx, s.selfKey)
	if err != nil {
		return s.fail(epoch, span, fmt.Errorf("read offer: %w", err))
	}
	if rec == nil || rec.Offer == nil {
		s.teardown(epoch, false)
		return ErrCallUnavailable
	}
	if err := pc.SetRemoteDescription(*rec.Offer); err != nil {
		return s.fail(epoch, span, fmt.Errorf("apply offer: %w", err))
	}

	unsub, err := s.deps.Channel.Subscribe(s.ctx, s.selfKey, func(rec *signaling.CallRecord) {
		if rec == nil {
			s.remoteHangup(epoch)
			return
		}
		s.applyCandidates(epoch, rec, signaling.CallerCandidates)
	})
	if err != nil {
		return s.fail(epoch, span, fmt.Errorf("watch call record: %w", err))
	}
	if !s.addUnsub(epoch, unsub) {
		return ErrCallUnavailable
	}

	answer, err := pc.CreateAnswer(ctx)
	if err != nil {
		return s.fail(epoch, span, fmt.Errorf("create answer: %w", err))
	}
	if err := s.deps.Channel.Update(ctx, s.selfKey, signaling.RecordPatch{Answer: &answer}); err != nil {
		return s.fail(epoch, span, fmt.Errorf("publish answer: %w", err))
	}

	s.connect(epoch)
	return nil
}

// Hangup ends the current call, if any, and removes its signaling record.
func (s *Session) Hangup(ctx context.Context) error {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()
	s.teardown(epoch, true)
	return nil
}

// Close ends any call and stops listening. The session cannot be reused.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	epoch := s.epoch
	unsub := s.listenUnsub
	s.listenUnsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.teardown(epoch, true)
	s.cancel()
	return nil
}

// applyCandidates adds the bucket's unseen candidates, holding them until a
// remote description exists.
func (s *Session) applyCandidates(epoch uint64, rec *signaling.CallRecord, bucket signaling.Bucket) {
	s.mu.Lock()
	if epoch != s.epoch || s.pc == nil {
		s.mu.Unlock()
		return
	}
	pc := s.pc
	for _, pushed := range rec.Candidates(bucket) {
		if s.applied[pushed.ID] {
			continue
		}
		s.applied[pushed.ID] = true
		s.remoteQueue = append(s.remoteQueue, pushed.Candidate)
	}
	var apply []signaling.ICECandidate
	if pc.HasRemoteDescription() {
		apply = s.remoteQueue
		s.remoteQueue = nil
	}
	s.mu.Unlock()

	for _, c := range apply {
		if err := pc.AddICECandidate(c); err != nil {
			log.Printf("[Call] add remote candidate: %v", err)
		}
	}
}

func (s *Session) pushCandidate(key string, bucket signaling.Bucket, c signaling.ICECandidate) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	defer cancel()
	if _, err := s.deps.Channel.PushCandidate(ctx, key, bucket, c); err != nil {
		log.Printf("[Call] publish local candidate: %v", err)
	}
}

func (s *Session) connect(epoch uint64) {
	s.mu.Lock()
	if epoch != s.epoch || s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	from := s.setStateLocked(StateConnected)
	peer := s.peer
	s.mu.Unlock()
	log.Printf("[Call] connected with %s", peer)
	s.publish(from, StateConnected, peer)
}

func (s *Session) remoteHangup(epoch uint64) {
	if s.teardown(epoch, false) {
		s.notify(events.LevelInfo, "Call ended.")
	}
}

func (s *Session) fail(epoch uint64, span oteltrace.Span, err error) error {
	log.Printf("[Call] %v", err)
	if span != nil {
		trace.RecordError(span, err)
	}
	if s.teardown(epoch, true) {
		s.notify(events.LevelError, "Call failed: "+err.Error())
	}
	return err
}

// teardown releases every resource of the call identified by epoch and
// returns to Idle. It reports whether it did anything. The signaling record
// is removed when local is set and this side owns or wrote it.
func (s *Session) teardown(epoch uint64, local bool) bool {
	s.mu.Lock()
	if epoch != s.epoch || s.state == StateIdle && s.pc == nil && s.media == nil {
		s.mu.Unlock()
		return false
	}
	s.epoch++
	pc, media, unsubs := s.pc, s.media, s.unsubs
	removeKey := ""
	if local && (s.role == roleCallee || s.offerPublished) {
		removeKey = s.callKey
	}
	peer := s.peer
	from := s.setStateLocked(StateIdle)
	s.resetCallLocked()
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Printf("[Call] close peer: %v", err)
		}
	}
	if media != nil {
		if err := media.Stop(); err != nil {
			log.Printf("[Call] stop local media: %v", err)
		}
	}
	if removeKey != "" {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		if err := s.deps.Channel.Remove(ctx, removeKey); err != nil {
			log.Printf("[Call] remove call record: %v", err)
		}
		cancel()
	}
	log.Printf("[Call] call with %s ended", peer)
	s.publish(from, StateIdle, "")
	return true
}

func (s *Session) resetCallLocked() {
	s.role = ""
	s.peer = ""
	s.callKey = ""
	s.media = nil
	s.pc = nil
	s.remote = nil
	s.unsubs = nil
	s.offerPublished = false
	s.answerApplied = false
	s.localQueue = nil
	s.applied = make(map[string]bool)
	s.remoteQueue = nil
}

func (s *Session) setStateLocked(to State) State {
	from := s.state
	s.state = to
	return from
}

func (s *Session) current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return epoch == s.epoch
}

func (s *Session) attachPeer(epoch uint64, pc Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	s.pc = pc
	return true
}

func (s *Session) addUnsub(epoch uint64, unsub func()) bool {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		unsub()
		return false
	}
	s.unsubs = append(s.unsubs, unsub)
	s.mu.Unlock()
	return true
}

func (s *Session) publish(from, to State, peer string) {
	if from == to {
		return
	}
	trace.InstrumentCallStateChange(s.ctx, from.String(), to.String())
	events.Emit(s.deps.Bus, events.EventCallState, events.CallState{State: to.String(), Peer: peer})
}

func (s *Session) notify(level events.Level, msg string) {
	events.Notify(s.deps.Bus, level, msg)
}

// peerHandler routes callbacks of one call's peer into the session. Calls
// from a torn-down peer are ignored.
type peerHandler struct {
	s     *Session
	epoch uint64
}

func (h *peerHandler) OnICECandidate(c signaling.ICECandidate) {
	s := h.s
	s.mu.Lock()
	if h.epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	if s.role == roleCaller && !s.offerPublished {
		s.localQueue = append(s.localQueue, c)
		s.mu.Unlock()
		return
	}
	key := s.callKey
	bucket := signaling.CallerCandidates
	if s.role == roleCallee {
		bucket = signaling.CalleeCandidates
	}
	s.mu.Unlock()
	s.pushCandidate(key, bucket, c)
}

func (h *peerHandler) OnTrack(track RemoteTrack) {
	s := h.s
	s.mu.Lock()
	if h.epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	s.remote = track
	s.mu.Unlock()

	log.Printf("[Call] remote track %s", track.ID())
	s.connect(h.epoch)
	if s.deps.OnRemoteTrack != nil {
		s.deps.OnRemoteTrack(track)
	}
}

func (h *peerHandler) OnConnectionStateChange(state ConnectionState) {
	log.Printf("[Call] peer connection %s", state)
	if state == ConnectionStateFailed {
		go h.s.fail(h.epoch, nil, ErrConnectionFailed)
	}
}
