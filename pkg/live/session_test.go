package live

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/realtime-chat/pkg/audio"
	"github.com/realtime-ai/realtime-chat/pkg/chatlog"
	"github.com/realtime-ai/realtime-chat/pkg/events"
)

type fakeConn struct {
	mu      sync.Mutex
	sent    []audio.Blob
	inbound chan *ServerMessage
	errs    chan error
	gate    chan struct{}
	closed  bool
	done    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan *ServerMessage, 16),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) SendRealtimeInput(b audio.Blob) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-c.done:
			return io.ErrClosedPipe
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, b)
	return nil
}

func (c *fakeConn) Recv() (*ServerMessage, error) {
	select {
	case m := <-c.inbound:
		return m, nil
	case err := <-c.errs:
		return nil, err
	case <-c.done:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeDialer struct {
	mu   sync.Mutex
	conn *fakeConn
	err  error
	cfgs []ConnectConfig
}

func (d *fakeDialer) Dial(ctx context.Context, cfg ConnectConfig) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfgs = append(d.cfgs, cfg)
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cfgs)
}

type fakeCapture struct {
	samples chan []float32
	mu      sync.Mutex
	closed  bool
}

func (c *fakeCapture) Samples() <-chan []float32 { return c.samples }
func (c *fakeCapture) SampleRate() int           { return audio.CaptureSampleRate }

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeCapture) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakePlayback struct {
	src    PlaybackSource
	mu     sync.Mutex
	closed bool
}

func (p *fakePlayback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePlayback) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeDevices struct {
	micErr      error
	playbackErr error
	capture     *fakeCapture
	playback    *fakePlayback
}

func (d *fakeDevices) OpenCapture(ctx context.Context, rate int) (Capture, error) {
	if d.micErr != nil {
		return nil, d.micErr
	}
	d.capture = &fakeCapture{samples: make(chan []float32, 64)}
	return d.capture, nil
}

func (d *fakeDevices) OpenPlayback(rate int, src PlaybackSource) (Playback, error) {
	if d.playbackErr != nil {
		return nil, d.playbackErr
	}
	d.playback = &fakePlayback{src: src}
	return d.playback, nil
}

type harness struct {
	session *Session
	log     *chatlog.Log
	conn    *fakeConn
	dialer  *fakeDialer
	devices *fakeDevices
	notes   chan events.Event
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	bus := events.NewEventBus()
	h := &harness{
		log:     chatlog.NewLog(),
		conn:    newFakeConn(),
		devices: &fakeDevices{},
		notes:   make(chan events.Event, 16),
	}
	h.dialer = &fakeDialer{conn: h.conn}
	bus.Subscribe(events.EventNotification, h.notes)
	h.session = New(cfg, Deps{Dialer: h.dialer, Devices: h.devices, Log: h.log, Bus: bus})
	t.Cleanup(h.session.Stop)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.Start(context.Background()))
	require.Equal(t, PhaseConnected, h.session.Phase())
}

func (h *harness) kinds() []chatlog.Kind {
	var out []chatlog.Kind
	for _, m := range h.log.Snapshot() {
		out = append(out, m.Kind)
	}
	return out
}

func (h *harness) note(t *testing.T) events.Notification {
	t.Helper()
	select {
	case e := <-h.notes:
		return e.Payload.(events.Notification)
	case <-time.After(time.Second):
		t.Fatal("no notification")
		return events.Notification{}
	}
}

func pcmBlob(n int) audio.Blob {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.25
	}
	return audio.Blob{Data: base64.StdEncoding.EncodeToString(audio.FloatToPCM16(samples))}
}

func TestStartStreamsMicrophoneFrames(t *testing.T) {
	h := newHarness(t, Config{FrameSize: 4})
	h.start(t)

	require.Len(t, h.dialer.cfgs, 1)
	cfg := h.dialer.cfgs[0]
	assert.Equal(t, DefaultSystemInstruction, cfg.SystemInstruction)
	assert.Equal(t, audio.CaptureSampleRate, cfg.InputSampleRate)
	assert.Equal(t, audio.PlaybackSampleRate, cfg.OutputSampleRate)

	h.devices.capture.samples <- []float32{0.1, 0.2, 0.3}
	h.devices.capture.samples <- []float32{0.4, 0.5}
	require.Eventually(t, func() bool { return h.conn.sentCount() == 1 }, time.Second, time.Millisecond)

	blob := h.conn.sent[0]
	assert.Equal(t, audio.CaptureMIMEType, blob.MIMEType)
	raw, err := base64.StdEncoding.DecodeString(blob.Data)
	require.NoError(t, err)
	assert.Len(t, raw, 4*audio.BytesPerSample)
}

func TestStartIsNoopWhileConnected(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	require.NoError(t, h.session.Start(context.Background()))
	assert.Equal(t, 1, h.dialer.dials())
}

func TestFullSendQueueDropsFrames(t *testing.T) {
	h := newHarness(t, Config{FrameSize: 1, SendQueueSize: 1})
	h.conn.gate = make(chan struct{})
	h.start(t)

	for i := 0; i < 32; i++ {
		select {
		case h.devices.capture.samples <- []float32{0.1}:
		case <-time.After(time.Second):
			t.Fatal("capture blocked on the network")
		}
	}
	require.Eventually(t, func() bool { return len(h.devices.capture.samples) == 0 }, time.Second, time.Millisecond)

	close(h.conn.gate)
	time.Sleep(20 * time.Millisecond)
	assert.Less(t, h.conn.sentCount(), 32)
}

func TestTranscriptsMirrorAndFinalize(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)

	h.conn.inbound <- &ServerMessage{InputTranscript: "Hello "}
	h.conn.inbound <- &ServerMessage{InputTranscript: "there"}
	h.conn.inbound <- &ServerMessage{OutputTranscript: "Hi!"}
	require.Eventually(t, func() bool { return h.session.Transcript().Assistant == "Hi!" }, time.Second, time.Millisecond)

	assert.Equal(t, "Hello there", h.session.Transcript().User)
	assert.Equal(t, SpeakerAssistant, h.session.Speaking())
	assert.Equal(t, []chatlog.Kind{chatlog.KindLiveUser, chatlog.KindLiveAssistant}, h.kinds())
	msgs := h.log.Snapshot()
	assert.Equal(t, "Hello there", msgs[0].Text())
	assert.Equal(t, chatlog.SenderUser, msgs[0].Sender)
	assert.Equal(t, chatlog.SenderAssistant, msgs[1].Sender)

	h.conn.inbound <- &ServerMessage{TurnComplete: true}
	require.Eventually(t, func() bool { return h.session.Transcript() == Transcript{} }, time.Second, time.Millisecond)
	assert.Equal(t, SpeakerNone, h.session.Speaking())
	assert.Equal(t, []chatlog.Kind{chatlog.KindText, chatlog.KindText}, h.kinds())

	h.conn.inbound <- &ServerMessage{InputTranscript: "Again"}
	require.Eventually(t, func() bool { return h.log.Len() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, chatlog.KindLiveUser, h.log.Snapshot()[2].Kind)
}

func TestAudioPlaybackAndInterruption(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	src := h.devices.playback.src.(*Scheduler)

	h.conn.inbound <- &ServerMessage{OutputTranscript: "Sure", Audio: []audio.Blob{pcmBlob(240), pcmBlob(240)}}
	require.Eventually(t, func() bool { return src.Pending() == 2 }, time.Second, time.Millisecond)

	src.Read(make([]byte, 480*audio.BytesPerSample))
	require.Eventually(t, func() bool { return h.session.Speaking() == SpeakerNone }, time.Second, time.Millisecond)

	h.conn.inbound <- &ServerMessage{Audio: []audio.Blob{pcmBlob(2400), pcmBlob(2400)}}
	require.Eventually(t, func() bool { return src.Pending() == 2 }, time.Second, time.Millisecond)
	src.Read(make([]byte, 100*audio.BytesPerSample))

	h.conn.inbound <- &ServerMessage{Interrupted: true, InputTranscript: "wait"}
	require.Eventually(t, func() bool { return src.Pending() == 0 }, time.Second, time.Millisecond)
	assert.Zero(t, src.Next())
	assert.Equal(t, SpeakerUser, h.session.Speaking())
}

func TestPlaybackEndDoesNotClearUserSpeaking(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	src := h.devices.playback.src.(*Scheduler)

	h.conn.inbound <- &ServerMessage{OutputTranscript: "Hi", Audio: []audio.Blob{pcmBlob(240)}}
	require.Eventually(t, func() bool { return src.Pending() == 1 }, time.Second, time.Millisecond)
	h.conn.inbound <- &ServerMessage{InputTranscript: "hey"}
	require.Eventually(t, func() bool { return h.session.Speaking() == SpeakerUser }, time.Second, time.Millisecond)

	src.Read(make([]byte, 240*audio.BytesPerSample))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, SpeakerUser, h.session.Speaking())
}

func TestStopFinalizesAndReleases(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)

	h.conn.inbound <- &ServerMessage{InputTranscript: "half a sent"}
	h.conn.inbound <- &ServerMessage{OutputTranscript: "half a reply"}
	require.Eventually(t, func() bool { return h.log.Len() == 2 }, time.Second, time.Millisecond)

	h.session.Stop()
	assert.Equal(t, PhaseDisconnected, h.session.Phase())
	assert.Equal(t, SpeakerNone, h.session.Speaking())
	assert.Equal(t, []chatlog.Kind{chatlog.KindText, chatlog.KindText}, h.kinds())
	assert.True(t, h.conn.isClosed())
	assert.True(t, h.devices.capture.isClosed())
	assert.True(t, h.devices.playback.isClosed())

	h.session.Stop()
	assert.Equal(t, PhaseDisconnected, h.session.Phase())
	assert.Empty(t, h.notes)
}

func TestMicrophoneDenied(t *testing.T) {
	h := newHarness(t, Config{})
	h.devices.micErr = errors.New("permission denied")

	err := h.session.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, PhaseDisconnected, h.session.Phase())
	assert.Zero(t, h.dialer.dials())
	assert.Nil(t, h.devices.playback)
	assert.Equal(t, events.LevelError, h.note(t).Level)
}

func TestDialFailureReleasesDevices(t *testing.T) {
	h := newHarness(t, Config{})
	h.dialer.err = errors.New("unauthorized")

	err := h.session.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, PhaseDisconnected, h.session.Phase())
	assert.True(t, h.devices.capture.isClosed())
	assert.True(t, h.devices.playback.isClosed())
	assert.Equal(t, events.LevelError, h.note(t).Level)
}

func TestConnectionLossStops(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		level events.Level
	}{
		{name: "server close", err: io.EOF, level: events.LevelInfo},
		{name: "transport error", err: errors.New("reset by peer"), level: events.LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.start(t)
			h.conn.inbound <- &ServerMessage{OutputTranscript: "cut"}
			require.Eventually(t, func() bool { return h.log.Len() == 1 }, time.Second, time.Millisecond)

			h.conn.errs <- tt.err
			require.Eventually(t, func() bool { return h.session.Phase() == PhaseDisconnected }, time.Second, time.Millisecond)
			assert.Equal(t, tt.level, h.note(t).Level)
			assert.Equal(t, []chatlog.Kind{chatlog.KindText}, h.kinds())
			assert.True(t, h.devices.capture.isClosed())
			assert.True(t, h.devices.playback.isClosed())
		})
	}
}

func TestRestartAfterStop(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	h.session.Stop()

	h.conn = newFakeConn()
	h.dialer.mu.Lock()
	h.dialer.conn = h.conn
	h.dialer.mu.Unlock()
	h.start(t)
	assert.Equal(t, 2, h.dialer.dials())
}
