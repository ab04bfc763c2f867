package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/realtime-ai/realtime-chat/pkg/audio"
	"github.com/realtime-ai/realtime-chat/pkg/signaling"
)

const (
	DefaultOpusBitRate = 32000
	frameDuration      = 20 * time.Millisecond
	maxOpusPacket      = 1275
)

// PionConfig configures peers built on pion/webrtc.
type PionConfig struct {
	ICEServers []string
	BitRate    int
}

// DefaultPionConfig returns a configuration using Google's public STUN servers.
func DefaultPionConfig() PionConfig {
	return PionConfig{
		ICEServers: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		BitRate:    DefaultOpusBitRate,
	}
}

// PionPeerFactory creates opus audio peers.
type PionPeerFactory struct {
	cfg PionConfig
}

var _ PeerFactory = (*PionPeerFactory)(nil)

// NewPionPeerFactory creates a factory for cfg.
func NewPionPeerFactory(cfg PionConfig) *PionPeerFactory {
	if cfg.BitRate <= 0 {
		cfg.BitRate = DefaultOpusBitRate
	}
	return &PionPeerFactory{cfg: cfg}
}

// NewPeer creates a peer connection with one sendrecv opus audio track.
func (f *PionPeerFactory) NewPeer() (Peer, error) {
	rtcCfg := webrtc.Configuration{}
	if len(f.cfg.ICEServers) > 0 {
		rtcCfg.ICEServers = []webrtc.ICEServer{{URLs: f.cfg.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(rtcCfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: audio.CallSampleRate,
		Channels:  audio.Channels,
	}, "audio", "realtime-chat")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("new local track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("add local track: %w", err)
	}

	encoder, err := opus.NewEncoder(audio.CallSampleRate, audio.Channels, opus.AppVoIP)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	encoder.SetBitrate(f.cfg.BitRate)
	encoder.SetDTX(true)

	ctx, cancel := context.WithCancel(context.Background())
	p := &pionPeer{
		pc:      pc,
		track:   track,
		encoder: encoder,
		handler: NoOpPeerEventHandler{},
		ctx:     ctx,
		cancel:  cancel,
	}

	// RTCP has to be drained for interceptors to work.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		p.eventHandler().OnICECandidate(signaling.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.eventHandler().OnConnectionStateChange(mapWebRTCState(state))
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("[Call] OnTrack: %v, codec: %v", remote.ID(), remote.Codec().MimeType)
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		decoder, err := opus.NewDecoder(audio.CallSampleRate, audio.Channels)
		if err != nil {
			log.Printf("[Call] opus decoder: %v", err)
			return
		}
		rt := &pionRemoteTrack{id: remote.ID(), frames: make(chan []byte, 50)}
		p.wg.Add(1)
		go p.readRemoteAudio(remote, decoder, rt)
		p.eventHandler().OnTrack(rt)
	})

	return p, nil
}

type pionPeer struct {
	pc      *webrtc.PeerConnection
	track   *webrtc.TrackLocalStaticSample
	encoder *opus.Encoder

	mu      sync.RWMutex
	handler PeerEventHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ Peer = (*pionPeer)(nil)

func (p *pionPeer) RegisterEventHandler(h PeerEventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *pionPeer) eventHandler() PeerEventHandler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handler
}

// AddLocalMedia encodes the frames of m onto the local track until the peer
// closes or m stops.
func (p *pionPeer) AddLocalMedia(m LocalMedia) error {
	if m == nil {
		return errors.New("nil local media")
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		packet := make([]byte, maxOpusPacket)
		for {
			var frame []byte
			var ok bool
			select {
			case <-p.ctx.Done():
				return
			case frame, ok = <-m.Frames():
				if !ok {
					return
				}
			}
			n, err := p.encoder.Encode(audio.PCM16ToInt16(frame), packet)
			if err != nil {
				log.Printf("[Call] opus encode: %v", err)
				continue
			}
			data := append([]byte(nil), packet[:n]...)
			if err := p.track.WriteSample(media.Sample{Data: data, Duration: frameDuration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				log.Printf("[Call] write audio sample: %v", err)
			}
		}
	}()
	return nil
}

func (p *pionPeer) CreateOffer(ctx context.Context) (signaling.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return signaling.SessionDescription{}, err
	}
	return toSignaling(offer), nil
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (signaling.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return signaling.SessionDescription{}, err
	}
	return toSignaling(answer), nil
}

func (p *pionPeer) SetRemoteDescription(sd signaling.SessionDescription) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	})
}

func (p *pionPeer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *pionPeer) AddICECandidate(c signaling.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) SignalingState() SignalingState {
	switch p.pc.SignalingState() {
	case webrtc.SignalingStateHaveLocalOffer:
		return SignalingHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer:
		return SignalingHaveRemoteOffer
	case webrtc.SignalingStateClosed:
		return SignalingClosed
	default:
		return SignalingStable
	}
}

func (p *pionPeer) Close() error {
	var err error
	p.once.Do(func() {
		p.cancel()
		err = p.pc.Close()
		p.wg.Wait()
	})
	return err
}

func (p *pionPeer) readRemoteAudio(remote *webrtc.TrackRemote, decoder *opus.Decoder, rt *pionRemoteTrack) {
	defer p.wg.Done()
	defer close(rt.frames)

	pcm := make([]int16, audio.CallSampleRate*60/1000)
	for {
		packet, _, err := remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && p.ctx.Err() == nil {
				log.Printf("[Call] read remote audio: %v", err)
			}
			return
		}
		if len(packet.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(packet.Payload, pcm)
		if err != nil {
			log.Printf("[Call] opus decode: %v", err)
			continue
		}
		select {
		case rt.frames <- audio.Int16ToPCM16(pcm[:n]):
		default:
		}
	}
}

type pionRemoteTrack struct {
	id     string
	frames chan []byte
}

func (t *pionRemoteTrack) ID() string            { return t.id }
func (t *pionRemoteTrack) Frames() <-chan []byte { return t.frames }

func toSignaling(sd webrtc.SessionDescription) signaling.SessionDescription {
	return signaling.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}
}

// mapWebRTCState maps WebRTC PeerConnectionState to ConnectionState.
func mapWebRTCState(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ConnectionStateNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectionStateClosed
	default:
		return ConnectionStateFailed
	}
}
