package call

import (
	"context"

	"github.com/realtime-ai/realtime-chat/pkg/signaling"
)

// ConnectionState is the transport state of a peer connection.
type ConnectionState int

const (
	// ConnectionStateNew - Initial state, connection not yet started
	ConnectionStateNew ConnectionState = iota
	// ConnectionStateConnecting - Connection is being established
	ConnectionStateConnecting
	// ConnectionStateConnected - Connection is established and ready
	ConnectionStateConnected
	// ConnectionStateDisconnected - Connection temporarily lost (may reconnect)
	ConnectionStateDisconnected
	// ConnectionStateFailed - Connection failed permanently
	ConnectionStateFailed
	// ConnectionStateClosed - Connection closed by user or server
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SignalingState is the offer/answer negotiation state of a peer.
type SignalingState string

const (
	SignalingStable          SignalingState = "stable"
	SignalingHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingClosed          SignalingState = "closed"
)

// LocalMedia is an acquired microphone. Frames delivers 20ms frames of
// 16-bit mono PCM at 48 kHz until Stop is called.
type LocalMedia interface {
	Frames() <-chan []byte
	Stop() error
}

// MediaDevices acquires local capture for a call.
type MediaDevices interface {
	AcquireAudio(ctx context.Context) (LocalMedia, error)
}

// RemoteTrack is the peer's audio. Frames delivers decoded 16-bit mono PCM
// at 48 kHz and is closed when the track ends.
type RemoteTrack interface {
	ID() string
	Frames() <-chan []byte
}

// PeerEventHandler receives peer connection callbacks.
type PeerEventHandler interface {
	OnICECandidate(c signaling.ICECandidate)
	OnTrack(track RemoteTrack)
	OnConnectionStateChange(state ConnectionState)
}

// NoOpPeerEventHandler is a no-op implementation for convenience.
type NoOpPeerEventHandler struct{}

func (NoOpPeerEventHandler) OnICECandidate(signaling.ICECandidate)   {}
func (NoOpPeerEventHandler) OnTrack(RemoteTrack)                     {}
func (NoOpPeerEventHandler) OnConnectionStateChange(ConnectionState) {}

// Peer is one peer-to-peer audio connection.
type Peer interface {
	RegisterEventHandler(h PeerEventHandler)
	// AddLocalMedia sends the frames of m to the remote side.
	AddLocalMedia(m LocalMedia) error
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (signaling.SessionDescription, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer(ctx context.Context) (signaling.SessionDescription, error)
	SetRemoteDescription(sd signaling.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(c signaling.ICECandidate) error
	SignalingState() SignalingState
	Close() error
}

// PeerFactory creates peers.
type PeerFactory interface {
	NewPeer() (Peer, error)
}
