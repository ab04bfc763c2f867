package live

import (
	"context"

	"github.com/realtime-ai/realtime-chat/pkg/audio"
)

// Phase is the connection lifecycle of a live session.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Speaker is who is talking while connected.
type Speaker int

const (
	SpeakerNone Speaker = iota
	SpeakerUser
	SpeakerAssistant
)

func (s Speaker) String() string {
	switch s {
	case SpeakerUser:
		return "user"
	case SpeakerAssistant:
		return "assistant"
	default:
		return "none"
	}
}

// ConnectConfig is what the session declares when it opens a connection.
// The response modality is always audio with both transcriptions enabled.
type ConnectConfig struct {
	Model             string
	SystemInstruction string
	InputSampleRate   int
	OutputSampleRate  int
}

// ServerMessage is one inbound realtime message. Every field may be set at
// the same time.
type ServerMessage struct {
	InputTranscript  string
	OutputTranscript string
	Audio            []audio.Blob
	Interrupted      bool
	TurnComplete     bool
}

// Conn is an open realtime connection to the voice backend.
type Conn interface {
	SendRealtimeInput(b audio.Blob) error
	// Recv blocks for the next message. It returns io.EOF when the server
	// closes the connection.
	Recv() (*ServerMessage, error)
	Close() error
}

// Dialer opens realtime connections.
type Dialer interface {
	Dial(ctx context.Context, cfg ConnectConfig) (Conn, error)
}

// Capture is an open microphone. Samples delivers float samples at
// SampleRate and is closed when capture stops.
type Capture interface {
	Samples() <-chan []float32
	SampleRate() int
	Close() error
}

// PlaybackSource produces output samples on demand.
type PlaybackSource interface {
	// Read fills out with 16-bit mono PCM.
	Read(out []byte)
}

// Playback is an open output device pulling from a PlaybackSource.
type Playback interface {
	Close() error
}

// Devices opens the audio contexts of a live session.
type Devices interface {
	OpenCapture(ctx context.Context, sampleRate int) (Capture, error)
	OpenPlayback(sampleRate int, src PlaybackSource) (Playback, error)
}
