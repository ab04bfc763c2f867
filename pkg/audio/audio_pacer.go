package audio

import (
	"log"
	"sync"
)

const (
	// CallSampleRate is the PCM rate of call media (opus native rate).
	CallSampleRate = 48000
	// FrameDurationMs is the pacer frame length.
	FrameDurationMs = 20
	// prerollFrames is how much audio is buffered before output resumes after Clear.
	prerollFrames = 5
)

// PacerConfig configures an AudioPacer.
type PacerConfig struct {
	SampleRate int
	Channels   int
}

// DefaultPacerConfig returns the call media configuration.
func DefaultPacerConfig() PacerConfig {
	return PacerConfig{
		SampleRate: CallSampleRate,
		Channels:   Channels,
	}
}

// AudioPacer decouples bursty PCM producers from a device or encoder that
// pulls fixed 20ms frames. Missing data reads as silence.
type AudioPacer struct {
	mu           sync.Mutex
	buffer       []byte
	accumulating bool

	sampleRate    int
	channels      int
	bytesPerFrame int
}

// NewAudioPacer creates a pacer with the given configuration.
func NewAudioPacer(cfg PacerConfig) *AudioPacer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = CallSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = Channels
	}

	samplesPerFrame := cfg.SampleRate * FrameDurationMs / 1000
	bytesPerFrame := samplesPerFrame * BytesPerSample * cfg.Channels

	return &AudioPacer{
		buffer:        make([]byte, 0, bytesPerFrame*50),
		sampleRate:    cfg.SampleRate,
		channels:      cfg.Channels,
		bytesPerFrame: bytesPerFrame,
	}
}

// Write appends PCM bytes.
func (ap *AudioPacer) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ap.buffer = append(ap.buffer, data...)
}

// ReadFrame returns exactly one frame, padding with silence.
func (ap *AudioPacer) ReadFrame() []byte {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	frame := make([]byte, ap.bytesPerFrame)

	if ap.accumulating {
		if len(ap.buffer) < ap.bytesPerFrame*prerollFrames {
			return frame
		}
		ap.accumulating = false
	}

	if len(ap.buffer) >= ap.bytesPerFrame {
		copy(frame, ap.buffer[:ap.bytesPerFrame])
		ap.buffer = ap.buffer[ap.bytesPerFrame:]
	} else if len(ap.buffer) > 0 {
		copy(frame, ap.buffer)
		ap.buffer = ap.buffer[:0]
	}
	return frame
}

// Clear drops buffered audio and waits for a preroll before output resumes.
func (ap *AudioPacer) Clear() {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	if len(ap.buffer) > 0 {
		log.Printf("[AudioPacer] clear %d buffered bytes", len(ap.buffer))
	}
	ap.buffer = ap.buffer[:0]
	ap.accumulating = true
}

// Available returns the number of buffered bytes.
func (ap *AudioPacer) Available() int {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return len(ap.buffer)
}

// BytesPerFrame returns the frame size in bytes.
func (ap *AudioPacer) BytesPerFrame() int {
	return ap.bytesPerFrame
}

// SamplesPerFrame returns the frame size in samples per channel.
func (ap *AudioPacer) SamplesPerFrame() int {
	return ap.bytesPerFrame / BytesPerSample / ap.channels
}

// SampleRate returns the configured rate.
func (ap *AudioPacer) SampleRate() int {
	return ap.sampleRate
}
