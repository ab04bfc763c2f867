package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// CaptureMIMEType tags outbound realtime audio chunks.
const CaptureMIMEType = "audio/pcm;rate=16000"

// ErrInvalidBuffer is returned for audio payloads that cannot form a buffer.
var ErrInvalidBuffer = errors.New("invalid audio buffer")

// Blob is a transport-safe audio chunk.
type Blob struct {
	Data     string // base64 of 16-bit little-endian PCM
	MIMEType string
}

// EncodeBlob quantizes one capture frame and wraps it as a Blob.
func EncodeBlob(samples []float32) Blob {
	return Blob{
		Data:     base64.StdEncoding.EncodeToString(FloatToPCM16(samples)),
		MIMEType: CaptureMIMEType,
	}
}

// DecodeBase64 returns the raw bytes of a base64 payload.
func DecodeBase64(data string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return raw, nil
}

// Buffer is decoded audio ready to be scheduled for playback.
type Buffer struct {
	// Channels holds one float sample slice per channel.
	Channels   [][]float32
	SampleRate int
}

// NewBuffer reconstructs a playable buffer from interleaved 16-bit PCM.
func NewBuffer(pcm []byte, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: rate=%d channels=%d", ErrInvalidBuffer, sampleRate, channels)
	}

	samples := PCM16ToFloat(pcm)
	frames := len(samples) / channels
	buf := &Buffer{
		Channels:   make([][]float32, channels),
		SampleRate: sampleRate,
	}
	for c := 0; c < channels; c++ {
		data := make([]float32, frames)
		for i := 0; i < frames; i++ {
			data[i] = samples[i*channels+c]
		}
		buf.Channels[c] = data
	}
	return buf, nil
}

// DecodeBuffer decodes a base64 mono PCM payload into a playable buffer.
func DecodeBuffer(data string, sampleRate int) (*Buffer, error) {
	raw, err := DecodeBase64(data)
	if err != nil {
		return nil, err
	}
	return NewBuffer(raw, sampleRate, Channels)
}

// Frames returns the number of sample frames per channel.
func (b *Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}
