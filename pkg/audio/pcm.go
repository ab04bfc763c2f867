// Package audio provides the PCM codec helpers used by the live voice
// session and the call media path.
//
// Audio moves through the system in three shapes:
//   - float32 samples in [-1, 1] as delivered by capture devices
//   - 16-bit little-endian PCM bytes on the wire
//   - base64 Blobs inside realtime protocol messages
package audio

import (
	"encoding/binary"
	"math"
)

const (
	// CaptureSampleRate is the microphone rate streamed to the voice backend.
	CaptureSampleRate = 16000
	// PlaybackSampleRate is the rate of synthesized audio from the voice backend.
	PlaybackSampleRate = 24000
	// CaptureFrameSize is the number of samples per outbound capture frame.
	CaptureFrameSize = 4096
	// Channels is the channel count of every stream in this package.
	Channels = 1
	// BytesPerSample is the size of one 16-bit PCM sample.
	BytesPerSample = 2
)

// FloatToPCM16 quantizes float samples to 16-bit little-endian PCM.
// Samples outside [-1, 1] are clamped.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(quantize(s)))
	}
	return out
}

// PCM16ToFloat converts 16-bit little-endian PCM to float samples.
// A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	n := len(pcm) / BytesPerSample
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
		out[i] = float32(v) / 32768
	}
	return out
}

// Int16ToPCM16 packs int16 samples as little-endian bytes.
func Int16ToPCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(s))
	}
	return out
}

// PCM16ToInt16 unpacks little-endian bytes into int16 samples.
func PCM16ToInt16(pcm []byte) []int16 {
	n := len(pcm) / BytesPerSample
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
	}
	return out
}

func quantize(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	v := float64(s) * 32768
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Downsample converts samples from one rate to a lower one by linear
// interpolation. Equal rates return a copy.
func Downsample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || len(samples) == 0 {
		return append([]float32(nil), samples...)
	}

	ratio := float64(fromRate) / float64(toRate)
	n := int(float64(len(samples)) / ratio)
	out := make([]float32, n)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		next := idx + 1
		if next >= len(samples) {
			next = len(samples) - 1
		}
		out[i] = samples[idx]*(1-frac) + samples[next]*frac
	}
	return out
}
