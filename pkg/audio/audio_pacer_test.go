package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAudioPacer(t *testing.T) {
	ap := NewAudioPacer(DefaultPacerConfig())

	// 48kHz, 20ms, mono, 16-bit
	expected := 48000 * 20 / 1000 * 2
	assert.Equal(t, expected, ap.BytesPerFrame())
	assert.Equal(t, 960, ap.SamplesPerFrame())

	t.Run("empty buffer returns silence", func(t *testing.T) {
		frame := ap.ReadFrame()
		assert.Len(t, frame, expected)
		assert.Equal(t, make([]byte, expected), frame)
	})

	t.Run("exact frame", func(t *testing.T) {
		data := make([]byte, expected)
		for i := range data {
			data[i] = byte(i%255 + 1)
		}
		ap.Write(data)
		assert.Equal(t, data, ap.ReadFrame())
		assert.Equal(t, 0, ap.Available())
	})

	t.Run("partial frame is padded", func(t *testing.T) {
		ap.Write([]byte{1, 2, 3, 4})
		frame := ap.ReadFrame()
		assert.Equal(t, []byte{1, 2, 3, 4}, frame[:4])
		assert.Equal(t, make([]byte, expected-4), frame[4:])
	})

	t.Run("clear waits for preroll", func(t *testing.T) {
		ap.Write(make([]byte, expected))
		ap.Clear()
		assert.Equal(t, 0, ap.Available())

		one := make([]byte, expected)
		one[0] = 9
		ap.Write(one)
		assert.Equal(t, make([]byte, expected), ap.ReadFrame())

		for i := 0; i < prerollFrames; i++ {
			ap.Write(one)
		}
		assert.Equal(t, byte(9), ap.ReadFrame()[0])
	})
}

func TestAudioPacerCustomRate(t *testing.T) {
	ap := NewAudioPacer(PacerConfig{SampleRate: 16000})
	assert.Equal(t, 640, ap.BytesPerFrame())
	assert.Equal(t, 16000, ap.SampleRate())
}
