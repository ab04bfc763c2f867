package device

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/realtime-ai/realtime-chat/pkg/audio"
	"github.com/realtime-ai/realtime-chat/pkg/call"
	"github.com/realtime-ai/realtime-chat/pkg/live"
)

const captureQueue = 32

// capture is an open microphone delivering float samples.
type capture struct {
	dev     *malgo.Device
	rate    int
	samples chan []float32
	once    sync.Once
}

var _ live.Capture = (*capture)(nil)

// OpenCapture opens the default microphone at sampleRate. When the consumer
// falls behind, whole device periods are dropped.
func (d *Devices) OpenCapture(ctx context.Context, sampleRate int) (live.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &capture{rate: sampleRate, samples: make(chan []float32, captureQueue)}
	dev, err := d.initDevice(deviceConfig(malgo.Capture, sampleRate), func(_, in []byte, _ uint32) {
		select {
		case c.samples <- audio.PCM16ToFloat(in):
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start capture device: %w", err)
	}
	c.dev = dev
	log.Printf("[Device] capture started at %d Hz", sampleRate)
	return c, nil
}

func (c *capture) Samples() <-chan []float32 { return c.samples }
func (c *capture) SampleRate() int           { return c.rate }

func (c *capture) Close() error {
	c.once.Do(func() {
		stopDevice(c.dev)
		close(c.samples)
		log.Printf("[Device] capture stopped")
	})
	return nil
}

// callMedia is a microphone framed into 20ms PCM frames for a call.
type callMedia struct {
	capture *capture
	framer  *audio.Framer
	frames  chan []byte
	done    chan struct{}
	once    sync.Once
}

var _ call.LocalMedia = (*callMedia)(nil)

// AcquireAudio opens the microphone at the call rate.
func (d *Devices) AcquireAudio(ctx context.Context) (call.LocalMedia, error) {
	c, err := d.OpenCapture(ctx, audio.CallSampleRate)
	if err != nil {
		return nil, err
	}
	m := &callMedia{
		capture: c.(*capture),
		frames:  make(chan []byte, 50),
		done:    make(chan struct{}),
	}
	m.framer = audio.NewFramer(audio.CallSampleRate*audio.FrameDurationMs/1000, func(frame []float32) {
		select {
		case m.frames <- audio.FloatToPCM16(frame):
		default:
		}
	})
	go m.pump()
	return m, nil
}

func (m *callMedia) pump() {
	defer close(m.frames)
	for {
		select {
		case <-m.done:
			return
		case samples, ok := <-m.capture.Samples():
			if !ok {
				return
			}
			m.framer.Write(samples)
		}
	}
}

func (m *callMedia) Frames() <-chan []byte { return m.frames }

func (m *callMedia) Stop() error {
	m.once.Do(func() {
		close(m.done)
		m.framer.Discard()
		m.capture.Close()
	})
	return nil
}
