package device

import (
	"fmt"
	"log"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/realtime-ai/realtime-chat/pkg/audio"
	"github.com/realtime-ai/realtime-chat/pkg/call"
	"github.com/realtime-ai/realtime-chat/pkg/live"
)

// playback is an open speaker pulling from a source.
type playback struct {
	dev  *malgo.Device
	done chan struct{}
	once sync.Once
}

var _ live.Playback = (*playback)(nil)

// OpenPlayback opens the default speaker at sampleRate. src is read on the
// device's audio thread once per period.
func (d *Devices) OpenPlayback(sampleRate int, src live.PlaybackSource) (live.Playback, error) {
	dev, err := d.initDevice(deviceConfig(malgo.Playback, sampleRate), func(out, _ []byte, _ uint32) {
		src.Read(out)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}
	log.Printf("[Device] playback started at %d Hz", sampleRate)
	return &playback{dev: dev, done: make(chan struct{})}, nil
}

func (p *playback) Close() error {
	p.once.Do(func() {
		close(p.done)
		stopDevice(p.dev)
		log.Printf("[Device] playback stopped")
	})
	return nil
}

// PlayRemote plays a call's remote track on the default speaker until the
// track ends or the returned playback is closed.
func (d *Devices) PlayRemote(track call.RemoteTrack) (live.Playback, error) {
	src := newPacedSource(audio.DefaultPacerConfig())
	pb, err := d.OpenPlayback(src.pacer.SampleRate(), src)
	if err != nil {
		return nil, err
	}
	done := pb.(*playback).done
	go func() {
		for {
			select {
			case <-done:
				return
			case frame, ok := <-track.Frames():
				if !ok {
					return
				}
				src.pacer.Write(frame)
			}
		}
	}()
	return pb, nil
}

// pacedSource adapts an AudioPacer to device periods of any size. The
// pacer starts in preroll so jittery network audio is buffered before it
// plays.
type pacedSource struct {
	pacer   *audio.AudioPacer
	pending []byte
}

func newPacedSource(cfg audio.PacerConfig) *pacedSource {
	p := &pacedSource{pacer: audio.NewAudioPacer(cfg)}
	p.pacer.Clear()
	return p
}

// Read is only called from the audio thread.
func (p *pacedSource) Read(out []byte) {
	n := 0
	for n < len(out) {
		if len(p.pending) == 0 {
			p.pending = p.pacer.ReadFrame()
		}
		c := copy(out[n:], p.pending)
		p.pending = p.pending[c:]
		n += c
	}
}
