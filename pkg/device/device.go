// Package device opens the local microphone and speaker through miniaudio
// (malgo) for the live and call sessions.
package device

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/realtime-ai/realtime-chat/pkg/audio"
	"github.com/realtime-ai/realtime-chat/pkg/call"
	"github.com/realtime-ai/realtime-chat/pkg/live"
)

const periodMs = 20

// ErrClosed is returned after the device context is closed.
var ErrClosed = errors.New("audio devices closed")

var (
	_ live.Devices      = (*Devices)(nil)
	_ call.MediaDevices = (*Devices)(nil)
)

// Devices owns one miniaudio context from which capture and playback
// devices are opened.
type Devices struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	closed bool
}

// Open initializes the audio backend.
func Open() (*Devices, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Printf("[Device] %s", message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	return &Devices{ctx: ctx}, nil
}

// Close releases the audio backend. Devices opened from it must be closed
// first.
func (d *Devices) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.ctx.Uninit(); err != nil {
		return err
	}
	d.ctx.Free()
	return nil
}

func (d *Devices) initDevice(cfg malgo.DeviceConfig, data func(out, in []byte, frames uint32)) (*malgo.Device, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	ctx := d.ctx
	d.mu.Unlock()

	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{Data: data})
	if err != nil {
		return nil, err
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, err
	}
	return dev, nil
}

func deviceConfig(kind malgo.DeviceType, sampleRate int) malgo.DeviceConfig {
	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.PeriodSizeInMilliseconds = periodMs
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1
	switch kind {
	case malgo.Capture:
		cfg.Capture.Format = malgo.FormatS16
		cfg.Capture.Channels = audio.Channels
	case malgo.Playback:
		cfg.Playback.Format = malgo.FormatS16
		cfg.Playback.Channels = audio.Channels
	}
	return cfg
}

// stopDevice stops and releases dev.
func stopDevice(dev *malgo.Device) {
	if dev == nil {
		return
	}
	if err := dev.Stop(); err != nil {
		log.Printf("[Device] stop device: %v", err)
	}
	dev.Uninit()
}
