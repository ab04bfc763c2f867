package audio

import "sync"

// Framer slices an arbitrary stream of float samples into fixed-size frames.
// Frames are emitted in write order; leftover samples wait for the next write.
type Framer struct {
	mu        sync.Mutex
	size      int
	pending   []float32
	onFrame   func([]float32)
	discarded bool
}

// NewFramer creates a framer that calls onFrame for every complete frame of
// size samples. onFrame runs on the writer's goroutine.
func NewFramer(size int, onFrame func([]float32)) *Framer {
	if size <= 0 {
		size = CaptureFrameSize
	}
	return &Framer{
		size:    size,
		pending: make([]float32, 0, size),
		onFrame: onFrame,
	}
}

// Write buffers samples and emits every frame they complete.
func (f *Framer) Write(samples []float32) {
	f.mu.Lock()
	if f.discarded {
		f.mu.Unlock()
		return
	}
	f.pending = append(f.pending, samples...)
	var frames [][]float32
	for len(f.pending) >= f.size {
		frame := make([]float32, f.size)
		copy(frame, f.pending[:f.size])
		frames = append(frames, frame)
		f.pending = f.pending[f.size:]
	}
	if len(f.pending) == 0 {
		f.pending = f.pending[:0:0]
	}
	onFrame := f.onFrame
	f.mu.Unlock()

	for _, frame := range frames {
		if onFrame != nil {
			onFrame(frame)
		}
	}
}

// Buffered returns the number of samples waiting for a full frame.
func (f *Framer) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Discard drops buffered samples and ignores further writes.
func (f *Framer) Discard() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = nil
	f.discarded = true
	f.onFrame = nil
}
