package live

import (
	"sync"
	"time"

	"github.com/realtime-ai/realtime-chat/pkg/audio"
)

// Source is one buffer placed on the playback timeline.
type Source struct {
	start   int64
	end     int64
	samples []float32
	rate    int
}

// Start returns the scheduled start time on the playback clock.
func (s *Source) Start() time.Duration { return samplesToDuration(s.start, s.rate) }

// End returns the scheduled end time on the playback clock.
func (s *Source) End() time.Duration { return samplesToDuration(s.end, s.rate) }

// Scheduler places decoded buffers back to back on a playback timeline and
// renders them when the output device pulls samples. A buffer starts at
// max(next scheduled time, current clock) so playback is gapless while audio
// keeps arriving and never starts in the past after a stall.
type Scheduler struct {
	mu      sync.Mutex
	rate    int
	clock   int64
	next    int64
	sources []*Source
	onIdle  func()
}

// NewScheduler creates a scheduler for mono audio at rate. onIdle, if set, is
// called after the last tracked source finishes playing.
func NewScheduler(rate int, onIdle func()) *Scheduler {
	if rate <= 0 {
		rate = audio.PlaybackSampleRate
	}
	return &Scheduler{rate: rate, onIdle: onIdle}
}

// Schedule appends buf to the timeline. Empty buffers are ignored.
func (s *Scheduler) Schedule(buf *audio.Buffer) *Source {
	if buf == nil || buf.Frames() == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.next
	if s.clock > start {
		start = s.clock
	}
	src := &Source{
		start:   start,
		end:     start + int64(buf.Frames()),
		samples: buf.Channels[0],
		rate:    s.rate,
	}
	s.next = src.end
	s.sources = append(s.sources, src)
	return src
}

// Interrupt stops every tracked source and resets the scheduling point. It
// returns the number of sources discarded.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.sources)
	s.sources = nil
	s.next = 0
	return n
}

// Pending returns the number of sources that have not finished playing.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

// Now returns the playback clock.
func (s *Scheduler) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return samplesToDuration(s.clock, s.rate)
}

// Next returns the time the next scheduled buffer would start at, before
// clamping to the clock.
func (s *Scheduler) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return samplesToDuration(s.next, s.rate)
}

// Read renders the next len(out)/2 samples as 16-bit PCM and advances the
// clock. Gaps between sources read as silence, and a trailing odd byte is
// zeroed.
func (s *Scheduler) Read(out []byte) {
	n := int64(len(out) / audio.BytesPerSample)
	mix := make([]float32, n)

	s.mu.Lock()
	from, to := s.clock, s.clock+n
	kept := s.sources[:0]
	ended := 0
	for _, src := range s.sources {
		lo, hi := max(src.start, from), min(src.end, to)
		for i := lo; i < hi; i++ {
			mix[i-from] = src.samples[i-src.start]
		}
		if src.end <= to {
			ended++
			continue
		}
		kept = append(kept, src)
	}
	s.sources = kept
	s.clock = to
	idle := ended > 0 && len(s.sources) == 0
	onIdle := s.onIdle
	s.mu.Unlock()

	copy(out, audio.FloatToPCM16(mix))
	clear(out[len(out)&^1:])
	if idle && onIdle != nil {
		onIdle()
	}
}

func samplesToDuration(n int64, rate int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(rate)
}
