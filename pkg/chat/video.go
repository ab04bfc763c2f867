package chat

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/realtime-ai/realtime-chat/pkg/chatlog"
	"github.com/realtime-ai/realtime-chat/pkg/events"
	"github.com/realtime-ai/realtime-chat/pkg/trace"
)

const videoNoURIError = "Video generation finished but no video URI was found."

// maxVideoPollFailures is how many polls in a row may fail before the video
// is marked as failed.
const maxVideoPollFailures = 3

// VideoPoller polls submitted video operations until they finish and writes
// the outcome into the log. One poll runs per message.
type VideoPoller struct {
	backend  Backend
	log      *chatlog.Log
	bus      events.Bus
	interval time.Duration

	mu    sync.Mutex
	polls map[string]*videoPoll
}

type videoPoll struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
}

// NewVideoPoller creates a poller that checks each operation every interval.
func NewVideoPoller(backend Backend, l *chatlog.Log, bus events.Bus, interval time.Duration) *VideoPoller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &VideoPoller{
		backend:  backend,
		log:      l,
		bus:      bus,
		interval: interval,
		polls:    make(map[string]*videoPoll),
	}
}

// Start begins polling op for the video message msgID. A poll already
// running for msgID is replaced.
func (p *VideoPoller) Start(msgID string, op VideoOperation, prompt string) {
	ctx, cancel := context.WithCancel(context.Background())
	poll := &videoPoll{cancel: cancel}

	p.mu.Lock()
	prev := p.polls[msgID]
	p.polls[msgID] = poll
	p.mu.Unlock()
	if prev != nil {
		prev.halt()
	}

	log.Printf("[Video] polling %s for message %s", op.Name, msgID)
	go p.run(ctx, poll, msgID, op, prompt)
}

// Stop cancels the poll for msgID. Nothing is written for it afterwards.
func (p *VideoPoller) Stop(msgID string) {
	p.mu.Lock()
	poll := p.polls[msgID]
	delete(p.polls, msgID)
	p.mu.Unlock()
	if poll != nil {
		poll.halt()
	}
}

// StopAll cancels every poll.
func (p *VideoPoller) StopAll() {
	p.mu.Lock()
	polls := p.polls
	p.polls = make(map[string]*videoPoll)
	p.mu.Unlock()
	for _, poll := range polls {
		poll.halt()
	}
}

// Active reports whether msgID is being polled.
func (p *VideoPoller) Active(msgID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.polls[msgID]
	return ok
}

func (v *videoPoll) halt() {
	v.mu.Lock()
	v.stopped = true
	v.mu.Unlock()
	v.cancel()
}

// write applies fn unless the poll has been halted.
func (v *videoPoll) write(fn func()) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped {
		return false
	}
	fn()
	return true
}

func (p *VideoPoller) run(ctx context.Context, poll *videoPoll, msgID string, op VideoOperation, prompt string) {
	defer p.release(msgID, poll)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := p.check(ctx, msgID, op)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures < maxVideoPollFailures {
				log.Printf("[Video] poll %s failed (%d/%d), retrying: %v", op.Name, failures, maxVideoPollFailures, err)
				continue
			}
			log.Printf("[Video] poll %s failed %d times, giving up: %v", op.Name, failures, err)
			status = VideoStatus{Done: true, Error: err.Error()}
		}
		failures = 0
		if !status.Done {
			continue
		}

		video := chatlog.Video{Prompt: prompt}
		switch {
		case status.Error != "":
			video.State = chatlog.VideoError
			video.Error = status.Error
		case status.VideoURI == "":
			video.State = chatlog.VideoError
			video.Error = videoNoURIError
		default:
			video.State = chatlog.VideoDone
			video.VideoURL = status.VideoURI
			video.DownloadURL = status.DownloadURL
		}

		poll.write(func() {
			if _, err := p.log.Update(msgID, chatlog.Patch{Content: video}); err != nil {
				log.Printf("[Video] update message %s: %v", msgID, err)
				return
			}
			if video.State == chatlog.VideoDone {
				events.Notify(p.bus, events.LevelSuccess, "Your video is ready.")
			} else {
				events.Notify(p.bus, events.LevelError, "Video generation failed: "+video.Error)
			}
		})
		return
	}
}

func (p *VideoPoller) check(ctx context.Context, msgID string, op VideoOperation) (VideoStatus, error) {
	ctx, span := trace.InstrumentVideoPoll(ctx, msgID, op.Name)
	defer span.End()
	status, err := p.backend.PollVideo(ctx, op)
	if err != nil {
		trace.RecordError(span, err)
	}
	return status, err
}

func (p *VideoPoller) release(msgID string, poll *videoPoll) {
	p.mu.Lock()
	if p.polls[msgID] == poll {
		delete(p.polls, msgID)
	}
	p.mu.Unlock()
}
