package chat

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/realtime-ai/realtime-chat/pkg/tools"
)

type fakeStream struct {
	chunks []Chunk
	// hold blocks Next after the scripted chunks until the context ends.
	hold   bool
	err    error
	i      int
	closed bool
}

func (s *fakeStream) Next(ctx context.Context) (Chunk, error) {
	if s.i < len(s.chunks) {
		c := s.chunks[s.i]
		s.i++
		return c, nil
	}
	if s.err != nil {
		return Chunk{}, s.err
	}
	if s.hold {
		<-ctx.Done()
		return Chunk{}, ctx.Err()
	}
	return Chunk{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeBackend struct {
	mu       sync.Mutex
	streams  []*fakeStream
	requests []ChatRequest

	edit    EditResult
	editErr error

	videoOp   VideoOperation
	videoErr  error
	videoGate chan struct{}
	poll      func(n int) (VideoStatus, error)
	polls     int
}

var _ Backend = (*fakeBackend)(nil)

func (b *fakeBackend) Name() string  { return "fake" }
func (b *fakeBackend) Model() string { return "fake-model" }

func (b *fakeBackend) StreamChat(ctx context.Context, req ChatRequest) (ChunkStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	if len(b.streams) == 0 {
		return nil, errors.New("no scripted stream")
	}
	s := b.streams[0]
	b.streams = b.streams[1:]
	return s, nil
}

func (b *fakeBackend) EditImage(ctx context.Context, prompt string, image Inline) (EditResult, error) {
	return b.edit, b.editErr
}

func (b *fakeBackend) GenerateVideo(ctx context.Context, prompt string) (VideoOperation, error) {
	if b.videoGate != nil {
		select {
		case <-b.videoGate:
		case <-ctx.Done():
			return VideoOperation{}, ctx.Err()
		}
	}
	return b.videoOp, b.videoErr
}

func (b *fakeBackend) PollVideo(ctx context.Context, op VideoOperation) (VideoStatus, error) {
	b.mu.Lock()
	b.polls++
	n := b.polls
	b.mu.Unlock()
	if b.poll == nil {
		return VideoStatus{}, nil
	}
	return b.poll(n)
}

func (b *fakeBackend) requestsCopy() []ChatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ChatRequest(nil), b.requests...)
}

type fakeImages struct {
	images []tools.GeneratedImage
	err    error
	gate   chan struct{}
	api    string
}

func (f *fakeImages) Generate(ctx context.Context, prompt, apiName string) ([]tools.GeneratedImage, error) {
	f.api = apiName
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.images, f.err
}

type fakeLyrics struct {
	lyrics tools.Lyrics
	err    error
}

func (f *fakeLyrics) Fetch(ctx context.Context, query string) (tools.Lyrics, error) {
	return f.lyrics, f.err
}
