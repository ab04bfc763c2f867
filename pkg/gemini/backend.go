// Package gemini adapts the Google GenAI SDK to the chat backend and the live
// voice dialer.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log"

	"google.golang.org/genai"

	"github.com/realtime-ai/realtime-chat/pkg/chat"
)

// Config configures the Gemini backend.
type Config struct {
	APIKey     string
	TextModel  string
	ImageModel string
	VideoModel string
	LiveModel  string
}

// DefaultConfig returns the models used when none are configured.
func DefaultConfig() Config {
	return Config{
		TextModel:  "gemini-2.5-flash",
		ImageModel: "gemini-2.5-flash-image",
		VideoModel: "veo-3.1-fast-generate-preview",
		LiveModel:  "gemini-2.5-flash-native-audio-preview-09-2025",
	}
}

// Backend implements chat.Backend on the Gemini API.
type Backend struct {
	cfg    Config
	client *genai.Client
}

var _ chat.Backend = (*Backend)(nil)

// NewBackend creates a client for cfg.
func NewBackend(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	def := DefaultConfig()
	if cfg.TextModel == "" {
		cfg.TextModel = def.TextModel
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = def.ImageModel
	}
	if cfg.VideoModel == "" {
		cfg.VideoModel = def.VideoModel
	}
	if cfg.LiveModel == "" {
		cfg.LiveModel = def.LiveModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Backend{cfg: cfg, client: client}, nil
}

func (b *Backend) Name() string  { return "gemini" }
func (b *Backend) Model() string { return b.cfg.TextModel }

// StreamChat starts a streamed generation.
func (b *Backend) StreamChat(ctx context.Context, req chat.ChatRequest) (chat.ChunkStream, error) {
	contents := toContents(req.Turns)
	if len(contents) == 0 {
		return nil, errors.New("gemini: empty request")
	}
	streamCtx, cancel := context.WithCancel(ctx)
	seq := b.client.Models.GenerateContentStream(streamCtx, b.cfg.TextModel, contents, chatConfig(req))
	next, stop := iter.Pull2(seq)
	return &stream{next: next, stop: stop, cancel: cancel}, nil
}

// EditImage sends image and prompt to the image model.
func (b *Backend) EditImage(ctx context.Context, prompt string, image chat.Inline) (chat.EditResult, error) {
	contents := []*genai.Content{{
		Role: string(genai.RoleUser),
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: image.MIMEType, Data: image.Data}},
			{Text: prompt},
		},
	}}
	resp, err := b.client.Models.GenerateContent(ctx, b.cfg.ImageModel, contents, &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityImage), string(genai.ModalityText)},
	})
	if err != nil {
		return chat.EditResult{}, fmt.Errorf("edit image: %w", err)
	}
	return toEditResult(resp), nil
}

// GenerateVideo submits a 720p 16:9 video generation.
func (b *Backend) GenerateVideo(ctx context.Context, prompt string) (chat.VideoOperation, error) {
	op, err := b.client.Models.GenerateVideos(ctx, b.cfg.VideoModel, prompt, nil, &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
		Resolution:     "720p",
		AspectRatio:    "16:9",
	})
	if err != nil {
		return chat.VideoOperation{}, fmt.Errorf("generate video: %w", err)
	}
	log.Printf("[Gemini] video operation %s submitted", op.Name)
	return chat.VideoOperation{Name: op.Name}, nil
}

// PollVideo fetches the current state of op.
func (b *Backend) PollVideo(ctx context.Context, op chat.VideoOperation) (chat.VideoStatus, error) {
	cur, err := b.client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: op.Name}, nil)
	if err != nil {
		return chat.VideoStatus{}, fmt.Errorf("poll video: %w", err)
	}
	return toVideoStatus(cur, b.cfg.APIKey), nil
}

// LiveDialer returns a dialer for live voice sessions on the same client.
func (b *Backend) LiveDialer() *LiveDialer {
	return &LiveDialer{client: b.client, model: b.cfg.LiveModel}
}

// stream adapts the SDK's push iterator to a pull-based ChunkStream.
type stream struct {
	next   func() (*genai.GenerateContentResponse, error, bool)
	stop   func()
	cancel context.CancelFunc
}

func (s *stream) Next(ctx context.Context) (chat.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return chat.Chunk{}, err
	}
	resp, err, ok := s.next()
	if !ok {
		return chat.Chunk{}, io.EOF
	}
	if err != nil {
		return chat.Chunk{}, err
	}
	return toChunk(resp), nil
}

func (s *stream) Close() error {
	s.cancel()
	s.stop()
	return nil
}
