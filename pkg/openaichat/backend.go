// Package openaichat implements the chat backend on any OpenAI-compatible
// Chat Completions endpoint.
//
// Only text generation and function calling are available; image editing
// and video generation report chat.ErrUnsupported, and web grounding is
// ignored.
//
// Usage:
//
//	backend, err := openaichat.NewBackend(openaichat.Config{
//	    APIKey: "sk-xxx",
//	    Model:  "gpt-4o-mini",
//	})
package openaichat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/realtime-ai/realtime-chat/pkg/chat"
	"github.com/realtime-ai/realtime-chat/pkg/tools"
)

// Config holds configuration for the OpenAI backend.
type Config struct {
	APIKey  string // OpenAI API key
	BaseURL string // Optional endpoint override for compatible servers
	Model   string // Model name (e.g., "gpt-4o-mini", "gpt-4o")
}

// Backend implements chat.Backend.
type Backend struct {
	cfg    Config
	client *openai.Client
}

var _ chat.Backend = (*Backend)(nil)

// NewBackend creates a backend for cfg.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return &Backend{cfg: cfg, client: &client}, nil
}

func (b *Backend) Name() string  { return "openai" }
func (b *Backend) Model() string { return b.cfg.Model }

// StreamChat starts a streamed chat completion.
func (b *Backend) StreamChat(ctx context.Context, req chat.ChatRequest) (chat.ChunkStream, error) {
	messages, err := toMessages(req)
	if err != nil {
		return nil, err
	}
	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    shared.ChatModel(b.cfg.Model),
	}
	if len(req.Tools) > 0 {
		params.Tools = toTools(req.Tools)
	}
	if req.WebGrounding {
		log.Printf("[OpenAI] web grounding not available, ignored")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	return &stream{
		stream: b.client.Chat.Completions.NewStreaming(streamCtx, params),
		cancel: cancel,
	}, nil
}

func (b *Backend) EditImage(context.Context, string, chat.Inline) (chat.EditResult, error) {
	return chat.EditResult{}, chat.ErrUnsupported
}

func (b *Backend) GenerateVideo(context.Context, string) (chat.VideoOperation, error) {
	return chat.VideoOperation{}, chat.ErrUnsupported
}

func (b *Backend) PollVideo(context.Context, chat.VideoOperation) (chat.VideoStatus, error) {
	return chat.VideoStatus{}, chat.ErrUnsupported
}

// stream turns completion chunks into chat chunks. Tool calls are emitted
// once their arguments are complete.
type stream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	acc    openai.ChatCompletionAccumulator
	cancel context.CancelFunc
}

func (s *stream) Next(ctx context.Context) (chat.Chunk, error) {
	for {
		if err := ctx.Err(); err != nil {
			return chat.Chunk{}, err
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return chat.Chunk{}, fmt.Errorf("streaming error: %w", err)
			}
			return chat.Chunk{}, io.EOF
		}
		cur := s.stream.Current()
		s.acc.AddChunk(cur)

		var out chat.Chunk
		if len(cur.Choices) > 0 {
			out.Text = cur.Choices[0].Delta.Content
		}
		if tool, ok := s.acc.JustFinishedToolCall(); ok {
			out.ToolCalls = append(out.ToolCalls, chat.ToolCall{
				ID:   tool.ID,
				Name: tool.Name,
				Args: parseArgs(tool.Arguments),
			})
		}
		if out.Text != "" || len(out.ToolCalls) > 0 {
			return out, nil
		}
	}
}

func (s *stream) Close() error {
	s.cancel()
	return s.stream.Close()
}

func parseArgs(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		log.Printf("[OpenAI] invalid tool arguments %q: %v", raw, err)
	}
	return args
}

func toTools(decls []tools.Declaration) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(decls))
	for _, d := range decls {
		props := make(map[string]any, len(d.Params))
		required := []string{}
		for _, p := range d.Params {
			props[p.Name] = map[string]any{"type": "string", "description": p.Description}
			if p.Required {
				required = append(required, p.Name)
			}
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        d.Name,
				Description: openai.String(d.Description),
				Parameters: openai.FunctionParameters{
					"type":       "object",
					"properties": props,
					"required":   required,
				},
			},
		})
	}
	return out
}

func toMessages(req chat.ChatRequest) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Turns)+1)
	if req.SystemInstruction != "" {
		messages = append(messages, openai.SystemMessage(req.SystemInstruction))
	}
	for _, t := range req.Turns {
		switch t.Role {
		case chat.RoleUser:
			messages = append(messages, userMessage(t.Parts))
		case chat.RoleModel:
			messages = append(messages, assistantMessage(t.Parts))
		case chat.RoleTool:
			for _, p := range t.Parts {
				if p.ToolResult == nil {
					continue
				}
				body, err := json.Marshal(p.ToolResult.Response)
				if err != nil {
					return nil, fmt.Errorf("encode tool result: %w", err)
				}
				messages = append(messages, openai.ToolMessage(string(body), p.ToolResult.ID))
			}
		}
	}
	return messages, nil
}

func userMessage(parts []chat.Part) openai.ChatCompletionMessageParamUnion {
	var content []openai.ChatCompletionContentPartUnionParam
	for _, p := range parts {
		switch {
		case p.Inline != nil && strings.HasPrefix(p.Inline.MIMEType, "image/"):
			content = append(content, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: "data:" + p.Inline.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(p.Inline.Data),
			}))
		case p.Inline != nil:
			content = append(content, openai.TextContentPart(fmt.Sprintf("[attachment of type %s omitted]", p.Inline.MIMEType)))
		case p.Text != "":
			content = append(content, openai.TextContentPart(p.Text))
		}
	}
	if len(content) == 1 && content[0].OfText != nil {
		return openai.UserMessage(content[0].OfText.Text)
	}
	return openai.UserMessage(content)
}

func assistantMessage(parts []chat.Part) openai.ChatCompletionMessageParamUnion {
	var text strings.Builder
	var calls []openai.ChatCompletionMessageToolCallParam
	for _, p := range parts {
		switch {
		case p.ToolCall != nil:
			args, _ := json.Marshal(p.ToolCall.Args)
			calls = append(calls, openai.ChatCompletionMessageToolCallParam{
				ID: p.ToolCall.ID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      p.ToolCall.Name,
					Arguments: string(args),
				},
			})
		case p.Text != "":
			text.WriteString(p.Text)
		}
	}
	if len(calls) == 0 {
		return openai.AssistantMessage(text.String())
	}
	msg := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
	if text.Len() > 0 {
		msg.Content.OfString = openai.String(text.String())
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &msg}
}
