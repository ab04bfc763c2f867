package chat

import (
	"context"
	"errors"

	"github.com/realtime-ai/realtime-chat/pkg/chatlog"
	"github.com/realtime-ai/realtime-chat/pkg/tools"
)

// ErrUnsupported is returned by backends for capabilities they do not offer.
var ErrUnsupported = errors.New("operation not supported by backend")

// Role tags a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
	// RoleTool carries tool results back to the model.
	RoleTool Role = "tool"
)

// Inline is binary data sent to or received from the model.
type Inline struct {
	MIMEType string
	Data     []byte
}

// ToolCall is a model request to run a declared tool.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult is the outcome of a ToolCall, folded back into the turn context.
type ToolResult struct {
	ID       string
	Name     string
	Response map[string]any
}

// Part is one element of a turn. Exactly one field is set.
type Part struct {
	Text       string
	Inline     *Inline
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// Turn is one role-tagged entry of the conversation sent to the backend.
type Turn struct {
	Role  Role
	Parts []Part
}

// Chunk is one increment of a streamed response.
type Chunk struct {
	Text      string
	Citations []chatlog.Citation
	ToolCalls []ToolCall
}

// ChatRequest is a streaming generation request.
type ChatRequest struct {
	Turns             []Turn
	SystemInstruction string
	// Tools are offered to the model. Empty on tool continuations.
	Tools []tools.Declaration
	// WebGrounding enables search-backed answers with citations.
	WebGrounding bool
	Thinking     bool
}

// ChunkStream is a cancelable sequence of chunks. Next returns io.EOF after
// the last chunk.
type ChunkStream interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// EditResult is the outcome of an image edit. At least one field is set.
type EditResult struct {
	Text  string
	Image *Inline
}

// VideoOperation is the handle of a submitted video generation.
type VideoOperation struct {
	Name string
}

// VideoStatus is the result of polling a VideoOperation.
type VideoStatus struct {
	Done bool
	// Error is set when the operation finished unsuccessfully.
	Error       string
	VideoURI    string
	DownloadURL string
}

// Backend is the generation service.
type Backend interface {
	Name() string
	Model() string
	StreamChat(ctx context.Context, req ChatRequest) (ChunkStream, error)
	EditImage(ctx context.Context, prompt string, image Inline) (EditResult, error)
	GenerateVideo(ctx context.Context, prompt string) (VideoOperation, error)
	PollVideo(ctx context.Context, op VideoOperation) (VideoStatus, error)
}
