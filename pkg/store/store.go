// Package store persists per-user chat history and memory and the global
// assistant persona.
package store

import (
	"context"
	"strings"

	"github.com/realtime-ai/realtime-chat/pkg/chatlog"
)

// DefaultHistoryLimit is the number of trailing messages kept per user.
const DefaultHistoryLimit = 30

// DefaultPersona is returned by Persona when none has been saved.
const DefaultPersona = `# IDENTITY
- You are Jiam, a capable and friendly AI assistant.
- Your mission is to help the user learn, build and decide with clarity.

# BEHAVIOR
- Be logical but not robotic, direct but not disrespectful.
- Speak with purpose. No fluff, no filler.
- Structure longer answers with Markdown headings, bold text and lists.
- Ask sharp clarifying questions when a request is ambiguous.
- Put all code in fenced Markdown blocks with the language named.

# DEEP THINKING
- When Thinking Mode is active, break complex requests into parts, plan the
  approach, and weigh alternatives before answering.

# TOOLS
- When the user's message follows media you just created, decide whether they
  are asking about it or asking for something new. Prefer discussing it unless
  the request is an explicit new creation command.

# MEMORY
- When the user shares a durable fact about themselves that is worth keeping,
  append it to your reply as [[memory:<the fact>]]. Emit at most one.`

// Store is the persistence boundary of the chat session.
type Store interface {
	// History returns the saved messages of user, oldest first.
	History(ctx context.Context, user string) ([]chatlog.Message, error)
	// SaveHistory replaces the saved messages of user with the trailing
	// window of msgs.
	SaveHistory(ctx context.Context, user string, msgs []chatlog.Message) error
	// Memory returns the newline-separated facts remembered about user.
	Memory(ctx context.Context, user string) (string, error)
	// AppendMemory adds fact to the memory of user.
	AppendMemory(ctx context.Context, user, fact string) error
	// Persona returns the global system persona.
	Persona(ctx context.Context) (string, error)
	SetPersona(ctx context.Context, persona string) error
	ResetPersona(ctx context.Context) error
	Close() error
}

func trimHistory(msgs []chatlog.Message, limit int) []chatlog.Message {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

func joinMemory(existing, fact string) string {
	return strings.TrimSpace(existing + "\n" + fact)
}
