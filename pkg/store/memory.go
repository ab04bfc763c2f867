package store

import (
	"context"
	"sync"

	"github.com/realtime-ai/realtime-chat/pkg/chatlog"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	limit int

	mu      sync.RWMutex
	history map[string][]chatlog.Message
	memory  map[string]string
	persona string
}

// NewMemoryStore creates an empty store keeping at most limit messages per
// user. A non-positive limit selects DefaultHistoryLimit.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &MemoryStore{
		limit:   limit,
		history: make(map[string][]chatlog.Message),
		memory:  make(map[string]string),
	}
}

func (s *MemoryStore) History(ctx context.Context, user string) ([]chatlog.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]chatlog.Message(nil), s.history[user]...), nil
}

func (s *MemoryStore) SaveHistory(ctx context.Context, user string, msgs []chatlog.Message) error {
	msgs = trimHistory(msgs, s.limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[user] = append([]chatlog.Message(nil), msgs...)
	return nil
}

func (s *MemoryStore) Memory(ctx context.Context, user string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memory[user], nil
}

func (s *MemoryStore) AppendMemory(ctx context.Context, user, fact string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory[user] = joinMemory(s.memory[user], fact)
	return nil
}

func (s *MemoryStore) Persona(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.persona == "" {
		return DefaultPersona, nil
	}
	return s.persona, nil
}

func (s *MemoryStore) SetPersona(ctx context.Context, persona string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persona = persona
	return nil
}

func (s *MemoryStore) ResetPersona(ctx context.Context) error {
	return s.SetPersona(ctx, "")
}

func (s *MemoryStore) Close() error { return nil }
