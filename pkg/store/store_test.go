package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/realtime-chat/pkg/chatlog"
)

func stores(t *testing.T, limit int) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "chat.db"), limit)
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(limit),
		"sqlite": sqlite,
	}
}

func messages(t *testing.T, n int) []chatlog.Message {
	t.Helper()
	log := chatlog.NewLog()
	for i := 0; i < n; i++ {
		_, err := log.Append(chatlog.SenderUser, chatlog.KindText, chatlog.Text(fmt.Sprintf("msg %d", i)))
		require.NoError(t, err)
	}
	_, err := log.Append(chatlog.SenderAssistant, chatlog.KindLyrics, chatlog.Lyrics{Title: "T", Artist: "A", Lyrics: "la"})
	require.NoError(t, err)
	return log.Snapshot()
}

func TestHistoryRoundTrip(t *testing.T) {
	for name, s := range stores(t, 30) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			got, err := s.History(ctx, "alice")
			require.NoError(t, err)
			assert.Empty(t, got)

			msgs := messages(t, 3)
			require.NoError(t, s.SaveHistory(ctx, "alice", msgs))

			got, err = s.History(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, got, 4)
			assert.Equal(t, msgs[0].ID, got[0].ID)
			assert.Equal(t, "msg 0", got[0].Text())
			assert.Equal(t, chatlog.Lyrics{Title: "T", Artist: "A", Lyrics: "la"}, got[3].Content)

			other, err := s.History(ctx, "bob")
			require.NoError(t, err)
			assert.Empty(t, other)
		})
	}
}

func TestHistoryKeepsTrailingWindow(t *testing.T) {
	for name, s := range stores(t, 5) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			msgs := messages(t, 9)
			require.NoError(t, s.SaveHistory(ctx, "alice", msgs))

			got, err := s.History(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, got, 5)
			assert.Equal(t, msgs[5].ID, got[0].ID)
			assert.Equal(t, msgs[9].ID, got[4].ID)

			require.NoError(t, s.SaveHistory(ctx, "alice", msgs[:2]))
			got, err = s.History(ctx, "alice")
			require.NoError(t, err)
			assert.Len(t, got, 2)
		})
	}
}

func TestMemoryAppend(t *testing.T) {
	for name, s := range stores(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.AppendMemory(ctx, "alice", "likes jazz"))
			require.NoError(t, s.AppendMemory(ctx, "alice", "lives in Lisbon  "))

			mem, err := s.Memory(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, "likes jazz\nlives in Lisbon", mem)

			mem, err = s.Memory(ctx, "bob")
			require.NoError(t, err)
			assert.Empty(t, mem)
		})
	}
}

func TestPersona(t *testing.T) {
	for name, s := range stores(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p, err := s.Persona(ctx)
			require.NoError(t, err)
			assert.Equal(t, DefaultPersona, p)

			require.NoError(t, s.SetPersona(ctx, "You are terse."))
			p, err = s.Persona(ctx)
			require.NoError(t, err)
			assert.Equal(t, "You are terse.", p)

			require.NoError(t, s.ResetPersona(ctx))
			p, err = s.Persona(ctx)
			require.NoError(t, err)
			assert.Equal(t, DefaultPersona, p)
		})
	}
}
