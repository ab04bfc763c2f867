package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/realtime-ai/realtime-chat/pkg/chatlog"
)

var _ Store = (*SQLiteStore)(nil)

const personaKey = "persona"

// SQLiteStore persists to a single SQLite file. All access goes through one
// connection guarded by a mutex.
type SQLiteStore struct {
	db    *sql.DB
	mu    sync.Mutex
	limit int
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(path string, limit int) (*SQLiteStore, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, limit: limit}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	log.Printf("[Store] opened %s", path)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			username TEXT NOT NULL,
			position INTEGER NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (username, position)
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			username TEXT PRIMARY KEY,
			facts TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, user string) ([]chatlog.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM messages WHERE username = ? ORDER BY position`, user)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []chatlog.Message
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		var m chatlog.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			log.Printf("[Store] skip unreadable message for %s: %v", user, err)
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveHistory(ctx context.Context, user string, msgs []chatlog.Message) error {
	msgs = trimHistory(msgs, s.limit)
	bodies := make([]string, len(msgs))
	for i, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		bodies[i] = string(data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE username = ?`, user); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	for i, body := range bodies {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (username, position, body) VALUES (?, ?, ?)`, user, i, body); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Memory(ctx context.Context, user string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var facts string
	err := s.db.QueryRowContext(ctx, `SELECT facts FROM memories WHERE username = ?`, user).Scan(&facts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query memory: %w", err)
	}
	return facts, nil
}

func (s *SQLiteStore) AppendMemory(ctx context.Context, user, fact string) error {
	existing, err := s.Memory(ctx, user)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (username, facts) VALUES (?, ?)
		 ON CONFLICT(username) DO UPDATE SET facts = excluded.facts`,
		user, joinMemory(existing, fact))
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Persona(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var persona string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, personaKey).Scan(&persona)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && persona == "") {
		return DefaultPersona, nil
	}
	if err != nil {
		return "", fmt.Errorf("query persona: %w", err)
	}
	return persona, nil
}

func (s *SQLiteStore) SetPersona(ctx context.Context, persona string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, personaKey, persona)
	if err != nil {
		return fmt.Errorf("save persona: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ResetPersona(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, personaKey); err != nil {
		return fmt.Errorf("reset persona: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
