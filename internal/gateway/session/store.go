// Package session persists conversation/thread associations and
// last-heard bookkeeping in SQLite. The outbound pipeline writes here
// after successful sends; the gateway reads for session-aware routing.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one persisted session binding.
type Record struct {
	SessionKey string `json:"sessionKey"`
	Channel    string `json:"channel"`
	Target     string `json:"target"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// Store is a SQLite-backed session store.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the store at path. An empty path
// defaults to ~/.clawgate/state/sessions.db.
func Open(path string) (*Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		path = filepath.Join(home, ".clawgate", "state", "sessions.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sessions db: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
    session_key TEXT PRIMARY KEY,
    channel     TEXT NOT NULL,
    target      TEXT NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_channel_target ON sessions(channel, target);
CREATE TABLE IF NOT EXISTS last_heard (
    channel    TEXT NOT NULL,
    account_id TEXT NOT NULL,
    sender_id  TEXT NOT NULL,
    heard_at   INTEGER NOT NULL,
    PRIMARY KEY (channel, account_id, sender_id)
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init sessions schema: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// RecordSession upserts the session/thread association for a target.
func (s *Store) RecordSession(ctx context.Context, sessionKey, channel, target string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (session_key, channel, target, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(session_key) DO UPDATE SET channel = excluded.channel, target = excluded.target, updated_at = excluded.updated_at`,
		sessionKey, channel, target, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// LookupSession returns the most recently updated session key bound to
// a channel/target pair.
func (s *Store) LookupSession(ctx context.Context, channel, target string) (string, bool, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `
SELECT session_key FROM sessions WHERE channel = ? AND target = ? ORDER BY updated_at DESC LIMIT 1`,
		channel, target).Scan(&key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup session: %w", err)
	}
	return key, true, nil
}

// List returns all session records, newest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_key, channel, target, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.SessionKey, &r.Channel, &r.Target, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TouchLastHeard records when a sender was last heard from on a
// channel account.
func (s *Store) TouchLastHeard(ctx context.Context, channel, accountID, senderID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO last_heard (channel, account_id, sender_id, heard_at) VALUES (?, ?, ?, ?)
ON CONFLICT(channel, account_id, sender_id) DO UPDATE SET heard_at = excluded.heard_at`,
		channel, accountID, senderID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("touch last heard: %w", err)
	}
	return nil
}

// LastHeard returns when a sender was last heard from, or ok=false.
func (s *Store) LastHeard(ctx context.Context, channel, accountID, senderID string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `
SELECT heard_at FROM last_heard WHERE channel = ? AND account_id = ? AND sender_id = ?`,
		channel, accountID, senderID).Scan(&ms)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last heard: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}
