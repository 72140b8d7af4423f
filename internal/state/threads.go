package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Threads persists provider thread ids keyed by canonical window/group name.
// A saved thread id is a single-use resume hint: Take returns it once and
// clears it, so a restarted agent resumes at most one stale conversation.
type Threads struct {
	db *sql.DB
}

func NewThreads(db *sql.DB) *Threads {
	return &Threads{db: db}
}

func (t *Threads) Save(ctx context.Context, name, threadID string) error {
	if name == "" {
		return fmt.Errorf("thread name is required")
	}
	if threadID == "" {
		return fmt.Errorf("thread id is required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO saved_threads (name, thread_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET thread_id = excluded.thread_id, created_at = excluded.created_at
	`, name, threadID, now)
	if err != nil {
		return fmt.Errorf("save thread: %w", err)
	}
	return nil
}

// Take returns the saved thread id for name and deletes it. Returns "" when
// no hint is stored.
func (t *Threads) Take(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	var threadID string
	err := t.db.QueryRowContext(ctx, `SELECT thread_id FROM saved_threads WHERE name = ?`, name).Scan(&threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load thread: %w", err)
	}
	if _, err := t.db.ExecContext(ctx, `DELETE FROM saved_threads WHERE name = ?`, name); err != nil {
		return "", fmt.Errorf("clear thread: %w", err)
	}
	return threadID, nil
}
