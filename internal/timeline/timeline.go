package timeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flitsinc/deskd/internal/idgen"
)

// Entry is one human-readable line of the desktop timeline.
type Entry struct {
	ID        string    `json:"id"`
	WindowID  string    `json:"window_id,omitempty"`
	Role      string    `json:"role"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// Timeline records short summaries of what happened, for diagnostics and
// for seeding future context.
type Timeline struct {
	db    *sql.DB
	nowFn func() time.Time
}

func New(db *sql.DB) *Timeline {
	return &Timeline{db: db, nowFn: time.Now}
}

func (t *Timeline) Push(ctx context.Context, windowID, role, summary string) (Entry, error) {
	if summary == "" {
		return Entry{}, fmt.Errorf("timeline summary is required")
	}
	entry := Entry{
		ID:        idgen.New(),
		WindowID:  windowID,
		Role:      role,
		Summary:   summary,
		CreatedAt: t.nowFn().UTC(),
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO timeline (id, window_id, role, summary, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.ID, entry.WindowID, entry.Role, entry.Summary, entry.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Entry{}, fmt.Errorf("push timeline entry: %w", err)
	}
	return entry, nil
}

// Recent returns up to limit entries, newest first.
func (t *Timeline) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, window_id, role, summary, created_at
		FROM timeline ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.WindowID, &e.Role, &e.Summary, &createdAt); err != nil {
			return nil, fmt.Errorf("scan timeline entry: %w", err)
		}
		if ts, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
