package state

import (
	"database/sql"
	"fmt"
	"strings"
)

// migrate applies the deskd schema. Every statement is idempotent, so running
// it on each Open doubles as the upgrade path for freshly added tables.
func migrate(db *sql.DB) error {
	for _, raw := range strings.Split(schemaSQL, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w (statement=%q)", err, stmt)
		}
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  agent_id TEXT,
  window_id TEXT,
  message_id TEXT,
  payload TEXT,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_type_created ON events(type, created_at);

CREATE TABLE IF NOT EXISTS reload_cache (
  fingerprint_key TEXT PRIMARY KEY,
  id TEXT NOT NULL,
  trigger_type TEXT NOT NULL,
  trigger_target TEXT,
  ngrams TEXT,
  content_hash TEXT NOT NULL,
  window_state_hash TEXT NOT NULL,
  actions TEXT NOT NULL,
  label TEXT,
  required_window_ids TEXT,
  use_count INTEGER NOT NULL DEFAULT 0,
  failure_count INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  last_used_at TEXT
);

CREATE TABLE IF NOT EXISTS saved_threads (
  name TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS timeline (
  id TEXT PRIMARY KEY,
  window_id TEXT,
  role TEXT NOT NULL,
  summary TEXT NOT NULL,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_timeline_created ON timeline(created_at);
`
