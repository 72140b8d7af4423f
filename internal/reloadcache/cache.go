package reloadcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flitsinc/deskd/internal/action"
	"github.com/flitsinc/deskd/internal/idgen"
)

// Entry is one recorded action sequence keyed by fingerprint. Entries are
// never auto-deleted; eviction is left to operators.
type Entry struct {
	ID                string          `json:"id"`
	Fingerprint       Fingerprint     `json:"fingerprint"`
	Key               string          `json:"fingerprint_key"`
	Actions           []action.Action `json:"actions"`
	Label             string          `json:"label,omitempty"`
	RequiredWindowIDs []string        `json:"required_window_ids,omitempty"`
	UseCount          int             `json:"use_count"`
	FailureCount      int             `json:"failure_count"`
	CreatedAt         time.Time       `json:"created_at"`
	LastUsedAt        time.Time       `json:"last_used_at,omitzero"`
}

// Match ranks a candidate entry against a lookup fingerprint.
type Match struct {
	Entry      *Entry  `json:"entry"`
	Similarity float64 `json:"similarity"`
	IsExact    bool    `json:"is_exact"`
}

// Scorer computes similarity in [0,1] between a lookup fingerprint's n-grams
// and a candidate's. Pluggable so the formula is a strategy, not a guess.
type Scorer func(a, b []string) float64

// Cache is the fingerprint-keyed replay store: exact lookups by key,
// approximate lookups by n-gram similarity. Backed by SQLite when a db is
// provided; always served from memory.
type Cache struct {
	db        *sql.DB
	ngramSize int
	threshold float64
	scorer    Scorer
	nowFn     func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
}

type Option func(*Cache)

func WithNGramSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.ngramSize = n
		}
	}
}

func WithThreshold(threshold float64) Option {
	return func(c *Cache) {
		if threshold > 0 {
			c.threshold = threshold
		}
	}
}

func WithScorer(scorer Scorer) Option {
	return func(c *Cache) {
		if scorer != nil {
			c.scorer = scorer
		}
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(c *Cache) {
		if nowFn != nil {
			c.nowFn = nowFn
		}
	}
}

func New(db *sql.DB, opts ...Option) (*Cache, error) {
	c := &Cache{
		db:        db,
		ngramSize: 2,
		threshold: 0.3,
		scorer:    jaccard,
		nowFn:     func() time.Time { return time.Now().UTC() },
		entries:   map[string]*Entry{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if db != nil {
		if err := c.load(context.Background()); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// BuildFingerprint derives a fingerprint with the cache's configured n-gram
// size.
func (c *Cache) BuildFingerprint(content, triggerType, triggerTarget string, open []WindowRef) Fingerprint {
	return BuildFingerprint(content, triggerType, triggerTarget, open, c.ngramSize)
}

// FindMatches returns up to maxResults ranked matches. An exact key hit is
// returned alone with similarity 1. Otherwise candidates with the same
// trigger whose required windows are all open are scored and filtered by
// the acceptance threshold.
func (c *Cache) FindMatches(fp Fingerprint, maxResults int, openWindowIDs []string) []Match {
	if maxResults <= 0 {
		maxResults = 3
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[fp.Key()]; ok {
		return []Match{{Entry: entry, Similarity: 1.0, IsExact: true}}
	}

	open := map[string]struct{}{}
	for _, id := range openWindowIDs {
		open[id] = struct{}{}
	}

	var matches []Match
	for _, entry := range c.entries {
		if entry.Fingerprint.TriggerType != fp.TriggerType {
			continue
		}
		if entry.Fingerprint.TriggerTarget != fp.TriggerTarget {
			continue
		}
		if !allOpen(entry.RequiredWindowIDs, open) {
			continue
		}
		score := c.scorer(fp.NGrams, entry.Fingerprint.NGrams)
		if score < c.threshold {
			continue
		}
		matches = append(matches, Match{Entry: entry, Similarity: score})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity == matches[j].Similarity {
			return matches[i].Entry.CreatedAt.After(matches[j].Entry.CreatedAt)
		}
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > maxResults {
		matches = matches[:maxResults]
	}
	return matches
}

// MaybeRecord stores a new entry for the fingerprint key when the turn
// produced at least one action. An existing key is kept as the canonical
// entry; later identical turns feed its use count through lookups instead
// of duplicating the key.
func (c *Cache) MaybeRecord(ctx context.Context, fp Fingerprint, actions []action.Action, label string) (*Entry, bool, error) {
	if len(actions) == 0 {
		return nil, false, nil
	}
	c.mu.Lock()
	if existing, ok := c.entries[fp.Key()]; ok {
		c.mu.Unlock()
		return existing, false, nil
	}
	entry := &Entry{
		ID:                idgen.New(),
		Fingerprint:       fp,
		Key:               fp.Key(),
		Actions:           actions,
		Label:             label,
		RequiredWindowIDs: action.TargetWindows(actions),
		CreatedAt:         c.nowFn(),
	}
	c.entries[entry.Key] = entry
	c.mu.Unlock()

	if err := c.persist(ctx, entry); err != nil {
		return entry, true, err
	}
	return entry, true, nil
}

// RecordUse marks a successful replay of the entry.
func (c *Cache) RecordUse(ctx context.Context, key string) error {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("cache entry not found: %s", key)
	}
	entry.UseCount++
	entry.LastUsedAt = c.nowFn()
	useCount, lastUsed := entry.UseCount, entry.LastUsedAt
	c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `UPDATE reload_cache SET use_count = ?, last_used_at = ? WHERE fingerprint_key = ?`,
		useCount, lastUsed.Format(time.RFC3339Nano), key)
	if err != nil {
		return fmt.Errorf("update use count: %w", err)
	}
	return nil
}

// RecordFailure marks a replay that later proved invalid, e.g. a required
// window no longer exists.
func (c *Cache) RecordFailure(ctx context.Context, key string) error {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("cache entry not found: %s", key)
	}
	entry.FailureCount++
	failureCount := entry.FailureCount
	c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `UPDATE reload_cache SET failure_count = ? WHERE fingerprint_key = ?`, failureCount, key)
	if err != nil {
		return fmt.Errorf("update failure count: %w", err)
	}
	return nil
}

// Get returns the entry for an exact fingerprint key.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return entry, ok
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) persist(ctx context.Context, entry *Entry) error {
	if c.db == nil {
		return nil
	}
	ngramsJSON, err := json.Marshal(entry.Fingerprint.NGrams)
	if err != nil {
		return fmt.Errorf("encode ngrams: %w", err)
	}
	actionsJSON, err := json.Marshal(entry.Actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	requiredJSON, err := json.Marshal(entry.RequiredWindowIDs)
	if err != nil {
		return fmt.Errorf("encode required windows: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO reload_cache
		(fingerprint_key, id, trigger_type, trigger_target, ngrams, content_hash, window_state_hash, actions, label, required_window_ids, use_count, failure_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.Key, entry.ID, entry.Fingerprint.TriggerType, entry.Fingerprint.TriggerTarget,
		string(ngramsJSON), entry.Fingerprint.ContentHash, entry.Fingerprint.WindowStateHash,
		string(actionsJSON), entry.Label, string(requiredJSON),
		entry.UseCount, entry.FailureCount, entry.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert cache entry: %w", err)
	}
	return nil
}

func (c *Cache) load(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT fingerprint_key, id, trigger_type, trigger_target, ngrams, content_hash, window_state_hash, actions, label, required_window_ids, use_count, failure_count, created_at, last_used_at
		FROM reload_cache
	`)
	if err != nil {
		return fmt.Errorf("load cache: %w", err)
	}
	defer rows.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	for rows.Next() {
		var entry Entry
		var triggerTarget, label, lastUsedStr sql.NullString
		var ngramsStr, actionsStr, requiredStr, createdAtStr string
		if err := rows.Scan(&entry.Key, &entry.ID, &entry.Fingerprint.TriggerType, &triggerTarget,
			&ngramsStr, &entry.Fingerprint.ContentHash, &entry.Fingerprint.WindowStateHash,
			&actionsStr, &label, &requiredStr, &entry.UseCount, &entry.FailureCount, &createdAtStr, &lastUsedStr); err != nil {
			return fmt.Errorf("scan cache entry: %w", err)
		}
		entry.Fingerprint.TriggerTarget = triggerTarget.String
		entry.Label = label.String
		_ = json.Unmarshal([]byte(ngramsStr), &entry.Fingerprint.NGrams)
		_ = json.Unmarshal([]byte(actionsStr), &entry.Actions)
		_ = json.Unmarshal([]byte(requiredStr), &entry.RequiredWindowIDs)
		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		if lastUsedStr.Valid {
			entry.LastUsedAt, _ = time.Parse(time.RFC3339Nano, lastUsedStr.String)
		}
		c.entries[entry.Key] = &entry
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate cache entries: %w", err)
	}
	return nil
}

func allOpen(required []string, open map[string]struct{}) bool {
	for _, id := range required {
		if _, ok := open[id]; !ok {
			return false
		}
	}
	return true
}
