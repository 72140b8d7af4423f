package tape

import (
	"sync"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Entry is one appended conversation line. Window is empty for the main
// desktop conversation and set for window-scoped turns.
type Entry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Window    string    `json:"window,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Pair is one user/assistant exchange extracted for seeding a new agent.
type Pair struct {
	User      string
	Assistant string
}

// Tape is the append-only conversation log. Pruning by window id removes
// only that window's entries and keeps everything else in order.
type Tape struct {
	mu      sync.Mutex
	entries []Entry
	nowFn   func() time.Time
}

type Option func(*Tape)

func WithClock(nowFn func() time.Time) Option {
	return func(t *Tape) {
		if nowFn != nil {
			t.nowFn = nowFn
		}
	}
}

func New(opts ...Option) *Tape {
	t := &Tape{nowFn: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func (t *Tape) AppendUser(content, window string) {
	t.append(RoleUser, content, window)
}

func (t *Tape) AppendAssistant(content, window string) {
	t.append(RoleAssistant, content, window)
}

func (t *Tape) append(role, content, window string) {
	if content == "" {
		return
	}
	t.mu.Lock()
	t.entries = append(t.entries, Entry{
		Role:      role,
		Content:   content,
		Window:    window,
		Timestamp: t.nowFn(),
	})
	t.mu.Unlock()
}

// Entries returns a copy of the full tape in append order.
func (t *Tape) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// PruneWindow removes every entry sourced from the closed window.
func (t *Tape) PruneWindow(window string) {
	if window == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.Window == window {
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
}

// RecentMainPairs returns up to maxPairs of the latest user/assistant pairs
// from the main conversation, oldest first. Window-scoped entries are
// excluded: a new window agent is seeded from the desktop conversation only.
func (t *Tape) RecentMainPairs(maxPairs int) []Pair {
	if maxPairs <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var pairs []Pair
	var pendingUser string
	hasUser := false
	for _, e := range t.entries {
		if e.Window != "" {
			continue
		}
		switch e.Role {
		case RoleUser:
			pendingUser = e.Content
			hasUser = true
		case RoleAssistant:
			if hasUser {
				pairs = append(pairs, Pair{User: pendingUser, Assistant: e.Content})
				hasUser = false
			}
		}
	}
	if len(pairs) > maxPairs {
		pairs = pairs[len(pairs)-maxPairs:]
	}
	return pairs
}

func (t *Tape) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
