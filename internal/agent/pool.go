package agent

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/flitsinc/deskd/internal/provider"
	"github.com/flitsinc/deskd/internal/state"
)

// DefaultKey is the routing key of the always-warm main desktop session.
const DefaultKey = "main"

// Pool manages one Session per routing key plus the default main session.
// All sessions share one provider backend; continuity between them is the
// backend's thread id, not a separate process.
type Pool struct {
	backend     provider.Provider
	threads     *state.Threads
	idleTimeout time.Duration
	nowFn       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

type Option func(*Pool)

func WithClock(nowFn func() time.Time) Option {
	return func(p *Pool) { p.nowFn = nowFn }
}

// NewPool builds a pool over one shared backend. threads may be nil when no
// resume persistence is wanted (tests).
func NewPool(backend provider.Provider, threads *state.Threads, idleTimeout time.Duration, opts ...Option) *Pool {
	p := &Pool{
		backend:     backend,
		threads:     threads,
		idleTimeout: idleTimeout,
		nowFn:       time.Now,
		sessions:    map[string]*Session{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Default returns the main desktop session, creating it on first use. It is
// never retired by the idle reaper.
func (p *Pool) Default(ctx context.Context) (*Session, error) {
	return p.GetOrCreate(ctx, DefaultKey, "", "")
}

// Get returns the session for key without creating one.
func (p *Pool) Get(key string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[key]
	return s, ok
}

// GetOrCreate returns the session for key, creating it on first use. A new
// session forks the parent agent's thread when parentAgentID names a live
// session; otherwise a saved-thread hint for key is consumed if one exists.
// Hint failures log a warning and fall back to a fresh thread.
func (p *Pool) GetOrCreate(ctx context.Context, key, windowID, parentAgentID string) (*Session, error) {
	p.mu.Lock()
	if s, ok := p.sessions[key]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	s := newSession(p.backend, key, windowID, parentAgentID, p.nowFn)
	if parentAgentID != "" {
		if parent := p.byAgentID(parentAgentID); parent != nil {
			s.forkFrom = parent.SessionID()
		}
	}
	if s.forkFrom == "" && p.threads != nil {
		hint, err := p.threads.Take(ctx, key)
		if err != nil {
			log.Printf("warning: thread hint for %s unavailable, starting fresh: %v", key, err)
		} else if hint != "" {
			s.resumeThread = hint
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.sessions[key]; ok {
		return existing, nil
	}
	p.sessions[key] = s
	return s, nil
}

func (p *Pool) byAgentID(agentID string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if s.ID == agentID {
			return s
		}
	}
	return nil
}

// DisposeWindow retires the session for key. The provider thread id is
// saved as a resume hint so a future window with the same canonical key
// picks the conversation back up.
func (p *Pool) DisposeWindow(ctx context.Context, key string) {
	if key == DefaultKey {
		return
	}
	p.mu.Lock()
	s, ok := p.sessions[key]
	if ok {
		delete(p.sessions, key)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	s.Interrupt()
	if p.threads != nil {
		if threadID := s.SessionID(); threadID != "" {
			if err := p.threads.Save(ctx, key, threadID); err != nil {
				log.Printf("warning: failed to save thread hint for %s: %v", key, err)
			}
		}
	}
}

// ReapIdle retires sessions that have been idle past the pool timeout. The
// default session and sessions with a turn in flight are kept. Returns the
// retired keys.
func (p *Pool) ReapIdle(ctx context.Context) []string {
	if p.idleTimeout <= 0 {
		return nil
	}
	cutoff := p.nowFn().Add(-p.idleTimeout)

	p.mu.Lock()
	var stale []string
	for key, s := range p.sessions {
		if key == DefaultKey || s.Running() {
			continue
		}
		if s.LastUsed().Before(cutoff) {
			stale = append(stale, key)
		}
	}
	p.mu.Unlock()

	for _, key := range stale {
		p.DisposeWindow(ctx, key)
	}
	return stale
}

// StartReaper runs ReapIdle periodically until ctx is done.
func (p *Pool) StartReaper(ctx context.Context) {
	if p.idleTimeout <= 0 {
		return
	}
	interval := p.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if retired := p.ReapIdle(ctx); len(retired) > 0 {
					log.Printf("retired %d idle agent session(s)", len(retired))
				}
			}
		}
	}()
}

// Size reports the number of live sessions, the default one included.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Shutdown disposes the shared backend after saving resume hints for every
// window session.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	keys := make([]string, 0, len(p.sessions))
	for key := range p.sessions {
		if key != DefaultKey {
			keys = append(keys, key)
		}
	}
	p.mu.Unlock()
	for _, key := range keys {
		p.DisposeWindow(ctx, key)
	}
	p.backend.Dispose()
}
