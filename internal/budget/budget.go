package budget

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flitsinc/deskd/internal/limiter"
)

// ErrCleared reports that a pending slot wait was rejected, e.g. during
// shutdown.
var ErrCleared = errors.New("slot wait cleared")

// ErrBudgetExhausted reports that a monitor's sliding-window budget is spent.
// The task is rejected, not failed; it becomes admissible again once the
// window rolls past the oldest recorded entry.
var ErrBudgetExhausted = errors.New("budget exhausted")

// Policy enforces three independent per-monitor dimensions: concurrent task
// slots, actions per sliding window, and output bytes per sliding window.
// The primary monitor bypasses all of them.
type Policy struct {
	primary    string
	maxSlots   int
	maxActions int
	maxOutput  int
	window     time.Duration

	nowFn func() time.Time

	mu       sync.Mutex
	monitors map[string]*monitor
}

type monitor struct {
	inUse   int
	waiters []chan error
	actions []entry
	output  []entry
}

type entry struct {
	at    time.Time
	value int
}

// Stats is a point-in-time snapshot for diagnostics.
type Stats struct {
	Monitors map[string]MonitorStats `json:"monitors"`
	Waiting  int                     `json:"waiting"`
}

type MonitorStats struct {
	SlotsInUse  int `json:"slots_in_use"`
	Waiting     int `json:"waiting"`
	Actions     int `json:"actions_in_window"`
	OutputBytes int `json:"output_bytes_in_window"`
}

type Option func(*Policy)

func WithClock(nowFn func() time.Time) Option {
	return func(p *Policy) {
		if nowFn != nil {
			p.nowFn = nowFn
		}
	}
}

func WithWindow(window time.Duration) Option {
	return func(p *Policy) {
		if window > 0 {
			p.window = window
		}
	}
}

func New(primary string, maxSlots, maxActionsPerWindow, maxOutputPerWindow int, opts ...Option) *Policy {
	if maxSlots <= 0 {
		maxSlots = 1
	}
	p := &Policy{
		primary:    primary,
		maxSlots:   maxSlots,
		maxActions: maxActionsPerWindow,
		maxOutput:  maxOutputPerWindow,
		window:     time.Minute,
		nowFn:      func() time.Time { return time.Now().UTC() },
		monitors:   map[string]*monitor{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *Policy) isPrimary(monitorID string) bool {
	return monitorID == "" || monitorID == p.primary
}

func (p *Policy) get(monitorID string) *monitor {
	m, ok := p.monitors[monitorID]
	if !ok {
		m = &monitor{}
		p.monitors[monitorID] = m
	}
	return m
}

// AcquireTaskSlot blocks until the monitor has a free slot, the timeout
// elapses, or ctx is done. Waiters wake in arrival order.
func (p *Policy) AcquireTaskSlot(ctx context.Context, monitorID string, timeout time.Duration) error {
	if p.isPrimary(monitorID) {
		return nil
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	p.mu.Lock()
	m := p.get(monitorID)
	if m.inUse < p.maxSlots {
		m.inUse++
		p.mu.Unlock()
		return nil
	}
	waiter := make(chan error, 1)
	m.waiters = append(m.waiters, waiter)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-waiter:
		return err
	case <-timer.C:
		p.abandon(monitorID, waiter)
		return limiter.ErrAdmissionTimeout
	case <-ctx.Done():
		p.abandon(monitorID, waiter)
		return ctx.Err()
	}
}

// TryAcquireTaskSlot claims a slot without blocking.
func (p *Policy) TryAcquireTaskSlot(monitorID string) bool {
	if p.isPrimary(monitorID) {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.get(monitorID)
	if m.inUse < p.maxSlots {
		m.inUse++
		return true
	}
	return false
}

// ReleaseTaskSlot frees a slot and wakes the oldest waiter.
func (p *Policy) ReleaseTaskSlot(monitorID string) {
	if p.isPrimary(monitorID) {
		return
	}
	p.mu.Lock()
	m := p.get(monitorID)
	if len(m.waiters) > 0 {
		waiter := m.waiters[0]
		m.waiters = m.waiters[1:]
		p.mu.Unlock()
		waiter <- nil
		return
	}
	if m.inUse > 0 {
		m.inUse--
	}
	p.mu.Unlock()
}

// CheckActionBudget prunes expired entries and reports whether another
// action fits in the window.
func (p *Policy) CheckActionBudget(monitorID string) bool {
	if p.isPrimary(monitorID) || p.maxActions <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.get(monitorID)
	m.actions = p.prune(m.actions)
	return len(m.actions) < p.maxActions
}

func (p *Policy) RecordAction(monitorID string) {
	if p.isPrimary(monitorID) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.get(monitorID)
	m.actions = append(m.actions, entry{at: p.nowFn(), value: 1})
}

// CheckOutputBudget prunes expired entries and reports whether the summed
// byte count is still under the ceiling.
func (p *Policy) CheckOutputBudget(monitorID string) bool {
	if p.isPrimary(monitorID) || p.maxOutput <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.get(monitorID)
	m.output = p.prune(m.output)
	return sum(m.output) < p.maxOutput
}

func (p *Policy) RecordOutput(monitorID string, bytes int) {
	if p.isPrimary(monitorID) || bytes <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.get(monitorID)
	m.output = append(m.output, entry{at: p.nowFn(), value: bytes})
}

// Stats returns slot usage, waiter counts, and pruned window totals.
func (p *Policy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := Stats{Monitors: map[string]MonitorStats{}}
	for id, m := range p.monitors {
		m.actions = p.prune(m.actions)
		m.output = p.prune(m.output)
		out.Monitors[id] = MonitorStats{
			SlotsInUse:  m.inUse,
			Waiting:     len(m.waiters),
			Actions:     len(m.actions),
			OutputBytes: sum(m.output),
		}
		out.Waiting += len(m.waiters)
	}
	return out
}

// ClearWaiting rejects every pending slot waiter with ErrCleared, e.g. on
// shutdown. Held slots are untouched.
func (p *Policy) ClearWaiting(reason string) {
	p.mu.Lock()
	var rejected []chan error
	for _, m := range p.monitors {
		rejected = append(rejected, m.waiters...)
		m.waiters = nil
	}
	p.mu.Unlock()

	err := ErrCleared
	if reason != "" {
		err = errors.Join(ErrCleared, errors.New(reason))
	}
	for _, waiter := range rejected {
		waiter <- err
	}
}

// Clear resets every monitor: slots, waiters, and both windows.
func (p *Policy) Clear() {
	p.ClearWaiting("")
	p.mu.Lock()
	p.monitors = map[string]*monitor{}
	p.mu.Unlock()
}

func (p *Policy) abandon(monitorID string, waiter chan error) {
	p.mu.Lock()
	m := p.get(monitorID)
	for i, w := range m.waiters {
		if w == waiter {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// Already dequeued: a grant or rejection is imminent. Consume it and
	// pass any granted slot along.
	if err := <-waiter; err == nil {
		p.ReleaseTaskSlot(monitorID)
	}
}

func (p *Policy) prune(entries []entry) []entry {
	cutoff := p.nowFn().Add(-p.window)
	i := 0
	for i < len(entries) && !entries[i].at.After(cutoff) {
		i++
	}
	return entries[i:]
}

func sum(entries []entry) int {
	total := 0
	for _, e := range entries {
		total += e.value
	}
	return total
}
