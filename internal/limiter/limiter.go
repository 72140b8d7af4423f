package limiter

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAdmissionTimeout reports that no turn slot freed up before the wait
// deadline. Callers may retry later; it is never fatal to the process.
var ErrAdmissionTimeout = errors.New("admission timeout")

// Limiter bounds the number of concurrent turns process-wide. Waiters are
// woken in strict arrival order; there is no priority lane.
type Limiter struct {
	mu      sync.Mutex
	free    int
	waiters []chan struct{}
}

func New(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{free: maxConcurrent}
}

// Acquire blocks until a slot is free, the timeout elapses, or ctx is done.
// Every successful Acquire must be paired with exactly one Release; callers
// defer the release immediately so no exit path can leak a slot.
func (l *Limiter) Acquire(ctx context.Context, timeout time.Duration) error {
	l.mu.Lock()
	if l.free > 0 {
		l.free--
		l.mu.Unlock()
		return nil
	}
	waiter := make(chan struct{}, 1)
	l.waiters = append(l.waiters, waiter)
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-waiter:
		return nil
	case <-timer.C:
		l.abandon(waiter)
		return ErrAdmissionTimeout
	case <-ctx.Done():
		l.abandon(waiter)
		return ctx.Err()
	}
}

// TryAcquire claims a slot without blocking.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.free > 0 {
		l.free--
		return true
	}
	return false
}

// Release frees one slot, handing it to the oldest waiter if any.
func (l *Limiter) Release() {
	l.mu.Lock()
	if len(l.waiters) > 0 {
		waiter := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.mu.Unlock()
		waiter <- struct{}{}
		return
	}
	l.free++
	l.mu.Unlock()
}

// Waiting reports how many callers are queued for a slot.
func (l *Limiter) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

// abandon withdraws a waiter after a timeout or cancellation. If the slot
// was already granted in the meantime, it is passed on rather than leaked.
func (l *Limiter) abandon(waiter chan struct{}) {
	l.mu.Lock()
	for i, w := range l.waiters {
		if w == waiter {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			l.mu.Unlock()
			return
		}
	}
	l.mu.Unlock()

	// Not in the queue anymore: a grant is already on its way. Take it and
	// hand the slot to the next waiter so it cannot leak.
	<-waiter
	l.Release()
}
