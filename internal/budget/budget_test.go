package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flitsinc/deskd/internal/limiter"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestActionBudgetMonotonicity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0).UTC()}
	p := New("primary", 3, 5, 0, WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		if !p.CheckActionBudget("mon-2") {
			t.Fatalf("budget should allow action %d", i+1)
		}
		p.RecordAction("mon-2")
	}
	if p.CheckActionBudget("mon-2") {
		t.Fatalf("budget should deny after max actions in window")
	}

	clock.Advance(61 * time.Second)
	if !p.CheckActionBudget("mon-2") {
		t.Fatalf("budget should allow again after window expires")
	}
}

func TestOutputBudgetSumsBytes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0).UTC()}
	p := New("primary", 3, 0, 100, WithClock(clock.Now))

	p.RecordOutput("mon-2", 60)
	if !p.CheckOutputBudget("mon-2") {
		t.Fatalf("60 of 100 bytes should pass")
	}
	p.RecordOutput("mon-2", 45)
	if p.CheckOutputBudget("mon-2") {
		t.Fatalf("105 of 100 bytes should fail")
	}
	clock.Advance(2 * time.Minute)
	if !p.CheckOutputBudget("mon-2") {
		t.Fatalf("expired entries should be pruned")
	}
}

func TestTaskSlotCeiling(t *testing.T) {
	p := New("primary", 2, 0, 0)

	if !p.TryAcquireTaskSlot("mon-2") || !p.TryAcquireTaskSlot("mon-2") {
		t.Fatalf("expected both slots to acquire")
	}
	if p.TryAcquireTaskSlot("mon-2") {
		t.Fatalf("expected third acquire to fail")
	}
	p.ReleaseTaskSlot("mon-2")
	if !p.TryAcquireTaskSlot("mon-2") {
		t.Fatalf("expected acquire after release")
	}

	// Slots on another monitor are independent.
	if !p.TryAcquireTaskSlot("mon-3") {
		t.Fatalf("expected slot on separate monitor")
	}
}

func TestPrimaryMonitorBypassesEverything(t *testing.T) {
	p := New("primary", 1, 1, 1)

	for i := 0; i < 10; i++ {
		if !p.TryAcquireTaskSlot("primary") {
			t.Fatalf("primary should never hit the slot ceiling")
		}
		p.RecordAction("primary")
		p.RecordOutput("primary", 1<<20)
	}
	if !p.CheckActionBudget("primary") || !p.CheckOutputBudget("primary") {
		t.Fatalf("primary should never hit a rate budget")
	}
}

func TestAcquireTaskSlotTimesOut(t *testing.T) {
	p := New("primary", 1, 0, 0)
	if !p.TryAcquireTaskSlot("mon-2") {
		t.Fatalf("expected slot")
	}
	err := p.AcquireTaskSlot(context.Background(), "mon-2", 50*time.Millisecond)
	if !errors.Is(err, limiter.ErrAdmissionTimeout) {
		t.Fatalf("expected admission timeout, got %v", err)
	}
}

func TestClearWaitingRejectsWaiters(t *testing.T) {
	p := New("primary", 1, 0, 0)
	if !p.TryAcquireTaskSlot("mon-2") {
		t.Fatalf("expected slot")
	}

	done := make(chan error, 1)
	go func() {
		done <- p.AcquireTaskSlot(context.Background(), "mon-2", time.Minute)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Waiting > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	p.ClearWaiting("shutdown")
	select {
	case err := <-done:
		if !errors.Is(err, ErrCleared) {
			t.Fatalf("expected ErrCleared, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for cleared waiter")
	}
}

func TestStatsReportsWindowTotals(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0).UTC()}
	p := New("primary", 2, 10, 1000, WithClock(clock.Now))

	p.TryAcquireTaskSlot("mon-2")
	p.RecordAction("mon-2")
	p.RecordAction("mon-2")
	p.RecordOutput("mon-2", 128)

	stats := p.Stats()
	ms, ok := stats.Monitors["mon-2"]
	if !ok {
		t.Fatalf("expected stats for mon-2")
	}
	if ms.SlotsInUse != 1 || ms.Actions != 2 || ms.OutputBytes != 128 {
		t.Fatalf("unexpected stats: %+v", ms)
	}
}
