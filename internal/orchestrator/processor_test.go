package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flitsinc/deskd/internal/action"
	"github.com/flitsinc/deskd/internal/agent"
	"github.com/flitsinc/deskd/internal/budget"
	"github.com/flitsinc/deskd/internal/eventbus"
	"github.com/flitsinc/deskd/internal/limiter"
	"github.com/flitsinc/deskd/internal/prompt"
	"github.com/flitsinc/deskd/internal/provider"
	"github.com/flitsinc/deskd/internal/queue"
	"github.com/flitsinc/deskd/internal/reloadcache"
	"github.com/flitsinc/deskd/internal/schema"
	"github.com/flitsinc/deskd/internal/tape"
)

type captureSink struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (s *captureSink) Emit(_ context.Context, input eventbus.Input) (eventbus.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event := eventbus.Event{
		Type:      input.Type,
		AgentID:   input.AgentID,
		WindowID:  input.WindowID,
		MessageID: input.MessageID,
		Payload:   input.Payload,
		CreatedAt: time.Now().UTC(),
	}
	s.events = append(s.events, event)
	return event, nil
}

func (s *captureSink) byType(eventType string) []eventbus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []eventbus.Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (s *captureSink) statuses(status string) []eventbus.Event {
	var out []eventbus.Event
	for _, e := range s.byType(schema.EventWindowAgentStatus) {
		if schema.GetString(e.Payload, schema.KeyStatus) == status {
			out = append(out, e)
		}
	}
	return out
}

func (s *captureSink) waitFor(t *testing.T, predicate func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if predicate() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

// gatedBackend holds every query at the gate until the test opens it, so
// in-flight turns can be observed mid-stream.
type gatedBackend struct {
	inner provider.Provider
	gate  chan struct{}
}

func (b *gatedBackend) Query(ctx context.Context, prompt string, opts provider.Options) (*provider.Stream, error) {
	select {
	case <-b.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.inner.Query(ctx, prompt, opts)
}

func (b *gatedBackend) Interrupt() { b.inner.Interrupt() }
func (b *gatedBackend) Dispose()   { b.inner.Dispose() }

func newTestProcessor(backend provider.Provider, maxConcurrent int) (*Processor, *captureSink) {
	if backend == nil {
		backend = provider.NewScripted(nil)
	}
	sink := &captureSink{}
	cache, _ := reloadcache.New(nil)
	return &Processor{
		Limiter:         limiter.New(maxConcurrent),
		Budget:          budget.New("monitor-0", 2, 100, 1<<20),
		Queue:           queue.New(),
		Tape:            tape.New(),
		Cache:           cache,
		Assembler:       prompt.NewAssembler(),
		Pool:            agent.NewPool(backend, nil, 0),
		Registry:        NewRegistry(),
		Sink:            sink,
		SlotWaitTimeout: 2 * time.Second,
	}, sink
}

func TestTaskOnBusyKeyIsQueuedThenDrained(t *testing.T) {
	backend := &gatedBackend{inner: provider.NewScripted(nil), gate: make(chan struct{})}
	p, sink := newTestProcessor(backend, 4)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- p.Handle(ctx, queue.Task{MessageID: "m1", WindowID: "win-1", Content: "first"})
	}()
	sink.waitFor(t, func() bool {
		return len(sink.statuses(schema.AgentStatusActive)) == 1
	}, "first task active")

	if err := p.Handle(ctx, queue.Task{MessageID: "m2", WindowID: "win-1", Content: "second"}); err != nil {
		t.Fatalf("queueing a task must not fail: %v", err)
	}
	queued := sink.byType(schema.EventMessageQueued)
	if len(queued) != 1 || queued[0].MessageID != "m2" {
		t.Fatalf("expected m2 queued, got %+v", queued)
	}
	if pos, _ := queued[0].Payload[schema.KeyPosition].(int); pos != 1 {
		t.Fatalf("expected position 1, got %v", queued[0].Payload[schema.KeyPosition])
	}

	close(backend.gate)
	if err := <-done; err != nil {
		t.Fatalf("first task: %v", err)
	}
	sink.waitFor(t, func() bool {
		return len(sink.statuses(schema.AgentStatusReleased)) == 2
	}, "queued task drained")

	if p.Queue.IsProcessing("win-1") {
		t.Fatalf("busy flag must clear after the drain")
	}
}

func TestAdmissionOverflowReportsWaitPosition(t *testing.T) {
	backend := &gatedBackend{inner: provider.NewScripted(nil), gate: make(chan struct{})}
	p, sink := newTestProcessor(backend, 2)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"win-a", "win-b", "win-c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := p.Handle(ctx, queue.Task{MessageID: "m-" + id, WindowID: id, Content: "go"}); err != nil {
				t.Errorf("task %s: %v", id, err)
			}
		}(id)
	}

	sink.waitFor(t, func() bool {
		return len(sink.statuses(schema.AgentStatusActive)) == 2 &&
			len(sink.byType(schema.EventMessageQueued)) == 1
	}, "two active turns and one queued notice")

	queued := sink.byType(schema.EventMessageQueued)
	if pos, _ := queued[0].Payload[schema.KeyPosition].(int); pos != 1 {
		t.Fatalf("expected wait position 1, got %v", queued[0].Payload[schema.KeyPosition])
	}

	close(backend.gate)
	wg.Wait()
	if len(sink.statuses(schema.AgentStatusReleased)) != 3 {
		t.Fatalf("all three turns must finish")
	}
}

func scriptWithActions(actions []action.Action) provider.ScriptFunc {
	first := true
	var mu sync.Mutex
	return func(string, provider.Options) []provider.StreamMessage {
		mu.Lock()
		emit := first
		first = false
		mu.Unlock()
		msgs := []provider.StreamMessage{{Type: provider.MessageText, Content: "opening it"}}
		if emit {
			msgs = append(msgs, provider.StreamMessage{
				Type: provider.MessageToolUse, ToolName: "desktop", Actions: actions,
			})
		}
		return msgs
	}
}

func TestEmptyCacheRecordsThenExactMatches(t *testing.T) {
	created := []action.Action{{
		Type:   action.TypeWindowCreate,
		Target: "cal-1",
		Params: map[string]any{"renderer": "calendar"},
	}}
	p, _ := newTestProcessor(provider.NewScripted(scriptWithActions(created)), 4)
	ctx := context.Background()

	if err := p.Handle(ctx, queue.Task{MessageID: "m1", Content: "open calendar"}); err != nil {
		t.Fatalf("first task: %v", err)
	}
	if p.Cache.Len() != 1 {
		t.Fatalf("expected exactly one cache entry, got %d", p.Cache.Len())
	}
	if _, ok := p.Registry.Get("cal-1"); !ok {
		t.Fatalf("created window must be registered")
	}

	fp := p.Cache.BuildFingerprint("open calendar", reloadcache.TriggerMain, "", nil)
	entry, ok := p.Cache.Get(fp.Key())
	if !ok {
		t.Fatalf("entry not found under its fingerprint key")
	}
	if entry.UseCount != 0 {
		t.Fatalf("fresh entry must have useCount=0, got %d", entry.UseCount)
	}

	// Restore the original window state, then a textually identical task
	// resolves the entry via the exact path.
	p.HandleWindowClose(ctx, "cal-1")
	matches := p.Cache.FindMatches(p.Cache.BuildFingerprint("open calendar", reloadcache.TriggerMain, "", p.Registry.Snapshot()), 3, p.Registry.OpenIDs())
	if len(matches) != 1 || !matches[0].IsExact || matches[0].Similarity != 1.0 {
		t.Fatalf("expected a single exact match, got %+v", matches)
	}

	if err := p.Handle(ctx, queue.Task{MessageID: "m2", Content: "open calendar"}); err != nil {
		t.Fatalf("second task: %v", err)
	}
	if p.Cache.Len() != 1 {
		t.Fatalf("identical fingerprint must not duplicate the entry, got %d", p.Cache.Len())
	}
}

// failingBackend rejects the first query outright so the error path runs
// with a queued follow-up behind it.
type failingBackend struct {
	inner  provider.Provider
	mu     sync.Mutex
	failed bool
}

func (b *failingBackend) Query(ctx context.Context, prompt string, opts provider.Options) (*provider.Stream, error) {
	b.mu.Lock()
	first := !b.failed
	b.failed = true
	b.mu.Unlock()
	if first {
		return nil, errors.New("backend unavailable")
	}
	return b.inner.Query(ctx, prompt, opts)
}

func (b *failingBackend) Interrupt() { b.inner.Interrupt() }
func (b *failingBackend) Dispose()   { b.inner.Dispose() }

func TestFailedTurnStillDrainsQueue(t *testing.T) {
	p, sink := newTestProcessor(&failingBackend{inner: provider.NewScripted(nil)}, 4)
	ctx := context.Background()

	p.Queue.SetProcessing("win-1", true)
	p.Queue.Enqueue("win-1", queue.Task{MessageID: "m2", WindowID: "win-1", Content: "second"})
	p.Queue.SetProcessing("win-1", false)

	p.Queue.SetProcessing("win-1", true)
	err := p.runTask(ctx, queue.Task{MessageID: "m1", WindowID: "win-1", Content: "first"}, "win-1")
	p.finishKey(ctx, "win-1")
	if err == nil {
		t.Fatalf("expected first turn to fail")
	}

	if len(sink.byType(schema.EventError)) != 1 {
		t.Fatalf("expected one error event")
	}
	if len(sink.statuses(schema.AgentStatusReleased)) != 2 {
		t.Fatalf("queued task must still run after the failure")
	}
	if sizes := p.Queue.QueueSizes(); len(sizes) != 0 {
		t.Fatalf("queue must be drained, got %v", sizes)
	}
}

func TestChildWindowRoutesToParentGroup(t *testing.T) {
	p, _ := newTestProcessor(nil, 4)
	ctx := context.Background()

	p.Registry.Register(Window{ID: "win-parent", Renderer: "notes"})
	p.Registry.Register(Window{ID: "win-child", Renderer: "notes", ParentID: "win-parent"})

	if err := p.Handle(ctx, queue.Task{MessageID: "m1", WindowID: "win-parent", Content: "hi"}); err != nil {
		t.Fatalf("parent task: %v", err)
	}
	if err := p.Handle(ctx, queue.Task{MessageID: "m2", WindowID: "win-child", Content: "hi again"}); err != nil {
		t.Fatalf("child task: %v", err)
	}

	if _, ok := p.Pool.Get("win-parent"); !ok {
		t.Fatalf("group agent must live under the group key")
	}
	if _, ok := p.Pool.Get("win-child"); ok {
		t.Fatalf("child window must not get its own agent")
	}
}

func TestWindowCloseDisposesLastInGroup(t *testing.T) {
	p, _ := newTestProcessor(nil, 4)
	ctx := context.Background()

	p.Registry.Register(Window{ID: "win-parent"})
	p.Registry.Register(Window{ID: "win-child", ParentID: "win-parent"})
	if err := p.Handle(ctx, queue.Task{MessageID: "m1", WindowID: "win-child", Content: "child note"}); err != nil {
		t.Fatalf("task: %v", err)
	}

	p.HandleWindowClose(ctx, "win-child")
	if _, ok := p.Pool.Get("win-parent"); !ok {
		t.Fatalf("agent must survive while a group window remains")
	}
	for _, e := range p.Tape.Entries() {
		if e.Window == "win-child" {
			t.Fatalf("closed window's tape entries must be pruned")
		}
	}

	p.HandleWindowClose(ctx, "win-parent")
	if _, ok := p.Pool.Get("win-parent"); ok {
		t.Fatalf("agent must be disposed with the last group window")
	}
	if p.Registry.Len() != 0 {
		t.Fatalf("registry must be empty")
	}
}

func TestNotifyActionQueuesMainCallback(t *testing.T) {
	notify := []action.Action{{
		Type:   action.TypeNotify,
		Params: map[string]any{"message": "calendar window finished loading"},
	}}
	p, _ := newTestProcessor(provider.NewScripted(scriptWithActions(notify)), 4)
	ctx := context.Background()

	p.Registry.Register(Window{ID: "win-cal", Renderer: "calendar"})
	if err := p.Handle(ctx, queue.Task{MessageID: "m1", WindowID: "win-cal", Content: "load events"}); err != nil {
		t.Fatalf("window task: %v", err)
	}
	if p.Assembler.PendingCallbacks() != 1 {
		t.Fatalf("notify action must queue one main callback, got %d", p.Assembler.PendingCallbacks())
	}

	if err := p.Handle(ctx, queue.Task{MessageID: "m2", Content: "what changed?"}); err != nil {
		t.Fatalf("main task: %v", err)
	}
	if p.Assembler.PendingCallbacks() != 0 {
		t.Fatalf("main turn must drain callbacks")
	}
}

func TestExhaustedActionBudgetRejectsWithSentinel(t *testing.T) {
	p, sink := newTestProcessor(nil, 4)
	p.Budget = budget.New("monitor-0", 2, 1, 1<<20)
	ctx := context.Background()

	p.Budget.RecordAction("monitor-1")
	err := p.Handle(ctx, queue.Task{MessageID: "m1", MonitorID: "monitor-1", Content: "more work"})
	if !errors.Is(err, budget.ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
	if len(sink.byType(schema.EventError)) != 1 {
		t.Fatalf("expected one error event")
	}

	// The primary monitor bypasses the budget entirely.
	if err := p.Handle(ctx, queue.Task{MessageID: "m2", MonitorID: "monitor-0", Content: "still fine"}); err != nil {
		t.Fatalf("primary monitor task: %v", err)
	}
}

func TestExhaustedOutputBudgetRejectsWithSentinel(t *testing.T) {
	p, _ := newTestProcessor(nil, 4)
	p.Budget = budget.New("monitor-0", 2, 100, 8)
	ctx := context.Background()

	p.Budget.RecordOutput("monitor-1", 16)
	err := p.Handle(ctx, queue.Task{MessageID: "m1", MonitorID: "monitor-1", Content: "more work"})
	if !errors.Is(err, budget.ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
}

func TestParallelTaskBypassesSerialization(t *testing.T) {
	backend := &gatedBackend{inner: provider.NewScripted(nil), gate: make(chan struct{})}
	p, sink := newTestProcessor(backend, 4)
	ctx := context.Background()

	go p.Handle(ctx, queue.Task{MessageID: "m1", WindowID: "win-1", Content: "long running"})
	sink.waitFor(t, func() bool {
		return len(sink.statuses(schema.AgentStatusActive)) == 1
	}, "first task active")

	done := make(chan error, 1)
	go func() {
		done <- p.Handle(ctx, queue.Task{
			MessageID: "m2", WindowID: "win-1", Content: "side effect",
			ActionID: "act-1", Parallel: true,
		})
	}()
	sink.waitFor(t, func() bool {
		return len(sink.statuses(schema.AgentStatusActive)) == 2
	}, "parallel task active alongside")

	if len(sink.byType(schema.EventMessageQueued)) != 0 {
		t.Fatalf("parallel task must not queue")
	}
	close(backend.gate)
	if err := <-done; err != nil {
		t.Fatalf("parallel task: %v", err)
	}
}
