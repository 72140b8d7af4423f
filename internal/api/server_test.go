package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flitsinc/deskd/internal/action"
	"github.com/flitsinc/deskd/internal/agent"
	"github.com/flitsinc/deskd/internal/budget"
	"github.com/flitsinc/deskd/internal/eventbus"
	"github.com/flitsinc/deskd/internal/limiter"
	"github.com/flitsinc/deskd/internal/orchestrator"
	"github.com/flitsinc/deskd/internal/prompt"
	"github.com/flitsinc/deskd/internal/provider"
	"github.com/flitsinc/deskd/internal/queue"
	"github.com/flitsinc/deskd/internal/reloadcache"
	"github.com/flitsinc/deskd/internal/schema"
	"github.com/flitsinc/deskd/internal/tape"
	"github.com/flitsinc/deskd/internal/testutil"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, cleanup := testutil.OpenTestDB(t)
	t.Cleanup(cleanup)

	bus := eventbus.NewBus(db)
	cache, err := reloadcache.New(db)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	processor := &orchestrator.Processor{
		Limiter:         limiter.New(4),
		Budget:          budget.New("monitor-0", 2, 100, 1<<20),
		Queue:           queue.New(),
		Tape:            tape.New(),
		Cache:           cache,
		Assembler:       prompt.NewAssembler(),
		Pool:            agent.NewPool(provider.NewScripted(nil), nil, 0),
		Registry:        orchestrator.NewRegistry(),
		Sink:            bus,
		SlotWaitTimeout: 2 * time.Second,
	}
	return &Server{
		Processor: processor,
		Bus:       bus,
		StartedAt: time.Now().UTC(),
		Info:      DiagnosticsInfo{HTTPAddr: ":0", DBPath: ":memory:"},
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestPostTaskRunsTurnAndEmitsEvents(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/tasks",
		`{"message_id":"m1","content":"open calendar"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/events?type="+schema.EventAgentResponse, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var events []eventbus.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected agent_response events after a task")
	}
	found := false
	for _, e := range events {
		if schema.GetBool(e.Payload, schema.KeyComplete) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a completed response event, got %+v", events)
	}
}

func TestPostTaskRejectsEmptyContent(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/tasks", `{"message_id":"m1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWindowLifecycle(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/windows",
		`{"id":"win-1","renderer":"notes"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/windows/win-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var win orchestrator.Window
	if err := json.Unmarshal(rec.Body.Bytes(), &win); err != nil {
		t.Fatalf("decode window: %v", err)
	}
	if win.GroupID != "win-1" {
		t.Fatalf("ungrouped window must found its own group, got %q", win.GroupID)
	}

	rec = doJSON(t, handler, http.MethodDelete, "/api/windows/win-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/windows/win-1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after close, got %d", rec.Code)
	}
}

func TestCacheReplayFeedbackMovesCounters(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()
	ctx := context.Background()

	cache := s.Processor.Cache
	fp := cache.BuildFingerprint("open calendar", reloadcache.TriggerMain, "", nil)
	actions := []action.Action{{Type: action.TypeWindowCreate, Target: "cal-1"}}
	if _, recorded, err := cache.MaybeRecord(ctx, fp, actions, "open calendar"); err != nil || !recorded {
		t.Fatalf("seed entry: recorded=%v err=%v", recorded, err)
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/cache/"+fp.Key()+"/use", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/cache/"+fp.Key()+"/use", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/cache/"+fp.Key()+"/failure", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/cache/"+fp.Key(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entry reloadcache.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.UseCount != 2 || entry.FailureCount != 1 {
		t.Fatalf("expected useCount=2 failureCount=1, got %d/%d", entry.UseCount, entry.FailureCount)
	}
	if entry.LastUsedAt.IsZero() {
		t.Fatalf("successful replay must stamp lastUsedAt")
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/cache/nope/use", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown key, got %d", rec.Code)
	}
}

func TestDiagnostics(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/diagnostics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp DiagnosticsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode diagnostics: %v", err)
	}
	if resp.GoVersion == "" {
		t.Fatalf("go version missing")
	}
	if resp.Orchestrator["agents"] == nil {
		t.Fatalf("orchestrator stats missing: %+v", resp.Orchestrator)
	}
}
