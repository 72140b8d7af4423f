package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/deskd/internal/eventbus"
	"github.com/flitsinc/deskd/internal/orchestrator"
	"github.com/flitsinc/deskd/internal/queue"
	"github.com/flitsinc/deskd/internal/schema"
	"github.com/flitsinc/deskd/internal/timeline"
)

type Server struct {
	Processor *orchestrator.Processor
	Bus       *eventbus.Bus
	Timeline  *timeline.Timeline
	StartedAt time.Time
	Info      DiagnosticsInfo
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/windows", s.handleWindows)
	mux.HandleFunc("/api/windows/", s.handleWindowItem)
	mux.HandleFunc("/api/cache/", s.handleCacheItem)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/timeline", s.handleTimeline)
	mux.HandleFunc("/api/stream", s.handleStreamWS)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

// handleTasks accepts one window task and runs it through the processor.
// The response reports acceptance; progress streams over /api/stream.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var task queue.Task
	if err := decodeJSON(r.Body, &task); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(task.Content) == "" {
		writeError(w, http.StatusBadRequest, errors.New("task content is required"))
		return
	}
	if err := s.Processor.Handle(r.Context(), task); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"message_id": task.MessageID})
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.Processor.Registry.Snapshot())
	case http.MethodPost:
		var win orchestrator.Window
		if err := decodeJSON(r.Body, &win); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if win.ID == "" {
			writeError(w, http.StatusBadRequest, errNotFound("window id"))
			return
		}
		writeJSON(w, http.StatusCreated, s.Processor.Registry.Register(win))
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleWindowItem(w http.ResponseWriter, r *http.Request) {
	windowID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/windows/"), "/")
	if windowID == "" {
		writeError(w, http.StatusNotFound, errNotFound("window"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		win, ok := s.Processor.Registry.Get(windowID)
		if !ok {
			writeError(w, http.StatusNotFound, errNotFound("window"))
			return
		}
		writeJSON(w, http.StatusOK, win)
	case http.MethodDelete:
		s.Processor.HandleWindowClose(r.Context(), windowID)
		writeJSON(w, http.StatusOK, map[string]any{"closed": windowID})
	default:
		writeMethodNotAllowed(w)
	}
}

// handleCacheItem reads one replay entry and records replay feedback. The
// client that applied a suggested sequence reports the outcome here:
// POST /api/cache/{key}/use after a successful replay, /failure when the
// replay proved invalid. That feedback is what moves the entry's counters.
func (s *Server) handleCacheItem(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/cache/"), "/")
	segments := strings.Split(path, "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("cache entry"))
		return
	}
	key := segments[0]
	cache := s.Processor.Cache

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		entry, ok := cache.Get(key)
		if !ok {
			writeError(w, http.StatusNotFound, errNotFound("cache entry"))
			return
		}
		writeJSON(w, http.StatusOK, entry)
		return
	}

	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var err error
	switch segments[1] {
	case "use":
		err = cache.RecordUse(r.Context(), key)
	case "failure":
		err = cache.RecordFailure(r.Context(), key)
	default:
		writeError(w, http.StatusNotFound, errNotFound("cache action"))
		return
	}
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	entry, _ := cache.Get(key)
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	eventType := r.URL.Query().Get("type")
	limit := parseInt(r.URL.Query().Get("limit"), 100)
	events, err := s.Bus.Recent(r.Context(), eventType, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Timeline == nil {
		writeJSON(w, http.StatusOK, []timeline.Entry{})
		return
	}
	entries, err := s.Timeline.Recent(r.Context(), parseInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func subscribedTypes(raw string) []string {
	if raw == "" {
		return schema.ClientEvents
	}
	return splitComma(raw)
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
