package provider

import (
	"context"
	"strings"
	"sync"

	"github.com/flitsinc/deskd/internal/idgen"
)

// ScriptFunc produces the messages a scripted turn streams for a prompt.
// The terminal complete message is appended automatically.
type ScriptFunc func(prompt string, opts Options) []StreamMessage

// Scripted is a deterministic in-process provider used by tests and
// offline runs. It honors session continuity the same way a real backend
// does: the session id survives across turns, forks mint a child id.
type Scripted struct {
	Script ScriptFunc

	mu       sync.Mutex
	active   map[*Stream]context.CancelFunc
	disposed bool
}

// NewScripted returns a provider that echoes the prompt when no script is
// given.
func NewScripted(script ScriptFunc) *Scripted {
	if script == nil {
		script = func(prompt string, _ Options) []StreamMessage {
			return []StreamMessage{{Type: MessageText, Content: "ok: " + prompt}}
		}
	}
	return &Scripted{Script: script, active: map[*Stream]context.CancelFunc{}}
}

func (s *Scripted) Query(ctx context.Context, prompt string, opts Options) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream := NewStream(16)
	stream.cancel = cancel

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		cancel()
		return nil, ErrInvalidSession
	}
	s.active[stream] = cancel
	s.mu.Unlock()

	sessionID := opts.SessionID
	switch {
	case opts.ForkSession, sessionID == "" && opts.ResumeThread == "":
		sessionID = idgen.Instance("sess")
	case sessionID == "":
		sessionID = opts.ResumeThread
	}

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.active, stream)
			s.mu.Unlock()
			cancel()
			stream.Close()
		}()
		for _, msg := range s.Script(prompt, opts) {
			if msg.SessionID == "" {
				msg.SessionID = sessionID
			}
			if !stream.Send(ctx, msg) {
				stream.ch <- StreamMessage{Type: MessageError, SessionID: sessionID, Err: context.Cause(ctx).Error()}
				return
			}
			if msg.Type == MessageComplete || msg.Type == MessageError {
				return
			}
		}
		stream.ch <- StreamMessage{Type: MessageComplete, SessionID: sessionID}
	}()
	return stream, nil
}

// Interrupt aborts every in-flight query.
func (s *Scripted) Interrupt() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.active))
	for _, cancel := range s.active {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (s *Scripted) Dispose() {
	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()
	s.Interrupt()
}

// EchoScript returns a script that answers with the last prompt line,
// prefixed. Handy for asserting which prompt variant reached the backend.
func EchoScript(prefix string) ScriptFunc {
	return func(prompt string, _ Options) []StreamMessage {
		text := prompt
		if idx := strings.LastIndex(prompt, "\n"); idx >= 0 {
			text = prompt[idx+1:]
		}
		return []StreamMessage{{Type: MessageText, Content: prefix + text}}
	}
}
