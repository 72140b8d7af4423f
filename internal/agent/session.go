package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flitsinc/deskd/internal/action"
	"github.com/flitsinc/deskd/internal/idgen"
	"github.com/flitsinc/deskd/internal/provider"
)

// Session binds one routing key to one provider thread. The first turn
// establishes the thread (optionally forked from a parent or resumed from a
// saved hint); later turns continue it so the backend keeps the context.
type Session struct {
	ID            string
	Key           string
	WindowID      string
	ParentAgentID string

	backend provider.Provider

	mu           sync.Mutex
	sessionID    string
	forkFrom     string
	resumeThread string
	inFlight     int
	streams      map[*provider.Stream]struct{}
	lastUsed     time.Time
	nowFn        func() time.Time
}

// TurnResult is what one completed provider turn produced.
type TurnResult struct {
	Output    string
	Thinking  string
	Actions   []action.Action
	SessionID string
}

func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight > 0
}

func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Interrupt aborts this session's in-flight turns. Other sessions sharing
// the same backend are untouched.
func (s *Session) Interrupt() {
	s.mu.Lock()
	streams := make([]*provider.Stream, 0, len(s.streams))
	for stream := range s.streams {
		streams = append(streams, stream)
	}
	s.mu.Unlock()
	for _, stream := range streams {
		stream.Interrupt()
	}
}

// turnOptions builds the provider options for the next turn and consumes
// the one-shot fork/resume hints.
func (s *Session) turnOptions(systemPrompt string) provider.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	opts := provider.Options{SessionID: s.sessionID, SystemPrompt: systemPrompt}
	if s.sessionID == "" {
		if s.forkFrom != "" {
			opts.SessionID = s.forkFrom
			opts.ForkSession = true
			s.forkFrom = ""
		} else if s.resumeThread != "" {
			opts.ResumeThread = s.resumeThread
			s.resumeThread = ""
		}
	}
	return opts
}

// RunTurn executes one provider turn. Every streamed message is handed to
// onMessage before being folded into the result. A stale provider thread is
// retried exactly once on a fresh one. Serialization per routing key is the
// queue's job; a parallel task sharing the session runs concurrently.
func (s *Session) RunTurn(ctx context.Context, prompt, systemPrompt string, onMessage func(provider.StreamMessage)) (*TurnResult, error) {
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.lastUsed = s.nowFn()
		s.mu.Unlock()
	}()

	opts := s.turnOptions(systemPrompt)
	result, err := s.runOnce(ctx, prompt, opts, onMessage)
	if errors.Is(err, provider.ErrInvalidSession) {
		s.mu.Lock()
		s.sessionID = ""
		s.mu.Unlock()
		result, err = s.runOnce(ctx, prompt, provider.Options{SystemPrompt: systemPrompt}, onMessage)
	}
	return result, err
}

func (s *Session) runOnce(ctx context.Context, prompt string, opts provider.Options, onMessage func(provider.StreamMessage)) (*TurnResult, error) {
	stream, err := s.backend.Query(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.streams[stream] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, stream)
		s.mu.Unlock()
	}()

	result := &TurnResult{}
	for msg := range stream.Messages() {
		if onMessage != nil {
			onMessage(msg)
		}
		if msg.SessionID != "" {
			result.SessionID = msg.SessionID
		}
		switch msg.Type {
		case provider.MessageText:
			result.Output += msg.Content
		case provider.MessageThinking:
			result.Thinking += msg.Content
		case provider.MessageToolUse:
			result.Actions = append(result.Actions, msg.Actions...)
		case provider.MessageError:
			if msg.Err == provider.ErrInvalidSession.Error() {
				return nil, provider.ErrInvalidSession
			}
			return nil, errors.New(msg.Err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if result.SessionID != "" {
		s.mu.Lock()
		s.sessionID = result.SessionID
		s.mu.Unlock()
	}
	return result, nil
}

func newSession(backend provider.Provider, key, windowID, parentAgentID string, nowFn func() time.Time) *Session {
	return &Session{
		ID:            idgen.Instance("agent"),
		Key:           key,
		WindowID:      windowID,
		ParentAgentID: parentAgentID,
		backend:       backend,
		streams:       map[*provider.Stream]struct{}{},
		lastUsed:      nowFn(),
		nowFn:         nowFn,
	}
}
