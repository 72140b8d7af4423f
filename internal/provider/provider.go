package provider

import (
	"context"
	"errors"

	"github.com/flitsinc/deskd/internal/action"
)

// MessageType classifies one streamed provider message.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageThinking   MessageType = "thinking"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageComplete   MessageType = "complete"
	MessageError      MessageType = "error"
)

// StreamMessage is the unified parser output from any provider backend.
type StreamMessage struct {
	Type      MessageType     `json:"type"`
	Content   string          `json:"content,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Actions   []action.Action `json:"actions,omitempty"`
	Err       string          `json:"error,omitempty"`
}

// Options configure one query. SessionID continues an existing thread;
// ForkSession branches a child thread from it; ResumeThread restores a
// previously saved thread id.
type Options struct {
	SessionID    string
	ForkSession  bool
	ResumeThread string
	SystemPrompt string
	Images       []string
}

// ErrInvalidSession is returned (or carried on an error message) when the
// backend rejects a stale session id. The caller retries once on a fresh
// thread.
var ErrInvalidSession = errors.New("invalid provider session")

// Provider is one reasoning backend. Query returns a stream that the
// backend writes into and closes after the terminal complete or error
// message; there is no implicit generator to abandon. Interrupt aborts
// every in-flight query on the backend; aborting a single turn is
// Stream.Interrupt.
type Provider interface {
	Query(ctx context.Context, prompt string, opts Options) (*Stream, error)
	Interrupt()
	Dispose()
}

// Stream carries provider messages to the orchestrator. The channel closes
// after the terminal message. Each stream owns the cancellation of the one
// query that feeds it: interrupting a stream never touches another turn on
// the same backend.
type Stream struct {
	ch     chan StreamMessage
	cancel context.CancelFunc
}

func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream{ch: make(chan StreamMessage, buffer)}
}

func (s *Stream) Messages() <-chan StreamMessage {
	return s.ch
}

// Interrupt aborts the query feeding this stream. The writer still delivers
// a terminal message and closes the channel.
func (s *Stream) Interrupt() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Send delivers a message unless ctx is done.
func (s *Stream) Send(ctx context.Context, msg StreamMessage) bool {
	select {
	case s.ch <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close ends the stream. The writer calls it exactly once, after the
// terminal message.
func (s *Stream) Close() {
	close(s.ch)
}
