package eventbus

import (
	"context"
	"time"
)

// Event is one typed notification delivered to the remote client: queue
// notices, agent lifecycle changes, streamed response chunks, errors.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	WindowID  string         `json:"window_id,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Input is what emitters provide; the bus assigns id and timestamp.
type Input struct {
	Type      string
	AgentID   string
	WindowID  string
	MessageID string
	Payload   map[string]any
}

// Sink receives orchestrator events. The bus is the production sink;
// tests register capture sinks directly.
type Sink interface {
	Emit(ctx context.Context, input Input) (Event, error)
}
