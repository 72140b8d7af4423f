package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Bus persists every emitted event and fans it out to subscribers over
// bounded channels. A slow subscriber drops events rather than stalling
// the turn that produced them.
type Bus struct {
	db *sql.DB

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	types map[string]struct{}
	ch    chan Event
}

func NewBus(db *sql.DB) *Bus {
	return &Bus{db: db, subs: map[string]*subscriber{}}
}

func (b *Bus) Emit(ctx context.Context, input Input) (Event, error) {
	if strings.TrimSpace(input.Type) == "" {
		return Event{}, fmt.Errorf("event type is required")
	}

	event := Event{
		ID:        ulid.Make().String(),
		Type:      input.Type,
		AgentID:   input.AgentID,
		WindowID:  input.WindowID,
		MessageID: input.MessageID,
		Payload:   input.Payload,
		CreatedAt: time.Now().UTC(),
	}

	if b.db != nil {
		payloadJSON, err := encodeJSON(event.Payload)
		if err != nil {
			return Event{}, fmt.Errorf("encode payload: %w", err)
		}
		_, err = b.db.ExecContext(ctx, `
			INSERT INTO events (id, type, agent_id, window_id, message_id, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, event.ID, event.Type, nullString(event.AgentID), nullString(event.WindowID), nullString(event.MessageID), payloadJSON, event.CreatedAt.Format(time.RFC3339Nano))
		if err != nil {
			return Event{}, fmt.Errorf("insert event: %w", err)
		}
	}

	b.broadcast(event)
	return event, nil
}

// Recent returns the latest events of the given type, newest first. An empty
// type returns events of every type.
func (b *Bus) Recent(ctx context.Context, eventType string, limit int) ([]Event, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, type, agent_id, window_id, message_id, payload, created_at FROM events`
	var args []any
	if eventType != "" {
		query += ` WHERE type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var agentID, windowID, messageID, payloadStr sql.NullString
		var createdAtStr string
		if err := rows.Scan(&e.ID, &e.Type, &agentID, &windowID, &messageID, &payloadStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.AgentID = agentID.String
		e.WindowID = windowID.String
		e.MessageID = messageID.String
		e.Payload = decodeJSONMap(payloadStr.String)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Subscribe returns a channel of events filtered by type. An empty type list
// subscribes to everything. The channel closes when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, types []string) <-chan Event {
	ch := make(chan Event, 64)
	typeSet := map[string]struct{}{}
	for _, t := range types {
		if t == "" {
			continue
		}
		typeSet[t] = struct{}{}
	}
	id := ulid.Make().String()

	sub := &subscriber{types: typeSet, ch: ch}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.types) > 0 {
			if _, ok := sub.types[event.Type]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- event:
		default:
			// Drop if subscriber is slow.
		}
	}
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
