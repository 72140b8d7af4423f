package queue

import (
	"sync"
	"time"
)

// Task is the unit of work routed through the orchestrator. Produced by the
// external router, consumed by the window task processor.
type Task struct {
	MessageID    string         `json:"message_id"`
	WindowID     string         `json:"window_id,omitempty"`
	MonitorID    string         `json:"monitor_id,omitempty"`
	Content      string         `json:"content"`
	Interactions []string       `json:"interactions,omitempty"`
	ActionID     string         `json:"action_id,omitempty"`
	Parallel     bool           `json:"parallel,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
}

// Policy serializes tasks that share a processing key: at most one in-flight
// task per key, the rest queued FIFO. Tasks flagged parallel never touch the
// processing flag and run concurrently against the same key.
type Policy struct {
	mu         sync.Mutex
	processing map[string]bool
	queues     map[string][]queuedTask
}

func New() *Policy {
	return &Policy{
		processing: map[string]bool{},
		queues:     map[string][]queuedTask{},
	}
}

func (p *Policy) IsProcessing(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processing[key]
}

func (p *Policy) SetProcessing(key string, busy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if busy {
		p.processing[key] = true
		return
	}
	delete(p.processing, key)
}

// Enqueue appends the task and returns its 1-based queue position, reported
// to the caller as "queued at position N".
func (p *Policy) Enqueue(key string, task Task) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[key] = append(p.queues[key], queuedTask{task: task, enqueuedAt: time.Now().UTC()})
	return len(p.queues[key])
}

// Dequeue pops the oldest queued task for the key.
func (p *Policy) Dequeue(key string) (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queues[key]
	if len(q) == 0 {
		delete(p.queues, key)
		return Task{}, false
	}
	head := q[0]
	if len(q) == 1 {
		delete(p.queues, key)
	} else {
		p.queues[key] = q[1:]
	}
	return head.task, true
}

// FinishAndNext ends the current task for the key in one step: when the
// queue is empty the busy flag is cleared, otherwise the oldest task is
// popped with the flag left set. The handoff is atomic, so a task arriving
// in between can never seize the key ahead of an already-queued one.
func (p *Policy) FinishAndNext(key string) (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queues[key]
	if len(q) == 0 {
		delete(p.queues, key)
		delete(p.processing, key)
		return Task{}, false
	}
	head := q[0]
	if len(q) == 1 {
		delete(p.queues, key)
	} else {
		p.queues[key] = q[1:]
	}
	return head.task, true
}

// QueueSizes returns only the non-empty queues, for diagnostics.
func (p *Policy) QueueSizes() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]int{}
	for key, q := range p.queues {
		if len(q) > 0 {
			out[key] = len(q)
		}
	}
	return out
}

// Remove drops the key's queue and processing flag, used on window close.
func (p *Policy) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.queues, key)
	delete(p.processing, key)
}
