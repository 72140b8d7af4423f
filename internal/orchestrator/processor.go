package orchestrator

import (
	"context"
	"fmt"
	"log"
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
	"github.com/flitsinc/deskd/internal/timeline"
)

const (
	maxReloadSuggestions = 3
	maxSeedPairs         = 5
)

// Processor runs window tasks through the full turn pipeline: admission,
// budget, per-key serialization, agent resolution, prompt assembly, the
// provider turn itself, and action recording. One Processor serves the whole
// process.
type Processor struct {
	Limiter   *limiter.Limiter
	Budget    *budget.Policy
	Queue     *queue.Policy
	Tape      *tape.Tape
	Cache     *reloadcache.Cache
	Assembler *prompt.Assembler
	Pool      *agent.Pool
	Registry  *Registry
	Sink      eventbus.Sink
	Timeline  *timeline.Timeline

	SystemPrompt    string
	SlotWaitTimeout time.Duration
}

func (p *Processor) slotWait() time.Duration {
	if p.SlotWaitTimeout > 0 {
		return p.SlotWaitTimeout
	}
	return 30 * time.Second
}

// routingKeys resolves which agent serves the task and which key serializes
// it. Grouped windows share their group's agent. A parallel task with an
// explicit action id serializes under that id instead, so it never contends
// with the window's own queue.
func (p *Processor) routingKeys(task queue.Task) (agentKey, processingKey string) {
	if task.WindowID == "" {
		agentKey = agent.DefaultKey
	} else {
		agentKey = p.Registry.GroupOf(task.WindowID)
	}
	processingKey = agentKey
	if task.Parallel && task.ActionID != "" {
		processingKey = task.ActionID
	}
	return agentKey, processingKey
}

// Handle runs one task to completion, queueing it instead when its key is
// busy. Every resource acquired on the way is released by a deferred call so
// no exit path, including panics in cleanup, can leak a slot.
func (p *Processor) Handle(ctx context.Context, task queue.Task) error {
	agentKey, processingKey := p.routingKeys(task)

	if !task.Parallel {
		if p.Queue.IsProcessing(processingKey) {
			position := p.Queue.Enqueue(processingKey, task)
			p.emit(ctx, eventbus.Input{
				Type:      schema.EventMessageQueued,
				WindowID:  task.WindowID,
				MessageID: task.MessageID,
				Payload:   map[string]any{schema.KeyPosition: position},
			})
			return nil
		}
		p.Queue.SetProcessing(processingKey, true)
		defer p.finishKey(ctx, processingKey)
	}

	return p.runTask(ctx, task, agentKey)
}

// finishKey synchronously drains the key's queue. The busy flag is held
// across each handoff and only cleared once the queue is empty, so strict
// FIFO survives tasks arriving mid-drain. It runs even when the task itself
// failed, so a stuck key never wedges the queue behind it.
func (p *Processor) finishKey(ctx context.Context, processingKey string) {
	for {
		next, ok := p.Queue.FinishAndNext(processingKey)
		if !ok {
			return
		}
		agentKey, _ := p.routingKeys(next)
		if err := p.runTask(ctx, next, agentKey); err != nil {
			log.Printf("drained task %s failed: %v", next.MessageID, err)
		}
	}
}

func (p *Processor) runTask(ctx context.Context, task queue.Task, agentKey string) error {
	if !p.Limiter.TryAcquire() {
		// All turn slots busy: report the wait position, then join the
		// FIFO line.
		p.emit(ctx, eventbus.Input{
			Type:      schema.EventMessageQueued,
			WindowID:  task.WindowID,
			MessageID: task.MessageID,
			Payload:   map[string]any{schema.KeyPosition: p.Limiter.Waiting() + 1},
		})
		if err := p.Limiter.Acquire(ctx, p.slotWait()); err != nil {
			p.emitError(ctx, task, "", fmt.Errorf("admission: %w", err))
			return err
		}
	}
	defer p.Limiter.Release()

	if err := p.Budget.AcquireTaskSlot(ctx, task.MonitorID, p.slotWait()); err != nil {
		p.emitError(ctx, task, "", fmt.Errorf("task slot for %s: %w", task.MonitorID, err))
		return err
	}
	defer p.Budget.ReleaseTaskSlot(task.MonitorID)

	if !p.Budget.CheckActionBudget(task.MonitorID) {
		err := fmt.Errorf("action budget for monitor %s: %w", task.MonitorID, budget.ErrBudgetExhausted)
		p.emitError(ctx, task, "", err)
		return err
	}
	if !p.Budget.CheckOutputBudget(task.MonitorID) {
		err := fmt.Errorf("output budget for monitor %s: %w", task.MonitorID, budget.ErrBudgetExhausted)
		p.emitError(ctx, task, "", err)
		return err
	}

	parentAgentID := ""
	if w, ok := p.Registry.Get(task.WindowID); ok && w.ParentID != "" {
		if parent, ok := p.Pool.Get(p.Registry.GroupOf(w.ParentID)); ok {
			parentAgentID = parent.ID
		}
	}
	session, err := p.Pool.GetOrCreate(ctx, agentKey, task.WindowID, parentAgentID)
	if err != nil {
		p.emitError(ctx, task, "", fmt.Errorf("create agent for %s: %w", agentKey, err))
		return err
	}

	p.emit(ctx, eventbus.Input{
		Type:      schema.EventMessageAccepted,
		AgentID:   session.ID,
		WindowID:  task.WindowID,
		MessageID: task.MessageID,
	})
	p.emitStatus(ctx, task, session.ID, schema.AgentStatusAssigned)

	built := p.buildPrompt(task, session)
	p.Tape.AppendUser(task.Content, task.WindowID)

	p.emitStatus(ctx, task, session.ID, schema.AgentStatusActive)
	defer p.emitStatus(ctx, task, session.ID, schema.AgentStatusReleased)

	result, err := session.RunTurn(ctx, built.prompt, p.SystemPrompt, func(msg provider.StreamMessage) {
		p.relayMessage(ctx, task, session.ID, msg)
	})
	if err != nil {
		p.emitError(ctx, task, session.ID, fmt.Errorf("turn failed: %w", err))
		return err
	}

	p.emit(ctx, eventbus.Input{
		Type:      schema.EventAgentResponse,
		AgentID:   session.ID,
		WindowID:  task.WindowID,
		MessageID: task.MessageID,
		Payload: map[string]any{
			schema.KeyContent:  result.Output,
			schema.KeyComplete: true,
		},
	})

	p.Tape.AppendAssistant(result.Output, task.WindowID)
	p.Budget.RecordOutput(task.MonitorID, len(result.Output))
	for range result.Actions {
		p.Budget.RecordAction(task.MonitorID)
	}

	p.registerCreatedWindows(task.WindowID, result)
	p.queueCallbacks(result)
	if _, recorded, rerr := p.Cache.MaybeRecord(ctx, built.fingerprint, result.Actions, task.Content); rerr != nil {
		log.Printf("warning: failed to persist cache entry: %v", rerr)
	} else if recorded {
		log.Printf("recorded %d action(s) for replay (key %s)", len(result.Actions), built.fingerprint.Key())
	}

	p.pushTimeline(ctx, task, result)
	return nil
}

type builtPrompt struct {
	prompt      string
	fingerprint reloadcache.Fingerprint
}

// buildPrompt fingerprints the task against the open-window snapshot, folds
// up to three ranked replay suggestions into the context, and assembles the
// main or window prompt. A window agent's first turn is seeded with a
// bounded excerpt of the desktop conversation.
func (p *Processor) buildPrompt(task queue.Task, session *agent.Session) builtPrompt {
	open := p.Registry.Snapshot()

	triggerType, triggerTarget := reloadcache.TriggerMain, ""
	if task.WindowID != "" {
		triggerType, triggerTarget = reloadcache.TriggerWindow, task.WindowID
	}
	fp := p.Cache.BuildFingerprint(task.Content, triggerType, triggerTarget, open)
	matches := p.Cache.FindMatches(fp, maxReloadSuggestions, p.Registry.OpenIDs())
	suggestions := prompt.FormatReloadSuggestions(matches)

	if task.WindowID == "" {
		return builtPrompt{
			prompt:      p.Assembler.BuildMainPrompt(task.Content, task.Interactions, open, suggestions),
			fingerprint: fp,
		}
	}

	seed := ""
	if session.SessionID() == "" {
		seed = prompt.BuildWindowInitialContext(p.Tape, maxSeedPairs)
	}
	return builtPrompt{
		prompt:      p.Assembler.BuildWindowPrompt(task.Content, seed, suggestions),
		fingerprint: fp,
	}
}

// relayMessage translates one streamed provider message into its event.
func (p *Processor) relayMessage(ctx context.Context, task queue.Task, agentID string, msg provider.StreamMessage) {
	switch msg.Type {
	case provider.MessageText:
		p.emit(ctx, eventbus.Input{
			Type:      schema.EventAgentResponse,
			AgentID:   agentID,
			WindowID:  task.WindowID,
			MessageID: task.MessageID,
			Payload: map[string]any{
				schema.KeyContent:  msg.Content,
				schema.KeyComplete: false,
			},
		})
	case provider.MessageThinking:
		p.emit(ctx, eventbus.Input{
			Type:     schema.EventAgentThinking,
			AgentID:  agentID,
			WindowID: task.WindowID,
			Payload:  map[string]any{schema.KeyContent: msg.Content},
		})
	case provider.MessageToolUse:
		p.emit(ctx, eventbus.Input{
			Type:     schema.EventToolProgress,
			AgentID:  agentID,
			WindowID: task.WindowID,
			Payload: map[string]any{
				schema.KeyToolName: msg.ToolName,
				schema.KeyStatus:   "started",
			},
		})
	case provider.MessageToolResult:
		p.emit(ctx, eventbus.Input{
			Type:     schema.EventToolProgress,
			AgentID:  agentID,
			WindowID: task.WindowID,
			Payload: map[string]any{
				schema.KeyToolName: msg.ToolName,
				schema.KeyStatus:   "finished",
			},
		})
	}
}

// registerCreatedWindows registers every window.create action's window as a
// child of the task's window, so future tasks for it route to the same group.
func (p *Processor) registerCreatedWindows(parentID string, result *agent.TurnResult) {
	for _, a := range result.Actions {
		if !a.IsWindowCreate() || a.Target == "" {
			continue
		}
		renderer, _ := a.Params["renderer"].(string)
		p.Registry.Register(Window{
			ID:       a.Target,
			Renderer: renderer,
			ParentID: parentID,
		})
	}
}

// queueCallbacks forwards notify actions to the assembler, where they are
// delivered at the start of the next main-context turn.
func (p *Processor) queueCallbacks(result *agent.TurnResult) {
	for _, a := range result.Actions {
		if a.Type != action.TypeNotify {
			continue
		}
		if msg, ok := a.Params["message"].(string); ok {
			p.Assembler.QueueCallback(msg)
		}
	}
}

// HandleWindowClose tears down a closed window: its agent is disposed when
// it was the group's last window, its tape entries are pruned, and its
// routing bookkeeping is dropped.
func (p *Processor) HandleWindowClose(ctx context.Context, windowID string) {
	w, ok, lastInGroup := p.Registry.Close(windowID)
	if !ok {
		return
	}
	if lastInGroup {
		p.Pool.DisposeWindow(ctx, w.GroupID)
		p.Queue.Remove(w.GroupID)
	}
	p.Tape.PruneWindow(windowID)
	p.Queue.Remove(windowID)
}

func (p *Processor) pushTimeline(ctx context.Context, task queue.Task, result *agent.TurnResult) {
	if p.Timeline == nil {
		return
	}
	if _, err := p.Timeline.Push(ctx, task.WindowID, tape.RoleUser, task.Content); err != nil {
		log.Printf("warning: timeline push failed: %v", err)
	}
	if result.Output != "" {
		if _, err := p.Timeline.Push(ctx, task.WindowID, tape.RoleAssistant, result.Output); err != nil {
			log.Printf("warning: timeline push failed: %v", err)
		}
	}
}

func (p *Processor) emit(ctx context.Context, input eventbus.Input) {
	if p.Sink == nil {
		return
	}
	if _, err := p.Sink.Emit(ctx, input); err != nil {
		log.Printf("warning: failed to emit %s event: %v", input.Type, err)
	}
}

func (p *Processor) emitStatus(ctx context.Context, task queue.Task, agentID, status string) {
	p.emit(ctx, eventbus.Input{
		Type:      schema.EventWindowAgentStatus,
		AgentID:   agentID,
		WindowID:  task.WindowID,
		MessageID: task.MessageID,
		Payload:   map[string]any{schema.KeyStatus: status},
	})
}

func (p *Processor) emitError(ctx context.Context, task queue.Task, agentID string, err error) {
	p.emit(ctx, eventbus.Input{
		Type:      schema.EventError,
		AgentID:   agentID,
		WindowID:  task.WindowID,
		MessageID: task.MessageID,
		Payload:   map[string]any{schema.KeyError: err.Error()},
	})
}
