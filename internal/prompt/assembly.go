package prompt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/flitsinc/deskd/internal/reloadcache"
	"github.com/flitsinc/deskd/internal/tape"
)

// Assembler builds outbound prompts from pending cross-agent callbacks,
// the open-window listing, recent interactions, and reload-cache
// suggestions. Callbacks queue until the next main prompt drains them.
type Assembler struct {
	mu        sync.Mutex
	callbacks []string
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// QueueCallback stores a message from another agent for delivery at the
// start of the next main turn.
func (a *Assembler) QueueCallback(message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		return
	}
	a.mu.Lock()
	a.callbacks = append(a.callbacks, message)
	a.mu.Unlock()
}

func (a *Assembler) drainCallbacks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.callbacks
	a.callbacks = nil
	return out
}

// PendingCallbacks reports how many callback messages are queued.
func (a *Assembler) PendingCallbacks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.callbacks)
}

// BuildMainPrompt assembles the prompt for a main-context turn. Queued
// callbacks are drained exactly once and prepended ahead of interaction and
// window context.
func (a *Assembler) BuildMainPrompt(content string, interactions []string, windows []reloadcache.WindowRef, suggestions string) string {
	builder := NewBuilder()
	if callbacks := a.drainCallbacks(); len(callbacks) > 0 {
		builder.Add(Block{ID: "callbacks", Priority: 90, Content: formatCallbacks(callbacks)})
	}
	builder.Add(Block{ID: "interactions", Priority: 80, Content: FormatInteractions(interactions)})
	builder.Add(Block{ID: "windows", Priority: 70, Content: FormatOpenWindows(windows)})
	builder.Add(Block{ID: "suggestions", Priority: 60, Content: suggestions})
	builder.Add(Block{ID: "message", Priority: 10, Content: content})
	return builder.Build()
}

// BuildWindowPrompt assembles the prompt for a window-agent turn. The
// initial context is non-empty only on the agent's first turn; afterwards
// session continuity carries prior context and only the new content is sent.
func (a *Assembler) BuildWindowPrompt(content, initialContext, suggestions string) string {
	builder := NewBuilder()
	builder.Add(Block{ID: "seed", Priority: 80, Content: initialContext})
	builder.Add(Block{ID: "suggestions", Priority: 60, Content: suggestions})
	builder.Add(Block{ID: "message", Priority: 10, Content: content})
	return builder.Build()
}

// BuildWindowInitialContext renders a bounded excerpt of the main
// conversation to seed a new window agent's first turn.
func BuildWindowInitialContext(t *tape.Tape, maxPairs int) string {
	pairs := t.RecentMainPairs(maxPairs)
	if len(pairs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Recent desktop conversation:")
	for _, p := range pairs {
		sb.WriteString("\nuser: ")
		sb.WriteString(p.User)
		sb.WriteString("\nassistant: ")
		sb.WriteString(p.Assistant)
	}
	return sb.String()
}

// FormatInteractions renders the task's prior UI interactions as a context
// block.
func FormatInteractions(interactions []string) string {
	var lines []string
	for _, it := range interactions {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		lines = append(lines, "- "+it)
	}
	if len(lines) == 0 {
		return ""
	}
	return "Recent interactions:\n" + strings.Join(lines, "\n")
}

// FormatOpenWindows renders the current open-window listing.
func FormatOpenWindows(windows []reloadcache.WindowRef) string {
	if len(windows) == 0 {
		return ""
	}
	var lines []string
	for _, w := range windows {
		lines = append(lines, fmt.Sprintf("- %s (%s)", w.ID, w.Renderer))
	}
	return "Open windows:\n" + strings.Join(lines, "\n")
}

// FormatReloadSuggestions renders ranked cache matches as optional guidance.
// They are never auto-applied; the model or operator chooses to replay.
func FormatReloadSuggestions(matches []reloadcache.Match) string {
	if len(matches) == 0 {
		return ""
	}
	var lines []string
	for _, m := range matches {
		label := m.Entry.Label
		if label == "" {
			label = m.Entry.ID
		}
		kind := "similar"
		if m.IsExact {
			kind = "exact"
		}
		lines = append(lines, fmt.Sprintf("- %s (%s, similarity %.2f, %d actions)", label, kind, m.Similarity, len(m.Entry.Actions)))
	}
	return "Previously recorded action sequences that may apply:\n" + strings.Join(lines, "\n")
}

func formatCallbacks(callbacks []string) string {
	var lines []string
	for _, cb := range callbacks {
		lines = append(lines, "- "+cb)
	}
	return "Messages from other agents:\n" + strings.Join(lines, "\n")
}
