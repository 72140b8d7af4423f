package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/flitsinc/go-llms/anthropic"
	"github.com/flitsinc/go-llms/content"
	"github.com/flitsinc/go-llms/google"
	"github.com/flitsinc/go-llms/llms"
	"github.com/flitsinc/go-llms/openai"

	"github.com/flitsinc/deskd/internal/idgen"
)

// LLMConfig selects and authenticates one hosted model backend.
type LLMConfig struct {
	Provider string
	Model    string
	APIKey   string
}

// LLM adapts a hosted model to the Provider interface. Session continuity
// is kept locally: each session id maps to the full message history, and a
// fork copies the parent's history into a new id. The backend itself is
// stateless between calls.
type LLM struct {
	cfg LLMConfig

	mu        sync.Mutex
	histories map[string][]llms.Message
	active    map[*Stream]context.CancelFunc
	disposed  bool
}

func NewLLM(cfg LLMConfig) (*LLM, error) {
	if _, err := newBackend(cfg); err != nil {
		return nil, err
	}
	return &LLM{
		cfg:       cfg,
		histories: map[string][]llms.Message{},
		active:    map[*Stream]context.CancelFunc{},
	}, nil
}

func newBackend(cfg LLMConfig) (*llms.LLM, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("llm provider is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key is required")
	}

	var provider llms.Provider
	switch cfg.Provider {
	case "openai-responses":
		provider = openai.NewResponsesAPI(cfg.APIKey, cfg.Model)
	case "openai-chat":
		provider = openai.NewChatCompletionsAPI(cfg.APIKey, cfg.Model)
	case "anthropic":
		model := anthropic.New(cfg.APIKey, cfg.Model)
		model.WithMaxTokens(62976)
		model.WithThinking(1024)
		provider = model
	case "google":
		provider = google.New(cfg.Model).WithGeminiAPI(cfg.APIKey)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
	return llms.New(provider), nil
}

// resolveSession picks the session id for a query and the history to send.
// Forks copy the parent history so the child diverges without touching it.
func (l *LLM) resolveSession(opts Options) (string, []llms.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case opts.ForkSession && opts.SessionID != "":
		id := idgen.Instance("sess")
		parent := l.histories[opts.SessionID]
		l.histories[id] = append([]llms.Message(nil), parent...)
		return id, l.histories[id]
	case opts.SessionID != "":
		return opts.SessionID, l.histories[opts.SessionID]
	case opts.ResumeThread != "":
		if history, ok := l.histories[opts.ResumeThread]; ok {
			return opts.ResumeThread, history
		}
		// The saved thread did not survive a restart; start over under a
		// fresh id rather than failing the turn.
		id := idgen.Instance("sess")
		l.histories[id] = nil
		return id, nil
	default:
		id := idgen.Instance("sess")
		l.histories[id] = nil
		return id, nil
	}
}

func (l *LLM) Query(ctx context.Context, prompt string, opts Options) (*Stream, error) {
	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return nil, ErrInvalidSession
	}
	l.mu.Unlock()

	if opts.SessionID != "" && !opts.ForkSession {
		l.mu.Lock()
		_, known := l.histories[opts.SessionID]
		l.mu.Unlock()
		if !known {
			return nil, ErrInvalidSession
		}
	}

	backend, err := newBackend(l.cfg)
	if err != nil {
		return nil, err
	}
	if opts.SystemPrompt != "" {
		systemPrompt := opts.SystemPrompt
		backend.SystemPrompt = func() content.Content { return content.FromText(systemPrompt) }
	}

	sessionID, history := l.resolveSession(opts)
	messages := append(append([]llms.Message(nil), history...), llms.Message{
		Role:    "user",
		Content: content.FromText(prompt),
	})

	ctx, cancel := context.WithCancel(ctx)
	stream := NewStream(16)
	stream.cancel = cancel
	l.mu.Lock()
	l.active[stream] = cancel
	l.mu.Unlock()

	go func() {
		defer func() {
			l.mu.Lock()
			delete(l.active, stream)
			l.mu.Unlock()
			cancel()
			stream.Close()
		}()

		var output string
		for update := range backend.ChatUsingMessages(ctx, messages) {
			if textUpdate, ok := update.(llms.TextUpdate); ok {
				output += textUpdate.Text
				if !stream.Send(ctx, StreamMessage{Type: MessageText, Content: textUpdate.Text, SessionID: sessionID}) {
					break
				}
			}
		}
		if err := backend.Err(); err != nil {
			stream.ch <- StreamMessage{Type: MessageError, SessionID: sessionID, Err: err.Error()}
			return
		}

		l.mu.Lock()
		l.histories[sessionID] = append(messages, llms.Message{
			Role:    "assistant",
			Content: content.FromText(output),
		})
		l.mu.Unlock()

		stream.ch <- StreamMessage{Type: MessageComplete, SessionID: sessionID}
	}()
	return stream, nil
}

// Interrupt aborts every in-flight query.
func (l *LLM) Interrupt() {
	l.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(l.active))
	for _, cancel := range l.active {
		cancels = append(cancels, cancel)
	}
	l.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (l *LLM) Dispose() {
	l.mu.Lock()
	l.disposed = true
	l.histories = map[string][]llms.Message{}
	l.mu.Unlock()
	l.Interrupt()
}
