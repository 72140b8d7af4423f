package provider

import (
	"context"
	"strings"
	"testing"
	"time"
)

func collect(t *testing.T, stream *Stream) []StreamMessage {
	t.Helper()
	var msgs []StreamMessage
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-stream.Messages():
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		case <-timeout:
			t.Fatalf("stream did not close; got %d messages", len(msgs))
		}
	}
}

func TestScriptedStreamEndsWithComplete(t *testing.T) {
	p := NewScripted(nil)
	stream, err := p.Query(context.Background(), "hello", Options{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	msgs := collect(t, stream)
	if len(msgs) != 2 {
		t.Fatalf("expected text+complete, got %d messages", len(msgs))
	}
	if msgs[0].Type != MessageText || msgs[0].Content != "ok: hello" {
		t.Fatalf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Type != MessageComplete {
		t.Fatalf("expected terminal complete, got %+v", msgs[1])
	}
	if msgs[0].SessionID == "" || msgs[0].SessionID != msgs[1].SessionID {
		t.Fatalf("session id must be set and stable: %+v", msgs)
	}
}

func TestScriptedSessionContinuityAndFork(t *testing.T) {
	p := NewScripted(nil)

	first := collect(t, mustQuery(t, p, "a", Options{}))
	sessionID := first[0].SessionID

	second := collect(t, mustQuery(t, p, "b", Options{SessionID: sessionID}))
	if second[0].SessionID != sessionID {
		t.Fatalf("continuation changed session id: %q != %q", second[0].SessionID, sessionID)
	}

	forked := collect(t, mustQuery(t, p, "c", Options{SessionID: sessionID, ForkSession: true}))
	if forked[0].SessionID == sessionID || forked[0].SessionID == "" {
		t.Fatalf("fork must mint a new session id, got %q", forked[0].SessionID)
	}
}

func TestScriptedScriptErrorIsTerminal(t *testing.T) {
	p := NewScripted(func(string, Options) []StreamMessage {
		return []StreamMessage{
			{Type: MessageText, Content: "partial"},
			{Type: MessageError, Err: "backend exploded"},
			{Type: MessageText, Content: "never sent"},
		}
	})
	msgs := collect(t, mustQuery(t, p, "x", Options{}))
	last := msgs[len(msgs)-1]
	if last.Type != MessageError || last.Err != "backend exploded" {
		t.Fatalf("expected terminal error, got %+v", last)
	}
	for _, m := range msgs {
		if strings.Contains(m.Content, "never sent") {
			t.Fatalf("messages after the terminal one must not stream")
		}
	}
}

func TestScriptedDisposeRejectsQueries(t *testing.T) {
	p := NewScripted(nil)
	p.Dispose()
	if _, err := p.Query(context.Background(), "x", Options{}); err != ErrInvalidSession {
		t.Fatalf("expected ErrInvalidSession after dispose, got %v", err)
	}
}

func TestLLMRejectsUnknownSession(t *testing.T) {
	p, err := NewLLM(LLMConfig{Provider: "anthropic", Model: "claude-3-5-haiku-latest", APIKey: "test-key"})
	if err != nil {
		t.Fatalf("new llm: %v", err)
	}
	if _, err := p.Query(context.Background(), "x", Options{SessionID: "sess-unknown"}); err != ErrInvalidSession {
		t.Fatalf("expected ErrInvalidSession for unknown session, got %v", err)
	}
}

func TestLLMConfigValidation(t *testing.T) {
	if _, err := NewLLM(LLMConfig{Provider: "carrier-pigeon", Model: "m", APIKey: "k"}); err == nil {
		t.Fatalf("expected error for unsupported provider")
	}
	if _, err := NewLLM(LLMConfig{Provider: "anthropic", Model: "m"}); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}

func mustQuery(t *testing.T, p Provider, prompt string, opts Options) *Stream {
	t.Helper()
	stream, err := p.Query(context.Background(), prompt, opts)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	return stream
}
