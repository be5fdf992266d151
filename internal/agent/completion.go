// Package agent wraps the external text-completion provider and the
// analyzers layered on top of it.
package agent

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/shakedshoshan/SkillUp-sub001/internal/domain"
)

var (
	// ErrProviderUnavailable means the provider could not be reached.
	ErrProviderUnavailable = goerr.New("completion provider unavailable")
	// ErrProviderError means the provider answered with a failure or with
	// output that could not be decoded.
	ErrProviderError = goerr.New("completion provider error")
)

// Message is one turn sent to the provider.
type Message struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

// Completion produces the next assistant message for a conversation.
type Completion interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// CompletionFunc adapts a function to Completion.
type CompletionFunc func(ctx context.Context, messages []Message) (string, error)

// Complete calls f.
func (f CompletionFunc) Complete(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}

// Unavailable is the Completion used when no provider is configured.
type Unavailable struct{}

// Complete always fails with ErrProviderUnavailable.
func (Unavailable) Complete(context.Context, []Message) (string, error) {
	return "", goerr.Wrap(ErrProviderUnavailable, "no completion provider configured")
}

// MessagesFromHistory converts retained session turns to provider messages.
func MessagesFromHistory(history []domain.Turn) []Message {
	out := make([]Message, 0, len(history))
	for _, turn := range history {
		out = append(out, Message{Role: turn.Role, Content: turn.Content})
	}
	return out
}

// WithTimeout bounds every call to c by d. A non-positive d returns c.
func WithTimeout(c Completion, d time.Duration) Completion {
	if d <= 0 {
		return c
	}
	return CompletionFunc(func(ctx context.Context, messages []Message) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return c.Complete(ctx, messages)
	})
}
