// Package llm invokes the language model behind PodBot.
//
// A Provider turns a message list into one assistant reply. The Generator
// wraps a Provider with the fixed PodBot persona: it always prepends the
// system prompt and reports every failure as *InvocationError. Providers are
// built once per process and are safe for concurrent use.
package llm

import (
	"context"
	"fmt"

	"github.com/bdobrica/podbot/internal/podbot/roles"
)

// Message is a single message sent to the model.
type Message struct {
	Role    roles.ModelRole `json:"role"`
	Content string          `json:"content"`
}

// Provider is implemented by each model backend.
type Provider interface {
	// Name identifies the backend in logs and errors, e.g. "openai".
	Name() string
	// Model is the model id requests are sent to.
	Model() string
	// Complete returns the assistant reply to messages.
	Complete(ctx context.Context, messages []Message) (string, error)
}

// InvocationError reports a failed model call.
type InvocationError struct {
	Provider string
	Model    string
	// StatusCode is the HTTP status returned by the provider API, or 0.
	StatusCode int
	Err        error
}

func (e *InvocationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("model invocation (%s %s): status %d: %v", e.Provider, e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("model invocation (%s %s): %v", e.Provider, e.Model, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// RateLimited reports whether the provider rejected the call with 429.
func (e *InvocationError) RateLimited() bool { return e.StatusCode == 429 }
