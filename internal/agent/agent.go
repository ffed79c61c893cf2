// Package agent runs the model with its tools and reports progress as a
// stream of events.
package agent

import (
	"context"
	"errors"
)

// EventKind identifies what an Event reports.
type EventKind string

const (
	EventModelStart EventKind = "model_start"
	EventToolStart  EventKind = "tool_start"
	EventToolEnd    EventKind = "tool_end"
	EventToken      EventKind = "token"
	EventError      EventKind = "error"
)

// Event is one step of a capability invocation.
type Event struct {
	Kind EventKind

	// Tool events
	Tool    string
	CallID  string
	Input   map[string]interface{}
	Output  string
	IsError bool

	// Token events
	Text string

	// Error events
	Err error
}

// Request is a single invocation of the capability.
type Request struct {
	Prompt       string
	System       string
	Model        string
	APIKey       string
	AllowedTools []string
	MaxTurns     int
	MaxTokens    int
	Temperature  *float64
}

// Capability runs a prompt and streams its progress. The returned channel
// is closed when the run ends or ctx is cancelled.
type Capability interface {
	Invoke(ctx context.Context, req Request) (<-chan Event, error)
}

// CapabilityFunc adapts a function to the Capability interface.
type CapabilityFunc func(ctx context.Context, req Request) (<-chan Event, error)

// Invoke calls f(ctx, req).
func (f CapabilityFunc) Invoke(ctx context.Context, req Request) (<-chan Event, error) {
	return f(ctx, req)
}

var (
	// ErrEmptyPrompt is returned by Invoke for a blank prompt.
	ErrEmptyPrompt = errors.New("agent: empty prompt")

	// ErrTurnLimit is reported when the model keeps requesting tools after
	// the last allowed turn.
	ErrTurnLimit = errors.New("agent: turn limit reached")

	// ErrNoResponse is reported when a model stream ends without a final
	// response.
	ErrNoResponse = errors.New("agent: stream ended without a response")
)
