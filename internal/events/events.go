// Package events defines the streaming protocol events the sidecar
// sends to the desktop UI for a single chat turn.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type represents the kind of event.
type Type string

const (
	Start         Type = "start"
	ResponseStart Type = "response_start"
	ToolStart     Type = "tool_start"
	ToolEnd       Type = "tool_end"
	Token         Type = "token"
	OAuthRequired Type = "oauth_required"
	Error         Type = "error"
	Complete      Type = "complete"
	End           Type = "end"
)

// Event is one independently parseable protocol frame.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Content   string                 `json:"content,omitempty"`
	Tool      string                 `json:"tool,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	Output    string                 `json:"output,omitempty"`
	Provider  string                 `json:"provider,omitempty"`
	URL       string                 `json:"url,omitempty"`
	Message   string                 `json:"message,omitempty"`
}

// New creates a new event of the given type stamped with the current time.
func New(eventType Type) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

// WithContent sets the text payload and returns the event for chaining.
func (e *Event) WithContent(content string) *Event {
	e.Content = content
	return e
}

// WithTool sets the tool name and returns the event for chaining.
func (e *Event) WithTool(name string) *Event {
	e.Tool = name
	return e
}

// WithMessage sets the error message and returns the event for chaining.
func (e *Event) WithMessage(msg string) *Event {
	e.Message = msg
	return e
}

// JSON returns the event serialized as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter is the interface for event consumers.
type Emitter interface {
	Emit(event *Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(event *Event)

// Emit calls f(event).
func (f EmitterFunc) Emit(event *Event) { f(event) }

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements Emitter by discarding the event.
func (NoopEmitter) Emit(*Event) {}

// CollectorEmitter collects events in memory. It is safe for concurrent use.
type CollectorEmitter struct {
	mu     sync.Mutex
	events []*Event
}

// Emit appends the event to the collector.
func (c *CollectorEmitter) Emit(event *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a copy of the collected events in emission order.
func (c *CollectorEmitter) Events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Event(nil), c.events...)
}

// Types returns the collected event types in emission order.
func (c *CollectorEmitter) Types() []Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]Type, len(c.events))
	for i, e := range c.events {
		types[i] = e.Type
	}
	return types
}
