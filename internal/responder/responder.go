// Package responder turns a capability's event stream into protocol events
// for the caller and assembles the final assistant text.
package responder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/szaher/deskmate/internal/agent"
	"github.com/szaher/deskmate/internal/events"
	"github.com/szaher/deskmate/internal/telemetry"
)

// DefaultLabel is the response_start payload.
const DefaultLabel = "Assistant"

// Responder consumes one capability invocation per Run.
type Responder struct {
	capability agent.Capability
	classifier *Classifier
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	label      string
	now        func() time.Time
}

// Option configures a Responder.
type Option func(*Responder)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) { r.logger = l }
}

// WithMetrics records tool durations in m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Responder) { r.metrics = m }
}

// WithClassifier replaces the default authorization error classifier.
func WithClassifier(c *Classifier) Option {
	return func(r *Responder) { r.classifier = c }
}

// WithLabel sets the response_start payload.
func WithLabel(label string) Option {
	return func(r *Responder) { r.label = label }
}

// WithClock sets the time source used for tool durations.
func WithClock(now func() time.Time) Option {
	return func(r *Responder) { r.now = now }
}

// New creates a responder over capability.
func New(capability agent.Capability, opts ...Option) *Responder {
	r := &Responder{
		capability: capability,
		classifier: NewClassifier("", "", nil),
		logger:     slog.Default(),
		label:      DefaultLabel,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Classifier returns the authorization error classifier in use.
func (r *Responder) Classifier() *Classifier {
	return r.classifier
}

// Run invokes the capability with req and forwards its progress to sink.
// It returns the trimmed assistant text once the stream ends cleanly. On a
// capability failure it emits oauth_required when the failure is an
// authorization one, then error, and returns the failure. On cancellation
// it stops consuming and returns ctx.Err().
func (r *Responder) Run(ctx context.Context, req agent.Request, sink events.Emitter) (string, error) {
	stream, err := r.capability.Invoke(ctx, req)
	if err != nil {
		return "", r.fail(sink, err)
	}

	starts := newStartQueues()
	var text strings.Builder
	started := false

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				if err := ctx.Err(); err != nil {
					return "", err
				}
				if n := starts.pending(); n > 0 {
					r.logger.Warn("tool starts without matching end", "count", n)
				}
				return strings.TrimSpace(text.String()), nil
			}

			switch ev.Kind {
			case agent.EventModelStart:
				r.logger.Debug("model turn started")

			case agent.EventToolStart:
				starts.push(toolKey(ev), r.now())
				r.logger.Debug("tool started", "tool", ev.Tool, "call_id", ev.CallID)
				start := events.New(events.ToolStart).WithTool(ev.Tool)
				start.Input = ev.Input
				sink.Emit(start)

			case agent.EventToolEnd:
				var elapsed time.Duration
				if at, ok := starts.pop(toolKey(ev)); ok {
					elapsed = r.now().Sub(at)
					if elapsed < 0 {
						elapsed = 0
					}
					r.metrics.RecordToolCall(ev.Tool, elapsed)
				} else {
					r.logger.Warn("tool end without matching start", "tool", ev.Tool, "call_id", ev.CallID)
				}
				r.logger.Debug("tool finished", "tool", ev.Tool, "call_id", ev.CallID,
					"duration_ms", elapsed.Milliseconds(), "is_error", ev.IsError)
				end := events.New(events.ToolEnd).WithTool(ev.Tool)
				end.Output = ev.Output
				sink.Emit(end)

			case agent.EventToken:
				if !started {
					started = true
					sink.Emit(events.New(events.ResponseStart).WithContent(r.label))
				}
				text.WriteString(ev.Text)
				sink.Emit(events.New(events.Token).WithContent(ev.Text))

			case agent.EventError:
				return "", r.fail(sink, ev.Err)
			}
		}
	}
}

func (r *Responder) fail(sink events.Emitter, err error) error {
	if err == nil {
		err = fmt.Errorf("capability failed without an error")
	}
	if provider, url, ok := r.classifier.Classify(err); ok {
		ev := events.New(events.OAuthRequired)
		ev.Provider = provider
		ev.URL = url
		sink.Emit(ev)
	}
	sink.Emit(events.New(events.Error).WithMessage(err.Error()))
	return fmt.Errorf("responder: %w", err)
}

func toolKey(ev agent.Event) string {
	if ev.CallID != "" {
		return "id:" + ev.CallID
	}
	return "tool:" + ev.Tool
}

// startQueues pairs tool ends with their starts first in, first out.
type startQueues map[string][]time.Time

func newStartQueues() startQueues {
	return make(startQueues)
}

func (q startQueues) push(key string, at time.Time) {
	q[key] = append(q[key], at)
}

func (q startQueues) pop(key string) (time.Time, bool) {
	pending := q[key]
	if len(pending) == 0 {
		return time.Time{}, false
	}
	at := pending[0]
	if len(pending) == 1 {
		delete(q, key)
	} else {
		q[key] = pending[1:]
	}
	return at, true
}

// pending reports how many starts are still waiting for their end.
func (q startQueues) pending() int {
	n := 0
	for _, p := range q {
		n += len(p)
	}
	return n
}
