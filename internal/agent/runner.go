package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/szaher/deskmate/internal/llm"
	"github.com/szaher/deskmate/internal/tools"
)

const (
	DefaultMaxTurns  = 8
	DefaultMaxTokens = 4096
)

// Runner is a Capability running a reason, act, observe loop: the model is
// called, any tools it requests run concurrently, and their results are
// fed back until the model answers without tools.
type Runner struct {
	client      llm.Client
	registry    *tools.Registry
	logger      *slog.Logger
	maxTurns    int
	maxTokens   int
	tokenBudget int
	fatal       func(string) bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithLimits sets the default turn and token limits. Values below one keep
// the defaults.
func WithLimits(maxTurns, maxTokens int) Option {
	return func(r *Runner) {
		if maxTurns > 0 {
			r.maxTurns = maxTurns
		}
		if maxTokens > 0 {
			r.maxTokens = maxTokens
		}
	}
}

// WithTokenBudget caps the total tokens of one invocation. Zero means
// unlimited.
func WithTokenBudget(budget int) Option {
	return func(r *Runner) { r.tokenBudget = budget }
}

// WithFatalToolErrors ends the run with an error event when a tool fails
// with text that match reports as fatal, such as an expired credential.
func WithFatalToolErrors(match func(string) bool) Option {
	return func(r *Runner) { r.fatal = match }
}

// NewRunner creates a runner calling client with the tools in registry.
// A nil registry runs without tools.
func NewRunner(client llm.Client, registry *tools.Registry, opts ...Option) *Runner {
	if registry == nil {
		registry = tools.NewRegistry()
	}
	r := &Runner{
		client:    client,
		registry:  registry,
		logger:    slog.Default(),
		maxTurns:  DefaultMaxTurns,
		maxTokens: DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invoke implements Capability.
func (r *Runner) Invoke(ctx context.Context, req Request) (<-chan Event, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	ch := make(chan Event, 32)
	go func() {
		defer close(ch)
		r.run(ctx, req, ch)
	}()
	return ch, nil
}

func (r *Runner) run(ctx context.Context, req Request, ch chan<- Event) {
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = r.maxTurns
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = r.maxTokens
	}

	registry := r.registry.Filter(req.AllowedTools)
	budget := llm.NewBudget(r.tokenBudget)
	messages := []llm.Message{{Role: llm.RoleUser, Content: req.Prompt}}

	for turn := 1; turn <= maxTurns; turn++ {
		if err := budget.Reserve(maxTokens); err != nil {
			emit(ctx, ch, Event{Kind: EventError, Err: err})
			return
		}
		if !emit(ctx, ch, Event{Kind: EventModelStart}) {
			return
		}

		resp, ok := r.callModel(ctx, turn, llm.ChatRequest{
			Model:       req.Model,
			Messages:    messages,
			System:      req.System,
			Tools:       registry.Definitions(),
			MaxTokens:   maxTokens,
			Temperature: req.Temperature,
			APIKey:      req.APIKey,
		}, ch)
		if !ok {
			return
		}
		budget.Spend(resp.Usage)

		if len(resp.ToolCalls) == 0 || resp.StopReason != llm.StopToolUse {
			used, calls := budget.Used()
			r.logger.Debug("agent finished", "turns", turn, "model_calls", calls, "tokens", used.Total())
			return
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results, ok := r.runTools(ctx, registry, resp.ToolCalls, ch)
		if !ok {
			return
		}
		for i := range results {
			messages = append(messages, llm.Message{Role: llm.RoleUser, ToolResult: &results[i]})
		}
	}

	emit(ctx, ch, Event{Kind: EventError, Err: fmt.Errorf("%w after %d turns", ErrTurnLimit, maxTurns)})
}

// callModel streams one model turn, forwarding text as token events.
func (r *Runner) callModel(ctx context.Context, turn int, req llm.ChatRequest, ch chan<- Event) (*llm.ChatResponse, bool) {
	stream, err := r.client.ChatStream(ctx, req)
	if err != nil {
		emit(ctx, ch, Event{Kind: EventError, Err: fmt.Errorf("agent: turn %d: %w", turn, err)})
		return nil, false
	}

	var resp *llm.ChatResponse
	for ev := range stream {
		switch ev.Type {
		case llm.EventText:
			if ev.Text != "" && !emit(ctx, ch, Event{Kind: EventToken, Text: ev.Text}) {
				return nil, false
			}
		case llm.EventToolCallStart:
			if ev.ToolCall != nil {
				r.logger.Debug("model requested tool", "tool", ev.ToolCall.Name, "call_id", ev.ToolCall.ID)
			}
		case llm.EventError:
			emit(ctx, ch, Event{Kind: EventError, Err: fmt.Errorf("agent: turn %d: %w", turn, ev.Error)})
			return nil, false
		case llm.EventDone:
			resp = ev.Response
		}
	}

	if ctx.Err() != nil {
		return nil, false
	}
	if resp == nil {
		emit(ctx, ch, Event{Kind: EventError, Err: fmt.Errorf("%w (turn %d)", ErrNoResponse, turn)})
		return nil, false
	}
	return resp, true
}

type finished struct {
	index  int
	result llm.ToolResult
}

// runTools emits every start, runs the calls concurrently and emits each
// end as soon as its call completes. Results are returned in call order.
func (r *Runner) runTools(ctx context.Context, registry *tools.Registry, calls []llm.ToolCall, ch chan<- Event) ([]llm.ToolResult, bool) {
	for _, tc := range calls {
		if !emit(ctx, ch, Event{Kind: EventToolStart, Tool: tc.Name, CallID: tc.ID, Input: tc.Input}) {
			return nil, false
		}
	}

	done := make(chan finished, len(calls))
	for i, tc := range calls {
		go func(idx int, tc llm.ToolCall) {
			done <- finished{index: idx, result: registry.Run(ctx, tc)}
		}(i, tc)
	}

	results := make([]llm.ToolResult, len(calls))
	var fatal *finished
	for range calls {
		f := <-done
		results[f.index] = f.result
		tc := calls[f.index]
		if !emit(ctx, ch, Event{
			Kind:    EventToolEnd,
			Tool:    tc.Name,
			CallID:  tc.ID,
			Output:  f.result.Content,
			IsError: f.result.IsError,
		}) {
			return nil, false
		}
		if f.result.IsError && r.fatal != nil && r.fatal(f.result.Content) && fatal == nil {
			fatal = &f
		}
	}

	if fatal != nil {
		emit(ctx, ch, Event{
			Kind: EventError,
			Err:  fmt.Errorf("tool %s: %s", calls[fatal.index].Name, fatal.result.Content),
		})
		return nil, false
	}
	return results, true
}

func emit(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
