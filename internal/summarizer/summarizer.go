// Package summarizer compacts long conversations in the background: the
// turns older than the retained window are folded into a running summary
// by a cheap auxiliary model.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/szaher/deskmate/internal/conversation"
	"github.com/szaher/deskmate/internal/llm"
	"github.com/szaher/deskmate/internal/prompt"
	"github.com/szaher/deskmate/internal/telemetry"
)

const (
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultTimeout        = 60 * time.Second
	DefaultMaxTokens      = 600
)

// ErrEmptySummary is the failure recorded when the model returns no text
// and there is no earlier summary to keep.
var ErrEmptySummary = errors.New("summarizer: model returned an empty summary")

const instruction = `You maintain the running summary of a conversation between a user and their desktop assistant.

Existing summary:
%s

Messages to fold into the summary:
%s

Write the updated summary in 180 to 250 words. Be objective and leave out greetings. Keep key facts, decisions, open tasks, named entities and the user's stated preferences. Return only the summary text.`

// Summarizer runs at most one compaction per conversation at a time.
type Summarizer struct {
	store   *conversation.Store
	client  llm.Client
	logger  *slog.Logger
	metrics *telemetry.Metrics

	maxRecent int
	timeout   time.Duration
	maxTokens int
	models    map[llm.Provider]string
	fallback  string

	wg sync.WaitGroup
}

// Option configures a Summarizer.
type Option func(*Summarizer)

// WithLogger sets the logger for background runs.
func WithLogger(l *slog.Logger) Option {
	return func(s *Summarizer) { s.logger = l }
}

// WithMetrics records run outcomes in m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Summarizer) { s.metrics = m }
}

// WithMaxRecent sets the retained window. It must match the window the
// context is rendered with.
func WithMaxRecent(n int) Option {
	return func(s *Summarizer) {
		if n > 0 {
			s.maxRecent = n
		}
	}
}

// WithTimeout bounds a single auxiliary model call.
func WithTimeout(d time.Duration) Option {
	return func(s *Summarizer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMaxTokens caps the summary length requested from the model.
func WithMaxTokens(n int) Option {
	return func(s *Summarizer) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// WithModel sets the auxiliary model used for conversations on provider.
// Ollama conversations use their own model unless one is set here.
func WithModel(provider llm.Provider, model string) Option {
	return func(s *Summarizer) {
		if model != "" {
			s.models[provider] = model
		}
	}
}

// New creates a summarizer that reads and compacts conversations in store
// through client.
func New(store *conversation.Store, client llm.Client, opts ...Option) *Summarizer {
	s := &Summarizer{
		store:     store,
		client:    client,
		logger:    slog.Default(),
		maxRecent: prompt.DefaultMaxRecent,
		timeout:   DefaultTimeout,
		maxTokens: DefaultMaxTokens,
		models: map[llm.Provider]string{
			llm.ProviderAnthropic: DefaultAnthropicModel,
			llm.ProviderOpenAI:    DefaultOpenAIModel,
		},
		fallback: llm.QualifyModel(string(llm.ProviderAnthropic), DefaultAnthropicModel),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaybeSummarize starts a background compaction of conversation id when it
// has turns outside the retained window and no compaction is running. It
// never blocks on the model and reports whether a run was started.
func (s *Summarizer) MaybeSummarize(id, credential, modelHint string) bool {
	state := s.store.GetOrCreate(id)
	older, retained := state.Split(s.maxRecent)
	if len(older) == 0 || state.Summarizing {
		return false
	}
	claim, ok := s.store.BeginSummarization(id)
	if !ok {
		return false
	}

	// The snapshot may predate a compaction that finished between the read
	// and the flag being taken; take a fresh one now that the flag is held.
	state, _ = s.store.Get(id)
	older, retained = state.Split(s.maxRecent)
	if len(older) == 0 {
		s.store.FailSummarization(claim)
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(claim, state.Summary, older, retained, credential, s.auxModel(modelHint))
	}()
	return true
}

// Wait blocks until every background run has finished.
func (s *Summarizer) Wait() {
	s.wg.Wait()
}

// auxModel picks the cheap model for the provider the conversation uses.
func (s *Summarizer) auxModel(hint string) string {
	if hint == "" {
		return s.fallback
	}
	provider, name := llm.ParseModelString(hint)
	if model, ok := s.models[provider]; ok {
		return llm.QualifyModel(string(provider), model)
	}
	return llm.QualifyModel(string(provider), name)
}

func (s *Summarizer) run(claim conversation.Claim, previous string, older, retained []conversation.Turn, credential, model string) {
	start := time.Now()
	logger := s.logger.With("conversation_id", claim.ID(), "model", model)

	var summary string
	var err error
	var pc panics.Catcher
	pc.Try(func() {
		summary, err = s.summarize(previous, older, credential, model)
	})
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
	}

	if err == nil && summary == "" {
		summary = previous
		if summary == "" {
			err = ErrEmptySummary
		} else {
			logger.Warn("summarizer returned empty text, keeping previous summary")
		}
	}

	if err != nil {
		s.store.FailSummarization(claim)
		s.metrics.RecordSummarization("error", time.Since(start))
		logger.Warn("summarization failed", "error", err, "older_turns", len(older))
		return
	}

	if !s.store.CompleteSummarization(claim, summary, retained) {
		s.metrics.RecordSummarization("stale", time.Since(start))
		logger.Info("conversation changed during compaction, summary discarded")
		return
	}
	s.metrics.RecordSummarization("ok", time.Since(start))
	logger.Info("conversation compacted",
		"folded_turns", len(older),
		"retained_turns", len(retained),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (s *Summarizer) summarize(previous string, older []conversation.Turn, credential, model string) (string, error) {
	// Detached from the request so the foreground reply is never held up
	// and a finished request does not cancel the compaction.
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	resp, err := s.client.Chat(ctx, llm.ChatRequest{
		Model:     model,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: Instruction(previous, older)}},
		MaxTokens: s.maxTokens,
		APIKey:    credential,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// Instruction builds the compaction prompt for older turns on top of the
// previous summary.
func Instruction(previous string, older []conversation.Turn) string {
	if strings.TrimSpace(previous) == "" {
		previous = "None"
	}
	return fmt.Sprintf(instruction, previous, prompt.FormatTranscript(older))
}
