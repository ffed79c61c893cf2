package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/szaher/deskmate/internal/agent"
	"github.com/szaher/deskmate/internal/conversation"
	"github.com/szaher/deskmate/internal/events"
	"github.com/szaher/deskmate/internal/llm"
	"github.com/szaher/deskmate/internal/prompt"
	"github.com/szaher/deskmate/internal/telemetry"
)

// Responder runs the model for a prompt and streams its progress.
type Responder interface {
	Run(ctx context.Context, req agent.Request, sink events.Emitter) (string, error)
}

// Summarizer schedules background compaction. It must not block.
type Summarizer interface {
	MaybeSummarize(id, credential, modelHint string) bool
}

// Files resolves uploaded files into prompt summaries.
type Files interface {
	Summaries(ids []string) []string
	InContext() []string
}

// Settings are the per-process request defaults.
type Settings struct {
	DefaultConversationID string
	RequireConversationID bool
	Model                 string
	SystemPrompt          string
	MaxRecent             int
	MaxTurns              int
	MaxTokens             int
	AllowedTools          []string
	Identity              string
	Scopes                []string
	Location              *time.Location
}

// Handler processes chat requests against a conversation store.
type Handler struct {
	store      *conversation.Store
	responder  Responder
	summarizer Summarizer
	files      Files
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	now        func() time.Time
	settings   Settings
}

// Option configures a Handler.
type Option func(*Handler)

// WithSummarizer enables background compaction after each user turn.
func WithSummarizer(s Summarizer) Option {
	return func(h *Handler) { h.summarizer = s }
}

// WithFiles resolves fileIds and in-context uploads through f.
func WithFiles(f Files) Option {
	return func(h *Handler) { h.files = f }
}

// WithMetrics records request counts and durations on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger sets the logger requests are logged to.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithClock sets the time source for the preamble and result timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithSettings replaces the request defaults.
func WithSettings(s Settings) Option {
	return func(h *Handler) { h.settings = s }
}

// NewHandler creates a handler storing turns in store and answering
// through responder.
func NewHandler(store *conversation.Store, responder Responder, opts ...Option) *Handler {
	h := &Handler{
		store:     store,
		responder: responder,
		logger:    slog.Default(),
		now:       time.Now,
		settings: Settings{
			DefaultConversationID: "default",
			MaxRecent:             prompt.DefaultMaxRecent,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.settings.MaxRecent < 1 {
		h.settings.MaxRecent = prompt.DefaultMaxRecent
	}
	return h
}

// Validate checks req without touching any conversation state.
func (h *Handler) Validate(req Request) error {
	if strings.TrimSpace(req.Message) == "" {
		return ErrMissingMessage
	}
	if h.settings.RequireConversationID && strings.TrimSpace(req.ConversationID) == "" {
		return ErrMissingConversationID
	}
	return nil
}

// Stream answers req, emitting start first and end last on every path. A
// failure is reported as an error event before end and also returned.
func (h *Handler) Stream(ctx context.Context, req Request, sink events.Emitter) error {
	started := h.now()
	sink.Emit(events.New(events.Start))

	tracked := &errorTracker{next: sink}
	_, err := h.run(ctx, req, tracked)
	if err != nil {
		if !tracked.sawError.Load() {
			sink.Emit(events.New(events.Error).WithMessage(errorMessage(err)))
		}
	} else {
		sink.Emit(events.New(events.Complete))
	}
	sink.Emit(events.New(events.End))

	h.metrics.RecordChat("stream", status(err), h.now().Sub(started))
	return err
}

// Send answers req and returns the full reply.
func (h *Handler) Send(ctx context.Context, req Request) (*Result, error) {
	started := h.now()
	text, err := h.run(ctx, req, events.NoopEmitter{})
	h.metrics.RecordChat("send", status(err), h.now().Sub(started))
	if err != nil {
		return nil, err
	}
	return &Result{Success: true, Response: text, Timestamp: h.now()}, nil
}

func (h *Handler) run(ctx context.Context, req Request, sink events.Emitter) (string, error) {
	if err := h.Validate(req); err != nil {
		return "", err
	}

	id := strings.TrimSpace(req.ConversationID)
	defaulted := id == ""
	if defaulted {
		id = h.settings.DefaultConversationID
	}
	logger := telemetry.RequestLogger(ctx, h.logger, id)
	if defaulted {
		logger.Warn("request names no conversation, using the shared default")
	}

	// The context is rendered before the user turn is appended so the new
	// message appears once, at the end of the prompt.
	history := prompt.Render(h.store.GetOrCreate(id), h.settings.MaxRecent)
	h.store.AppendTurn(id, conversation.RoleUser, req.Message)

	model := h.model(req)
	if h.summarizer != nil && h.summarizer.MaybeSummarize(id, req.Credential, model) {
		logger.Debug("background summarization scheduled")
	}

	preamble := prompt.Preamble{
		Now:      h.now(),
		Location: h.settings.Location,
		Identity: h.settings.Identity,
		Scopes:   h.settings.Scopes,
	}
	full := prompt.Build(preamble.String(), history, h.fileSummaries(req), req.Message)

	system := req.SystemPrompt
	if system == "" {
		system = h.settings.SystemPrompt
	}

	text, err := h.responder.Run(ctx, agent.Request{
		Prompt:       full,
		System:       system,
		Model:        model,
		APIKey:       req.Credential,
		AllowedTools: h.settings.AllowedTools,
		MaxTurns:     h.settings.MaxTurns,
		MaxTokens:    h.settings.MaxTokens,
	}, sink)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("chat request cancelled")
		} else {
			logger.Error("chat request failed", "error", err)
		}
		return "", err
	}

	if text != "" {
		h.store.AppendTurn(id, conversation.RoleAssistant, text)
	}
	logger.Info("chat request completed", "model", model, "response_chars", len(text))
	return text, nil
}

func (h *Handler) model(req Request) string {
	model := req.Model
	if model == "" {
		model = h.settings.Model
	}
	if model == "" {
		return ""
	}
	return llm.QualifyModel(req.ProviderID, model)
}

// fileSummaries lists request summaries, then uploads named by id, then
// uploads marked in context, dropping repeats.
func (h *Handler) fileSummaries(req Request) []string {
	all := req.FileSummaries
	if h.files != nil {
		all = append(append(append([]string(nil), all...), h.files.Summaries(req.FileIDs)...), h.files.InContext()...)
	}
	seen := make(map[string]bool, len(all))
	var out []string
	for _, s := range all {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsValidation(err):
		return "invalid"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

func errorMessage(err error) string {
	if errors.Is(err, context.Canceled) {
		return "request cancelled"
	}
	return err.Error()
}

// errorTracker records whether an error event passed through.
type errorTracker struct {
	next     events.Emitter
	sawError atomic.Bool
}

func (t *errorTracker) Emit(ev *events.Event) {
	if ev.Type == events.Error {
		t.sawError.Store(true)
	}
	t.next.Emit(ev)
}
