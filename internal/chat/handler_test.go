package chat

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/deskmate/internal/agent"
	"github.com/szaher/deskmate/internal/conversation"
	"github.com/szaher/deskmate/internal/events"
	"github.com/szaher/deskmate/internal/responder"
)

var fixedNow = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

// capability replays evs for every invocation and records the requests.
type capability struct {
	mu       sync.Mutex
	requests []agent.Request
	evs      []agent.Event
	err      error
	block    bool
}

func (c *capability) Invoke(ctx context.Context, req agent.Request) (<-chan agent.Event, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	ch := make(chan agent.Event, len(c.evs))
	if c.block {
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}
	for _, ev := range c.evs {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (c *capability) last(t *testing.T) agent.Request {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.requests)
	return c.requests[len(c.requests)-1]
}

func reply(text string) *capability {
	return &capability{evs: []agent.Event{
		{Kind: agent.EventModelStart},
		{Kind: agent.EventToken, Text: text},
	}}
}

type summarizerCall struct {
	id, credential, model string
	turnsAtCall           int
}

type recordingSummarizer struct {
	store *conversation.Store
	calls []summarizerCall
}

func (s *recordingSummarizer) MaybeSummarize(id, credential, model string) bool {
	state, _ := s.store.Get(id)
	s.calls = append(s.calls, summarizerCall{id, credential, model, len(state.Turns)})
	return false
}

type staticFiles struct {
	byID      map[string]string
	inContext []string
}

func (f staticFiles) Summaries(ids []string) []string {
	var out []string
	for _, id := range ids {
		if s, ok := f.byID[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (f staticFiles) InContext() []string { return f.inContext }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHandler(store *conversation.Store, c agent.Capability, opts ...Option) *Handler {
	base := []Option{
		WithLogger(quietLogger()),
		WithClock(func() time.Time { return fixedNow }),
		WithSettings(Settings{
			DefaultConversationID: "default",
			Model:                 "claude-sonnet-4-20250514",
			SystemPrompt:          "You are a desktop assistant.",
			MaxRecent:             6,
		}),
	}
	r := responder.New(c, responder.WithLogger(quietLogger()))
	return NewHandler(store, r, append(base, opts...)...)
}

func TestStreamEventOrder(t *testing.T) {
	store := conversation.NewStore()
	c := &capability{evs: []agent.Event{
		{Kind: agent.EventModelStart},
		{Kind: agent.EventToolStart, Tool: "calendar__list_events", CallID: "t1"},
		{Kind: agent.EventToolEnd, Tool: "calendar__list_events", CallID: "t1", Output: "standup 10:00"},
		{Kind: agent.EventToken, Text: "You have "},
		{Kind: agent.EventToken, Text: "a standup."},
	}}
	sink := &events.CollectorEmitter{}

	err := newHandler(store, c).Stream(context.Background(), Request{Message: "What's on today?", ConversationID: "c1"}, sink)
	require.NoError(t, err)

	assert.Equal(t, []events.Type{
		events.Start, events.ToolStart, events.ToolEnd, events.ResponseStart,
		events.Token, events.Token, events.Complete, events.End,
	}, sink.Types())

	state, ok := store.Get("c1")
	require.True(t, ok)
	require.Len(t, state.Turns, 2)
	assert.Equal(t, conversation.RoleUser, state.Turns[0].Role)
	assert.Equal(t, "What's on today?", state.Turns[0].Content)
	assert.Equal(t, conversation.RoleAssistant, state.Turns[1].Role)
	assert.Equal(t, "You have a standup.", state.Turns[1].Content)
}

func TestPromptContainsNewMessageOnce(t *testing.T) {
	store := conversation.NewStore()
	store.AppendTurn("c1", conversation.RoleUser, "Book lunch with Sam")
	store.AppendTurn("c1", conversation.RoleAssistant, "Which day?")
	c := reply("Done.")

	err := newHandler(store, c).Stream(context.Background(), Request{Message: "Thursday please", ConversationID: "c1"}, events.NoopEmitter{})
	require.NoError(t, err)

	p := c.last(t).Prompt
	assert.Equal(t, 1, strings.Count(p, "Thursday please"))
	assert.True(t, strings.HasSuffix(p, "\n\nThursday please"))
	assert.Contains(t, p, "User: Book lunch with Sam")
	assert.Contains(t, p, "Assistant: Which day?")
	assert.True(t, strings.HasPrefix(p, "Current date and time: Wednesday, October 14, 2026 09:30 UTC"))
}

func TestFirstMessageHasNoContextBlock(t *testing.T) {
	store := conversation.NewStore()
	c := reply("Hi!")

	_, err := newHandler(store, c).Send(context.Background(), Request{Message: "hello", ConversationID: "fresh"})
	require.NoError(t, err)

	p := c.last(t).Prompt
	assert.NotContains(t, p, "## Recent Messages")
	assert.NotContains(t, p, "## Conversation Summary")
}

func TestValidationFailuresTouchNoState(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		req      Request
		want     error
	}{
		{"blank message", Settings{DefaultConversationID: "default"}, Request{Message: "  \n", ConversationID: "c1"}, ErrMissingMessage},
		{"missing id when required", Settings{RequireConversationID: true}, Request{Message: "hi"}, ErrMissingConversationID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := conversation.NewStore()
			c := reply("unused")
			h := newHandler(store, c, WithSettings(tt.settings))
			sink := &events.CollectorEmitter{}

			err := h.Stream(context.Background(), tt.req, sink)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, IsValidation(err))
			assert.Equal(t, []events.Type{events.Start, events.Error, events.End}, sink.Types())
			assert.Equal(t, tt.want.Error(), sink.Events()[1].Message)

			_, err = h.Send(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)

			assert.Zero(t, store.Len())
			assert.Empty(t, c.requests)
		})
	}
}

func TestDefaultConversationID(t *testing.T) {
	var logs bytes.Buffer
	store := conversation.NewStore()
	h := newHandler(store, reply("ok"), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	_, err := h.Send(context.Background(), Request{Message: "hi"})
	require.NoError(t, err)

	assert.Equal(t, []string{"default"}, store.IDs())
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "conversation_id=default")
}

func TestRequestPassThrough(t *testing.T) {
	store := conversation.NewStore()
	c := reply("ok")
	h := newHandler(store, c, WithSettings(Settings{
		DefaultConversationID: "default",
		Model:                 "claude-sonnet-4-20250514",
		SystemPrompt:          "default system",
		MaxTurns:              4,
		MaxTokens:             1024,
		AllowedTools:          []string{"calendar__*"},
	}))

	_, err := h.Send(context.Background(), Request{
		Message:        "hi",
		ConversationID: "c1",
		Credential:     "sk-user",
		Model:          "gpt-4o-mini",
		ProviderID:     "openai",
		SystemPrompt:   "be brief",
	})
	require.NoError(t, err)

	req := c.last(t)
	assert.Equal(t, "openai/gpt-4o-mini", req.Model)
	assert.Equal(t, "sk-user", req.APIKey)
	assert.Equal(t, "be brief", req.System)
	assert.Equal(t, 4, req.MaxTurns)
	assert.Equal(t, 1024, req.MaxTokens)
	assert.Equal(t, []string{"calendar__*"}, req.AllowedTools)

	_, err = h.Send(context.Background(), Request{Message: "again", ConversationID: "c1"})
	require.NoError(t, err)
	req = c.last(t)
	assert.Equal(t, "claude-sonnet-4-20250514", req.Model)
	assert.Equal(t, "default system", req.System)
	assert.Empty(t, req.APIKey)
}

func TestApplyHeaders(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderConversationID, " c9 ")
	h.Set(HeaderCredential, "sk-header")

	req := Request{Message: "hi"}
	req.ApplyHeaders(h)
	assert.Equal(t, "c9", req.ConversationID)
	assert.Equal(t, "sk-header", req.Credential)

	req = Request{Message: "hi", ConversationID: "body", Credential: "sk-body"}
	req.ApplyHeaders(h)
	assert.Equal(t, "body", req.ConversationID)
	assert.Equal(t, "sk-body", req.Credential)
}

func TestSummarizerScheduledAfterUserTurn(t *testing.T) {
	store := conversation.NewStore()
	store.AppendTurn("c1", conversation.RoleUser, "earlier")
	s := &recordingSummarizer{store: store}

	_, err := newHandler(store, reply("ok"), WithSummarizer(s)).Send(context.Background(), Request{
		Message: "now", ConversationID: "c1", Credential: "sk-user", ProviderID: "anthropic",
	})
	require.NoError(t, err)

	require.Len(t, s.calls, 1)
	assert.Equal(t, summarizerCall{"c1", "sk-user", "anthropic/claude-sonnet-4-20250514", 2}, s.calls[0])
}

func TestOAuthFailureLeavesUnansweredTurn(t *testing.T) {
	store := conversation.NewStore()
	c := &capability{evs: []agent.Event{
		{Kind: agent.EventModelStart},
		{Kind: agent.EventError, Err: errors.New("tool gmail__search: OAuth credentials not found")},
	}}
	sink := &events.CollectorEmitter{}

	err := newHandler(store, c).Stream(context.Background(), Request{Message: "any mail?", ConversationID: "c1"}, sink)
	require.Error(t, err)

	assert.Equal(t, []events.Type{events.Start, events.OAuthRequired, events.Error, events.End}, sink.Types())
	state, _ := store.Get("c1")
	require.Len(t, state.Turns, 1)
	assert.Equal(t, conversation.RoleUser, state.Turns[0].Role)

	_, err = newHandler(store, c).Send(context.Background(), Request{Message: "retry", ConversationID: "c1"})
	assert.ErrorContains(t, err, "OAuth credentials not found")
}

func TestInvokeErrorEmitsSingleError(t *testing.T) {
	c := &capability{err: errors.New("anthropic: missing API key")}
	sink := &events.CollectorEmitter{}

	err := newHandler(conversation.NewStore(), c).Stream(context.Background(), Request{Message: "hi", ConversationID: "c1"}, sink)
	require.Error(t, err)
	assert.Equal(t, []events.Type{events.Start, events.Error, events.End}, sink.Types())
	assert.Equal(t, "anthropic: missing API key", sink.Events()[1].Message)
}

func TestEmptyReplyIsNotStored(t *testing.T) {
	store := conversation.NewStore()
	c := &capability{evs: []agent.Event{{Kind: agent.EventModelStart}}}
	sink := &events.CollectorEmitter{}

	require.NoError(t, newHandler(store, c).Stream(context.Background(), Request{Message: "hi", ConversationID: "c1"}, sink))
	assert.Equal(t, []events.Type{events.Start, events.Complete, events.End}, sink.Types())
	state, _ := store.Get("c1")
	assert.Len(t, state.Turns, 1)
}

func TestCancelledStreamStillEnds(t *testing.T) {
	store := conversation.NewStore()
	c := &capability{block: true}
	ctx, cancel := context.WithCancel(context.Background())
	sink := &events.CollectorEmitter{}

	done := make(chan error, 1)
	go func() { done <- newHandler(store, c).Stream(ctx, Request{Message: "hi", ConversationID: "c1"}, sink) }()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.requests) == 1
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not return after cancel")
	}
	assert.Equal(t, []events.Type{events.Start, events.Error, events.End}, sink.Types())
	assert.Equal(t, "request cancelled", sink.Events()[1].Message)
}

func TestFileSummaries(t *testing.T) {
	store := conversation.NewStore()
	c := reply("ok")
	files := staticFiles{
		byID:      map[string]string{"f1": "### notes.md\nship friday"},
		inContext: []string{"### notes.md\nship friday", "### budget.csv\nq4,100"},
	}

	_, err := newHandler(store, c, WithFiles(files)).Send(context.Background(), Request{
		Message:        "summarize my files",
		ConversationID: "c1",
		FileSummaries:  []string{"### pasted.txt\nhello"},
		FileIDs:        []string{"f1", "missing"},
	})
	require.NoError(t, err)

	p := c.last(t).Prompt
	assert.Contains(t, p, "## Uploaded Files")
	assert.Equal(t, 1, strings.Count(p, "ship friday"))
	pasted := strings.Index(p, "pasted.txt")
	notes := strings.Index(p, "notes.md")
	budget := strings.Index(p, "budget.csv")
	assert.True(t, pasted < notes && notes < budget, "summaries out of order:\n%s", p)
}

func TestSendResult(t *testing.T) {
	res, err := newHandler(conversation.NewStore(), reply("  Sure thing. ")).Send(context.Background(), Request{Message: "hi", ConversationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, &Result{Success: true, Response: "Sure thing.", Timestamp: fixedNow}, res)
}
