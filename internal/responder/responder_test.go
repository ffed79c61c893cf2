package responder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/deskmate/internal/agent"
	"github.com/szaher/deskmate/internal/events"
)

// scripted returns a capability that replays evs and closes the stream.
func scripted(evs ...agent.Event) agent.Capability {
	return agent.CapabilityFunc(func(ctx context.Context, req agent.Request) (<-chan agent.Event, error) {
		ch := make(chan agent.Event, len(evs))
		for _, ev := range evs {
			ch <- ev
		}
		close(ch)
		return ch, nil
	})
}

// tickClock advances one second per call.
func tickClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newResponder(c agent.Capability, opts ...Option) *Responder {
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return New(c, opts...)
}

func TestRunTokens(t *testing.T) {
	r := newResponder(scripted(
		agent.Event{Kind: agent.EventModelStart},
		agent.Event{Kind: agent.EventToken, Text: "  Hello "},
		agent.Event{Kind: agent.EventToken, Text: "world!\n"},
	))
	sink := &events.CollectorEmitter{}

	text, err := r.Run(context.Background(), agent.Request{Prompt: "hi"}, sink)
	require.NoError(t, err)
	assert.Equal(t, "Hello world!", text)

	evs := sink.Events()
	require.Equal(t, []events.Type{events.ResponseStart, events.Token, events.Token}, sink.Types())
	assert.Equal(t, DefaultLabel, evs[0].Content)
	assert.Equal(t, "  Hello ", evs[1].Content, "chunks are forwarded verbatim")
	assert.Equal(t, "world!\n", evs[2].Content)
}

func TestRunNoTokens(t *testing.T) {
	r := newResponder(scripted(agent.Event{Kind: agent.EventModelStart}))
	sink := &events.CollectorEmitter{}

	text, err := r.Run(context.Background(), agent.Request{}, sink)
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Empty(t, sink.Types())
}

func TestToolLifecyclePairing(t *testing.T) {
	r := newResponder(scripted(
		agent.Event{Kind: agent.EventToolStart, Tool: "calendar", Input: map[string]interface{}{"day": "mon"}},
		agent.Event{Kind: agent.EventToolStart, Tool: "calendar", Input: map[string]interface{}{"day": "tue"}},
		agent.Event{Kind: agent.EventToolEnd, Tool: "calendar", Output: "first"},
		agent.Event{Kind: agent.EventToolEnd, Tool: "calendar", Output: "second"},
		agent.Event{Kind: agent.EventToken, Text: "Two meetings."},
	), WithClock(tickClock()))
	var logs bytes.Buffer
	r.logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	sink := &events.CollectorEmitter{}
	_, err := r.Run(context.Background(), agent.Request{}, sink)
	require.NoError(t, err)

	assert.Equal(t, []events.Type{
		events.ToolStart, events.ToolStart,
		events.ToolEnd, events.ToolEnd,
		events.ResponseStart, events.Token,
	}, sink.Types())
	evs := sink.Events()
	assert.Equal(t, "mon", evs[0].Input["day"])
	assert.Equal(t, "tue", evs[1].Input["day"])
	assert.Equal(t, "first", evs[2].Output)
	assert.Equal(t, "second", evs[3].Output)
	assert.NotContains(t, logs.String(), "without matching")
	assert.Contains(t, logs.String(), "duration_ms=2000")
	assert.NotContains(t, logs.String(), "duration_ms=-")
}

func TestStartQueuesFIFO(t *testing.T) {
	t0 := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	q := newStartQueues()
	q.push("tool:calendar", t0)
	q.push("tool:calendar", t0.Add(time.Second))
	q.push("id:call_b", t0.Add(2*time.Second))
	assert.Equal(t, 3, q.pending())

	first, ok := q.pop("tool:calendar")
	require.True(t, ok)
	assert.Equal(t, t0, first)

	second, ok := q.pop("tool:calendar")
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Second), second)

	_, ok = q.pop("tool:calendar")
	assert.False(t, ok, "third end has no start")
	assert.Equal(t, 1, q.pending())
}

func TestToolPairingByCallID(t *testing.T) {
	clock := tickClock()
	r := newResponder(scripted(
		agent.Event{Kind: agent.EventToolStart, Tool: "calendar__list_events", CallID: "a"},
		agent.Event{Kind: agent.EventToolStart, Tool: "calendar__list_events", CallID: "b"},
		agent.Event{Kind: agent.EventToolEnd, Tool: "calendar__list_events", CallID: "b", Output: "b done"},
		agent.Event{Kind: agent.EventToolEnd, Tool: "calendar__list_events", CallID: "a", Output: "a done"},
	), WithClock(clock))

	sink := &events.CollectorEmitter{}
	_, err := r.Run(context.Background(), agent.Request{}, sink)
	require.NoError(t, err)

	evs := sink.Events()
	require.Len(t, evs, 4)
	assert.Equal(t, "b done", evs[2].Output)
	assert.Equal(t, "a done", evs[3].Output)
}

func TestUnmatchedToolEndStillEmitted(t *testing.T) {
	r := newResponder(scripted(
		agent.Event{Kind: agent.EventToolEnd, Tool: "files__search", Output: "orphan"},
	))
	sink := &events.CollectorEmitter{}

	_, err := r.Run(context.Background(), agent.Request{}, sink)
	require.NoError(t, err)
	require.Equal(t, []events.Type{events.ToolEnd}, sink.Types())
	assert.Equal(t, "orphan", sink.Events()[0].Output)
}

func TestOAuthClassification(t *testing.T) {
	r := newResponder(scripted(
		agent.Event{Kind: agent.EventToolStart, Tool: "calendar__list_events"},
		agent.Event{Kind: agent.EventError, Err: errors.New("tool calendar__list_events: OAuth credentials not found")},
	))
	sink := &events.CollectorEmitter{}

	_, err := r.Run(context.Background(), agent.Request{}, sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OAuth credentials not found")

	types := sink.Types()
	require.Equal(t, []events.Type{events.ToolStart, events.OAuthRequired, events.Error}, types)
	oauth := sink.Events()[1]
	assert.Equal(t, DefaultOAuthProvider, oauth.Provider)
	assert.Equal(t, DefaultReauthURL, oauth.URL)
	assert.Contains(t, sink.Events()[2].Message, "OAuth credentials not found")
}

func TestGenericErrorOnly(t *testing.T) {
	cause := errors.New("anthropic: 529 overloaded")
	r := newResponder(scripted(
		agent.Event{Kind: agent.EventToken, Text: "partial"},
		agent.Event{Kind: agent.EventError, Err: cause},
	))
	sink := &events.CollectorEmitter{}

	text, err := r.Run(context.Background(), agent.Request{}, sink)
	assert.ErrorIs(t, err, cause)
	assert.Empty(t, text)
	assert.Equal(t, []events.Type{events.ResponseStart, events.Token, events.Error}, sink.Types())
}

func TestInvokeErrorIsReported(t *testing.T) {
	r := newResponder(agent.CapabilityFunc(func(context.Context, agent.Request) (<-chan agent.Event, error) {
		return nil, agent.ErrEmptyPrompt
	}))
	sink := &events.CollectorEmitter{}

	_, err := r.Run(context.Background(), agent.Request{}, sink)
	assert.ErrorIs(t, err, agent.ErrEmptyPrompt)
	assert.Equal(t, []events.Type{events.Error}, sink.Types())
}

func TestRunCancelled(t *testing.T) {
	ch := make(chan agent.Event)
	r := newResponder(agent.CapabilityFunc(func(context.Context, agent.Request) (<-chan agent.Event, error) {
		return ch, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx, agent.Request{}, events.NoopEmitter{})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClassifier(t *testing.T) {
	c := NewClassifier("", "", nil)
	tests := []struct {
		text string
		want bool
	}{
		{"OAuth credentials not found", true},
		{"error: invalid_grant", true},
		{"Token has been expired or revoked.", true},
		{"please RE-AUTHENTICATE with Google", true},
		{"missing credentials.json in ~/.gmail-mcp", true},
		{"connection reset by peer", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Match(tt.text))
		})
	}

	custom := NewClassifier("microsoft", "https://login.example.com", []string{"AADSTS700082", " "})
	provider, url, ok := custom.Classify(errors.New("AADSTS700082: refresh token expired"))
	require.True(t, ok)
	assert.Equal(t, "microsoft", provider)
	assert.Equal(t, "https://login.example.com", url)
	assert.False(t, custom.Match("OAuth credentials not found"))

	_, _, ok = c.Classify(nil)
	assert.False(t, ok)
}
