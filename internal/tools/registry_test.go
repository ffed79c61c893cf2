package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/deskmate/internal/llm"
)

// stubExecutor returns a fixed result or error.
type stubExecutor struct {
	result string
	err    error
}

func (s *stubExecutor) Execute(_ context.Context, _ map[string]interface{}) (string, error) {
	return s.result, s.err
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	defs := r.Definitions()
	require.NotNil(t, defs, "Definitions() returned nil, expected empty slice")
	assert.Empty(t, defs)
}

func TestRegistry_RegisterUsesRegisteredName(t *testing.T) {
	r := NewRegistry()
	r.Register("calendar__list_events", llm.ToolDefinition{
		Name:        "list_events",
		Description: "Lists upcoming events",
		InputSchema: map[string]interface{}{"type": "object"},
	}, &stubExecutor{result: "[]"})

	defs := r.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "calendar__list_events", defs[0].Name)
	assert.Equal(t, "Lists upcoming events", defs[0].Description)
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry()
	r.Register("files__search", llm.ToolDefinition{}, &stubExecutor{result: "notes.md"})

	got, err := r.Execute(context.Background(), llm.ToolCall{
		ID:    "call-1",
		Name:  "files__search",
		Input: map[string]interface{}{"query": "notes"},
	})
	require.NoError(t, err)
	assert.Equal(t, "notes.md", got)
}

func TestRegistry_ExecuteUnregistered(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), llm.ToolCall{ID: "call-1", Name: "nonexistent"})
	assert.EqualError(t, err, `tool "nonexistent" not registered`)
}

func TestRegistry_ExecutorFunc(t *testing.T) {
	r := NewRegistry()
	r.Register("gmail__count", llm.ToolDefinition{}, ExecutorFunc(func(_ context.Context, input map[string]interface{}) (string, error) {
		return fmt.Sprintf("%v unread", input["label"]), nil
	}))

	res := r.Run(context.Background(), llm.ToolCall{ID: "c", Name: "gmail__count", Input: map[string]interface{}{"label": "inbox"}})
	assert.False(t, res.IsError)
	assert.Equal(t, "inbox unread", res.Content)
	assert.Equal(t, "c", res.ToolUseID)
}

func TestRegistry_ExecuteConcurrentKeepsOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("ok", llm.ToolDefinition{}, &stubExecutor{result: "fine"})
	r.Register("bad", llm.ToolDefinition{}, &stubExecutor{err: errors.New("OAuth credentials not found")})

	results := r.ExecuteConcurrent(context.Background(), []llm.ToolCall{
		{ID: "id-0", Name: "ok"},
		{ID: "id-1", Name: "bad"},
		{ID: "id-2", Name: "ok"},
	})
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("id-%d", i), res.ToolUseID, "result[%d]", i)
	}
	assert.False(t, results[0].IsError)
	assert.Equal(t, "fine", results[0].Content)
	assert.True(t, results[1].IsError)
	assert.Equal(t, "OAuth credentials not found", results[1].Content, "result[1] should carry the tool error text")
}

func TestRegistry_DefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"gmail__search", "calendar__list_events", "files__search"} {
		r.Register(name, llm.ToolDefinition{}, &stubExecutor{})
	}

	want := []string{"calendar__list_events", "files__search", "gmail__search"}
	var got []string
	for _, d := range r.Definitions() {
		got = append(got, d.Name)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, want, r.Names())
}

func TestRegistry_Filter(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"calendar__list_events", "calendar__create_event", "gmail__search", "files__search"} {
		r.Register(name, llm.ToolDefinition{}, &stubExecutor{result: name})
	}

	tests := []struct {
		name    string
		allowed []string
		want    int
	}{
		{"nil keeps all", nil, 4},
		{"exact name", []string{"gmail__search"}, 1},
		{"glob", []string{"calendar__*"}, 2},
		{"multiple patterns", []string{"calendar__list_events", "files__*"}, 2},
		{"no match", []string{"drive__*"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Filter(tt.allowed)
			assert.Len(t, got.Definitions(), tt.want, "Filter(%v)", tt.allowed)
		})
	}

	filtered := r.Filter([]string{"calendar__*"})
	_, err := filtered.Execute(context.Background(), llm.ToolCall{Name: "gmail__search"})
	assert.Error(t, err, "expected filtered-out tool to be unavailable")
	out, err := filtered.Execute(context.Background(), llm.ToolCall{Name: "calendar__create_event"})
	require.NoError(t, err)
	assert.Equal(t, "calendar__create_event", out)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(3)
		name := fmt.Sprintf("tool-%d", i)
		go func() {
			defer wg.Done()
			r.Register(name, llm.ToolDefinition{}, &stubExecutor{result: name})
		}()
		go func() {
			defer wg.Done()
			_, _ = r.Execute(context.Background(), llm.ToolCall{Name: name})
		}()
		go func() {
			defer wg.Done()
			_ = r.Filter([]string{"tool-*"}).Definitions()
		}()
	}
	wg.Wait()

	assert.Len(t, r.Definitions(), 10, "definitions after concurrent registration")
}
