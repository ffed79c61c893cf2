package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockResponse configures a single response from the mock client.
type MockResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      TokenUsage
	Error      error

	// Chunks, when set, are streamed as separate text events in place of
	// Content. The done response still carries their concatenation.
	Chunks []string

	// Gate, when set, blocks the call until it is closed or ctx is done.
	Gate <-chan struct{}
}

// MockClient is a configurable mock LLM client for testing.
type MockClient struct {
	mu        sync.Mutex
	responses []MockResponse
	callIndex int
	calls     []ChatRequest
}

// NewMockClient creates a mock client with a sequence of responses.
// Responses are returned in order; if exhausted, the last response repeats.
func NewMockClient(responses ...MockResponse) *MockClient {
	return &MockClient{responses: responses}
}

func (m *MockClient) next(req ChatRequest) (MockResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)

	if len(m.responses) == 0 {
		return MockResponse{}, fmt.Errorf("mock: no responses configured")
	}

	idx := m.callIndex
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	} else {
		m.callIndex++
	}
	return m.responses[idx], nil
}

func wait(ctx context.Context, gate <-chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r MockResponse) chatResponse() *ChatResponse {
	content := r.Content
	if len(r.Chunks) > 0 {
		content = strings.Join(r.Chunks, "")
	}
	return &ChatResponse{
		Content:    content,
		ToolCalls:  r.ToolCalls,
		StopReason: r.StopReason,
		Usage:      r.Usage,
	}
}

// Chat returns the next configured response.
func (m *MockClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	r, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, r.Gate); err != nil {
		return nil, err
	}
	if r.Error != nil {
		return nil, r.Error
	}
	return r.chatResponse(), nil
}

// ChatStream returns streaming events for the next configured response.
// A configured Error is delivered as an error event.
func (m *MockClient) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	r, err := m.next(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent, 10)
	go func() {
		defer close(ch)

		if err := wait(ctx, r.Gate); err != nil {
			return
		}
		if r.Error != nil {
			send(ctx, ch, StreamEvent{Type: EventError, Error: r.Error})
			return
		}

		resp := r.chatResponse()
		chunks := r.Chunks
		if len(chunks) == 0 && resp.Content != "" {
			chunks = []string{resp.Content}
		}
		for _, c := range chunks {
			if !send(ctx, ch, StreamEvent{Type: EventText, Text: c}) {
				return
			}
		}
		for i := range resp.ToolCalls {
			if !send(ctx, ch, StreamEvent{Type: EventToolCallStart, ToolCall: &resp.ToolCalls[i]}) {
				return
			}
		}
		send(ctx, ch, StreamEvent{Type: EventDone, Response: resp})
	}()

	return ch, nil
}

// Calls returns all requests made to the mock client.
func (m *MockClient) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.calls...)
}

// Reset clears call history and resets the response index.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callIndex = 0
	m.calls = nil
}
