package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
)

// OpenAIClient implements Client using the OpenAI Chat Completions API.
// It also serves Ollama and other OpenAI-compatible endpoints.
type OpenAIClient struct {
	client openai.Client
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*[]option.RequestOption)

// WithOpenAIMaxRetries sets how often the SDK retries failed calls.
func WithOpenAIMaxRetries(n int) OpenAIOption {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithMaxRetries(n))
	}
}

// NewOpenAIClient creates a client for api.openai.com. An empty apiKey
// falls back to OPENAI_API_KEY from the environment.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	return NewOpenAICompatibleClient("", apiKey, opts...)
}

// NewOllamaClient creates a client for an Ollama server through its
// OpenAI-compatible endpoint. host defaults to http://localhost:11434.
func NewOllamaClient(host string, opts ...OpenAIOption) *OpenAIClient {
	if host == "" {
		host = "http://localhost:11434"
	}
	return NewOpenAICompatibleClient(strings.TrimRight(host, "/")+"/v1", "ollama", opts...)
}

// NewOpenAICompatibleClient creates a client for any server speaking the
// OpenAI API at baseURL. An empty baseURL uses the SDK default.
func NewOpenAICompatibleClient(baseURL, apiKey string, opts ...OpenAIOption) *OpenAIClient {
	var reqOpts []option.RequestOption
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	for _, opt := range opts {
		opt(&reqOpts)
	}
	return &OpenAIClient{client: openai.NewClient(reqOpts...)}
}

// Chat sends a non-streaming chat request.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	completion, err := c.client.Chat.Completions.New(ctx, c.buildParams(req), openAICallOptions(req)...)
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	return parseCompletion(completion), nil
}

// ChatStream sends a streaming chat request and returns events via channel.
// Cancelling ctx aborts the underlying HTTP stream.
func (c *OpenAIClient) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.buildParams(req), openAICallOptions(req)...)

	ch := make(chan StreamEvent, 64)
	go c.consume(ctx, stream, ch)
	return ch, nil
}

func (c *OpenAIClient) consume(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], ch chan<- StreamEvent) {
	defer close(ch)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if tool, ok := acc.JustFinishedToolCall(); ok {
			ev := StreamEvent{
				Type:     EventToolCallStart,
				ToolCall: &ToolCall{ID: tool.ID, Name: tool.Name},
			}
			if !send(ctx, ch, ev) {
				return
			}
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if !send(ctx, ch, StreamEvent{Type: EventText, Text: chunk.Choices[0].Delta.Content}) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		send(ctx, ch, StreamEvent{Type: EventError, Error: fmt.Errorf("openai stream: %w", err)})
		return
	}

	send(ctx, ch, StreamEvent{Type: EventDone, Response: parseCompletion(&acc.ChatCompletion)})
}

func openAICallOptions(req ChatRequest) []option.RequestOption {
	if req.APIKey == "" {
		return nil
	}
	return []option.RequestOption{option.WithAPIKey(req.APIKey)}
}

func (c *OpenAIClient) buildParams(req ChatRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			if m.ToolResult != nil {
				messages = append(messages, openai.ToolMessage(m.ToolResult.Content, m.ToolResult.ToolUseID))
			} else {
				messages = append(messages, openai.UserMessage(m.Content))
			}
		case RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{Role: "assistant"}
			if m.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(m.Content),
				}
			}
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Input)
				if err != nil {
					slog.Warn("openai: failed to marshal tool arguments", "tool", tc.Name, "error", err)
					args = []byte("{}")
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema := t.InputSchema
			if schema == nil {
				schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  shared.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	return params
}

func parseCompletion(completion *openai.ChatCompletion) *ChatResponse {
	resp := &ChatResponse{
		StopReason: StopEndTurn,
		Usage: TokenUsage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
	if len(completion.Choices) == 0 {
		return resp
	}

	choice := completion.Choices[0]
	resp.Content = choice.Message.Content
	resp.StopReason = mapOpenAIFinishReason(choice.FinishReason)

	for _, tc := range choice.Message.ToolCalls {
		input := make(map[string]interface{})
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				slog.Warn("openai: failed to unmarshal tool arguments", "tool", tc.Function.Name, "id", tc.ID, "error", err)
				input = map[string]interface{}{"_error": fmt.Sprintf("failed to parse tool input: %v", err)}
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	if len(resp.ToolCalls) > 0 {
		resp.StopReason = StopToolUse
	}

	return resp
}

func mapOpenAIFinishReason(reason string) StopReason {
	switch reason {
	case "stop", "":
		return StopEndTurn
	case "length":
		return StopMaxTokens
	case "tool_calls", "function_call":
		return StopToolUse
	default:
		return StopReason(reason)
	}
}
