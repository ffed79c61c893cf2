package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Provider identifies an LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
)

// ParseModelString parses a model string into provider and model name.
//
// Supported formats:
//
//	"ollama/llama3.2"          → (ollama, "llama3.2")
//	"openai/gpt-4o"            → (openai, "gpt-4o")
//	"claude-sonnet-4-20250514" → (anthropic, "claude-sonnet-4-20250514")
//	"gpt-4o"                   → (openai, "gpt-4o")
//	"llama3.2"                 → (ollama, "llama3.2") if OLLAMA_HOST set
//	"llama3.2"                 → (anthropic, "llama3.2") fallback
func ParseModelString(model string) (Provider, string) {
	if i := strings.Index(model, "/"); i > 0 {
		prefix := strings.ToLower(model[:i])
		name := model[i+1:]
		switch prefix {
		case "ollama":
			return ProviderOllama, name
		case "openai":
			return ProviderOpenAI, name
		case "anthropic":
			return ProviderAnthropic, name
		}
	}

	// No prefix: infer from model name patterns
	lower := strings.ToLower(model)
	if strings.HasPrefix(lower, "claude") {
		return ProviderAnthropic, model
	}
	if strings.HasPrefix(lower, "gpt-") || strings.HasPrefix(lower, "o1") || strings.HasPrefix(lower, "o3") || strings.HasPrefix(lower, "o4") {
		return ProviderOpenAI, model
	}

	// Check env vars as a last resort
	if os.Getenv("OLLAMA_HOST") != "" {
		return ProviderOllama, model
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return ProviderOpenAI, model
	}

	return ProviderAnthropic, model
}

// QualifyModel prefixes model with providerID unless it already names a
// provider. An empty providerID returns model unchanged.
func QualifyModel(providerID, model string) string {
	if providerID == "" {
		return model
	}
	if i := strings.Index(model, "/"); i > 0 {
		switch Provider(strings.ToLower(model[:i])) {
		case ProviderAnthropic, ProviderOpenAI, ProviderOllama:
			return model
		}
	}
	return strings.ToLower(providerID) + "/" + model
}

// Credentials holds the process-wide provider settings.
type Credentials struct {
	AnthropicKey  string
	OpenAIKey     string
	OpenAIBaseURL string
	OllamaHost    string
}

// Router is a Client that dispatches each request to the provider named
// by its model string. Provider clients are created on first use.
type Router struct {
	creds Credentials

	mu      sync.Mutex
	clients map[Provider]Client
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithProviderClient installs client for provider instead of the SDK
// client the router would create.
func WithProviderClient(p Provider, client Client) RouterOption {
	return func(r *Router) { r.clients[p] = client }
}

// NewRouter creates a router using creds for clients it creates itself.
func NewRouter(creds Credentials, opts ...RouterOption) *Router {
	r := &Router{
		creds:   creds,
		clients: make(map[Provider]Client),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the client for model along with the bare model name.
func (r *Router) Resolve(model string) (Client, Provider, string) {
	provider, name := ParseModelString(model)

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[provider]; ok {
		return c, provider, name
	}

	var c Client
	switch provider {
	case ProviderOllama:
		host := r.creds.OllamaHost
		if host == "" {
			host = os.Getenv("OLLAMA_HOST")
		}
		c = NewOllamaClient(host)
	case ProviderOpenAI:
		baseURL := r.creds.OpenAIBaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		c = NewOpenAICompatibleClient(baseURL, r.creds.OpenAIKey)
	default:
		c = NewAnthropicClient(r.creds.AnthropicKey)
	}
	r.clients[provider] = c
	return c, provider, name
}

// Chat implements Client.
func (r *Router) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	c, provider, name := r.Resolve(req.Model)
	req.Model = name
	resp, err := c.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", provider, err)
	}
	return resp, nil
}

// ChatStream implements Client.
func (r *Router) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	c, provider, name := r.Resolve(req.Model)
	req.Model = name
	ch, err := c.ChatStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", provider, err)
	}
	return ch, nil
}
