// Package config loads the sidecar configuration from a YAML file and the
// DESKMATE_* environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szaher/deskmate/internal/auth"
	"github.com/szaher/deskmate/internal/mcp"
	"github.com/szaher/deskmate/internal/secrets"
)

// Config is the complete sidecar configuration.
type Config struct {
	Listen    string `yaml:"listen"`
	APIKey    string `yaml:"api_key"`
	NoAuth    bool   `yaml:"no_auth"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	DefaultConversationID string `yaml:"default_conversation_id"`
	RequireConversationID bool   `yaml:"require_conversation_id"`

	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	MaxTokens    int    `yaml:"max_tokens"`
	MaxTurns     int    `yaml:"max_turns"`

	Credentials Credentials          `yaml:"credentials"`
	Memory      MemoryConfig         `yaml:"memory"`
	Summarizer  SummarizerConfig     `yaml:"summarizer"`
	Account     AccountConfig        `yaml:"account"`
	Files       FilesConfig          `yaml:"files"`
	OAuth       OAuthConfig          `yaml:"oauth"`
	MCPServers  []mcp.ServerConfig   `yaml:"mcp_servers"`
	RateLimit   auth.RateLimitConfig `yaml:"rate_limit"`
}

// Credentials are the process-wide provider defaults used when a request
// carries no credential of its own. Values may be env(NAME) or file(PATH)
// references.
type Credentials struct {
	Anthropic     string `yaml:"anthropic"`
	OpenAI        string `yaml:"openai"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	OllamaHost    string `yaml:"ollama_host"`
}

// MemoryConfig bounds the in-memory conversation store.
type MemoryConfig struct {
	MaxRecent        int           `yaml:"max_recent"`
	MaxConversations int           `yaml:"max_conversations"`
	IdleTTL          time.Duration `yaml:"idle_ttl"`
	SweepSchedule    string        `yaml:"sweep_schedule"`
}

// SummarizerConfig configures background compaction.
type SummarizerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Model       string        `yaml:"model"`
	OpenAIModel string        `yaml:"openai_model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxTokens   int           `yaml:"max_tokens"`
}

// AccountConfig describes the connected account shown in the prompt preamble.
type AccountConfig struct {
	Identity string   `yaml:"identity"`
	Scopes   []string `yaml:"scopes"`
}

// FilesConfig points at the desktop shell's upload directory.
type FilesConfig struct {
	Dir      string `yaml:"dir"`
	MaxChars int    `yaml:"max_chars"`
}

// OAuthConfig configures classification of authorization failures.
type OAuthConfig struct {
	Provider   string   `yaml:"provider"`
	ReauthURL  string   `yaml:"reauth_url"`
	Signatures []string `yaml:"signatures"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:                "127.0.0.1:8765",
		LogLevel:              "info",
		LogFormat:             "json",
		DefaultConversationID: "default",
		Model:                 "claude-sonnet-4-20250514",
		MaxTokens:             4096,
		MaxTurns:              8,
		Memory: MemoryConfig{
			MaxRecent:     6,
			SweepSchedule: "@every 10m",
		},
		Summarizer: SummarizerConfig{
			Enabled:   true,
			Timeout:   60 * time.Second,
			MaxTokens: 600,
		},
		Files: FilesConfig{
			MaxChars: 100_000,
		},
		RateLimit: auth.DefaultRateLimitConfig(),
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("DESKMATE_LISTEN", &c.Listen)
	str(auth.DefaultEnvVar, &c.APIKey)
	str("DESKMATE_LOG_LEVEL", &c.LogLevel)
	str("DESKMATE_LOG_FORMAT", &c.LogFormat)
	str("DESKMATE_MODEL", &c.Model)
	str("DESKMATE_FILES_DIR", &c.Files.Dir)
	str("DESKMATE_DEFAULT_CONVERSATION_ID", &c.DefaultConversationID)

	// Provider defaults only fill gaps left by the file.
	fill := func(key string, dst *string) {
		if *dst == "" {
			str(key, dst)
		}
	}
	fill("ANTHROPIC_API_KEY", &c.Credentials.Anthropic)
	fill("OPENAI_API_KEY", &c.Credentials.OpenAI)
	fill("OPENAI_BASE_URL", &c.Credentials.OpenAIBaseURL)
	fill("OLLAMA_HOST", &c.Credentials.OllamaHost)

	var errs []error
	boolean := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
	boolean("DESKMATE_NO_AUTH", &c.NoAuth)
	boolean("DESKMATE_REQUIRE_CONVERSATION_ID", &c.RequireConversationID)
	boolean("DESKMATE_SUMMARIZER_ENABLED", &c.Summarizer.Enabled)

	if v, ok := lookup("DESKMATE_MAX_RECENT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DESKMATE_MAX_RECENT: %w", err))
		} else {
			c.Memory.MaxRecent = n
		}
	}
	if v, ok := lookup("DESKMATE_RATE_LIMIT"); ok && v != "" {
		c.RateLimit = auth.ParseRateLimit(v)
	}
	return errors.Join(errs...)
}

// ResolveSecrets expands env(...) and file(...) references in the API key
// and provider credentials.
func (c *Config) ResolveSecrets(ctx context.Context, r secrets.Resolver) error {
	fields := []struct {
		name string
		dst  *string
	}{
		{"api_key", &c.APIKey},
		{"credentials.anthropic", &c.Credentials.Anthropic},
		{"credentials.openai", &c.Credentials.OpenAI},
	}
	for _, f := range fields {
		if *f.dst == "" {
			continue
		}
		v, err := r.Resolve(ctx, *f.dst)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return nil
}

// Secrets returns the resolved credential values that must never be logged.
func (c *Config) Secrets() []string {
	var out []string
	for _, v := range []string{c.APIKey, c.Credentials.Anthropic, c.Credentials.OpenAI} {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen %q: %w", c.Listen, err))
	}
	if c.Memory.MaxRecent < 1 {
		errs = append(errs, fmt.Errorf("memory.max_recent must be at least 1, got %d", c.Memory.MaxRecent))
	}
	if c.Memory.MaxConversations < 0 {
		errs = append(errs, fmt.Errorf("memory.max_conversations must not be negative"))
	}
	if c.Memory.IdleTTL > 0 && strings.TrimSpace(c.Memory.SweepSchedule) == "" {
		errs = append(errs, fmt.Errorf("memory.sweep_schedule is required when memory.idle_ttl is set"))
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit requires positive requests_per_second and burst"))
	}
	if c.MaxTurns < 1 {
		errs = append(errs, fmt.Errorf("max_turns must be at least 1"))
	}
	if !c.RequireConversationID && c.DefaultConversationID == "" {
		errs = append(errs, fmt.Errorf("default_conversation_id is required unless require_conversation_id is set"))
	}
	switch c.LogFormat {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}
	for i, s := range c.MCPServers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("mcp_servers[%d]: name is required", i))
		}
		if strings.Contains(s.Name, mcp.NameSeparator) {
			errs = append(errs, fmt.Errorf("mcp_servers[%d]: name %q must not contain %q", i, s.Name, mcp.NameSeparator))
		}
	}
	return errors.Join(errs...)
}
