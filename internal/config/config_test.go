package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/deskmate/internal/mcp"
	"github.com/szaher/deskmate/internal/secrets"
)

func env(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deskmate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8765", cfg.Listen)
	assert.Equal(t, 6, cfg.Memory.MaxRecent)
	assert.Equal(t, 60*time.Second, cfg.Summarizer.Timeout)
	assert.Equal(t, 600, cfg.Summarizer.MaxTokens)
	assert.Equal(t, 100_000, cfg.Files.MaxChars)
	assert.Equal(t, "default", cfg.DefaultConversationID)
	assert.True(t, cfg.Summarizer.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
listen: 127.0.0.1:9000
log_format: text
require_conversation_id: true
memory:
  max_recent: 8
  max_conversations: 50
  idle_ttl: 2h
summarizer:
  model: claude-3-5-haiku-latest
  timeout: 30s
account:
  identity: avery@example.com
  scopes: [calendar.readonly, gmail.readonly]
mcp_servers:
  - name: calendar
    transport: stdio
    command: calendar-mcp
    args: ["--readonly"]
  - name: gmail
    transport: streamable-http
    url: http://127.0.0.1:9100/mcp
rate_limit:
  requests_per_second: 5
  burst: 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.True(t, cfg.RequireConversationID)
	assert.Equal(t, 8, cfg.Memory.MaxRecent)
	assert.Equal(t, 50, cfg.Memory.MaxConversations)
	assert.Equal(t, 2*time.Hour, cfg.Memory.IdleTTL)
	assert.Equal(t, "@every 10m", cfg.Memory.SweepSchedule, "unset keys keep defaults")
	assert.Equal(t, 30*time.Second, cfg.Summarizer.Timeout)
	assert.Equal(t, 600, cfg.Summarizer.MaxTokens)
	assert.Equal(t, []string{"calendar.readonly", "gmail.readonly"}, cfg.Account.Scopes)
	require.Len(t, cfg.MCPServers, 2)
	assert.Equal(t, mcp.ServerConfig{Name: "calendar", Transport: "stdio", Command: "calendar-mcp", Args: []string{"--readonly"}}, cfg.MCPServers[0])
	assert.Equal(t, "http://127.0.0.1:9100/mcp", cfg.MCPServers[1].URL)
	assert.Equal(t, 5.0, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")

	_, err = Load(writeFile(t, "listen: [unclosed"))
	assert.ErrorContains(t, err, "parsing config file")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.Credentials.OpenAI = "sk-from-file"

	err := cfg.ApplyEnv(env(map[string]string{
		"DESKMATE_LISTEN":     "127.0.0.1:7000",
		"DESKMATE_API_KEY":    "dk-env",
		"DESKMATE_NO_AUTH":    "true",
		"DESKMATE_MAX_RECENT": "4",
		"DESKMATE_RATE_LIMIT": "3:6",
		"ANTHROPIC_API_KEY":   "sk-ant-env",
		"OPENAI_API_KEY":      "sk-openai-env",
		"OLLAMA_HOST":         "http://localhost:11434",
	}))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, "dk-env", cfg.APIKey)
	assert.True(t, cfg.NoAuth)
	assert.Equal(t, 4, cfg.Memory.MaxRecent)
	assert.Equal(t, "sk-ant-env", cfg.Credentials.Anthropic)
	assert.Equal(t, "sk-from-file", cfg.Credentials.OpenAI, "file credentials win over provider env vars")
	assert.Equal(t, "http://localhost:11434", cfg.Credentials.OllamaHost)
	assert.Equal(t, "", cfg.Credentials.OpenAIBaseURL)
	assert.Equal(t, 3.0, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 6, cfg.RateLimit.Burst)
}

func TestApplyEnvInvalidValues(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"DESKMATE_NO_AUTH":    "sometimes",
		"DESKMATE_MAX_RECENT": "six",
	}))
	require.Error(t, err)
	assert.ErrorContains(t, err, "DESKMATE_NO_AUTH")
	assert.ErrorContains(t, err, "DESKMATE_MAX_RECENT")
	assert.False(t, cfg.NoAuth)
	assert.Equal(t, 6, cfg.Memory.MaxRecent)
}

func TestResolveSecrets(t *testing.T) {
	cfg := Default()
	cfg.APIKey = "env(DK_KEY)"
	cfg.Credentials.Anthropic = "sk-ant-literal"

	resolver := secrets.ResolverFunc(func(_ context.Context, ref string) (string, error) {
		if ref == "env(DK_KEY)" {
			return "dk-resolved", nil
		}
		return ref, nil
	})
	require.NoError(t, cfg.ResolveSecrets(context.Background(), resolver))
	assert.Equal(t, "dk-resolved", cfg.APIKey)
	assert.Equal(t, "sk-ant-literal", cfg.Credentials.Anthropic)
	assert.Equal(t, []string{"dk-resolved", "sk-ant-literal"}, cfg.Secrets())
}

func TestResolveSecretsError(t *testing.T) {
	cfg := Default()
	cfg.Credentials.OpenAI = "env(DESKMATE_CONFIG_TEST_MISSING)"
	err := cfg.ResolveSecrets(context.Background(), secrets.NewRefResolver())
	assert.ErrorContains(t, err, "resolving credentials.openai")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad listen", func(c *Config) { c.Listen = "8765" }, "listen"},
		{"zero max recent", func(c *Config) { c.Memory.MaxRecent = 0 }, "memory.max_recent"},
		{"ttl without schedule", func(c *Config) { c.Memory.IdleTTL = time.Hour; c.Memory.SweepSchedule = " " }, "memory.sweep_schedule"},
		{"rate limit", func(c *Config) { c.RateLimit.Burst = 0 }, "rate_limit"},
		{"max turns", func(c *Config) { c.MaxTurns = 0 }, "max_turns"},
		{"no default id", func(c *Config) { c.DefaultConversationID = "" }, "default_conversation_id"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"unnamed server", func(c *Config) { c.MCPServers = []mcp.ServerConfig{{Transport: "stdio"}} }, "name is required"},
		{"separator in name", func(c *Config) { c.MCPServers = []mcp.ServerConfig{{Name: "g__mail"}} }, "must not contain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	t.Run("required id without default", func(t *testing.T) {
		cfg := Default()
		cfg.RequireConversationID = true
		cfg.DefaultConversationID = ""
		assert.NoError(t, cfg.Validate())
	})
}
