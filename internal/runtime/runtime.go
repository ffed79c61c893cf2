// Package runtime wires configuration into a running sidecar: provider
// clients, tool servers, conversation memory, the chat handler and the
// HTTP server, and tears them down in order.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/szaher/deskmate/internal/agent"
	"github.com/szaher/deskmate/internal/auth"
	"github.com/szaher/deskmate/internal/chat"
	"github.com/szaher/deskmate/internal/config"
	"github.com/szaher/deskmate/internal/conversation"
	"github.com/szaher/deskmate/internal/files"
	"github.com/szaher/deskmate/internal/llm"
	agentmcp "github.com/szaher/deskmate/internal/mcp"
	"github.com/szaher/deskmate/internal/responder"
	"github.com/szaher/deskmate/internal/server"
	"github.com/szaher/deskmate/internal/summarizer"
	"github.com/szaher/deskmate/internal/telemetry"
	"github.com/szaher/deskmate/internal/tools"
)

// Options configures the runtime.
type Options struct {
	Logger *slog.Logger

	// LLMClient replaces the provider router, for tests and one-shot runs.
	LLMClient llm.Client
}

// Runtime manages the full lifecycle of the sidecar.
type Runtime struct {
	config     *config.Config
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	store      *conversation.Store
	registry   *tools.Registry
	mcpPool    *agentmcp.Pool
	index      *files.Index
	summarizer *summarizer.Summarizer
	chat       *chat.Handler
	server     *server.Server
	sweeper    *cron.Cron

	connectOnce sync.Once
	connectErr  error
}

// New builds the runtime from cfg. It performs no network I/O; Connect
// starts the tool servers and background jobs.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := opts.LLMClient
	if client == nil {
		client = llm.NewRouter(llm.Credentials{
			AnthropicKey:  cfg.Credentials.Anthropic,
			OpenAIKey:     cfg.Credentials.OpenAI,
			OpenAIBaseURL: cfg.Credentials.OpenAIBaseURL,
			OllamaHost:    cfg.Credentials.OllamaHost,
		})
	}

	var storeOpts []conversation.Option
	if cfg.Memory.MaxConversations > 0 {
		storeOpts = append(storeOpts, conversation.WithEviction(conversation.NewLRU(cfg.Memory.MaxConversations)))
	}
	store := conversation.NewStore(storeOpts...)

	metrics := telemetry.NewMetrics()
	metrics.TrackConversations(store.Len)

	rt := &Runtime{
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		store:    store,
		registry: tools.NewRegistry(),
		mcpPool:  agentmcp.NewPool(),
	}

	var fileSource chat.Files
	if cfg.Files.Dir != "" {
		index, err := files.Open(cfg.Files.Dir, files.WithMaxChars(cfg.Files.MaxChars), files.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open uploads index: %w", err)
		}
		rt.index = index
		fileSource = index
		search := files.NewSearchTool(index, 0)
		rt.registry.Register(files.SearchToolName, search.Definition(), search)
	}

	classifier := responder.NewClassifier(cfg.OAuth.Provider, cfg.OAuth.ReauthURL, cfg.OAuth.Signatures)
	runner := agent.NewRunner(client, rt.registry,
		agent.WithLogger(logger),
		agent.WithLimits(cfg.MaxTurns, cfg.MaxTokens),
		agent.WithFatalToolErrors(classifier.Match),
	)
	resp := responder.New(runner,
		responder.WithLogger(logger),
		responder.WithMetrics(metrics),
		responder.WithClassifier(classifier),
	)

	chatOpts := []chat.Option{
		chat.WithLogger(logger),
		chat.WithMetrics(metrics),
		chat.WithSettings(chat.Settings{
			DefaultConversationID: cfg.DefaultConversationID,
			RequireConversationID: cfg.RequireConversationID,
			Model:                 cfg.Model,
			SystemPrompt:          cfg.SystemPrompt,
			MaxRecent:             cfg.Memory.MaxRecent,
			MaxTurns:              cfg.MaxTurns,
			MaxTokens:             cfg.MaxTokens,
			Identity:              cfg.Account.Identity,
			Scopes:                cfg.Account.Scopes,
		}),
	}
	if fileSource != nil {
		chatOpts = append(chatOpts, chat.WithFiles(fileSource))
	}
	if cfg.Summarizer.Enabled {
		sumOpts := []summarizer.Option{
			summarizer.WithLogger(logger),
			summarizer.WithMetrics(metrics),
			summarizer.WithMaxRecent(cfg.Memory.MaxRecent),
			summarizer.WithTimeout(cfg.Summarizer.Timeout),
			summarizer.WithMaxTokens(cfg.Summarizer.MaxTokens),
			summarizer.WithModel(llm.ProviderAnthropic, cfg.Summarizer.Model),
			summarizer.WithModel(llm.ProviderOpenAI, cfg.Summarizer.OpenAIModel),
		}
		rt.summarizer = summarizer.New(store, client, sumOpts...)
		chatOpts = append(chatOpts, chat.WithSummarizer(rt.summarizer))
	}
	rt.chat = chat.NewHandler(store, resp, chatOpts...)

	if cfg.APIKey == "" && !cfg.NoAuth {
		logger.Warn("no API key configured: all API requests will be rejected. Use --no-auth to allow unauthenticated access, or set " + auth.DefaultEnvVar)
	} else if cfg.NoAuth {
		logger.Warn("server starting WITHOUT authentication (--no-auth)")
	}
	rt.server = server.New(rt.chat, store,
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithAPIKey(cfg.APIKey, cfg.NoAuth),
		server.WithRateLimiter(auth.NewRateLimiter(cfg.RateLimit)),
		server.WithMaxRecent(cfg.Memory.MaxRecent),
	)
	return rt, nil
}

// Chat returns the chat handler.
func (rt *Runtime) Chat() *chat.Handler { return rt.chat }

// Store returns the conversation store.
func (rt *Runtime) Store() *conversation.Store { return rt.store }

// Registry returns the tool registry.
func (rt *Runtime) Registry() *tools.Registry { return rt.registry }

// Connect starts the configured MCP servers, registers their tools,
// watches the uploads index and schedules the idle sweep. A server that
// fails to start is logged and skipped. Only the first call has effect.
func (rt *Runtime) Connect(ctx context.Context) error {
	rt.connectOnce.Do(func() { rt.connectErr = rt.connect(ctx) })
	return rt.connectErr
}

func (rt *Runtime) connect(ctx context.Context) error {
	if err := rt.mcpPool.ConnectAll(ctx, rt.config.MCPServers, rt.logger); err != nil {
		rt.logger.Warn("some MCP servers are unavailable", "error", err)
	}
	n, err := agentmcp.NewDiscovery(rt.mcpPool).Register(ctx, rt.registry)
	if err != nil {
		rt.logger.Warn("MCP tool discovery failed", "error", err)
	}
	rt.logger.Info("tools registered", "mcp_tools", n, "tools", rt.registry.Names())

	if rt.index != nil {
		if err := rt.index.Watch(context.WithoutCancel(ctx)); err != nil {
			rt.logger.Warn("uploads index will not reload on change", "error", err)
		}
	}

	if ttl := rt.config.Memory.IdleTTL; ttl > 0 {
		sweeper := cron.New()
		if _, err := sweeper.AddFunc(rt.config.Memory.SweepSchedule, func() {
			if evicted := rt.store.EvictIdle(ttl); evicted > 0 {
				rt.logger.Info("idle conversations evicted", "count", evicted, "idle_ttl", ttl.String())
			}
		}); err != nil {
			return fmt.Errorf("schedule idle sweep %q: %w", rt.config.Memory.SweepSchedule, err)
		}
		sweeper.Start()
		rt.sweeper = sweeper
	}
	return nil
}

// Start connects and serves HTTP on the configured address until Shutdown.
func (rt *Runtime) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", rt.config.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", rt.config.Listen, err)
	}
	return rt.Serve(ctx, ln)
}

// Serve connects and serves HTTP on ln until Shutdown.
func (rt *Runtime) Serve(ctx context.Context, ln net.Listener) error {
	if err := rt.Connect(ctx); err != nil {
		ln.Close()
		return err
	}
	return rt.server.Serve(ln)
}

// Shutdown stops the HTTP server, the idle sweep, in-flight summaries,
// the MCP servers and the uploads watcher, in that order.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.logger.Info("shutting down sidecar")
	var errs []error

	if err := rt.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}

	if rt.sweeper != nil {
		select {
		case <-rt.sweeper.Stop().Done():
		case <-ctx.Done():
		}
	}

	if rt.summarizer != nil {
		done := make(chan struct{})
		go func() {
			rt.summarizer.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			rt.logger.Warn("summaries still running at shutdown")
		}
	}

	if err := rt.mcpPool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close MCP pool: %w", err))
	}
	if rt.index != nil {
		if err := rt.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close uploads index: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 15 * time.Second
