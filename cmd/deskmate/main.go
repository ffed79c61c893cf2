// Package main is the entry point for the deskmate sidecar.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/szaher/deskmate/internal/config"
	"github.com/szaher/deskmate/internal/secrets"
	"github.com/szaher/deskmate/internal/telemetry"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configPath string
	listenAddr string
	noAuth     bool
	logLevel   string
	logFormat  string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "deskmate",
		Short: "Conversation memory and tool-calling sidecar for the desktop assistant",
		Long: `Deskmate keeps per-conversation memory for the desktop assistant,
folds older turns into a running summary, and answers chat requests
over HTTP, SSE and WebSocket using the configured model providers
and MCP tool servers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadDotEnv()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	root.PersistentFlags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
	root.PersistentFlags().BoolVar(&noAuth, "no-auth", false, "Disable API key authentication")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: json or text")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newAskCmd())
	root.AddCommand(newScrubCmd())

	return root
}

// loadDotEnv reads .env from the working directory when present.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// loadConfig reads the config file and environment, applies command-line
// overrides, resolves secret references and validates the result.
func loadConfig(ctx context.Context, cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg = config.Default()
		err = cfg.ApplyEnv(os.LookupEnv)
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = listenAddr
	}
	if flags.Changed("no-auth") {
		cfg.NoAuth = noAuth
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = logFormat
	}

	if err := cfg.ResolveSecrets(ctx, secrets.NewRefResolver()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger for cfg with every configured
// secret redacted from its output.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := telemetry.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	base := telemetry.NewLogger(os.Stderr, level, cfg.LogFormat)
	redactor := secrets.NewRedactor(cfg.Secrets()...)
	return slog.New(redactor.Handler(base.Handler())), nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
