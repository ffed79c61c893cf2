package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/deskmate/internal/runtime"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sidecar HTTP server",
		Long:  "Start the chat API, connect MCP tool servers, and serve until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(ctx, cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			rt, err := runtime.New(cfg, runtime.Options{Logger: logger})
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("sidecar listening", "addr", cfg.Listen, "version", version)
				errCh <- rt.Start(ctx)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), runtime.ShutdownTimeout)
					defer cancel()
					_ = rt.Shutdown(shutdownCtx)
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), runtime.ShutdownTimeout)
			defer cancel()
			if err := rt.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return <-errCh
		},
	}
}
