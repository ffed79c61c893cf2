package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/deskmate/internal/chat"
	"github.com/szaher/deskmate/internal/events"
	"github.com/szaher/deskmate/internal/runtime"
	"github.com/szaher/deskmate/internal/telemetry"
)

func newAskCmd() *cobra.Command {
	var (
		message        string
		conversationID string
		model          string
		eventsOut      string
	)

	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Send one chat message and print the streamed reply",
		Long:  "One-shot chat: load config, connect tool servers, stream a single reply to stdout, shut down.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				message = strings.Join(args, " ")
			}
			if strings.TrimSpace(message) == "" {
				return fmt.Errorf("--message is required")
			}

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
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), runtime.ShutdownTimeout)
				defer cancel()
				_ = rt.Shutdown(shutdownCtx)
			}()
			if err := rt.Connect(ctx); err != nil {
				return err
			}

			collector := &events.CollectorEmitter{}
			printer := newEventPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr())
			sink := events.EmitterFunc(func(ev *events.Event) {
				collector.Emit(ev)
				printer.Emit(ev)
			})

			req := chat.Request{Message: message, ConversationID: conversationID, Model: model}
			streamErr := rt.Chat().Stream(telemetry.WithCorrelationID(ctx, ""), req, sink)

			if eventsOut != "" {
				if err := events.ExportLog(collector.Events(), eventsOut); err != nil {
					return err
				}
			}
			return streamErr
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "Message to send")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation ID (defaults to the configured id)")
	cmd.Flags().StringVar(&model, "model", "", "Model override, e.g. openai/gpt-4o")
	cmd.Flags().StringVar(&eventsOut, "events-out", "", "Write the event log as JSON to this path")

	return cmd
}

// eventPrinter renders protocol events for a terminal: reply text on out,
// tool activity and errors on diag.
type eventPrinter struct {
	out  io.Writer
	diag io.Writer
}

func newEventPrinter(out, diag io.Writer) *eventPrinter {
	return &eventPrinter{out: out, diag: diag}
}

func (p *eventPrinter) Emit(ev *events.Event) {
	switch ev.Type {
	case events.Token:
		fmt.Fprint(p.out, ev.Content)
	case events.ToolStart:
		fmt.Fprintf(p.diag, "[tool] %s\n", ev.Tool)
	case events.OAuthRequired:
		fmt.Fprintf(p.diag, "[auth] %s requires sign-in: %s\n", ev.Provider, ev.URL)
	case events.Error:
		fmt.Fprintf(p.diag, "[error] %s\n", ev.Message)
	case events.End:
		fmt.Fprintln(p.out)
	}
}
