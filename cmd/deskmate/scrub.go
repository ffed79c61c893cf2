package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/szaher/deskmate/internal/secrets"
)

func newScrubCmd() *cobra.Command {
	var text bool

	cmd := &cobra.Command{
		Use:   "scrub [file]",
		Short: "Mask personal data in an exported conversation",
		Long:  "Read a JSON export (or plain text with --text) from a file or stdin and write it with personal data replaced by BLOCKED.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 0 || args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			if text {
				_, err = io.WriteString(cmd.OutOrStdout(), secrets.ScrubPII(string(data)))
				return err
			}
			out, err := secrets.ScrubJSON(data)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}

	cmd.Flags().BoolVar(&text, "text", false, "Treat input as plain text instead of JSON")
	return cmd
}
