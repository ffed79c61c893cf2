package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/szaher/deskmate/internal/server"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "deskmate version %s (api %s)\n", version, server.Version)
		},
	}
}
