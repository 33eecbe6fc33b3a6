package main

import (
	"github.com/spf13/cobra"

	"github.com/ashita-ai/toolgate/internal/mcp"
)

// newStdioCmd serves the tools to a parent process over stdin/stdout. The
// parent is trusted, so no origin or bearer checks apply. Logs go to stderr
// because stdout carries the protocol.
func newStdioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve the tools as an MCP server over stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			return mcp.New(a.reg, version, logger).ServeStdio(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
