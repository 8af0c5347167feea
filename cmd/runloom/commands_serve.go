package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs a worker.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a runloom worker",
		Long: `Start a worker serving the HTTP API, the MCP endpoint and run execution.

The worker:
1. Loads runloom.jsonc (--config, RUNLOOM_CONFIG, ./config, ~/.runloom/config)
2. Opens the SQLite database and connects to Redis
3. Serves /v1/runs, /mcp, /health, /ready and /metrics
4. Reports abandoned runs on the cleanup schedule

Without a Redis address the worker uses an in-process store and must run alone.
Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to runloom.jsonc")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}
