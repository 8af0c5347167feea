// Package main provides the runloom CLI.
//
// Start a worker:
//
//	runloom serve --config config/runloom.jsonc
//
// Start a run and follow its events:
//
//	runloom start --conversation conv-1 "Summarize the open issues"
//	runloom tail <run-id>
//
// Several workers may share one Redis server and one database; each run is
// executed by exactly one of them.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "runloom",
		Short:        "runloom - distributed agent run orchestration",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStartCmd(),
		buildStopCmd(),
		buildStatusCmd(),
		buildTailCmd(),
	)
	return rootCmd
}
