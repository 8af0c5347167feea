package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/runloom/internal/api"
)

// buildStartCmd creates the "start" command.
func buildStartCmd() *cobra.Command {
	var (
		serverURL        string
		conversationID   string
		model            string
		fallbackModel    string
		maxAutoContinues int
		follow           bool
	)

	cmd := &cobra.Command{
		Use:   "start [prompt]",
		Short: "Start a run",
		Example: `  runloom start --conversation conv-1 "List the failing tests"
  runloom start --conversation conv-1 --follow --model fast "Fix them"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context(), cmd.OutOrStdout(), newAPIClient(serverURL), api.StartRunRequest{
				ConversationID:   conversationID,
				Prompt:           strings.Join(args, " "),
				Model:            model,
				FallbackModel:    fallbackModel,
				MaxAutoContinues: maxAutoContinues,
			}, follow)
		},
	}

	cmd.Flags().StringVarP(&serverURL, "server", "s", defaultServerURL(), "runloom API address")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation ID (required)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model name or alias")
	cmd.Flags().StringVar(&fallbackModel, "fallback-model", "", "Model used once if the primary is overloaded")
	cmd.Flags().IntVar(&maxAutoContinues, "max-auto-continues", 0, "Auto-continue limit (-1 disables)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream events until the run ends")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

// buildStopCmd creates the "stop" command.
func buildStopCmd() *cobra.Command {
	var serverURL, reason string
	cmd := &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Request that a run stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient(serverURL).stopRun(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for %s\n", args[0])
			return err
		},
	}
	cmd.Flags().StringVarP(&serverURL, "server", "s", defaultServerURL(), "runloom API address")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the run")
	return cmd
}

// buildStatusCmd creates the "status" command.
func buildStatusCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newAPIClient(serverURL).getRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRun(cmd.OutOrStdout(), r)
			return nil
		},
	}
	cmd.Flags().StringVarP(&serverURL, "server", "s", defaultServerURL(), "runloom API address")
	return cmd
}

// buildTailCmd creates the "tail" command.
func buildTailCmd() *cobra.Command {
	var (
		serverURL string
		raw       bool
	)
	cmd := &cobra.Command{
		Use:   "tail <run-id>",
		Short: "Stream the events of a run",
		Long: `Stream the events of a run from the beginning. The stream ends when the
run reaches a final status.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd.Context(), cmd.OutOrStdout(), newAPIClient(serverURL), args[0], raw)
		},
	}
	cmd.Flags().StringVarP(&serverURL, "server", "s", defaultServerURL(), "runloom API address")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print events as JSON lines")
	return cmd
}
