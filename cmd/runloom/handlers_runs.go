package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/HyphaGroup/runloom/internal/api"
	"github.com/HyphaGroup/runloom/internal/conversation"
)

func runStart(ctx context.Context, out io.Writer, client *apiClient, req api.StartRunRequest, follow bool) error {
	r, err := client.startRun(ctx, req)
	if err != nil {
		return err
	}
	printRun(out, r)
	if !follow {
		return nil
	}
	return runTail(ctx, out, client, r.ID, false)
}

func runTail(ctx context.Context, out io.Writer, client *apiClient, runID string, raw bool) error {
	return client.streamRun(ctx, runID, func(ev conversation.Event) error {
		if raw {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, string(data))
			return err
		}
		printEvent(out, ev)
		return nil
	})
}

func printRun(out io.Writer, r *conversation.Run) {
	_, _ = fmt.Fprintf(out, "Run:          %s\n", r.ID)
	_, _ = fmt.Fprintf(out, "Conversation: %s\n", r.ConversationID)
	_, _ = fmt.Fprintf(out, "Status:       %s\n", r.Status)
	if r.Params.Model != "" {
		_, _ = fmt.Fprintf(out, "Model:        %s\n", r.Params.Model)
	}
	if r.WorkerID != "" {
		_, _ = fmt.Fprintf(out, "Worker:       %s\n", r.WorkerID)
	}
	if r.Error != "" {
		_, _ = fmt.Fprintf(out, "Error:        %s\n", r.Error)
	}
}

// printEvent renders one event for a terminal. Chunks print inline so the
// assistant text appears as it streams.
func printEvent(out io.Writer, ev conversation.Event) {
	if ev.Metadata.StreamStatus == conversation.StreamStatusChunk {
		if c, ok := ev.DecodeContent(); ok {
			_, _ = fmt.Fprint(out, c.Content)
		}
		return
	}
	if p, ok := ev.DecodeStatus(); ok {
		switch {
		case p.Type == conversation.StatusRun:
			_, _ = fmt.Fprintf(out, "\n[run %s] %s\n", p.Status, p.Message)
		case p.ToolName != "":
			_, _ = fmt.Fprintf(out, "\n[%s %s]\n", p.Type, p.ToolName)
		case p.Type == conversation.StatusError:
			_, _ = fmt.Fprintf(out, "\n[error] %s\n", p.Message)
		}
		return
	}
	c, ok := ev.DecodeContent()
	if !ok {
		return
	}
	switch ev.Kind {
	case conversation.KindUser:
		_, _ = fmt.Fprintf(out, "> %s\n", c.Content)
	case conversation.KindTool:
		_, _ = fmt.Fprintf(out, "[tool result] %s\n", c.Content)
	case conversation.KindAssistant:
		// Streamed chunks already printed the text
		_, _ = fmt.Fprintln(out)
	}
}
