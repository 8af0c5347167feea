package mcp

import (
	"context"
	"fmt"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/run"
	"github.com/HyphaGroup/runloom/internal/validation"
)

// RunStartParams are the arguments of run_start
type RunStartParams struct {
	ConversationID   string `json:"conversation_id" jsonschema:"conversation the run belongs to"`
	Prompt           string `json:"prompt" jsonschema:"user message that starts the run"`
	Model            string `json:"model,omitempty" jsonschema:"model name or alias"`
	FallbackModel    string `json:"fallback_model,omitempty" jsonschema:"model used once if the primary is overloaded"`
	SystemPrompt     string `json:"system_prompt,omitempty"`
	MaxAutoContinues int    `json:"max_auto_continues,omitempty" jsonschema:"auto-continue passes allowed, -1 disables continuation"`
}

// RunIDParams identify one run
type RunIDParams struct {
	RunID string `json:"run_id" jsonschema:"run identifier"`
}

// RunStopParams are the arguments of run_stop
type RunStopParams struct {
	RunID  string `json:"run_id" jsonschema:"run identifier"`
	Reason string `json:"reason,omitempty" jsonschema:"recorded on the run"`
}

// RunEventsParams are the arguments of run_events
type RunEventsParams struct {
	RunID string `json:"run_id" jsonschema:"run identifier"`
	Limit int    `json:"limit,omitempty" jsonschema:"return only the last N events"`
}

// StopResult acknowledges a stop request
type StopResult struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

func (s *Server) registerTools() error {
	if err := Register(s.registry, ToolDef{
		Name:        "run_start",
		Description: "Start an agent run for a conversation. Returns the run record; the run executes in the background.",
		Access:      AccessWrite,
	}, s.handleRunStart); err != nil {
		return err
	}
	if err := Register(s.registry, ToolDef{
		Name:        "run_stop",
		Description: "Request that a running run stop at its next pass boundary.",
		Access:      AccessWrite,
	}, s.handleRunStop); err != nil {
		return err
	}
	if err := Register(s.registry, ToolDef{
		Name:        "run_status",
		Description: "Get the current state of a run.",
		Access:      AccessRead,
	}, s.handleRunStatus); err != nil {
		return err
	}
	return Register(s.registry, ToolDef{
		Name:        "run_events",
		Description: "List the persisted events of a run in order.",
		Access:      AccessRead,
	}, s.handleRunEvents)
}

func (s *Server) handleRunStart(ctx context.Context, p RunStartParams) (any, error) {
	return s.deps.Coordinator.StartRequested(ctx, run.StartRequest{
		ConversationID: p.ConversationID,
		Prompt:         p.Prompt,
		Params: conversation.RunParams{
			Model:            p.Model,
			FallbackModel:    p.FallbackModel,
			SystemPrompt:     p.SystemPrompt,
			MaxAutoContinues: p.MaxAutoContinues,
			Stream:           true,
		},
	}, s.deps.Defaults)
}

func (s *Server) handleRunStop(ctx context.Context, p RunStopParams) (any, error) {
	if err := validation.ValidateRunID(p.RunID); err != nil {
		return nil, err
	}
	if err := s.deps.Coordinator.RequestStop(ctx, p.RunID, p.Reason); err != nil {
		return nil, err
	}
	return StopResult{RunID: p.RunID, Status: "stopping"}, nil
}

func (s *Server) handleRunStatus(ctx context.Context, p RunIDParams) (any, error) {
	if err := validation.ValidateRunID(p.RunID); err != nil {
		return nil, err
	}
	return s.deps.Runs.GetRun(ctx, p.RunID)
}

func (s *Server) handleRunEvents(ctx context.Context, p RunEventsParams) (any, error) {
	if err := validation.ValidateRunID(p.RunID); err != nil {
		return nil, err
	}
	if p.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must be non-negative", validation.ErrInvalid)
	}
	if _, err := s.deps.Runs.GetRun(ctx, p.RunID); err != nil {
		return nil, err
	}
	events, err := s.deps.Runs.EventsForRun(ctx, p.RunID)
	if err != nil {
		return nil, err
	}
	if p.Limit > 0 && len(events) > p.Limit {
		events = events[len(events)-p.Limit:]
	}
	if events == nil {
		events = []conversation.Event{}
	}
	return events, nil
}
