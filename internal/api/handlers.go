package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/logger"
	"github.com/HyphaGroup/runloom/internal/run"
	"github.com/HyphaGroup/runloom/internal/store"
	"github.com/HyphaGroup/runloom/internal/validation"
)

// APIResponse is the envelope of every JSON response
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StartRunRequest is the body of POST /v1/runs
type StartRunRequest struct {
	ConversationID   string  `json:"conversation_id"`
	Prompt           string  `json:"prompt"`
	Model            string  `json:"model,omitempty"`
	FallbackModel    string  `json:"fallback_model,omitempty"`
	SystemPrompt     string  `json:"system_prompt,omitempty"`
	Stream           *bool   `json:"stream,omitempty"`
	Temperature      float32 `json:"temperature,omitempty"`
	MaxTokens        int     `json:"max_tokens,omitempty"`
	MaxAutoContinues int     `json:"max_auto_continues,omitempty"`
	EnableThinking   bool    `json:"enable_thinking,omitempty"`
	ReasoningEffort  string  `json:"reasoning_effort,omitempty"`
}

// StopRunRequest is the optional body of POST /v1/runs/:id/stop
type StopRunRequest struct {
	Reason string `json:"reason"`
}

const readyTimeout = 3 * time.Second

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReady verifies every dependency answers
func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	for name, p := range s.deps.Ready {
		if err := p.Ping(ctx); err != nil {
			logger.WarnContext(ctx, "Readiness check failed", "dependency", name, "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "reason": name + " unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleStartRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{Error: "invalid request: " + err.Error()})
		return
	}

	stream := true
	if req.Stream != nil {
		stream = *req.Stream
	}
	r, err := s.deps.Coordinator.StartRequested(c.Request.Context(), run.StartRequest{
		ConversationID: req.ConversationID,
		Prompt:         req.Prompt,
		Params: conversation.RunParams{
			Model:            req.Model,
			FallbackModel:    req.FallbackModel,
			SystemPrompt:     req.SystemPrompt,
			Stream:           stream,
			Temperature:      req.Temperature,
			MaxTokens:        req.MaxTokens,
			MaxAutoContinues: req.MaxAutoContinues,
			EnableThinking:   req.EnableThinking,
			ReasoningEffort:  req.ReasoningEffort,
		},
	}, s.deps.Defaults)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, APIResponse{Success: true, Data: r})
}

func (s *Server) handleGetRun(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateRunID(id); err != nil {
		writeError(c, err)
		return
	}
	r, err := s.deps.Runs.GetRun(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: r})
}

func (s *Server) handleStopRun(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateRunID(id); err != nil {
		writeError(c, err)
		return
	}
	var req StopRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, APIResponse{Error: "invalid request: " + err.Error()})
			return
		}
	}
	if err := s.deps.Coordinator.RequestStop(c.Request.Context(), id, req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, APIResponse{Success: true, Data: gin.H{"run_id": id, "status": "stopping"}})
}

func (s *Server) handleRunEvents(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateRunID(id); err != nil {
		writeError(c, err)
		return
	}
	ctx := c.Request.Context()
	if _, err := s.deps.Runs.GetRun(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	events, err := s.deps.Runs.EventsForRun(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []conversation.Event{}
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: events})
}

// handleStreamRun serves the run's events as server-sent events, one JSON
// event per message. The stream ends after the terminal status.
func (s *Server) handleStreamRun(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateRunID(id); err != nil {
		writeError(c, err)
		return
	}
	ctx := c.Request.Context()
	events, err := s.deps.Bridge.Serve(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		select {
		case data, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("event", json.RawMessage(data))
			return true
		case <-ctx.Done():
			return false
		}
	})
	// Drain so the bridge can finish its teardown
	for range events {
	}
}

// writeError maps domain errors to HTTP statuses
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	switch {
	case errors.Is(err, validation.ErrInvalid), errors.Is(err, run.ErrEmptyPrompt):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrRunNotRunning), errors.Is(err, store.ErrRunExists):
		status = http.StatusConflict
	case errors.Is(err, run.ErrAdmissionDenied):
		status = http.StatusTooManyRequests
		c.Header("Retry-After", "1")
	case errors.Is(err, run.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	default:
		logger.ErrorContext(c.Request.Context(), "Request failed", "path", c.FullPath(), "error", err)
		msg = "internal error"
	}
	c.JSON(status, APIResponse{Error: msg})
}
