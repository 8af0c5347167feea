package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HyphaGroup/runloom/internal/audit"
	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/logger"
	"github.com/HyphaGroup/runloom/internal/retry"
	"github.com/HyphaGroup/runloom/internal/sharedstore"
	"github.com/HyphaGroup/runloom/internal/store"
)

var (
	// ErrAdmissionDenied means the conversation is starting runs too fast
	ErrAdmissionDenied = errors.New("too many run starts for conversation")
	// ErrShuttingDown means the coordinator no longer accepts runs
	ErrShuttingDown = errors.New("coordinator is shutting down")
	// ErrEmptyPrompt means a run was started without user input
	ErrEmptyPrompt = errors.New("prompt is empty")
)

// Start creates a run for conversationID, records the prompt as its user
// event and executes it in the background on this worker.
func (c *Coordinator) Start(ctx context.Context, conversationID, prompt string, params conversation.RunParams) (*conversation.Run, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if c.ctx.Err() != nil {
		return nil, ErrShuttingDown
	}
	if !c.admission.Allow(conversationID) {
		c.audit.LogFailure(audit.OpRunStart, "", conversationID, ErrAdmissionDenied)
		return nil, ErrAdmissionDenied
	}

	run := &conversation.Run{
		ConversationID: conversationID,
		Params:         params,
		WorkerID:       c.identity.ID,
	}
	if err := c.durable.CreateRun(ctx, run); err != nil {
		c.audit.LogFailure(audit.OpRunStart, run.ID, conversationID, err)
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	_, err := c.newPublisher(run.ID).Persist(ctx, conversation.NewEvent{
		ConversationID: conversationID,
		Kind:           conversation.KindUser,
		Payload:        conversation.ContentPayload{Role: conversation.RoleUser, Content: prompt},
		Metadata:       conversation.Metadata{RunID: run.ID},
		ModelVisible:   true,
	})
	if err != nil {
		_ = c.durable.UpdateRunStatus(context.WithoutCancel(ctx), run.ID, conversation.RunStatusFailed, err.Error())
		c.audit.LogFailure(audit.OpRunStart, run.ID, conversationID, err)
		return nil, err
	}

	c.audit.Log(&audit.Event{
		Operation:      audit.OpRunStart,
		RunID:          run.ID,
		ConversationID: conversationID,
		WorkerID:       c.identity.ID,
		Success:        true,
		Details:        map[string]any{"model": params.Model},
	})
	c.dispatch(run)
	return run, nil
}

// dispatch runs r on the local pool. It waits for a free slot without
// blocking the caller.
func (c *Coordinator) dispatch(r *conversation.Run) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx := logger.WithRun(c.ctx, r.ID, r.ConversationID)
		if err := c.slots.Acquire(ctx, 1); err != nil {
			c.abandonQueued(ctx, r, err)
			return
		}
		defer c.slots.Release(1)
		if err := c.ctx.Err(); err != nil {
			c.abandonQueued(ctx, r, err)
			return
		}

		if err := c.Run(ctx, r.ID, r.ConversationID, r.Params); err != nil {
			logger.ErrorContext(ctx, "Run ended with error", "error", err)
		}
	}()
}

// abandonQueued ends a run that was still waiting for a slot at shutdown
func (c *Coordinator) abandonQueued(ctx context.Context, r *conversation.Run, cause error) {
	logger.WarnContext(ctx, "Run not started before shutdown", "error", cause)
	e := &execution{
		c:              c,
		runID:          r.ID,
		conversationID: r.ConversationID,
		params:         r.Params,
		started:        time.Now(),
	}
	e.finish(ctx, nil, nil, fmt.Errorf("%w: run was never started", ErrShuttingDown))
}

// Shutdown stops accepting runs, cancels the ones in flight and waits for
// them to record their final status, or for ctx to end.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every dispatched run has returned
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// RequestStop asks every worker holding runID to stop it. The run is marked
// stopped in the durable store right away; the owner observes STOP at its
// next checkpoint and records the terminal status event.
func (c *Coordinator) RequestStop(ctx context.Context, runID, reason string) error {
	ctx = context.WithValue(ctx, logger.ContextKeyRunID, runID)

	run, err := c.durable.GetRun(ctx, runID)
	if err != nil {
		c.audit.LogFailure(audit.OpRunStopRequest, runID, "", err)
		return err
	}
	if run.Status != conversation.RunStatusRunning {
		err := fmt.Errorf("%w: status is %s", store.ErrRunNotRunning, run.Status)
		c.audit.LogFailure(audit.OpRunStopRequest, runID, run.ConversationID, err)
		return err
	}

	err = c.policy.Do(ctx, retry.Transient, func(ctx context.Context) error {
		err := c.durable.UpdateRunStatus(ctx, runID, conversation.RunStatusStopped, reason)
		if errors.Is(err, store.ErrRunNotRunning) || errors.Is(err, store.ErrRunNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		c.audit.LogFailure(audit.OpRunStopRequest, runID, run.ConversationID, err)
		return err
	}

	if err := c.shared.Publish(ctx, sharedstore.ControlChannel(runID), sharedstore.SignalStop); err != nil {
		logger.WarnContext(ctx, "Failed to publish stop", "error", err)
	}
	keys, err := c.shared.Keys(ctx, sharedstore.LivenessPattern(runID))
	if err != nil {
		logger.WarnContext(ctx, "Failed to list run instances", "error", err)
	}
	instances := 0
	for _, key := range keys {
		worker, ok := sharedstore.WorkerFromLivenessKey(key, runID)
		if !ok {
			continue
		}
		instances++
		if err := c.shared.Publish(ctx, sharedstore.InstanceControlChannel(runID, worker), sharedstore.SignalStop); err != nil {
			logger.WarnContext(ctx, "Failed to publish instance stop", "worker_id", worker, "error", err)
		}
	}

	c.audit.Log(&audit.Event{
		Operation:      audit.OpRunStopRequest,
		RunID:          runID,
		ConversationID: run.ConversationID,
		WorkerID:       c.identity.ID,
		Success:        true,
		Details:        map[string]any{"reason": reason, "instances": instances},
	})
	logger.InfoContext(ctx, "Stop requested", "reason", reason, "instances", instances)
	return nil
}
