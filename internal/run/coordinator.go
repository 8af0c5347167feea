// Package run owns the lifecycle of runs on this worker: the idempotency
// lock, the liveness marker, the control listener, driving the thread
// manager, the final status and the cleanup of shared-store keys.
package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/HyphaGroup/runloom/internal/audit"
	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/logger"
	"github.com/HyphaGroup/runloom/internal/metrics"
	"github.com/HyphaGroup/runloom/internal/retry"
	"github.com/HyphaGroup/runloom/internal/sharedstore"
	"github.com/HyphaGroup/runloom/internal/store"
	"github.com/HyphaGroup/runloom/internal/thread"
)

// ErrAlreadyOwned means another worker holds the run's lock. Run logs it
// and returns nil.
var ErrAlreadyOwned = errors.New("run already owned by another worker")

const (
	DefaultLockTTL         = 24 * time.Hour
	DefaultKeyTTL          = 24 * time.Hour
	DefaultLivenessRefresh = time.Minute
	DefaultMaxConcurrent   = 16

	cleanupTimeout = 10 * time.Second
)

// Durable is the part of the durable store the coordinator writes to
type Durable interface {
	CreateRun(ctx context.Context, run *conversation.Run) error
	GetRun(ctx context.Context, id string) (*conversation.Run, error)
	SetRunWorker(ctx context.Context, id, workerID string) error
	UpdateRunStatus(ctx context.Context, id string, status conversation.RunStatus, errMsg string) error
	AppendEvent(ctx context.Context, ev conversation.NewEvent) (*conversation.Event, error)
	EventsForRun(ctx context.Context, runID string) ([]conversation.Event, error)
}

// Threads drives the model passes of one run
type Threads interface {
	Run(ctx context.Context, req thread.Request) (*thread.Outcome, error)
}

// Options tune a Coordinator. Zero values take the defaults.
type Options struct {
	LockTTL         time.Duration
	KeyTTL          time.Duration
	LivenessRefresh time.Duration
	MaxConcurrent   int
	Admission       *Admission
	Callbacks       Callbacks
	Audit           *audit.Logger
}

// Coordinator runs agent runs on this worker
type Coordinator struct {
	identity  WorkerIdentity
	durable   Durable
	shared    sharedstore.Store
	threads   Threads
	policy    *retry.Policy
	callbacks Callbacks
	audit     *audit.Logger
	admission *Admission

	lockTTL         time.Duration
	keyTTL          time.Duration
	livenessRefresh time.Duration

	slots  *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator for this worker
func NewCoordinator(identity WorkerIdentity, durable Durable, shared sharedstore.Store, threads Threads, policy *retry.Policy, opts Options) *Coordinator {
	if policy == nil {
		policy = retry.DefaultPolicy()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.KeyTTL <= 0 {
		opts.KeyTTL = DefaultKeyTTL
	}
	if opts.LivenessRefresh <= 0 {
		opts.LivenessRefresh = DefaultLivenessRefresh
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		identity:        identity,
		durable:         durable,
		shared:          shared,
		threads:         threads,
		policy:          policy,
		callbacks:       opts.Callbacks,
		audit:           opts.Audit,
		admission:       opts.Admission,
		lockTTL:         opts.LockTTL,
		keyTTL:          opts.KeyTTL,
		livenessRefresh: opts.LivenessRefresh,
		slots:           semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Identity returns the worker identity
func (c *Coordinator) Identity() WorkerIdentity {
	return c.identity
}

// Run executes runID if no other worker owns it. Losing the lock is not
// an error. A failed run returns its error after the failure is recorded.
func (c *Coordinator) Run(ctx context.Context, runID, conversationID string, params conversation.RunParams) error {
	ctx = logger.WithRun(ctx, runID, conversationID)
	ctx = context.WithValue(ctx, logger.ContextKeyWorkerID, c.identity.ID)
	ctx, span := otel.Tracer("runloom/run").Start(ctx, "run.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("conversation.id", conversationID),
		attribute.String("worker.id", c.identity.ID),
	)

	owned, err := c.acquire(ctx, runID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !owned {
		metrics.RecordLockContention()
		logger.InfoContext(ctx, "Run already owned elsewhere, skipping", "error", ErrAlreadyOwned)
		return nil
	}

	e := &execution{
		c:              c,
		runID:          runID,
		conversationID: conversationID,
		params:         params,
		started:        time.Now(),
		refreshDone:    make(chan struct{}),
	}
	defer e.cleanup(ctx)

	err = e.execute(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// loadRun reads the run with bounded retries
func (c *Coordinator) loadRun(ctx context.Context, runID string) (*conversation.Run, error) {
	run, err := retry.Value(ctx, c.policy, retry.Transient, func(ctx context.Context) (*conversation.Run, error) {
		run, err := c.durable.GetRun(ctx, runID)
		if errors.Is(err, store.ErrRunNotFound) {
			return nil, retry.Permanent(err)
		}
		return run, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

func (c *Coordinator) acquire(ctx context.Context, runID string) (bool, error) {
	owned, err := retry.Value(ctx, c.policy, retry.Transient, func(ctx context.Context) (bool, error) {
		return c.shared.SetNX(ctx, sharedstore.LockKey(runID), c.identity.ID, c.lockTTL)
	})
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	return owned, nil
}

// execution is the state of one owned run
type execution struct {
	c              *Coordinator
	runID          string
	conversationID string
	params         conversation.RunParams
	started        time.Time
	// counted is set once the run is added to the active gauge
	counted bool

	stop        atomic.Bool
	sub         sharedstore.Subscription
	listenDone  chan struct{}
	refreshDone chan struct{}
	refreshWG   sync.WaitGroup
}

func (e *execution) execute(ctx context.Context) error {
	c := e.c
	livenessKey := sharedstore.LivenessKey(c.identity.ID, e.runID)
	if err := c.shared.Set(ctx, livenessKey, sharedstore.LivenessValue, c.keyTTL); err != nil {
		logger.WarnContext(ctx, "Failed to register liveness", "error", err)
	}
	e.refreshWG.Add(1)
	go e.refreshLiveness(ctx, livenessKey)

	run, err := c.loadRun(ctx, e.runID)
	if err != nil {
		e.finish(ctx, nil, nil, err)
		return err
	}

	sub, err := c.shared.Subscribe(ctx,
		sharedstore.ControlChannel(e.runID),
		sharedstore.InstanceControlChannel(e.runID, c.identity.ID))
	if err != nil {
		err = fmt.Errorf("failed to subscribe to control channels: %w", err)
		e.finish(ctx, run, nil, err)
		return err
	}
	e.sub = sub
	e.listenDone = make(chan struct{})
	go e.listen(ctx)

	// The run may have been stopped before this worker subscribed
	if run, err = c.loadRun(ctx, e.runID); err != nil {
		e.finish(ctx, nil, nil, err)
		return err
	}
	if run.Status != conversation.RunStatusRunning {
		if run.Status != conversation.RunStatusStopped || e.hasTerminalEvent(ctx) {
			logger.InfoContext(ctx, "Run already finished, skipping", "status", run.Status)
			return nil
		}
		e.stop.Store(true)
	} else if err := c.durable.SetRunWorker(ctx, e.runID, c.identity.ID); err != nil && !errors.Is(err, store.ErrRunNotRunning) {
		logger.WarnContext(ctx, "Failed to record run worker", "error", err)
	}
	run.WorkerID = c.identity.ID

	metrics.RecordRunStart()
	e.counted = true
	c.callbacks.runStarted(ctx, run)
	logger.InfoContext(ctx, "Run started", "model", e.params.Model)

	outcome, runErr := c.threads.Run(ctx, thread.Request{
		RunID:          e.runID,
		ConversationID: e.conversationID,
		Params:         e.params,
		Stopped:        e.stop.Load,
		Sink:           c.newPublisher(e.runID),
	})

	status := e.finish(ctx, run, outcome, runErr)
	if status == conversation.RunStatusFailed {
		return fmt.Errorf("run failed: %w", runErr)
	}
	return nil
}

// refreshLiveness keeps the liveness key alive until cleanup
func (e *execution) refreshLiveness(ctx context.Context, key string) {
	defer e.refreshWG.Done()
	ticker := time.NewTicker(e.c.livenessRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-e.refreshDone:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.c.shared.Expire(ctx, key, e.c.keyTTL); err != nil {
				logger.WarnContext(ctx, "Failed to refresh liveness", "error", err)
			}
		}
	}
}

// listen sets the stop flag when STOP arrives on a control channel
func (e *execution) listen(ctx context.Context) {
	defer close(e.listenDone)
	for msg := range e.sub.Messages() {
		if msg.Payload == sharedstore.SignalStop && !e.stop.Swap(true) {
			logger.InfoContext(ctx, "Stop signal received", "channel", msg.Channel)
		}
	}
}

func (e *execution) hasTerminalEvent(ctx context.Context) bool {
	events, err := e.c.durable.EventsForRun(ctx, e.runID)
	if err != nil {
		logger.WarnContext(ctx, "Failed to read run events", "error", err)
		return false
	}
	for i := range events {
		if p, ok := events[i].DecodeStatus(); ok && p.IsTerminalStatus() {
			return true
		}
	}
	return false
}

// finish records the final status, persists the terminal status event and
// signals stream readers. It returns the status the run ended with.
func (e *execution) finish(ctx context.Context, run *conversation.Run, outcome *thread.Outcome, runErr error) conversation.RunStatus {
	c := e.c
	ctx = context.WithoutCancel(ctx)

	status, message := e.classify(runErr)
	final := c.writeStatus(ctx, e.runID, status, message)
	if final != status {
		logger.InfoContext(ctx, "Run status was already set", "status", final, "wanted", status)
		status = final
		message = ""
	}

	payload := conversation.RunStatusPayload(status, message)
	_, err := c.newPublisher(e.runID).Persist(ctx, conversation.NewEvent{
		ConversationID: e.conversationID,
		Kind:           conversation.KindStatus,
		Payload:        payload,
		Metadata:       conversation.Metadata{RunID: e.runID},
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to persist terminal status", "error", err)
	}

	signal := sharedstore.SignalEndStream
	switch status {
	case conversation.RunStatusFailed:
		signal = sharedstore.SignalError
	case conversation.RunStatusStopped:
		signal = sharedstore.SignalStop
	}
	if err := c.shared.Publish(ctx, sharedstore.ControlChannel(e.runID), signal); err != nil {
		logger.WarnContext(ctx, "Failed to publish final signal", "signal", signal, "error", err)
	}

	duration := time.Since(e.started)
	if !e.counted {
		metrics.RecordRunStart()
	}
	metrics.RecordRunEnd(string(status), duration)
	if run != nil {
		run.Status = status
		run.Error = message
		c.callbacks.runEnded(ctx, run, status, runErr)
	}

	details := map[string]any{"duration_ms": duration.Milliseconds()}
	if outcome != nil {
		details["passes"] = outcome.Passes
		details["finish_reason"] = outcome.FinishReason
		details["total_tokens"] = outcome.Usage.TotalTokens
	}
	c.audit.Log(&audit.Event{
		Operation:      audit.OpRunEnd,
		RunID:          e.runID,
		ConversationID: e.conversationID,
		WorkerID:       c.identity.ID,
		Status:         string(status),
		Success:        status != conversation.RunStatusFailed,
		Error:          message,
		Details:        details,
	})

	logger.InfoContext(ctx, "Run ended", "status", status, "duration", duration)
	return status
}

func (e *execution) classify(runErr error) (conversation.RunStatus, string) {
	switch {
	case runErr == nil:
		return conversation.RunStatusCompleted, ""
	case errors.Is(runErr, thread.ErrStopped):
		return conversation.RunStatusStopped, ""
	default:
		return conversation.RunStatusFailed, runErr.Error()
	}
}

// writeStatus stores the final status with bounded retries. When the run
// already left running, the stored status wins and is returned.
func (c *Coordinator) writeStatus(ctx context.Context, runID string, status conversation.RunStatus, message string) conversation.RunStatus {
	err := c.policy.Do(ctx, retry.Transient, func(ctx context.Context) error {
		err := c.durable.UpdateRunStatus(ctx, runID, status, message)
		if errors.Is(err, store.ErrRunNotRunning) || errors.Is(err, store.ErrRunNotFound) {
			return retry.Permanent(err)
		}
		if err != nil {
			metrics.RecordStatusWriteRetry()
			logger.WarnContext(ctx, "Final status write failed", "error", err)
		}
		return err
	})

	switch {
	case err == nil:
		return status
	case errors.Is(err, store.ErrRunNotRunning):
		run, gerr := c.durable.GetRun(ctx, runID)
		if gerr == nil {
			return run.Status
		}
		logger.ErrorContext(ctx, "Failed to read stored run status", "error", gerr)
	default:
		logger.ErrorContext(ctx, "Giving up on final status write", "status", status, "error", err)
	}
	return status
}

// cleanup releases everything the run held. The event list is kept for a
// retention period so late readers can still replay it.
func (e *execution) cleanup(ctx context.Context) {
	c := e.c
	close(e.refreshDone)
	e.refreshWG.Wait()
	if e.sub != nil {
		_ = e.sub.Close()
		<-e.listenDone
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := c.shared.Expire(ctx, sharedstore.ResponsesKey(e.runID), c.keyTTL); err != nil {
		logger.WarnContext(ctx, "Failed to set event list retention", "error", err)
	}
	if err := c.shared.Del(ctx,
		sharedstore.LivenessKey(c.identity.ID, e.runID),
		sharedstore.LockKey(e.runID)); err != nil {
		logger.WarnContext(ctx, "Failed to release run keys", "error", err)
	}
}
