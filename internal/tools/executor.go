package tools

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/logger"
	"github.com/HyphaGroup/runloom/internal/metrics"
)

// Strategy selects how a batch of calls is executed
type Strategy string

const (
	Sequential Strategy = "sequential"
	Parallel   Strategy = "parallel"
)

// Valid reports whether s is a known strategy
func (s Strategy) Valid() bool {
	return s == Sequential || s == Parallel
}

// Outcome pairs a call with its result. Index is the call's position in
// the submitted batch.
type Outcome struct {
	Index  int
	Call   conversation.ToolCall
	Result conversation.ToolResult
	// Errored is set when the tool could not run at all: unknown name,
	// invalid arguments or a panic
	Errored bool
}

// Observer is told about each call as a batch progresses. Calls may arrive
// concurrently under the parallel strategy.
type Observer interface {
	ToolStarted(ctx context.Context, index int, call conversation.ToolCall)
	ToolFinished(ctx context.Context, out Outcome)
}

// terminated reports whether this outcome ends the run
func (o Outcome) terminated(r *Registry) bool {
	return o.Result.Success && r.IsTerminating(o.Call.Name)
}

// Executor runs tool calls against a registry. Failures never escape as
// errors: unknown tools, schema violations, returned errors and panics all
// become failed results.
type Executor struct {
	registry *Registry
	// MaxParallel caps concurrent calls in a parallel batch; 0 means no cap
	MaxParallel int
}

// NewExecutor creates an executor over registry
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Registry returns the registry the executor resolves against
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs calls with the given strategy and returns one outcome per
// executed call, in submission order. A sequential batch stops right after
// a terminating tool succeeds or when ctx is cancelled; the remaining calls
// are discarded.
func (e *Executor) Execute(ctx context.Context, calls []conversation.ToolCall, strategy Strategy) []Outcome {
	return e.ExecuteObserved(ctx, calls, strategy, nil)
}

// ExecuteObserved is Execute with progress reported to obs, which may be nil
func (e *Executor) ExecuteObserved(ctx context.Context, calls []conversation.ToolCall, strategy Strategy, obs Observer) []Outcome {
	if len(calls) == 0 {
		return nil
	}
	if strategy == Parallel {
		return e.executeParallel(ctx, calls, obs)
	}
	return e.executeSequential(ctx, calls, obs)
}

func (e *Executor) run(ctx context.Context, index int, call conversation.ToolCall, obs Observer) Outcome {
	if obs != nil {
		obs.ToolStarted(ctx, index, call)
	}
	result, errored := e.executeOne(ctx, call)
	out := Outcome{Index: index, Call: call, Result: result, Errored: errored}
	if obs != nil {
		obs.ToolFinished(ctx, out)
	}
	return out
}

func (e *Executor) executeSequential(ctx context.Context, calls []conversation.ToolCall, obs Observer) []Outcome {
	outcomes := make([]Outcome, 0, len(calls))
	for i, call := range calls {
		if ctx.Err() != nil {
			logger.InfoContext(ctx, "Tool batch cancelled", "executed", i, "discarded", len(calls)-i)
			break
		}
		out := e.run(ctx, i, call, obs)
		outcomes = append(outcomes, out)
		if out.terminated(e.registry) {
			if rest := len(calls) - i - 1; rest > 0 {
				logger.InfoContext(ctx, "Terminating tool executed, skipping remaining calls",
					"tool", call.Name, "skipped", rest)
			}
			break
		}
	}
	return outcomes
}

func (e *Executor) executeParallel(ctx context.Context, calls []conversation.ToolCall, obs Observer) []Outcome {
	outcomes := make([]Outcome, len(calls))
	var g errgroup.Group
	if e.MaxParallel > 0 {
		g.SetLimit(e.MaxParallel)
	}
	for i, call := range calls {
		g.Go(func() error {
			outcomes[i] = e.run(ctx, i, call, obs)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// ExecuteOne runs a single call
func (e *Executor) ExecuteOne(ctx context.Context, call conversation.ToolCall) conversation.ToolResult {
	result, _ := e.executeOne(ctx, call)
	return result
}

func (e *Executor) executeOne(ctx context.Context, call conversation.ToolCall) (result conversation.ToolResult, errored bool) {
	ctx, span := otel.Tracer("runloom/tools").Start(ctx, "tool."+call.Name)
	span.SetAttributes(attribute.String("tool.call_id", call.ID), attribute.String("tool.source", call.Source))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "Tool panicked", "tool", call.Name, "panic", r, "stack", string(debug.Stack()))
			result = conversation.Failed(fmt.Sprintf("tool %s panicked: %v", call.Name, r))
			errored = true
		}
		status := "success"
		if !result.Success {
			status = "failure"
			span.SetStatus(codes.Error, result.Error)
		}
		metrics.RecordToolCall(call.Name, status, time.Since(start))
		span.End()
	}()

	tool, ok := e.registry.Resolve(call.Name)
	if !ok {
		logger.WarnContext(ctx, "Unknown tool requested", "tool", call.Name)
		return conversation.Failed(fmt.Sprintf("%v: %s", ErrToolNotFound, call.Name)), true
	}
	if err := tool.Validate(call.Arguments); err != nil {
		return conversation.Failed(err.Error()), true
	}

	output, err := tool.Fn(ctx, call.Arguments)
	if err != nil {
		logger.DebugContext(ctx, "Tool returned error", "tool", call.Name, "error", err)
		return conversation.Failed(err.Error()), false
	}
	return conversation.Succeeded(output), false
}

// Terminated reports whether any outcome in the batch ended the run
func (e *Executor) Terminated(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if o.terminated(e.registry) {
			return true
		}
	}
	return false
}
