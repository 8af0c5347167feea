// Package thread drives a run's model passes: it prepares each prompt,
// calls the model with retry and fallback, and chains passes while the
// model asks to continue, up to a bounded number of continuations.
package thread

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/llm"
	"github.com/HyphaGroup/runloom/internal/logger"
	"github.com/HyphaGroup/runloom/internal/metrics"
	"github.com/HyphaGroup/runloom/internal/processor"
	"github.com/HyphaGroup/runloom/internal/retry"
	"github.com/HyphaGroup/runloom/internal/tools"
)

// DefaultMaxAutoContinues bounds continuation when a run does not set it
const DefaultMaxAutoContinues = 25

// ErrStopped is returned when a stop request is observed between passes
var ErrStopped = errors.New("run stopped")

// History loads the model-visible events of a conversation
type History interface {
	ModelVisibleHistory(ctx context.Context, conversationID string) ([]conversation.Event, error)
}

// Request is one run handed to the manager
type Request struct {
	RunID          string
	ConversationID string
	Params         conversation.RunParams
	// TemporaryMessage is shown to the model on every pass but never saved
	TemporaryMessage *conversation.Message
	// Stopped is polled between passes
	Stopped func() bool
	Sink    processor.Sink
}

// Outcome summarizes a finished thread run
type Outcome struct {
	Passes       int
	FinishReason string
	Terminated   bool
	LimitReached bool
	Usage        conversation.Usage
}

// Manager runs threads. It is safe for concurrent use.
type Manager struct {
	client    llm.Client
	processor *processor.Processor
	history   History
	registry  *tools.Registry
	policy    *retry.Policy

	// DefaultSystemPrompt is used when a run does not carry its own
	DefaultSystemPrompt string
	// DefaultMaxAutoContinues applies when a run leaves the limit at 0.
	// A negative limit disables continuation.
	DefaultMaxAutoContinues int
}

// NewManager creates a manager
func NewManager(client llm.Client, proc *processor.Processor, history History, registry *tools.Registry, policy *retry.Policy) *Manager {
	if policy == nil {
		policy = retry.DefaultPolicy()
	}
	return &Manager{
		client:                  client,
		processor:               proc,
		history:                 history,
		registry:                registry,
		policy:                  policy,
		DefaultMaxAutoContinues: DefaultMaxAutoContinues,
	}
}

// LimitNotice is the text saved when the continuation limit stops a run
func LimitNotice(limit int) string {
	return fmt.Sprintf("\n[Agent reached maximum auto-continue limit of %d]", limit)
}

// Run executes passes until the model finishes, a terminating tool runs,
// the continuation limit is reached, or a stop is requested.
func (m *Manager) Run(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := otel.Tracer("runloom/thread").Start(ctx, "thread.run")
	defer span.End()

	limit := req.Params.MaxAutoContinues
	if limit == 0 {
		limit = m.DefaultMaxAutoContinues
	}
	autoContinue := limit > 0
	span.SetAttributes(attribute.String("run.id", req.RunID), attribute.Int("auto_continue.limit", limit))

	out := &Outcome{}
	var cont conversation.ContinuationState
	defer func() { m.endThread(ctx, req, cont) }()

	for {
		if req.Stopped != nil && req.Stopped() {
			logger.InfoContext(ctx, "Stop observed between passes", "run_id", req.RunID, "passes", out.Passes)
			return out, ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		res, err := m.pass(ctx, req, out.Passes, cont, autoContinue)
		if res != nil {
			cont = res.Continuation
			addUsage(&out.Usage, res.Usage)
			out.FinishReason = res.FinishReason
			out.Terminated = res.Terminated
		}
		out.Passes++
		if err != nil {
			return out, err
		}

		if !autoContinue || !res.WantsContinue() {
			return out, nil
		}
		if out.Passes >= limit {
			out.LimitReached = true
			m.reachLimit(ctx, req, res, limit)
			return out, nil
		}

		metrics.RecordAutoContinue(res.FinishReason)
		logger.DebugContext(ctx, "Auto-continuing", "run_id", req.RunID,
			"reason", res.FinishReason, "pass", out.Passes, "limit", limit)
	}
}

// pass prepares the prompt, opens the model stream and processes it
func (m *Manager) pass(ctx context.Context, req Request, index int, cont conversation.ContinuationState, autoContinue bool) (*processor.Result, error) {
	ctx, span := otel.Tracer("runloom/thread").Start(ctx, "thread.pass")
	span.SetAttributes(attribute.Int("pass.index", index))
	defer span.End()

	msgs, err := m.prepareMessages(ctx, req, cont)
	if err != nil {
		return nil, err
	}

	stream, err := m.open(ctx, req, msgs)
	if err != nil {
		m.recordOpenFailure(ctx, req, cont, err)
		return nil, err
	}

	return m.processor.Process(ctx, stream, processor.Pass{
		RunID:          req.RunID,
		ConversationID: req.ConversationID,
		Index:          index,
		Prompt:         msgs,
		Continuation:   cont,
		AutoContinue:   autoContinue,
	}, req.Sink)
}

// reachLimit saves any carried text and the limit notice
func (m *Manager) reachLimit(ctx context.Context, req Request, res *processor.Result, limit int) {
	meta := conversation.Metadata{RunID: req.RunID, ThreadRunID: res.Continuation.ThreadRunID}

	if res.FinishReason == llm.FinishLength && res.Continuation.AccumulatedContent != "" {
		if n := len(res.Continuation.Carried); n > 0 {
			logger.WarnContext(ctx, "Dropping tool calls from truncated final pass", "run_id", req.RunID, "calls", n)
		}
		_, err := req.Sink.Persist(ctx, conversation.NewEvent{
			ConversationID: req.ConversationID,
			Kind:           conversation.KindAssistant,
			Payload: conversation.ContentPayload{
				Role:    conversation.RoleAssistant,
				Content: res.Continuation.AccumulatedContent,
			},
			Metadata:     meta,
			ModelVisible: true,
		})
		if err != nil {
			logger.ErrorContext(ctx, "Failed to save truncated response", "run_id", req.RunID, "error", err)
		}
	}

	logger.InfoContext(ctx, "Auto-continue limit reached", "run_id", req.RunID, "limit", limit)
	_, err := req.Sink.Persist(ctx, conversation.NewEvent{
		ConversationID: req.ConversationID,
		Kind:           conversation.KindAssistant,
		Payload: conversation.ContentPayload{
			Role:    conversation.RoleAssistant,
			Content: LimitNotice(limit),
		},
		Metadata: meta,
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to save limit notice", "run_id", req.RunID, "error", err)
	}
}

// recordOpenFailure reports a model call that never produced a stream
func (m *Manager) recordOpenFailure(ctx context.Context, req Request, cont conversation.ContinuationState, err error) {
	_, perr := req.Sink.Persist(context.WithoutCancel(ctx), conversation.NewEvent{
		ConversationID: req.ConversationID,
		Kind:           conversation.KindStatus,
		Payload:        conversation.StatusPayload{Type: conversation.StatusError, Message: err.Error()},
		Metadata: conversation.Metadata{
			RunID:          req.RunID,
			ThreadRunID:    cont.ThreadRunID,
			PartialContent: cont.AccumulatedContent,
		},
	})
	if perr != nil {
		logger.ErrorContext(ctx, "Failed to persist error status", "run_id", req.RunID, "error", perr)
	}
}

func (m *Manager) endThread(ctx context.Context, req Request, cont conversation.ContinuationState) {
	_, err := req.Sink.Persist(context.WithoutCancel(ctx), conversation.NewEvent{
		ConversationID: req.ConversationID,
		Kind:           conversation.KindStatus,
		Payload:        conversation.StatusPayload{Type: conversation.StatusThreadRunEnd},
		Metadata:       conversation.Metadata{RunID: req.RunID, ThreadRunID: cont.ThreadRunID},
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to persist thread end", "run_id", req.RunID, "error", err)
	}
}

func addUsage(total *conversation.Usage, u conversation.Usage) {
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
	total.Estimated = total.Estimated || u.Estimated
}
