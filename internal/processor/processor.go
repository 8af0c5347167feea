// Package processor turns one model response stream into persisted
// conversation events. It accumulates text, detects and executes tool calls,
// emits live chunk notifications and decides how the pass finished.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/llm"
	"github.com/HyphaGroup/runloom/internal/logger"
	"github.com/HyphaGroup/runloom/internal/metrics"
	"github.com/HyphaGroup/runloom/internal/tokens"
	"github.com/HyphaGroup/runloom/internal/toolcall"
	"github.com/HyphaGroup/runloom/internal/tools"
)

// Finish reasons set by the processor itself
const (
	FinishAgentTerminated = "agent_terminated"
	FinishXMLLimitReached = "xml_tool_limit_reached"
)

// Sink receives what a pass produces. Persist stores an event durably and
// announces it; Emit forwards a transient notification that is never stored.
type Sink interface {
	Persist(ctx context.Context, ev conversation.NewEvent) (*conversation.Event, error)
	Emit(ctx context.Context, ev conversation.Event) error
}

// Pass describes one model call of a run
type Pass struct {
	RunID          string
	ConversationID string
	// Index is 0 for the first pass of a run
	Index int
	// Prompt is what was sent to the model, used for local token counts
	Prompt       []conversation.Message
	Continuation conversation.ContinuationState
	// AutoContinue is set while the run may still chain another pass. A
	// tool_calls or length finish is then internal and not reported.
	AutoContinue bool
}

// Result is the outcome of a pass
type Result struct {
	FinishReason string
	Terminated   bool
	Continuation conversation.ContinuationState
	Usage        conversation.Usage
	// Assistant is the persisted assistant event, nil when nothing was saved
	Assistant *conversation.Event
	Outcomes  []tools.Outcome
}

// WantsContinue reports whether the finish reason asks for another pass
func (r *Result) WantsContinue() bool {
	if r.Terminated {
		return false
	}
	return r.FinishReason == llm.FinishToolCalls || r.FinishReason == llm.FinishLength
}

// Processor runs passes. It holds no per-run state and is safe for
// concurrent use.
type Processor struct {
	cfg      Config
	executor *tools.Executor
	counter  *tokens.Counter
}

// New creates a processor
func New(cfg Config, executor *tools.Executor, counter *tokens.Counter) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid processor config: %w", err)
	}
	if counter == nil {
		counter = tokens.Default()
	}
	return &Processor{cfg: cfg, executor: executor, counter: counter}, nil
}

// Config returns the processor configuration
func (p *Processor) Config() Config {
	return p.cfg
}

// Process consumes stream until it ends and returns how the pass finished.
// A stream error is recorded as an error status event carrying the partial
// text, then returned.
func (p *Processor) Process(ctx context.Context, stream llm.Stream, in Pass, sink Sink) (*Result, error) {
	ctx, span := otel.Tracer("runloom/processor").Start(ctx, "processor.pass")
	span.SetAttributes(attribute.String("run.id", in.RunID), attribute.Int("pass.index", in.Index))
	defer span.End()
	defer func() { _ = stream.Close() }()

	ps := newPassState(p, in, sink)
	res, err := ps.run(ctx, stream)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.String("finish_reason", res.FinishReason))
	return res, nil
}

// passState is the mutable state of one pass
type passState struct {
	p    *Processor
	in   Pass
	sink Sink

	state       State
	text        string
	carriedLen  int
	xmlSeen     int
	xmlAccepted int
	parseErrs   int
	pending     []conversation.ToolCall
	outcomes    []tools.Outcome
	native      *nativeCalls
	nativeCalls []conversation.ToolCall
	finish      string
	usage       *conversation.Usage
	limitHit    bool
	terminated  bool
	chunkSeq    int
	toolBase    int
}

func newPassState(p *Processor, in Pass, sink Sink) *passState {
	cont := in.Continuation
	if cont.ThreadRunID == "" {
		cont.ThreadRunID = uuid.New().String()
	}
	in.Continuation = cont

	ps := &passState{
		p:          p,
		in:         in,
		sink:       sink,
		state:      StateStreamStart,
		text:       cont.AccumulatedContent,
		carriedLen: len(cont.AccumulatedContent),
		xmlSeen:    cont.XMLCallsSeen,
		chunkSeq:   cont.Sequence,
	}

	var knownIDs []string
	for _, c := range cont.Carried {
		knownIDs = append(knownIDs, c.Call.ID)
		if c.Call.Source == conversation.SourceXML {
			ps.xmlAccepted++
		}
		if c.Result != nil {
			ps.outcomes = append(ps.outcomes, tools.Outcome{Index: len(ps.outcomes), Call: c.Call, Result: *c.Result})
		} else {
			ps.pending = append(ps.pending, c.Call)
		}
		if c.Call.Source == conversation.SourceNative {
			ps.nativeCalls = append(ps.nativeCalls, c.Call)
		}
	}
	ps.native = newNativeCalls(knownIDs)
	ps.toolBase = len(ps.outcomes)
	return ps
}

func (ps *passState) to(sig signal) {
	ps.state = next(ps.state, sig)
}

func (ps *passState) meta() conversation.Metadata {
	return conversation.Metadata{RunID: ps.in.RunID, ThreadRunID: ps.in.Continuation.ThreadRunID}
}

func (ps *passState) persistStatus(ctx context.Context, payload conversation.StatusPayload, meta conversation.Metadata) {
	_, err := ps.sink.Persist(ctx, conversation.NewEvent{
		ConversationID: ps.in.ConversationID,
		Kind:           conversation.KindStatus,
		Payload:        payload,
		Metadata:       meta,
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to persist status event", "type", payload.Type, "error", err)
	}
}

func (ps *passState) run(ctx context.Context, stream llm.Stream) (*Result, error) {
	if ps.in.Index == 0 {
		ps.persistStatus(ctx, conversation.StatusPayload{Type: conversation.StatusThreadRunStart}, ps.meta())
		ps.persistStatus(ctx, conversation.StatusPayload{Type: conversation.StatusAssistantResponseStart}, ps.meta())
	}

	if err := ps.consume(ctx, stream); err != nil {
		return ps.fail(ctx, err)
	}
	ps.to(sigEnd)
	return ps.finalize(ctx)
}

// consume reads the stream until it ends or the markup call limit is hit
func (ps *passState) consume(ctx context.Context, stream llm.Stream) error {
	for {
		item, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if item.Usage != nil && item.Usage.TotalTokens > 0 {
			u := *item.Usage
			ps.usage = &u
		}
		if item.FinishReason != "" {
			ps.finish = item.FinishReason
		}

		if ps.p.cfg.NativeToolCalling {
			for _, d := range item.ToolCalls {
				ps.native.add(d)
			}
			if len(item.ToolCalls) > 0 {
				ps.to(sigToolDetected)
			}
		}

		if item.Text == "" {
			continue
		}
		prev := len(ps.text)
		ps.text += item.Text
		ps.to(sigText)
		if ps.p.cfg.XMLToolCalling {
			ps.detectXML(ctx)
		}

		// text past the last accepted block is cut once the limit is hit
		if delta := ps.text[min(prev, len(ps.text)):]; delta != "" {
			ps.emitChunk(ctx, delta)
		}
		if ps.limitHit {
			logger.InfoContext(ctx, "Markup tool call limit reached, ending stream",
				"limit", ps.p.cfg.MaxXMLToolCalls)
			return nil
		}
	}
}

func (ps *passState) emitChunk(ctx context.Context, delta string) {
	ps.chunkSeq++
	meta := ps.meta()
	meta.StreamStatus = conversation.StreamStatusChunk
	meta.ChunkSequence = ps.chunkSeq
	payload, _ := jsonPayload(conversation.ContentPayload{Role: conversation.RoleAssistant, Content: delta})
	err := ps.sink.Emit(ctx, conversation.Event{
		ConversationID: ps.in.ConversationID,
		Kind:           conversation.KindAssistant,
		Payload:        payload,
		Metadata:       meta,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		logger.WarnContext(ctx, "Failed to emit chunk", "error", err)
	}
}

// detectXML re-parses the accumulator and accepts calls not seen before
func (ps *passState) detectXML(ctx context.Context) {
	res := toolcall.Parse(ps.text)
	for _, perr := range res.Errors[min(ps.parseErrs, len(res.Errors)):] {
		logger.WarnContext(ctx, "Skipping malformed tool call markup", "error", perr)
	}
	ps.parseErrs = len(res.Errors)

	if len(res.Calls) <= ps.xmlSeen {
		return
	}
	fresh := res.Calls[ps.xmlSeen:]
	ps.xmlSeen = len(res.Calls)

	for _, pc := range fresh {
		if ps.terminated {
			logger.InfoContext(ctx, "Ignoring tool call after terminating tool", "tool", pc.Name)
			continue
		}
		call := pc.ToToolCall("xml_" + uuid.New().String())
		ps.xmlAccepted++
		ps.to(sigToolDetected)

		if ps.p.cfg.ExecuteTools && ps.p.cfg.ExecuteOnStream {
			ps.execute(ctx, []conversation.ToolCall{call})
		} else {
			ps.pending = append(ps.pending, call)
		}

		if limit := ps.p.cfg.MaxXMLToolCalls; limit > 0 && ps.xmlAccepted >= limit {
			ps.limitHit = true
			ps.text = ps.text[:pc.BlockEnd]
			return
		}
	}
}

// execute runs calls now and records their outcomes
func (ps *passState) execute(ctx context.Context, calls []conversation.ToolCall) {
	if len(calls) == 0 {
		return
	}
	ps.to(sigExecute)
	ps.toolBase = len(ps.outcomes)
	outs := ps.p.executor.ExecuteObserved(ctx, calls, ps.p.cfg.ToolExecutionStrategy, ps)
	for _, o := range outs {
		o.Index = len(ps.outcomes)
		ps.outcomes = append(ps.outcomes, o)
	}
	if ps.p.executor.Terminated(outs) {
		ps.terminated = true
	}
	ps.to(sigResolved)
}

// ToolStarted implements tools.Observer
func (ps *passState) ToolStarted(ctx context.Context, index int, call conversation.ToolCall) {
	idx := ps.toolBase + index
	meta := ps.meta()
	meta.ToolCallID = call.ID
	ps.persistStatus(ctx, conversation.StatusPayload{
		Type:       conversation.StatusToolStarted,
		ToolName:   call.Name,
		ToolIndex:  &idx,
		ToolCallID: call.ID,
	}, meta)
}

// ToolFinished implements tools.Observer
func (ps *passState) ToolFinished(ctx context.Context, out tools.Outcome) {
	idx := ps.toolBase + out.Index
	typ := conversation.StatusToolCompleted
	switch {
	case out.Errored:
		typ = conversation.StatusToolError
	case !out.Result.Success:
		typ = conversation.StatusToolFailed
	}
	meta := ps.meta()
	meta.ToolCallID = out.Call.ID
	ps.persistStatus(ctx, conversation.StatusPayload{
		Type:       typ,
		ToolName:   out.Call.Name,
		ToolIndex:  &idx,
		ToolCallID: out.Call.ID,
		Message:    out.Result.Error,
	}, meta)
}

func (ps *passState) finalize(ctx context.Context) (*Result, error) {
	for _, nc := range ps.native.take() {
		ps.nativeCalls = append(ps.nativeCalls, nc.call)
		if nc.err != nil {
			logger.WarnContext(ctx, "Native tool call has undecodable arguments", "tool", nc.call.Name, "error", nc.err)
			out := tools.Outcome{
				Index:   len(ps.outcomes),
				Call:    nc.call,
				Result:  conversation.Failed(nc.err.Error()),
				Errored: true,
			}
			ps.outcomes = append(ps.outcomes, out)
			ps.toolBase = 0
			ps.ToolFinished(ctx, out)
			continue
		}
		if !ps.terminated {
			ps.pending = append(ps.pending, nc.call)
		}
	}

	// without continuation a truncated pass is saved like any other
	if ps.finish == llm.FinishLength && ps.in.AutoContinue {
		return ps.carryOver(ctx), nil
	}

	if ps.p.cfg.XMLToolCalling && !ps.limitHit {
		consumed := toolcall.Parse(ps.text).Consumed
		if rest := ps.text[consumed:]; toolcall.HasOpenBlock(rest) {
			kept, err := toolcall.Finalize(rest)
			logger.WarnContext(ctx, "Dropping unterminated tool call block", "error", err)
			ps.text = ps.text[:consumed] + kept
		}
	}

	var assistant *conversation.Event
	if strings.TrimSpace(ps.text) != "" || len(ps.nativeCalls) > 0 {
		var err error
		assistant, err = ps.persistAssistant(ctx)
		if err != nil {
			return ps.fail(ctx, err)
		}
	}

	if ps.p.cfg.ExecuteTools && !ps.terminated {
		calls := ps.pending
		ps.pending = nil
		ps.execute(ctx, calls)
	}

	if assistant != nil {
		for _, o := range ps.outcomes {
			if _, err := ps.sink.Persist(ctx, ps.toolEvent(o, assistant.ID)); err != nil {
				return ps.fail(ctx, fmt.Errorf("failed to persist tool result: %w", err))
			}
		}
	}

	switch {
	case ps.terminated:
		ps.finish = FinishAgentTerminated
	case ps.limitHit:
		ps.finish = FinishXMLLimitReached
	case ps.finish == "" && len(ps.outcomes) > 0:
		ps.finish = llm.FinishToolCalls
	case ps.finish == "":
		ps.finish = llm.FinishStop
	}

	res := &Result{
		FinishReason: ps.finish,
		Terminated:   ps.terminated,
		Assistant:    assistant,
		Outcomes:     ps.outcomes,
		Usage:        ps.accountUsage(),
		Continuation: conversation.ContinuationState{
			Sequence:    ps.chunkSeq,
			ThreadRunID: ps.in.Continuation.ThreadRunID,
		},
	}

	internal := ps.in.AutoContinue && res.WantsContinue()
	if !internal {
		ps.persistStatus(ctx, conversation.StatusPayload{Type: conversation.StatusFinish, FinishReason: ps.finish}, ps.meta())
	}
	ps.endResponse(ctx, res.Usage)
	ps.to(sigDone)
	metrics.RecordModelPass(ps.finish)
	return res, nil
}

// carryOver ends a truncated pass without saving the assistant text.
// Only used while the run may continue.
func (ps *passState) carryOver(ctx context.Context) *Result {
	cont := conversation.ContinuationState{
		AccumulatedContent: ps.text,
		Sequence:           ps.chunkSeq,
		ThreadRunID:        ps.in.Continuation.ThreadRunID,
		XMLCallsSeen:       ps.xmlSeen,
	}
	for _, o := range ps.outcomes {
		r := o.Result
		cont.Carried = append(cont.Carried, conversation.CarriedCall{Call: o.Call, Result: &r})
	}
	for _, c := range ps.pending {
		cont.Carried = append(cont.Carried, conversation.CarriedCall{Call: c})
	}
	logger.DebugContext(ctx, "Response truncated, carrying text to next pass",
		"chars", len(ps.text), "carried_calls", len(cont.Carried))

	res := &Result{
		FinishReason: llm.FinishLength,
		Continuation: cont,
		Usage:        ps.accountUsage(),
	}
	ps.endResponse(ctx, res.Usage)
	ps.to(sigDone)
	metrics.RecordModelPass(llm.FinishLength)
	return res
}

func (ps *passState) endResponse(ctx context.Context, usage conversation.Usage) {
	u := usage
	ps.persistStatus(ctx, conversation.StatusPayload{Type: conversation.StatusAssistantResponseEnd, Usage: &u}, ps.meta())
}

func (ps *passState) persistAssistant(ctx context.Context) (*conversation.Event, error) {
	meta := ps.meta()
	meta.StreamStatus = conversation.StreamStatusComplete
	ev, err := ps.sink.Persist(ctx, conversation.NewEvent{
		ConversationID: ps.in.ConversationID,
		Kind:           conversation.KindAssistant,
		Payload: conversation.ContentPayload{
			Role:      conversation.RoleAssistant,
			Content:   ps.text,
			ToolCalls: ps.nativeCalls,
		},
		Metadata:     meta,
		ModelVisible: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist assistant message: %w", err)
	}
	return ev, nil
}

// accountUsage returns provider usage or a local estimate
func (ps *passState) accountUsage() conversation.Usage {
	var u conversation.Usage
	if ps.usage != nil {
		u = *ps.usage
	} else {
		generated := ps.text[min(ps.carriedLen, len(ps.text)):]
		u = ps.p.counter.Estimate(ps.in.Prompt, generated)
	}
	metrics.RecordTokens(u.PromptTokens, u.CompletionTokens, u.Estimated)
	return u
}

// fail records an error status with the partial text and returns err
func (ps *passState) fail(ctx context.Context, err error) (*Result, error) {
	ps.to(sigFail)
	meta := ps.meta()
	meta.PartialContent = ps.text
	ps.persistStatus(context.WithoutCancel(ctx), conversation.StatusPayload{
		Type:    conversation.StatusError,
		Message: err.Error(),
	}, meta)
	metrics.RecordModelPass("error")
	return &Result{
		FinishReason: ps.finish,
		Outcomes:     ps.outcomes,
		Continuation: conversation.ContinuationState{
			Sequence:    ps.chunkSeq,
			ThreadRunID: ps.in.Continuation.ThreadRunID,
		},
	}, err
}
