package thread

import (
	"context"
	"errors"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/llm"
	"github.com/HyphaGroup/runloom/internal/logger"
	"github.com/HyphaGroup/runloom/internal/retry"
)

// open calls the model. Rate limits and transient provider errors are
// retried under the upstream rule; an overloaded provider is tried once
// more against the fallback model.
func (m *Manager) open(ctx context.Context, req Request, msgs []conversation.Message) (llm.Stream, error) {
	model := req.Params.Model
	stream, err := m.call(ctx, req, msgs, model)
	if err == nil {
		return stream, nil
	}

	fallback := req.Params.FallbackModel
	if errors.Is(err, llm.ErrOverloaded) && fallback != "" && fallback != model {
		logger.WarnContext(ctx, "Model overloaded, switching to fallback",
			"run_id", req.RunID, "model", model, "fallback", fallback)
		return m.call(ctx, req, msgs, fallback)
	}
	return nil, err
}

func (m *Manager) call(ctx context.Context, req Request, msgs []conversation.Message, model string) (llm.Stream, error) {
	llmReq := llm.Request{
		Model:           model,
		Messages:        msgs,
		Tools:           m.toolSpecs(),
		Temperature:     req.Params.Temperature,
		MaxTokens:       req.Params.MaxTokens,
		EnableThinking:  req.Params.EnableThinking,
		ReasoningEffort: req.Params.ReasoningEffort,
	}

	return retry.Value(ctx, m.policy, retry.Upstream, func(ctx context.Context) (llm.Stream, error) {
		var stream llm.Stream
		var err error
		if req.Params.Stream {
			stream, err = m.client.Stream(ctx, llmReq)
		} else {
			var resp *llm.Response
			resp, err = m.client.Complete(ctx, llmReq)
			if err == nil {
				stream = llm.ResponseStream(resp)
			}
		}
		if err != nil && !llm.IsRetryable(err) {
			return nil, retry.Permanent(err)
		}
		return stream, err
	})
}

// toolSpecs lists native tool definitions when native calling is enabled
func (m *Manager) toolSpecs() []llm.ToolSpec {
	if m.registry == nil || !m.processor.Config().NativeToolCalling {
		return nil
	}
	defs := m.registry.Definitions()
	specs := make([]llm.ToolSpec, len(defs))
	for i, d := range defs {
		specs[i] = llm.ToolSpec{Name: d.Name, Description: d.Description}
		if d.Parameters != nil {
			specs[i].Parameters = d.Parameters
		}
	}
	return specs
}
