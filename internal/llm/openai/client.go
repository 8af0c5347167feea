// Package openai adapts OpenAI-compatible chat completion endpoints to the
// llm.Client contract.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/llm"
)

// Client talks to one OpenAI-compatible endpoint
type Client struct {
	client   *goopenai.Client
	provider string
}

// New creates a client. An empty baseURL uses the OpenAI default.
func New(provider, apiKey, baseURL string) *Client {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if provider == "" {
		provider = "openai"
	}
	return &Client{client: goopenai.NewClientWithConfig(cfg), provider: provider}
}

// Stream opens a streaming completion
func (c *Client) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	chatReq := c.buildRequest(req)
	chatReq.Stream = true
	chatReq.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, c.wrapError(req.Model, err)
	}
	return &chatStream{stream: stream, client: c, model: req.Model}, nil
}

// Complete performs a non-streaming completion
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(req))
	if err != nil {
		return nil, c.wrapError(req.Model, err)
	}
	out := &llm.Response{Usage: convertUsage(&resp.Usage)}
	if len(resp.Choices) == 0 {
		return out, nil
	}
	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	out.FinishReason = string(choice.FinishReason)
	for i, tc := range choice.Message.ToolCalls {
		idx := i
		if tc.Index != nil {
			idx = *tc.Index
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCallDelta{
			Index:     idx,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func (c *Client) buildRequest(req llm.Request) goopenai.ChatCompletionRequest {
	chatReq := goopenai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    convertMessages(req.Messages),
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.EnableThinking && req.ReasoningEffort != "" {
		chatReq.ReasoningEffort = req.ReasoningEffort
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}
	return chatReq
}

func (c *Client) wrapError(model string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	pe := &llm.ProviderError{Provider: c.provider, Model: model, Err: err}
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		pe.StatusCode = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		pe.StatusCode = reqErr.HTTPStatusCode
	}
	return pe
}

type chatStream struct {
	stream *goopenai.ChatCompletionStream
	client *Client
	model  string
}

func (s *chatStream) Recv() (llm.StreamItem, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return llm.StreamItem{}, io.EOF
			}
			return llm.StreamItem{}, s.client.wrapError(s.model, err)
		}

		item := llm.StreamItem{}
		if resp.Usage != nil {
			item.Usage = convertUsage(resp.Usage)
		}
		if len(resp.Choices) > 0 {
			choice := resp.Choices[0]
			item.Text = choice.Delta.Content
			item.FinishReason = string(choice.FinishReason)
			for i, tc := range choice.Delta.ToolCalls {
				idx := i
				if tc.Index != nil {
					idx = *tc.Index
				}
				item.ToolCalls = append(item.ToolCalls, llm.ToolCallDelta{
					Index:     idx,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		}
		// keep-alive chunks carry nothing
		if item.Text == "" && len(item.ToolCalls) == 0 && item.Usage == nil && item.FinishReason == "" {
			continue
		}
		return item, nil
	}
}

func (s *chatStream) Close() error {
	return s.stream.Close()
}

func convertUsage(u *goopenai.Usage) *conversation.Usage {
	if u == nil || u.TotalTokens == 0 {
		return nil
	}
	return &conversation.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func convertMessages(msgs []conversation.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := goopenai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			if tc.Source != conversation.SourceNative {
				continue
			}
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			om.ToolCalls = append(om.ToolCalls, goopenai.ToolCall{
				ID:   tc.ID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func convertTools(specs []llm.ToolSpec) []goopenai.Tool {
	out := make([]goopenai.Tool, len(specs))
	for i, spec := range specs {
		params := spec.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

// String identifies the client in logs
func (c *Client) String() string {
	return fmt.Sprintf("openai-compatible(%s)", c.provider)
}
