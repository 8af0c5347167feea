// Package llm defines the contract between the run pipeline and a model
// provider. The provider is an opaque source of stream items; adapters for
// concrete providers live in subpackages.
package llm

import (
	"context"
	"io"

	"github.com/HyphaGroup/runloom/internal/conversation"
)

// Finish reasons reported by providers
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// ToolSpec describes a tool offered to the model for native calling
type ToolSpec struct {
	Name        string
	Description string
	Parameters  any
}

// Request is one model call
type Request struct {
	Model           string
	Messages        []conversation.Message
	Tools           []ToolSpec
	Temperature     float32
	MaxTokens       int
	EnableThinking  bool
	ReasoningEffort string
}

// ToolCallDelta is a fragment of a native tool call. Fragments with the
// same Index belong to the same call; ID and Name usually arrive first and
// Arguments is streamed in pieces.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// StreamItem is one increment of a model response
type StreamItem struct {
	Text         string
	ToolCalls    []ToolCallDelta
	Usage        *conversation.Usage
	FinishReason string
}

// Stream is a pull-based model response. Recv returns io.EOF after the
// last item.
type Stream interface {
	Recv() (StreamItem, error)
	Close() error
}

// Response is a complete non-streamed model response
type Response struct {
	Content      string
	ToolCalls    []ToolCallDelta
	Usage        *conversation.Usage
	FinishReason string
}

// Client is a model provider
type Client interface {
	Stream(ctx context.Context, req Request) (Stream, error)
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ResponseStream presents a complete response as a single-item stream so
// both call styles share one processing path.
func ResponseStream(resp *Response) Stream {
	return &responseStream{item: StreamItem{
		Text:         resp.Content,
		ToolCalls:    resp.ToolCalls,
		Usage:        resp.Usage,
		FinishReason: resp.FinishReason,
	}}
}

type responseStream struct {
	item StreamItem
	done bool
}

func (s *responseStream) Recv() (StreamItem, error) {
	if s.done {
		return StreamItem{}, io.EOF
	}
	s.done = true
	return s.item, nil
}

func (s *responseStream) Close() error { return nil }
