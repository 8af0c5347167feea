// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"io"
	"sync"

	"github.com/HyphaGroup/runloom/internal/llm"
)

// Turn is one scripted model call. If Err is set the call fails before any
// item is produced; StreamErr fails the stream after Items are delivered.
type Turn struct {
	Items     []llm.StreamItem
	Err       error
	StreamErr error
	// Gate, when set, blocks each Recv until a value arrives or the call's
	// context is cancelled
	Gate <-chan struct{}
}

// Client replays Turns in order and records every request
type Client struct {
	mu       sync.Mutex
	turns    []Turn
	requests []llm.Request
}

// New creates a client with the given turns
func New(turns ...Turn) *Client {
	return &Client{turns: turns}
}

// Text is a shorthand turn that streams chunks then finishes with reason
func Text(reason string, chunks ...string) Turn {
	items := make([]llm.StreamItem, 0, len(chunks)+1)
	for _, c := range chunks {
		items = append(items, llm.StreamItem{Text: c})
	}
	items = append(items, llm.StreamItem{FinishReason: reason})
	return Turn{Items: items}
}

// Append adds more turns
func (c *Client) Append(turns ...Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, turns...)
}

// Requests returns a copy of the requests received so far
func (c *Client) Requests() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

func (c *Client) next(req llm.Request) (Turn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.turns) == 0 {
		return Turn{}, false
	}
	t := c.turns[0]
	c.turns = c.turns[1:]
	return t, true
}

// Stream implements llm.Client
func (c *Client) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	t, ok := c.next(req)
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	if t.Err != nil {
		return nil, t.Err
	}
	return &stream{ctx: ctx, turn: t}, nil
}

// Complete implements llm.Client by folding the turn's items together
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	t, ok := c.next(req)
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	if t.Err != nil {
		return nil, t.Err
	}
	resp := &llm.Response{}
	for _, item := range t.Items {
		resp.Content += item.Text
		resp.ToolCalls = append(resp.ToolCalls, item.ToolCalls...)
		if item.Usage != nil {
			resp.Usage = item.Usage
		}
		if item.FinishReason != "" {
			resp.FinishReason = item.FinishReason
		}
	}
	if t.StreamErr != nil {
		return nil, t.StreamErr
	}
	return resp, nil
}

type stream struct {
	ctx    context.Context
	turn   Turn
	pos    int
	closed bool
}

func (s *stream) Recv() (llm.StreamItem, error) {
	if s.closed {
		return llm.StreamItem{}, io.EOF
	}
	if s.turn.Gate != nil {
		select {
		case <-s.turn.Gate:
		case <-s.ctx.Done():
			return llm.StreamItem{}, s.ctx.Err()
		}
	}
	if err := s.ctx.Err(); err != nil {
		return llm.StreamItem{}, err
	}
	if s.pos >= len(s.turn.Items) {
		if s.turn.StreamErr != nil {
			return llm.StreamItem{}, s.turn.StreamErr
		}
		return llm.StreamItem{}, io.EOF
	}
	item := s.turn.Items[s.pos]
	s.pos++
	return item, nil
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}
