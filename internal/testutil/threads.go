package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/thread"
)

// ThreadFunc adapts a function to the coordinator's thread runner
type ThreadFunc func(ctx context.Context, req thread.Request) (*thread.Outcome, error)

// Run calls f
func (f ThreadFunc) Run(ctx context.Context, req thread.Request) (*thread.Outcome, error) {
	return f(ctx, req)
}

// Reply persists one model-visible assistant message and finishes the run
func Reply(content string) ThreadFunc {
	return func(ctx context.Context, req thread.Request) (*thread.Outcome, error) {
		_, err := req.Sink.Persist(ctx, conversation.NewEvent{
			ConversationID: req.ConversationID,
			Kind:           conversation.KindAssistant,
			Payload:        conversation.ContentPayload{Role: conversation.RoleAssistant, Content: content},
			ModelVisible:   true,
		})
		return &thread.Outcome{Passes: 1}, err
	}
}

// BlockingThread polls for a stop request until one arrives or ctx ends.
// Started is closed when the first run begins.
type BlockingThread struct {
	Started chan struct{}
	once    sync.Once
}

// NewBlockingThread creates a BlockingThread
func NewBlockingThread() *BlockingThread {
	return &BlockingThread{Started: make(chan struct{})}
}

// Run blocks until the run is stopped
func (b *BlockingThread) Run(ctx context.Context, req thread.Request) (*thread.Outcome, error) {
	b.once.Do(func() { close(b.Started) })
	for {
		if req.Stopped != nil && req.Stopped() {
			return &thread.Outcome{}, thread.ErrStopped
		}
		select {
		case <-ctx.Done():
			return &thread.Outcome{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}
