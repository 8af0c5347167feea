package run

import (
	"context"

	"github.com/HyphaGroup/runloom/internal/conversation"
)

// Callbacks observe the lifecycle of runs owned by this worker. Nil
// functions are skipped.
type Callbacks struct {
	OnRunStarted     func(ctx context.Context, run *conversation.Run)
	OnEventPersisted func(ctx context.Context, ev *conversation.Event)
	OnRunEnded       func(ctx context.Context, run *conversation.Run, status conversation.RunStatus, err error)
}

// ComposeCallbacks calls each set of callbacks in order
func ComposeCallbacks(sets ...Callbacks) Callbacks {
	return Callbacks{
		OnRunStarted: func(ctx context.Context, run *conversation.Run) {
			for _, s := range sets {
				if s.OnRunStarted != nil {
					s.OnRunStarted(ctx, run)
				}
			}
		},
		OnEventPersisted: func(ctx context.Context, ev *conversation.Event) {
			for _, s := range sets {
				if s.OnEventPersisted != nil {
					s.OnEventPersisted(ctx, ev)
				}
			}
		},
		OnRunEnded: func(ctx context.Context, run *conversation.Run, status conversation.RunStatus, err error) {
			for _, s := range sets {
				if s.OnRunEnded != nil {
					s.OnRunEnded(ctx, run, status, err)
				}
			}
		},
	}
}

func (c Callbacks) runStarted(ctx context.Context, run *conversation.Run) {
	if c.OnRunStarted != nil {
		c.OnRunStarted(ctx, run)
	}
}

func (c Callbacks) eventPersisted(ctx context.Context, ev *conversation.Event) {
	if c.OnEventPersisted != nil {
		c.OnEventPersisted(ctx, ev)
	}
}

func (c Callbacks) runEnded(ctx context.Context, run *conversation.Run, status conversation.RunStatus, err error) {
	if c.OnRunEnded != nil {
		c.OnRunEnded(ctx, run, status, err)
	}
}
