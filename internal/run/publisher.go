package run

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/logger"
	"github.com/HyphaGroup/runloom/internal/metrics"
	"github.com/HyphaGroup/runloom/internal/retry"
	"github.com/HyphaGroup/runloom/internal/sharedstore"
)

// publisher is the event sink of one run. Persist appends to the durable
// store first, then pushes the event onto the run's list and announces it.
// Appends are serialized so the list order matches the durable order.
type publisher struct {
	mu        sync.Mutex
	runID     string
	durable   Durable
	shared    sharedstore.Store
	policy    *retry.Policy
	callbacks Callbacks
}

func (c *Coordinator) newPublisher(runID string) *publisher {
	return &publisher{
		runID:     runID,
		durable:   c.durable,
		shared:    c.shared,
		policy:    c.policy,
		callbacks: c.callbacks,
	}
}

// Persist stores ev and forwards it to stream readers
func (p *publisher) Persist(ctx context.Context, ne conversation.NewEvent) (*conversation.Event, error) {
	if ne.Metadata.RunID == "" {
		ne.Metadata.RunID = p.runID
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ev, err := retry.Value(ctx, p.policy, retry.Transient, func(ctx context.Context) (*conversation.Event, error) {
		return p.durable.AppendEvent(ctx, ne)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist %s event: %w", ne.Kind, err)
	}
	metrics.RecordEventPersisted(string(ev.Kind))

	p.forward(ctx, *ev)
	p.callbacks.eventPersisted(ctx, ev)
	return ev, nil
}

// Emit forwards a transient event without storing it durably
func (p *publisher) Emit(ctx context.Context, ev conversation.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forward(ctx, ev)
}

// forward pushes ev onto the run's list and announces it. Failures are
// logged: the durable store stays the source of truth for replay.
func (p *publisher) forward(ctx context.Context, ev conversation.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := p.shared.RPush(ctx, sharedstore.ResponsesKey(p.runID), string(data)); err != nil {
		logger.WarnContext(ctx, "Failed to push event to run list", "run_id", p.runID, "error", err)
		return err
	}
	if err := p.shared.Publish(ctx, sharedstore.NewResponseChannel(p.runID), sharedstore.NotifyNewResponse); err != nil {
		logger.WarnContext(ctx, "Failed to announce event", "run_id", p.runID, "error", err)
		return err
	}
	return nil
}
