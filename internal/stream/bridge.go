// Package stream delivers the events of one run to one client: everything
// recorded so far, then live events until the run ends.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/logger"
	"github.com/HyphaGroup/runloom/internal/metrics"
	"github.com/HyphaGroup/runloom/internal/sharedstore"
)

// DefaultBuffer is the number of undelivered items a client may lag behind
const DefaultBuffer = 64

// Durable is the part of the durable store the bridge reads
type Durable interface {
	GetRun(ctx context.Context, id string) (*conversation.Run, error)
	EventsForRun(ctx context.Context, runID string) ([]conversation.Event, error)
}

// Bridge serves run event streams. It is safe for concurrent use.
type Bridge struct {
	shared  sharedstore.Store
	durable Durable
	buffer  int
}

// NewBridge creates a bridge reading from the shared and durable stores
func NewBridge(shared sharedstore.Store, durable Durable) *Bridge {
	return &Bridge{shared: shared, durable: durable, buffer: DefaultBuffer}
}

// Serve streams the events of runID as JSON objects. The channel is closed
// after a terminal status has been delivered, when the run's stream ends,
// or when ctx is cancelled.
func (b *Bridge) Serve(ctx context.Context, runID string) (<-chan []byte, error) {
	if _, err := b.durable.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		b:      b,
		runID:  runID,
		out:    make(chan []byte, b.buffer),
		merged: make(chan sharedstore.Message),
		seen:   make(map[string]struct{}),
		cancel: cancel,
	}
	if err := s.subscribe(ctx); err != nil {
		cancel()
		return nil, err
	}

	metrics.RecordStreamClient(1)
	go s.serve(ctx)
	return s.out, nil
}

// session is one client's stream
type session struct {
	b      *Bridge
	runID  string
	out    chan []byte
	merged chan sharedstore.Message
	cancel context.CancelFunc

	subs []sharedstore.Subscription
	wg   sync.WaitGroup

	// next is the list index of the first event not yet fetched
	next int64
	seen map[string]struct{}
}

// subscribe opens the new-event and control subscriptions before replay so
// nothing recorded in between is missed.
func (s *session) subscribe(ctx context.Context) error {
	for _, ch := range []string{
		sharedstore.NewResponseChannel(s.runID),
		sharedstore.ControlChannel(s.runID),
	} {
		sub, err := s.b.shared.Subscribe(ctx, ch)
		if err != nil {
			s.closeSubs()
			return fmt.Errorf("failed to subscribe to %s: %w", ch, err)
		}
		s.subs = append(s.subs, sub)
	}
	for _, sub := range s.subs {
		s.wg.Add(1)
		go s.forward(ctx, sub)
	}
	return nil
}

// forward feeds one subscription into the merge channel. A subscription
// that closes underneath us ends the whole stream.
func (s *session) forward(ctx context.Context, sub sharedstore.Subscription) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				s.cancel()
				return
			}
			select {
			case s.merged <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *session) closeSubs() {
	for _, sub := range s.subs {
		_ = sub.Close()
	}
}

func (s *session) serve(ctx context.Context) {
	defer func() {
		s.cancel()
		s.closeSubs()
		s.wg.Wait()
		close(s.out)
		metrics.RecordStreamClient(-1)
	}()

	done, err := s.replay(ctx)
	if err != nil {
		logger.WarnContext(ctx, "Stream replay failed", "run_id", s.runID, "error", err)
		return
	}
	if done {
		return
	}

	run, err := s.b.durable.GetRun(ctx, s.runID)
	if err != nil {
		logger.WarnContext(ctx, "Stream status check failed", "run_id", s.runID, "error", err)
		return
	}
	if run.Status != conversation.RunStatusRunning {
		// The owner may have recorded its terminal event since replay
		if done, _ := s.fetch(ctx); done {
			return
		}
		s.notice(ctx, run.ConversationID, run.Status, run.Error)
		return
	}

	s.live(ctx, run.ConversationID)
}

// replay sends everything recorded for the run. It reports whether a
// terminal status was among it.
func (s *session) replay(ctx context.Context) (bool, error) {
	items, err := s.b.shared.LRange(ctx, sharedstore.ResponsesKey(s.runID), 0, -1)
	if err != nil {
		logger.WarnContext(ctx, "Event list unavailable, replaying from durable store", "run_id", s.runID, "error", err)
		items = nil
	}
	if len(items) > 0 {
		s.next = int64(len(items))
		return s.deliverAll(ctx, items), nil
	}

	events, err := s.b.durable.EventsForRun(ctx, s.runID)
	if err != nil {
		return false, fmt.Errorf("failed to load run events: %w", err)
	}
	for i := range events {
		data, err := json.Marshal(events[i])
		if err != nil {
			return false, fmt.Errorf("failed to encode event: %w", err)
		}
		if s.deliver(ctx, string(data)) {
			return true, nil
		}
	}
	return ctx.Err() != nil, nil
}

// live forwards new events until a terminal status or control signal
func (s *session) live(ctx context.Context, conversationID string) {
	newCh := sharedstore.NewResponseChannel(s.runID)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.merged:
			done, err := s.fetch(ctx)
			if err != nil {
				logger.WarnContext(ctx, "Failed to fetch new events", "run_id", s.runID, "error", err)
			}
			if done {
				return
			}
			if msg.Channel == newCh {
				continue
			}
			status, ok := signalStatus(msg.Payload)
			if !ok {
				continue
			}
			s.notice(ctx, conversationID, status, "")
			return
		}
	}
}

// fetch delivers list entries past the last one fetched
func (s *session) fetch(ctx context.Context) (bool, error) {
	items, err := s.b.shared.LRange(ctx, sharedstore.ResponsesKey(s.runID), s.next, -1)
	if err != nil {
		return false, err
	}
	s.next += int64(len(items))
	return s.deliverAll(ctx, items), nil
}

func (s *session) deliverAll(ctx context.Context, items []string) bool {
	for _, item := range items {
		if s.deliver(ctx, item) {
			return true
		}
	}
	return ctx.Err() != nil
}

// deliver sends one serialized event and reports whether the stream is
// over: the event was a terminal status or the client went away.
func (s *session) deliver(ctx context.Context, item string) bool {
	var ev conversation.Event
	if err := json.Unmarshal([]byte(item), &ev); err != nil {
		logger.WarnContext(ctx, "Skipping unreadable event", "run_id", s.runID, "error", err)
		return false
	}
	if ev.ID != "" {
		if _, dup := s.seen[ev.ID]; dup {
			return false
		}
		s.seen[ev.ID] = struct{}{}
	}

	select {
	case s.out <- []byte(item):
	case <-ctx.Done():
		return true
	}
	p, ok := ev.DecodeStatus()
	return ok && p.IsTerminalStatus()
}

// notice sends a synthesized terminal status for a run whose own terminal
// event was not available
func (s *session) notice(ctx context.Context, conversationID string, status conversation.RunStatus, message string) {
	payload, _ := json.Marshal(conversation.RunStatusPayload(status, message))
	data, err := json.Marshal(conversation.Event{
		ConversationID: conversationID,
		Kind:           conversation.KindStatus,
		Payload:        payload,
		Metadata:       conversation.Metadata{RunID: s.runID},
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return
	}
	select {
	case s.out <- data:
	case <-ctx.Done():
	}
}

func signalStatus(signal string) (conversation.RunStatus, bool) {
	switch signal {
	case sharedstore.SignalEndStream:
		return conversation.RunStatusCompleted, true
	case sharedstore.SignalError:
		return conversation.RunStatusFailed, true
	case sharedstore.SignalStop:
		return conversation.RunStatusStopped, true
	}
	return "", false
}
