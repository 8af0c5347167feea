package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/runloom/internal/conversation"
)

// AppendEvent persists an event and returns it with its identity, position
// and sequence assigned. Numbering happens inside the insert transaction:
// a model-visible event takes the next sequence of its conversation, any
// other event carries the current one.
func (s *Store) AppendEvent(ctx context.Context, ne conversation.NewEvent) (*conversation.Event, error) {
	payload, err := encodePayload(ne.Payload)
	if err != nil {
		return nil, err
	}
	metadata, err := json.Marshal(ne.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var position, sequence int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position), 0),
		       COALESCE(MAX(CASE WHEN model_visible = 1 THEN sequence END), 0)
		FROM events WHERE conversation_id = ?`, ne.ConversationID,
	).Scan(&position, &sequence)
	if err != nil {
		return nil, fmt.Errorf("failed to read event counters: %w", err)
	}
	position++
	if ne.ModelVisible {
		sequence++
	}

	ev := &conversation.Event{
		Sequence:       sequence,
		ID:             uuid.New().String(),
		ConversationID: ne.ConversationID,
		Kind:           ne.Kind,
		Payload:        payload,
		Metadata:       ne.Metadata,
		CreatedAt:      time.Now().UTC(),
		ModelVisible:   ne.ModelVisible,
		Position:       position,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, conversation_id, run_id, position, sequence, kind, model_visible, payload, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ConversationID, ev.Metadata.RunID, ev.Position, ev.Sequence, string(ev.Kind),
		ev.ModelVisible, string(payload), string(metadata), ev.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit event: %w", err)
	}
	return ev, nil
}

func encodePayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("event payload is not valid JSON")
		}
		return v, nil
	case nil:
		return json.RawMessage(`{}`), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event payload: %w", err)
	}
	return b, nil
}

const eventColumns = `id, conversation_id, position, sequence, kind, model_visible, payload, metadata, created_at`

func scanEvents(rows *sql.Rows) ([]conversation.Event, error) {
	defer func() { _ = rows.Close() }()

	var events []conversation.Event
	for rows.Next() {
		var ev conversation.Event
		var kind, payload, metadata string
		if err := rows.Scan(&ev.ID, &ev.ConversationID, &ev.Position, &ev.Sequence, &kind,
			&ev.ModelVisible, &payload, &metadata, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = conversation.Kind(kind)
		ev.Payload = json.RawMessage(payload)
		if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode event metadata: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// EventsForRun returns every event recorded for a run in append order
func (s *Store) EventsForRun(ctx context.Context, runID string) ([]conversation.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run events: %w", err)
	}
	return scanEvents(rows)
}

// EventsForConversation returns every event of a conversation in append order
func (s *Store) EventsForConversation(ctx context.Context, conversationID string) ([]conversation.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE conversation_id = ? ORDER BY position`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation events: %w", err)
	}
	return scanEvents(rows)
}

// ModelVisibleHistory returns the events that feed the next model call,
// ordered by sequence
func (s *Store) ModelVisibleHistory(ctx context.Context, conversationID string) ([]conversation.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE conversation_id = ? AND model_visible = 1
		ORDER BY sequence`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return scanEvents(rows)
}
