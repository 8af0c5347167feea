// Package testutil holds fixtures shared by the run, API and MCP tests.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/retry"
	"github.com/HyphaGroup/runloom/internal/store"
)

// OpenStore opens a durable store in a temp dir, closed at test end
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "runloom.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// FastPolicy retries twice with a millisecond delay
func FastPolicy() *retry.Policy {
	rule := retry.Rule{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return retry.NewPolicy(rule, rule)
}

// RunOption is a function that modifies a Run for testing.
type RunOption func(*conversation.Run)

// NewTestRun creates a running run with sensible defaults.
func NewTestRun(t *testing.T, opts ...RunOption) *conversation.Run {
	t.Helper()

	r := &conversation.Run{
		ID:             uuid.New().String(),
		ConversationID: "conv-" + uuid.New().String()[:8],
		Status:         conversation.RunStatusRunning,
		StartedAt:      time.Now().UTC(),
		Params:         conversation.RunParams{Model: "test-model", Stream: true},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithRunID sets a specific ID for the test run.
func WithRunID(id string) RunOption {
	return func(r *conversation.Run) { r.ID = id }
}

// WithConversation sets the conversation of the test run.
func WithConversation(id string) RunOption {
	return func(r *conversation.Run) { r.ConversationID = id }
}

// WithStartedAt backdates the test run.
func WithStartedAt(at time.Time) RunOption {
	return func(r *conversation.Run) { r.StartedAt = at }
}

// WithWorker records the worker that owns the test run.
func WithWorker(id string) RunOption {
	return func(r *conversation.Run) { r.WorkerID = id }
}
