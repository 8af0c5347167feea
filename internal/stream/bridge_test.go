package stream

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/retry"
	"github.com/HyphaGroup/runloom/internal/run"
	"github.com/HyphaGroup/runloom/internal/sharedstore"
	"github.com/HyphaGroup/runloom/internal/store"
	"github.com/HyphaGroup/runloom/internal/thread"
)

const waitFor = 5 * time.Second

type threadFunc func(ctx context.Context, req thread.Request) (*thread.Outcome, error)

func (f threadFunc) Run(ctx context.Context, req thread.Request) (*thread.Outcome, error) {
	return f(ctx, req)
}

type fixture struct {
	st     *store.Store
	shared *sharedstore.Memory
	coord  *run.Coordinator
	bridge *Bridge
}

func newFixture(t *testing.T, threads run.Threads) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "runloom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	shared := sharedstore.NewMemory()
	rule := retry.Rule{MaxAttempts: 2, InitialDelay: time.Millisecond}
	coord := run.NewCoordinator(run.WorkerIdentity{ID: "worker-a"}, st, shared, threads,
		retry.NewPolicy(rule, rule), run.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return &fixture{st: st, shared: shared, coord: coord, bridge: NewBridge(shared, st)}
}

// collect drains a stream until it closes
func collect(t *testing.T, ch <-chan []byte) []conversation.Event {
	t.Helper()
	var out []conversation.Event
	timeout := time.After(waitFor)
	for {
		select {
		case data, ok := <-ch:
			if !ok {
				return out
			}
			var ev conversation.Event
			require.NoError(t, json.Unmarshal(data, &ev))
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
			return out
		}
	}
}

func lastStatus(t *testing.T, events []conversation.Event) conversation.StatusPayload {
	t.Helper()
	require.NotEmpty(t, events)
	p, ok := events[len(events)-1].DecodeStatus()
	require.True(t, ok)
	return p
}

// stepped persists an assistant reply in pieces, waiting for a go-ahead
// before each one
func stepped(steps <-chan struct{}) threadFunc {
	return func(ctx context.Context, req thread.Request) (*thread.Outcome, error) {
		for i, part := range []string{"Hel", "lo"} {
			<-steps
			payload, _ := json.Marshal(conversation.ContentPayload{Role: conversation.RoleAssistant, Content: part})
			_ = req.Sink.Emit(ctx, conversation.Event{
				ConversationID: req.ConversationID,
				Kind:           conversation.KindAssistant,
				Payload:        payload,
				Metadata: conversation.Metadata{
					RunID:         req.RunID,
					StreamStatus:  conversation.StreamStatusChunk,
					ChunkSequence: i + 1,
				},
			})
		}
		<-steps
		_, err := req.Sink.Persist(ctx, conversation.NewEvent{
			ConversationID: req.ConversationID,
			Kind:           conversation.KindAssistant,
			Payload:        conversation.ContentPayload{Role: conversation.RoleAssistant, Content: "Hello"},
			ModelVisible:   true,
		})
		return &thread.Outcome{Passes: 1}, err
	}
}

func TestServe_LiveAndReplayMatch(t *testing.T) {
	steps := make(chan struct{})
	f := newFixture(t, stepped(steps))
	r, err := f.coord.Start(context.Background(), "conv-1", "say hello", conversation.RunParams{})
	require.NoError(t, err)

	live, err := f.bridge.Serve(context.Background(), r.ID)
	require.NoError(t, err)

	// The first item is the replayed user event
	select {
	case data := <-live:
		var ev conversation.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		assert.Equal(t, conversation.KindUser, ev.Kind)
	case <-time.After(waitFor):
		t.Fatal("no replay")
	}
	for i := 0; i < 3; i++ {
		steps <- struct{}{}
	}
	liveEvents := collect(t, live)
	f.coord.Wait()

	require.Len(t, liveEvents, 4)
	assert.Equal(t, conversation.StreamStatusChunk, liveEvents[0].Metadata.StreamStatus)
	assert.Equal(t, conversation.StreamStatusChunk, liveEvents[1].Metadata.StreamStatus)
	assert.Equal(t, conversation.KindAssistant, liveEvents[2].Kind)
	assert.Equal(t, "completed", lastStatus(t, liveEvents).Status)

	replay, err := f.bridge.Serve(context.Background(), r.ID)
	require.NoError(t, err)
	replayed := collect(t, replay)
	require.Len(t, replayed, 5)
	assert.Equal(t, conversation.KindUser, replayed[0].Kind)
	assert.Equal(t, liveEvents, replayed[1:])
}

func TestServe_FallsBackToDurableStore(t *testing.T) {
	steps := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		steps <- struct{}{}
	}
	f := newFixture(t, stepped(steps))
	r, err := f.coord.Start(context.Background(), "conv-1", "say hello", conversation.RunParams{})
	require.NoError(t, err)
	f.coord.Wait()

	require.NoError(t, f.shared.Del(context.Background(), sharedstore.ResponsesKey(r.ID)))

	ch, err := f.bridge.Serve(context.Background(), r.ID)
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 3, "chunks are not kept durably")
	assert.Equal(t, conversation.KindUser, events[0].Kind)
	assert.Equal(t, conversation.KindAssistant, events[1].Kind)
	assert.Equal(t, "completed", lastStatus(t, events).Status)
	assert.Less(t, events[0].Sequence, events[1].Sequence)
}

func TestServe_UnknownRun(t *testing.T) {
	f := newFixture(t, threadFunc(nil))
	_, err := f.bridge.Serve(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrRunNotFound)
}

func TestServe_FinishedRunWithoutTerminalEvent(t *testing.T) {
	f := newFixture(t, threadFunc(nil))
	ctx := context.Background()
	r := &conversation.Run{ConversationID: "conv-1"}
	require.NoError(t, f.st.CreateRun(ctx, r))
	require.NoError(t, f.st.UpdateRunStatus(ctx, r.ID, conversation.RunStatusFailed, "worker crashed"))

	ch, err := f.bridge.Serve(ctx, r.ID)
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 1)
	p := lastStatus(t, events)
	assert.Equal(t, "failed", p.Status)
	assert.Equal(t, "worker crashed", p.Message)
}

func TestServe_ControlSignalCloses(t *testing.T) {
	f := newFixture(t, threadFunc(nil))
	ctx := context.Background()
	r := &conversation.Run{ConversationID: "conv-1"}
	require.NoError(t, f.st.CreateRun(ctx, r))

	ch, err := f.bridge.Serve(ctx, r.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.shared.Subscribers(sharedstore.ControlChannel(r.ID)) == 1
	}, waitFor, time.Millisecond)

	require.NoError(t, f.shared.Publish(ctx, sharedstore.ControlChannel(r.ID), sharedstore.SignalStop))
	events := collect(t, ch)

	require.Len(t, events, 1)
	assert.Equal(t, "stopped", lastStatus(t, events).Status)
	assert.Equal(t, 0, f.shared.Subscribers(sharedstore.ControlChannel(r.ID)))
	assert.Equal(t, 0, f.shared.Subscribers(sharedstore.NewResponseChannel(r.ID)))
}

func TestServe_CancelTearsDown(t *testing.T) {
	f := newFixture(t, threadFunc(nil))
	r := &conversation.Run{ConversationID: "conv-1"}
	require.NoError(t, f.st.CreateRun(context.Background(), r))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.bridge.Serve(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, 1, f.shared.Subscribers(sharedstore.NewResponseChannel(r.ID)))

	cancel()
	assert.Empty(t, collect(t, ch))
	assert.Equal(t, 0, f.shared.Subscribers(sharedstore.NewResponseChannel(r.ID)))
	assert.Equal(t, 0, f.shared.Subscribers(sharedstore.ControlChannel(r.ID)))
}
