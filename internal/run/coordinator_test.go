package run

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/retry"
	"github.com/HyphaGroup/runloom/internal/sharedstore"
	"github.com/HyphaGroup/runloom/internal/store"
	"github.com/HyphaGroup/runloom/internal/thread"
)

const waitFor = 5 * time.Second

type threadFunc func(ctx context.Context, req thread.Request) (*thread.Outcome, error)

func (f threadFunc) Run(ctx context.Context, req thread.Request) (*thread.Outcome, error) {
	return f(ctx, req)
}

func fastPolicy() *retry.Policy {
	rule := retry.Rule{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return retry.NewPolicy(rule, rule)
}

type fixture struct {
	st     *store.Store
	shared *sharedstore.Memory
	coord  *Coordinator
}

func newFixture(t *testing.T, threads Threads, opts Options) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "runloom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	shared := sharedstore.NewMemory()
	return newFixtureWith(t, st, st, shared, threads, opts)
}

func newFixtureWith(t *testing.T, st *store.Store, durable Durable, shared *sharedstore.Memory, threads Threads, opts Options) *fixture {
	t.Helper()
	coord := NewCoordinator(WorkerIdentity{ID: "worker-a", Host: "test"}, durable, shared, threads, fastPolicy(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return &fixture{st: st, shared: shared, coord: coord}
}

func (f *fixture) createRun(t *testing.T) *conversation.Run {
	t.Helper()
	run := &conversation.Run{ConversationID: "conv-1", Params: conversation.RunParams{Model: "m"}}
	require.NoError(t, f.st.CreateRun(context.Background(), run))
	return run
}

func (f *fixture) terminalStatuses(t *testing.T, runID string) []string {
	t.Helper()
	events, err := f.st.EventsForRun(context.Background(), runID)
	require.NoError(t, err)
	var out []string
	for i := range events {
		if p, ok := events[i].DecodeStatus(); ok && p.Type == conversation.StatusRun {
			out = append(out, p.Status)
		}
	}
	return out
}

func (f *fixture) listEvents(t *testing.T, runID string) []conversation.Event {
	t.Helper()
	raw, err := f.shared.LRange(context.Background(), sharedstore.ResponsesKey(runID), 0, -1)
	require.NoError(t, err)
	out := make([]conversation.Event, len(raw))
	for i, r := range raw {
		require.NoError(t, json.Unmarshal([]byte(r), &out[i]))
	}
	return out
}

func subscribeControl(t *testing.T, s sharedstore.Store, runID string) sharedstore.Subscription {
	t.Helper()
	sub, err := s.Subscribe(context.Background(), sharedstore.ControlChannel(runID))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func nextSignal(t *testing.T, sub sharedstore.Subscription) string {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		return msg.Payload
	case <-time.After(waitFor):
		t.Fatal("no control signal")
		return ""
	}
}

func sayHello(ctx context.Context, req thread.Request) (*thread.Outcome, error) {
	_, err := req.Sink.Persist(ctx, conversation.NewEvent{
		ConversationID: req.ConversationID,
		Kind:           conversation.KindAssistant,
		Payload:        conversation.ContentPayload{Role: conversation.RoleAssistant, Content: "hello"},
		ModelVisible:   true,
	})
	return &thread.Outcome{Passes: 1, FinishReason: "stop"}, err
}

func TestRun_Completes(t *testing.T) {
	f := newFixture(t, threadFunc(sayHello), Options{})
	run := f.createRun(t)
	sub := subscribeControl(t, f.shared, run.ID)

	require.NoError(t, f.coord.Run(context.Background(), run.ID, run.ConversationID, run.Params))

	got, err := f.st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.RunStatusCompleted, got.Status)
	assert.Equal(t, "worker-a", got.WorkerID)
	assert.Equal(t, []string{"completed"}, f.terminalStatuses(t, run.ID))
	assert.Equal(t, sharedstore.SignalEndStream, nextSignal(t, sub))

	ctx := context.Background()
	for _, key := range []string{sharedstore.LockKey(run.ID), sharedstore.LivenessKey("worker-a", run.ID)} {
		exists, err := f.shared.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, exists, key)
	}
	exists, err := f.shared.Exists(ctx, sharedstore.ResponsesKey(run.ID))
	require.NoError(t, err)
	assert.True(t, exists, "event list is retained after the run")
}

func TestRun_ListMatchesDurableOrder(t *testing.T) {
	f := newFixture(t, threadFunc(func(ctx context.Context, req thread.Request) (*thread.Outcome, error) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = req.Sink.Persist(ctx, conversation.NewEvent{
					ConversationID: req.ConversationID,
					Kind:           conversation.KindStatus,
					Payload:        conversation.StatusPayload{Type: conversation.StatusToolCompleted},
				})
			}()
		}
		wg.Wait()
		return &thread.Outcome{}, nil
	}), Options{})
	run := f.createRun(t)

	require.NoError(t, f.coord.Run(context.Background(), run.ID, run.ConversationID, run.Params))

	durable, err := f.st.EventsForRun(context.Background(), run.ID)
	require.NoError(t, err)
	listed := f.listEvents(t, run.ID)
	require.Len(t, listed, len(durable))
	for i := range durable {
		assert.Equal(t, durable[i].ID, listed[i].ID)
		assert.Equal(t, run.ID, listed[i].Metadata.RunID)
	}
}

func TestRun_ExactlyOneWorkerExecutes(t *testing.T) {
	var executions atomic.Int32
	release := make(chan struct{})
	f := newFixture(t, threadFunc(func(ctx context.Context, req thread.Request) (*thread.Outcome, error) {
		executions.Add(1)
		<-release
		return &thread.Outcome{}, nil
	}), Options{})
	run := f.createRun(t)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.coord.Run(context.Background(), run.ID, run.ConversationID, run.Params)
		}()
	}

	require.Eventually(t, func() bool { return executions.Load() == 1 }, waitFor, time.Millisecond)
	// Losers return without waiting for the winner
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), executions.Load())
	assert.Equal(t, []string{"completed"}, f.terminalStatuses(t, run.ID))
}

func TestRun_LockHeldElsewhere(t *testing.T) {
	called := false
	f := newFixture(t, threadFunc(func(ctx context.Context, req thread.Request) (*thread.Outcome, error) {
		called = true
		return &thread.Outcome{}, nil
	}), Options{})
	run := f.createRun(t)
	ok, err := f.shared.SetNX(context.Background(), sharedstore.LockKey(run.ID), "worker-b", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.coord.Run(context.Background(), run.ID, run.ConversationID, run.Params))
	assert.False(t, called)

	owner, err := f.shared.Get(context.Background(), sharedstore.LockKey(run.ID))
	require.NoError(t, err)
	assert.Equal(t, "worker-b", owner, "the other worker's lock is left alone")
}

func TestRun_Failure(t *testing.T) {
	var ended conversation.RunStatus
	f := newFixture(t, threadFunc(func(ctx context.Context, req thread.Request) (*thread.Outcome, error) {
		return &thread.Outcome{Passes: 1}, errors.New("model exploded")
	}), Options{Callbacks: Callbacks{
		OnRunEnded: func(_ context.Context, _ *conversation.Run, status conversation.RunStatus, _ error) {
			ended = status
		},
	}})
	run := f.createRun(t)
	sub := subscribeControl(t, f.shared, run.ID)

	err := f.coord.Run(context.Background(), run.ID, run.ConversationID, run.Params)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")

	got, err := f.st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.RunStatusFailed, got.Status)
	assert.Equal(t, "model exploded", got.Error)
	assert.Equal(t, []string{"failed"}, f.terminalStatuses(t, run.ID))
	assert.Equal(t, sharedstore.SignalError, nextSignal(t, sub))
	assert.Equal(t, conversation.RunStatusFailed, ended)
}

func TestRun_StopRequest(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, threadFunc(func(ctx context.Context, req thread.Request) (*thread.Outcome, error) {
		close(started)
		for !req.Stopped() {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
		return &thread.Outcome{Passes: 1}, thread.ErrStopped
	}), Options{})
	run := f.createRun(t)
	sub := subscribeControl(t, f.shared, run.ID)

	done := make(chan error, 1)
	go func() { done <- f.coord.Run(context.Background(), run.ID, run.ConversationID, run.Params) }()

	<-started
	require.NoError(t, f.coord.RequestStop(context.Background(), run.ID, "user cancelled"))
	assert.Equal(t, sharedstore.SignalStop, nextSignal(t, sub))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("run did not stop")
	}

	got, err := f.st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.RunStatusStopped, got.Status)
	assert.Equal(t, "user cancelled", got.Error)
	assert.Equal(t, []string{"stopped"}, f.terminalStatuses(t, run.ID))

	err = f.coord.RequestStop(context.Background(), run.ID, "again")
	assert.ErrorIs(t, err, store.ErrRunNotRunning)
}

func TestRun_StoppedBeforeStart(t *testing.T) {
	f := newFixture(t, threadFunc(func(ctx context.Context, req thread.Request) (*thread.Outcome, error) {
		if req.Stopped() {
			return &thread.Outcome{}, thread.ErrStopped
		}
		return &thread.Outcome{}, nil
	}), Options{})
	run := f.createRun(t)
	require.NoError(t, f.coord.RequestStop(context.Background(), run.ID, "early"))

	require.NoError(t, f.coord.Run(context.Background(), run.ID, run.ConversationID, run.Params))
	assert.Equal(t, []string{"stopped"}, f.terminalStatuses(t, run.ID))

	// A second dispatch of the same run records nothing new
	require.NoError(t, f.coord.Run(context.Background(), run.ID, run.ConversationID, run.Params))
	assert.Equal(t, []string{"stopped"}, f.terminalStatuses(t, run.ID))
}

func TestRequestStop_ReachesEveryInstance(t *testing.T) {
	f := newFixture(t, threadFunc(sayHello), Options{})
	run := f.createRun(t)
	ctx := context.Background()
	require.NoError(t, f.shared.Set(ctx, sharedstore.LivenessKey("worker-b", run.ID), sharedstore.LivenessValue, time.Hour))
	sub, err := f.shared.Subscribe(ctx, sharedstore.InstanceControlChannel(run.ID, "worker-b"))
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, f.coord.RequestStop(ctx, run.ID, ""))
	assert.Equal(t, sharedstore.SignalStop, nextSignal(t, sub))

	err = f.coord.RequestStop(ctx, "missing", "")
	assert.ErrorIs(t, err, store.ErrRunNotFound)
}

// flakyDurable fails the first status writes
type flakyDurable struct {
	*store.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (d *flakyDurable) UpdateRunStatus(ctx context.Context, id string, status conversation.RunStatus, msg string) error {
	d.calls.Add(1)
	if d.failures.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return d.Store.UpdateRunStatus(ctx, id, status, msg)
}

func TestRun_FinalStatusRetried(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "runloom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	flaky := &flakyDurable{Store: st}
	flaky.failures.Store(2)

	f := newFixtureWith(t, st, flaky, sharedstore.NewMemory(), threadFunc(sayHello), Options{})
	run := f.createRun(t)

	require.NoError(t, f.coord.Run(context.Background(), run.ID, run.ConversationID, run.Params))
	assert.Equal(t, int32(3), flaky.calls.Load())

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.RunStatusCompleted, got.Status)
}

func TestRun_FinalStatusGivesUp(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "runloom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	flaky := &flakyDurable{Store: st}
	flaky.failures.Store(10)

	f := newFixtureWith(t, st, flaky, sharedstore.NewMemory(), threadFunc(sayHello), Options{})
	run := f.createRun(t)

	require.NoError(t, f.coord.Run(context.Background(), run.ID, run.ConversationID, run.Params))
	assert.Equal(t, int32(3), flaky.calls.Load())
	assert.Equal(t, []string{"completed"}, f.terminalStatuses(t, run.ID), "terminal event still recorded")

	exists, err := f.shared.Exists(context.Background(), sharedstore.LockKey(run.ID))
	require.NoError(t, err)
	assert.False(t, exists)
}

// lockedReads fails the first run loads
type lockedReads struct {
	*store.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (d *lockedReads) GetRun(ctx context.Context, id string) (*conversation.Run, error) {
	d.calls.Add(1)
	if d.failures.Add(-1) >= 0 {
		return nil, errors.New("database is locked")
	}
	return d.Store.GetRun(ctx, id)
}

func TestRun_LoadRetried(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "runloom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	locked := &lockedReads{Store: st}
	locked.failures.Store(1)

	f := newFixtureWith(t, st, locked, sharedstore.NewMemory(), threadFunc(sayHello), Options{})
	run := f.createRun(t)

	require.NoError(t, f.coord.Run(context.Background(), run.ID, run.ConversationID, run.Params))
	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.RunStatusCompleted, got.Status)
	assert.Equal(t, []string{"completed"}, f.terminalStatuses(t, run.ID))
}

func TestRun_LoadFailureEndsRun(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "runloom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	locked := &lockedReads{Store: st}
	locked.failures.Store(3)

	var ran atomic.Bool
	f := newFixtureWith(t, st, locked, sharedstore.NewMemory(), threadFunc(func(ctx context.Context, req thread.Request) (*thread.Outcome, error) {
		ran.Store(true)
		return sayHello(ctx, req)
	}), Options{})
	run := f.createRun(t)
	control := subscribeControl(t, f.shared, run.ID)

	err = f.coord.Run(context.Background(), run.ID, run.ConversationID, run.Params)
	require.ErrorContains(t, err, "failed to load run")
	assert.False(t, ran.Load())
	assert.Equal(t, int32(3), locked.calls.Load())

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.RunStatusFailed, got.Status)
	assert.Contains(t, got.Error, "database is locked")
	assert.Equal(t, []string{"failed"}, f.terminalStatuses(t, run.ID))
	assert.Equal(t, sharedstore.SignalError, nextSignal(t, control))
}

func TestStart_DispatchesRun(t *testing.T) {
	ended := make(chan conversation.RunStatus, 1)
	var seen []conversation.Kind
	var mu sync.Mutex
	f := newFixture(t, threadFunc(sayHello), Options{Callbacks: ComposeCallbacks(
		Callbacks{OnEventPersisted: func(_ context.Context, ev *conversation.Event) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, ev.Kind)
		}},
		Callbacks{OnRunEnded: func(_ context.Context, _ *conversation.Run, status conversation.RunStatus, _ error) {
			ended <- status
		}},
	)})

	run, err := f.coord.Start(context.Background(), "conv-1", "hi there", conversation.RunParams{Model: "m"})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)

	select {
	case status := <-ended:
		assert.Equal(t, conversation.RunStatusCompleted, status)
	case <-time.After(waitFor):
		t.Fatal("run did not end")
	}
	f.coord.Wait()

	events, err := f.st.EventsForRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	c, _ := events[0].DecodeContent()
	assert.Equal(t, "hi there", c.Content)
	assert.Equal(t, int64(1), events[0].Sequence)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []conversation.Kind{conversation.KindUser, conversation.KindAssistant, conversation.KindStatus}, seen)
	assert.Len(t, f.listEvents(t, run.ID), 3)
}

func TestStart_Rejections(t *testing.T) {
	f := newFixture(t, threadFunc(sayHello), Options{Admission: NewAdmission(0.001, 1)})
	ctx := context.Background()

	_, err := f.coord.Start(ctx, "conv-1", "  ", conversation.RunParams{})
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = f.coord.Start(ctx, "conv-1", "one", conversation.RunParams{})
	require.NoError(t, err)
	_, err = f.coord.Start(ctx, "conv-1", "two", conversation.RunParams{})
	assert.ErrorIs(t, err, ErrAdmissionDenied)
	_, err = f.coord.Start(ctx, "conv-2", "other conversation", conversation.RunParams{})
	assert.NoError(t, err)

	require.NoError(t, f.coord.Shutdown(ctx))
	_, err = f.coord.Start(ctx, "conv-3", "late", conversation.RunParams{})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdown_CancelsRuns(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, threadFunc(func(ctx context.Context, req thread.Request) (*thread.Outcome, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}), Options{})

	run, err := f.coord.Start(context.Background(), "conv-1", "long task", conversation.RunParams{})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.coord.Shutdown(ctx))

	got, err := f.st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.RunStatusFailed, got.Status)
	assert.Equal(t, []string{"failed"}, f.terminalStatuses(t, run.ID))
}

func TestShutdown_EndsQueuedRuns(t *testing.T) {
	started := make(chan struct{}, 2)
	f := newFixture(t, threadFunc(func(ctx context.Context, req thread.Request) (*thread.Outcome, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}), Options{MaxConcurrent: 1})

	running, err := f.coord.Start(context.Background(), "conv-1", "long task", conversation.RunParams{})
	require.NoError(t, err)
	<-started
	queued, err := f.coord.Start(context.Background(), "conv-2", "waits for a slot", conversation.RunParams{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.coord.Shutdown(ctx))
	assert.Len(t, started, 0, "queued run never reaches the thread manager")

	for _, id := range []string{running.ID, queued.ID} {
		got, err := f.st.GetRun(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, conversation.RunStatusFailed, got.Status)
		assert.Equal(t, []string{"failed"}, f.terminalStatuses(t, id))
	}
	got, err := f.st.GetRun(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, ErrShuttingDown.Error())
}
