package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/run"
	"github.com/HyphaGroup/runloom/internal/sharedstore"
	"github.com/HyphaGroup/runloom/internal/store"
	"github.com/HyphaGroup/runloom/internal/stream"
	"github.com/HyphaGroup/runloom/internal/testutil"
)

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testServer struct {
	srv   *Server
	coord *run.Coordinator
	st    *store.Store
}

func newTestServer(t *testing.T, threads run.Threads, opts run.Options) *testServer {
	t.Helper()
	st := testutil.OpenStore(t)
	shared := sharedstore.NewMemory()
	coord := run.NewCoordinator(run.WorkerIdentity{ID: "worker-a"}, st, shared, threads, testutil.FastPolicy(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})

	srv := NewServer(Config{}, Deps{
		Coordinator: coord,
		Bridge:      stream.NewBridge(shared, st),
		Runs:        st,
		Ready:       map[string]Pinger{"database": st, "shared_store": shared},
	})
	return &testServer{srv: srv, coord: coord, st: st}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	var resp APIResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func (ts *testServer) start(t *testing.T, body StartRunRequest) string {
	t.Helper()
	rec, resp := ts.do(t, http.MethodPost, "/v1/runs", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	id, _ := data["run_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, testutil.Reply("done"), run.Options{})

	rec, _ := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec, _ = ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.srv.deps.Ready["redis"] = failingPinger{}
	rec, _ = ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis unavailable")
}

func TestRequestIDPropagated(t *testing.T) {
	ts := newTestServer(t, testutil.Reply("done"), run.Options{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc123")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc123", rec.Header().Get(requestIDHeader))
}

func TestStartRun_Lifecycle(t *testing.T) {
	ts := newTestServer(t, testutil.Reply("done"), run.Options{})
	id := ts.start(t, StartRunRequest{ConversationID: "conv-1", Prompt: "hello"})
	ts.coord.Wait()

	rec, resp := ts.do(t, http.MethodGet, "/v1/runs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "completed", data["status"])
	params := data["params"].(map[string]any)
	assert.Equal(t, true, params["stream"])

	rec, resp = ts.do(t, http.MethodGet, "/v1/runs/"+id+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := resp.Data.([]any)
	require.Len(t, events, 3)
	first := events[0].(map[string]any)
	assert.Equal(t, "user", first["kind"])
	assert.ElementsMatch(t,
		[]string{"sequence", "event_id", "conversation_id", "kind", "payload", "metadata", "created_at"},
		keys(first))

	rec, _ = ts.do(t, http.MethodPost, "/v1/runs/"+id+"/stop", StopRunRequest{Reason: "late"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestStartRun_Rejections(t *testing.T) {
	ts := newTestServer(t, testutil.Reply("done"), run.Options{Admission: run.NewAdmission(0.001, 1)})

	tests := []struct {
		name string
		body any
		code int
	}{
		{"malformed json", "not an object", http.StatusBadRequest},
		{"missing prompt", StartRunRequest{ConversationID: "conv-1"}, http.StatusBadRequest},
		{"bad conversation", StartRunRequest{ConversationID: "a b", Prompt: "x"}, http.StatusBadRequest},
		{"bad limit", StartRunRequest{ConversationID: "conv-1", Prompt: "x", MaxAutoContinues: -3}, http.StatusBadRequest},
		{"accepted", StartRunRequest{ConversationID: "conv-1", Prompt: "x"}, http.StatusAccepted},
		{"too fast", StartRunRequest{ConversationID: "conv-1", Prompt: "y"}, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := ts.do(t, http.MethodPost, "/v1/runs", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code == http.StatusAccepted, resp.Success)
		})
	}
}

func TestRunRoutes_NotFoundAndInvalid(t *testing.T) {
	ts := newTestServer(t, testutil.Reply("done"), run.Options{})
	missing := "550e8400-e29b-41d4-a716-446655440000"

	for _, path := range []string{"/v1/runs/" + missing, "/v1/runs/" + missing + "/events", "/v1/runs/" + missing + "/stream"} {
		rec, _ := ts.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec, _ := ts.do(t, http.MethodPost, "/v1/runs/"+missing+"/stop", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = ts.do(t, http.MethodGet, "/v1/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopRun(t *testing.T) {
	blocking := testutil.NewBlockingThread()
	ts := newTestServer(t, blocking, run.Options{})

	id := ts.start(t, StartRunRequest{ConversationID: "conv-1", Prompt: "work"})
	<-blocking.Started

	rec, _ := ts.do(t, http.MethodPost, "/v1/runs/"+id+"/stop", StopRunRequest{Reason: "enough"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	ts.coord.Wait()

	r, err := ts.st.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, conversation.RunStatusStopped, r.Status)
}

func TestStreamRun_ServerSentEvents(t *testing.T) {
	ts := newTestServer(t, testutil.Reply("done"), run.Options{})
	id := ts.start(t, StartRunRequest{ConversationID: "conv-1", Prompt: "hello"})
	ts.coord.Wait()

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/v1/runs/" + id + "/stream")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []conversation.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev conversation.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, events, 3)
	assert.Equal(t, conversation.KindUser, events[0].Kind)
	p, ok := events[2].DecodeStatus()
	require.True(t, ok)
	assert.Equal(t, "completed", p.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, testutil.Reply("done"), run.Options{})
	ts.do(t, http.MethodGet, "/health", nil)

	rec, _ := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "runloom_requests_total")
}
