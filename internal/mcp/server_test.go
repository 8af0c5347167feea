package mcp

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/run"
	"github.com/HyphaGroup/runloom/internal/sharedstore"
	"github.com/HyphaGroup/runloom/internal/testutil"
)

type harness struct {
	coord   *run.Coordinator
	session *mcp_sdk.ClientSession
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := testutil.OpenStore(t)
	coord := run.NewCoordinator(run.WorkerIdentity{ID: "worker-a"}, st, sharedstore.NewMemory(),
		testutil.Reply("hi"), testutil.FastPolicy(), run.Options{})

	srv, err := NewServer(Deps{Coordinator: coord, Runs: st, Version: "test"})
	require.NoError(t, err)
	httpSrv := httptest.NewServer(srv.Handler())

	client := mcp_sdk.NewClient(&mcp_sdk.Implementation{Name: "runloom-test", Version: "0.0.0"}, nil)
	session, err := client.Connect(context.Background(), &mcp_sdk.StreamableClientTransport{Endpoint: httpSrv.URL}, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = session.Close()
		httpSrv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return &harness{coord: coord, session: session}
}

func (h *harness) call(t *testing.T, name string, args map[string]any) (string, bool) {
	t.Helper()
	res, err := h.session.CallTool(context.Background(), &mcp_sdk.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp_sdk.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func TestServer_ListsRunTools(t *testing.T) {
	h := newHarness(t)
	res, err := h.session.ListTools(context.Background(), &mcp_sdk.ListToolsParams{})
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"run_start", "run_stop", "run_status", "run_events"}, names)
}

func TestServer_RunLifecycle(t *testing.T) {
	h := newHarness(t)

	text, isErr := h.call(t, "run_start", map[string]any{"conversation_id": "conv-1", "prompt": "hello"})
	require.False(t, isErr, text)
	var started conversation.Run
	require.NoError(t, json.Unmarshal([]byte(text), &started))
	assert.Equal(t, conversation.RunStatusRunning, started.Status)
	h.coord.Wait()

	text, isErr = h.call(t, "run_status", map[string]any{"run_id": started.ID})
	require.False(t, isErr, text)
	var got conversation.Run
	require.NoError(t, json.Unmarshal([]byte(text), &got))
	assert.Equal(t, conversation.RunStatusCompleted, got.Status)

	text, isErr = h.call(t, "run_events", map[string]any{"run_id": started.ID})
	require.False(t, isErr, text)
	var events []conversation.Event
	require.NoError(t, json.Unmarshal([]byte(text), &events))
	require.Len(t, events, 3)
	assert.Equal(t, conversation.KindUser, events[0].Kind)
	assert.Equal(t, conversation.KindStatus, events[2].Kind)

	text, isErr = h.call(t, "run_events", map[string]any{"run_id": started.ID, "limit": 1})
	require.False(t, isErr, text)
	require.NoError(t, json.Unmarshal([]byte(text), &events))
	assert.Len(t, events, 1)

	text, isErr = h.call(t, "run_stop", map[string]any{"run_id": started.ID})
	assert.True(t, isErr)
	assert.Contains(t, text, "not running")
}

func TestServer_ToolErrors(t *testing.T) {
	h := newHarness(t)

	text, isErr := h.call(t, "run_start", map[string]any{"conversation_id": "conv-1", "prompt": ""})
	assert.True(t, isErr)
	assert.Contains(t, text, "prompt")

	text, isErr = h.call(t, "run_status", map[string]any{"run_id": "550e8400-e29b-41d4-a716-446655440000"})
	assert.True(t, isErr)
	assert.Contains(t, text, "not found")

	text, isErr = h.call(t, "run_status", map[string]any{"run_id": "nope"})
	assert.True(t, isErr)
	assert.Contains(t, text, "invalid")
}
