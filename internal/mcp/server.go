// Package mcp exposes run orchestration as Model Context Protocol tools
// over the streamable HTTP transport.
package mcp

import (
	"context"
	"net/http"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/logger"
	"github.com/HyphaGroup/runloom/internal/run"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Runs reads durable run state
type Runs interface {
	GetRun(ctx context.Context, runID string) (*conversation.Run, error)
	EventsForRun(ctx context.Context, runID string) ([]conversation.Event, error)
}

// Deps are the services the tools operate on
type Deps struct {
	Coordinator *run.Coordinator
	Runs        Runs
	Defaults    run.Defaults
	Version     string
}

// Server holds the tool registry and the MCP SDK server built from it
type Server struct {
	deps      Deps
	registry  *Registry
	mcpServer *mcp_sdk.Server
}

// NewServer creates the MCP server and registers the run tools
func NewServer(deps Deps) (*Server, error) {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := &Server{deps: deps, registry: NewRegistry()}
	if err := s.registerTools(); err != nil {
		return nil, err
	}

	s.mcpServer = mcp_sdk.NewServer(&mcp_sdk.Implementation{
		Name:    "runloom",
		Version: deps.Version,
	}, nil)
	s.registry.RegisterWithMCPServer(s.mcpServer)
	return s, nil
}

// Registry returns the tool registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler returns the streamable HTTP handler serving every MCP session
func (s *Server) Handler() http.Handler {
	h := mcp_sdk.NewStreamableHTTPHandler(func(*http.Request) *mcp_sdk.Server {
		return s.mcpServer
	}, &mcp_sdk.StreamableHTTPOptions{
		EventStore: mcp_sdk.NewMemoryEventStore(nil),
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.DebugContext(r.Context(), "MCP request", "method", r.Method, "path", r.URL.Path)
		h.ServeHTTP(w, r)
	})
}
