// Package api exposes runs over HTTP: start, stop, status, event history
// and a server-sent event stream, plus health, readiness and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/logger"
	"github.com/HyphaGroup/runloom/internal/metrics"
	"github.com/HyphaGroup/runloom/internal/run"
	"github.com/HyphaGroup/runloom/internal/stream"
)

// Runs reads run state from the durable store
type Runs interface {
	GetRun(ctx context.Context, id string) (*conversation.Run, error)
	EventsForRun(ctx context.Context, runID string) ([]conversation.Event, error)
}

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the HTTP server settings
type Config struct {
	Address      string
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Deps are the components the API serves
type Deps struct {
	Coordinator *run.Coordinator
	Bridge      *stream.Bridge
	Runs        Runs
	Defaults    run.Defaults
	// Ready maps a dependency name to its readiness check
	Ready map[string]Pinger
	// MCP, when set, is mounted at /mcp
	MCP http.Handler
}

// Server is the HTTP adapter
type Server struct {
	deps       Deps
	engine     *gin.Engine
	httpServer *http.Server
}

// NewServer builds the router
func NewServer(cfg Config, deps Deps) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestID(), accessLog(), metrics.GinMiddleware())

	s := &Server{deps: deps, engine: engine}
	s.routes()

	// WriteTimeout stays 0 by default: event streams are long-lived
	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ready", s.handleReady)
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := s.engine.Group("/v1")
	v1.POST("/runs", s.handleStartRun)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/stop", s.handleStopRun)
	v1.GET("/runs/:id/events", s.handleRunEvents)
	v1.GET("/runs/:id/stream", s.handleStreamRun)

	if s.deps.MCP != nil {
		s.engine.Any("/mcp", gin.WrapH(s.deps.MCP))
		s.engine.Any("/mcp/*path", gin.WrapH(s.deps.MCP))
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens until Shutdown is called
func (s *Server) Serve() error {
	logger.InfoContext(context.Background(), "HTTP server listening", "address", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for handlers to return
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
