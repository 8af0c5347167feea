package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HyphaGroup/runloom/internal/api"
	"github.com/HyphaGroup/runloom/internal/audit"
	"github.com/HyphaGroup/runloom/internal/cleanup"
	"github.com/HyphaGroup/runloom/internal/config"
	"github.com/HyphaGroup/runloom/internal/llm/openai"
	"github.com/HyphaGroup/runloom/internal/logger"
	"github.com/HyphaGroup/runloom/internal/mcp"
	"github.com/HyphaGroup/runloom/internal/processor"
	"github.com/HyphaGroup/runloom/internal/retry"
	"github.com/HyphaGroup/runloom/internal/run"
	"github.com/HyphaGroup/runloom/internal/sharedstore"
	"github.com/HyphaGroup/runloom/internal/store"
	"github.com/HyphaGroup/runloom/internal/stream"
	"github.com/HyphaGroup/runloom/internal/thread"
	"github.com/HyphaGroup/runloom/internal/tokens"
	"github.com/HyphaGroup/runloom/internal/tools"
)

const shutdownTimeout = 30 * time.Second

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.LoadAll(configPath, true)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	level := cfg.Server.LogLevel
	if debug {
		level = "debug"
	}
	if err := logger.InitSlog(logger.Options{LogDir: cfg.LogDir(), JSON: cfg.Server.JSONLogs, Level: level}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Close() }()

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	shared, err := openShared(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = shared.Close() }()

	cred, ok := cfg.Providers.DefaultCredential()
	if !ok || cred.APIKey == "" {
		logger.WarnContext(ctx, "No provider API key configured; runs will fail until providers.credentials is set")
	}
	client := openai.New(cred.Provider, cred.APIKey, cred.BaseURL)

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		return err
	}
	proc, err := processor.New(processor.FromSection(cfg.Processor), tools.NewExecutor(registry), tokens.Default())
	if err != nil {
		return err
	}
	policy := retry.NewPolicy(retryRule(cfg.Retry.Transient), retryRule(cfg.Retry.Upstream)).
		OnRetry(func(class retry.Class, attempt int, err error, wait time.Duration) {
			logger.WarnContext(ctx, "Retrying", "class", class, "attempt", attempt, "wait", wait, "error", err)
		})

	threads := thread.NewManager(client, proc, st, registry, policy)
	threads.DefaultSystemPrompt = cfg.Runs.SystemPrompt
	threads.DefaultMaxAutoContinues = cfg.Runs.MaxAutoContinues

	identity := run.NewWorkerIdentity(cfg.Server.WorkerID)
	admission := run.NewAdmission(cfg.Runs.StartsPerSecond, cfg.Runs.StartBurst)
	coord := run.NewCoordinator(identity, st, shared, threads, policy, run.Options{
		LockTTL:         cfg.KeyTTL(),
		KeyTTL:          cfg.KeyTTL(),
		LivenessRefresh: cfg.LivenessRefresh(),
		MaxConcurrent:   cfg.Runs.MaxConcurrent,
		Admission:       admission,
		Audit:           audit.Default(),
	})
	defaults := run.Defaults{Models: cfg.Models.Registry(), MaxAutoContinues: cfg.Runs.MaxAutoContinues}

	mcpServer, err := mcp.NewServer(mcp.Deps{Coordinator: coord, Runs: st, Defaults: defaults, Version: version})
	if err != nil {
		return err
	}
	server := api.NewServer(api.Config{Address: cfg.Server.Address, Debug: level == "debug"}, api.Deps{
		Coordinator: coord,
		Bridge:      stream.NewBridge(shared, st),
		Runs:        st,
		Defaults:    defaults,
		Ready:       map[string]api.Pinger{"database": st, "shared_store": shared},
		MCP:         mcpServer.Handler(),
	})

	var monitor *cleanup.Monitor
	if cfg.Cleanup.Enabled {
		ccfg := cleanup.DefaultConfig(cfg.Server.DataDir)
		ccfg.Schedule = cfg.Cleanup.Schedule
		ccfg.AbandonedAfter = time.Duration(cfg.Cleanup.AbandonedAfterMinutes) * time.Minute
		monitor, err = cleanup.New(st, shared, admission, ccfg)
		if err != nil {
			return err
		}
		monitor.Start()
	}

	logger.InfoContext(ctx, "Worker ready",
		"worker_id", identity.ID, "address", cfg.Server.Address, "database", cfg.DatabasePath(), "version", version)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Serve() }()

	select {
	case err := <-serverErr:
		if err != nil {
			return err
		}
	case <-sigCtx.Done():
		logger.InfoContext(ctx, "Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if monitor != nil {
		monitor.Stop(shutdownCtx)
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("run shutdown: %w", err))
	}
	logger.InfoContext(shutdownCtx, "Shutdown complete")
	return errors.Join(errs...)
}

// openShared connects to Redis, or falls back to the in-process store
func openShared(ctx context.Context, cfg *config.Config) (sharedstore.Store, error) {
	if cfg.Redis.Address == "" {
		logger.WarnContext(ctx, "No redis.address configured; using the in-process store (single worker only)")
		return sharedstore.NewMemory(), nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	r, err := sharedstore.NewRedis(dialCtx, sharedstore.RedisOptions{
		Address:  cfg.Redis.Address,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func retryRule(r config.RetryRule) retry.Rule {
	return retry.Rule{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.Delay(),
		MaxDelay:     r.MaxDelay(),
		Multiplier:   r.Multiplier,
	}
}
