// Package cleanup runs periodic housekeeping: it reports runs whose worker
// disappeared, trims idle admission limiters and watches disk usage of the
// data directory.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/runloom/internal/conversation"
	"github.com/HyphaGroup/runloom/internal/logger"
	"github.com/HyphaGroup/runloom/internal/metrics"
	"github.com/HyphaGroup/runloom/internal/run"
	"github.com/HyphaGroup/runloom/internal/sharedstore"
)

// ErrInvalidSchedule is returned for unparseable cron expressions
var ErrInvalidSchedule = errors.New("invalid cron schedule")

// cronParser is configured for standard 5-field cron (minute hour day month weekday)
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Runs lists durable runs by status
type Runs interface {
	ListRunsByStatus(ctx context.Context, status conversation.RunStatus) ([]*conversation.Run, error)
}

// Liveness finds liveness keys in the shared store
type Liveness interface {
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Config holds cleanup configuration.
type Config struct {
	Schedule         string        // 5-field cron expression
	AbandonedAfter   time.Duration // Minimum age before a running run without liveness is reported
	DataDir          string        // Directory whose filesystem is checked for free space
	DiskWarnPercent  float64
	DiskErrorPercent float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(dataDir string) Config {
	return Config{
		Schedule:         "*/5 * * * *",
		AbandonedAfter:   30 * time.Minute,
		DataDir:          dataDir,
		DiskWarnPercent:  80.0,
		DiskErrorPercent: 90.0,
	}
}

// Abandoned is a run marked running whose worker no longer refreshes liveness
type Abandoned struct {
	RunID          string
	ConversationID string
	WorkerID       string
	Age            time.Duration
}

// Monitor performs periodic cleanup on a cron schedule.
// It only reports abandoned runs; it never restarts them.
type Monitor struct {
	runs      Runs
	live      Liveness
	admission *run.Admission
	cfg       Config
	sched     cron.Schedule
	now       func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New validates the schedule and creates a Monitor
func New(runs Runs, live Liveness, admission *run.Admission, cfg Config) (*Monitor, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSchedule, err)
	}
	return &Monitor{
		runs:      runs,
		live:      live,
		admission: admission,
		cfg:       cfg,
		sched:     sched,
		now:       time.Now,
	}, nil
}

// NextRun reports when the next sweep after t is due
func (m *Monitor) NextRun(t time.Time) time.Time {
	return m.sched.Next(t)
}

// Start begins the scheduled sweeps
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return
	}
	m.cron = cron.New(cron.WithParser(cronParser))
	m.cron.Schedule(m.sched, cron.FuncJob(m.runCleanup))
	m.cron.Start()
	logger.InfoContext(context.Background(), "Cleanup started",
		"schedule", m.cfg.Schedule, "abandoned_after", m.cfg.AbandonedAfter)
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to end
func (m *Monitor) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	logger.InfoContext(ctx, "Cleanup stopped")
}

// runCleanup performs all cleanup tasks.
func (m *Monitor) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := m.Sweep(ctx); err != nil {
		logger.ErrorContext(ctx, "Abandoned run sweep failed", "error", err)
	}
	if removed := m.admission.Cleanup(m.cfg.AbandonedAfter); removed > 0 {
		logger.DebugContext(ctx, "Removed idle admission limiters", "count", removed)
	}
	m.checkDiskUsage(ctx)
}

// Sweep finds running runs older than AbandonedAfter that no worker holds
// liveness for, logs them and updates the abandoned run gauge
func (m *Monitor) Sweep(ctx context.Context) ([]Abandoned, error) {
	running, err := m.runs.ListRunsByStatus(ctx, conversation.RunStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("listing running runs: %w", err)
	}

	now := m.now()
	var abandoned []Abandoned
	for _, r := range running {
		age := now.Sub(r.StartedAt)
		if age < m.cfg.AbandonedAfter {
			continue
		}
		keys, err := m.live.Keys(ctx, sharedstore.LivenessPattern(r.ID))
		if err != nil {
			return nil, fmt.Errorf("checking liveness of %s: %w", r.ID, err)
		}
		if len(keys) > 0 {
			continue
		}
		abandoned = append(abandoned, Abandoned{
			RunID:          r.ID,
			ConversationID: r.ConversationID,
			WorkerID:       r.WorkerID,
			Age:            age,
		})
		logger.WarnContext(ctx, "Run abandoned by its worker",
			"run_id", r.ID, "conversation_id", r.ConversationID, "worker_id", r.WorkerID, "age", age.Round(time.Second))
	}

	metrics.SetAbandonedRuns(len(abandoned))
	return abandoned, nil
}

// checkDiskUsage monitors disk usage and logs warnings.
func (m *Monitor) checkDiskUsage(ctx context.Context) {
	if m.cfg.DataDir == "" {
		return
	}
	_, _, usedPercent, err := DiskUsage(m.cfg.DataDir)
	if err != nil {
		return
	}
	if usedPercent >= m.cfg.DiskErrorPercent {
		logger.ErrorContext(ctx, "Disk usage critical", "dir", m.cfg.DataDir, "used_percent", usedPercent)
	} else if usedPercent >= m.cfg.DiskWarnPercent {
		logger.WarnContext(ctx, "Disk usage high", "dir", m.cfg.DataDir, "used_percent", usedPercent)
	}
}

// DiskUsage returns current disk usage stats of the filesystem holding dir.
func DiskUsage(dir string) (usedBytes, totalBytes uint64, usedPercent float64, err error) {
	var stat syscall.Statfs_t
	if err = syscall.Statfs(dir, &stat); err != nil {
		return
	}

	totalBytes = stat.Blocks * uint64(stat.Bsize)
	freeBytes := stat.Bfree * uint64(stat.Bsize)
	usedBytes = totalBytes - freeBytes
	if totalBytes > 0 {
		usedPercent = float64(usedBytes) / float64(totalBytes) * 100
	}
	return
}
