// Package store is the durable system of record: runs and the append-only
// conversation event log, kept in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/HyphaGroup/runloom/internal/conversation"
)

var (
	ErrRunNotFound   = errors.New("run not found")
	ErrRunNotRunning = errors.New("run is not running")
	ErrRunExists     = errors.New("run already exists")
)

// Store handles run and event persistence
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Writers take the lock at BEGIN so concurrent appends queue on the busy
	// timeout instead of failing on lock upgrade.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		error TEXT NOT NULL DEFAULT '',
		params TEXT NOT NULL DEFAULT '{}',
		worker_id TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_conversation ON runs(conversation_id);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL,
		sequence INTEGER NOT NULL,
		kind TEXT NOT NULL,
		model_visible INTEGER NOT NULL,
		payload TEXT NOT NULL,
		metadata TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (conversation_id, position)
	);
	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, position);
	CREATE INDEX IF NOT EXISTS idx_events_visible ON events(conversation_id, model_visible, sequence);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateRun inserts a new run. ID and StartedAt are filled in when empty.
func (s *Store) CreateRun(ctx context.Context, run *conversation.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = conversation.RunStatusRunning
	}
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to encode run params: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, conversation_id, status, started_at, completed_at, error, params, worker_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		run.ID, run.ConversationID, string(run.Status), run.StartedAt, run.CompletedAt,
		run.Error, string(params), run.WorkerID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunExists
	}
	return nil
}

const runColumns = `id, conversation_id, status, started_at, completed_at, error, params, worker_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*conversation.Run, error) {
	var run conversation.Run
	var status, params string
	var completedAt sql.NullTime
	if err := row.Scan(&run.ID, &run.ConversationID, &status, &run.StartedAt, &completedAt,
		&run.Error, &params, &run.WorkerID); err != nil {
		return nil, err
	}
	run.Status = conversation.RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(params), &run.Params); err != nil {
		return nil, fmt.Errorf("failed to decode run params: %w", err)
	}
	return &run, nil
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(ctx context.Context, id string) (*conversation.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return run, nil
}

// SetRunWorker records the worker instance that owns a running run
func (s *Store) SetRunWorker(ctx context.Context, id, workerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET worker_id = ? WHERE id = ? AND status = ?`,
		workerID, id, string(conversation.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("failed to update run worker: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// UpdateRunStatus moves a running run to a terminal status. Runs that
// already left running are not touched and yield ErrRunNotRunning.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status conversation.RunStatus, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("invalid final status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?, error = ?
		WHERE id = ? AND status = ?`,
		string(status), time.Now().UTC(), errMsg, id, string(conversation.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *Store) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, id); err != nil {
		return err
	}
	return ErrRunNotRunning
}

// ListRunsByStatus returns runs with the given status, oldest first
func (s *Store) ListRunsByStatus(ctx context.Context, status conversation.RunStatus) ([]*conversation.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY started_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*conversation.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
