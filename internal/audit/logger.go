// Package audit writes structured records of run lifecycle operations:
// starts, stop requests and run ends.
package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpRunStart       Operation = "run.start"
	OpRunStopRequest Operation = "run.stop_request"
	OpRunEnd         Operation = "run.end"
)

// Event represents an audit log entry
type Event struct {
	Timestamp      time.Time      `json:"timestamp"`
	Operation      Operation      `json:"operation"`
	RunID          string         `json:"run_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	WorkerID       string         `json:"worker_id,omitempty"`
	RequestID      string         `json:"request_id,omitempty"`
	Status         string         `json:"status,omitempty"`
	Success        bool           `json:"success"`
	Error          string         `json:"error,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(true)
	})
	return defaultLogger
}

// New creates a new audit logger writing JSON to stdout
func New(enabled bool) *Logger {
	return NewWithWriter(os.Stdout, enabled)
}

// NewWithWriter creates an audit logger writing JSON to w
func NewWithWriter(w io.Writer, enabled bool) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: enabled,
	}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event
func (l *Logger) Log(event *Event) {
	if l == nil {
		return
	}
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}

	if event.RunID != "" {
		attrs = append(attrs, slog.String("run_id", event.RunID))
	}
	if event.ConversationID != "" {
		attrs = append(attrs, slog.String("conversation_id", event.ConversationID))
	}
	if event.WorkerID != "" {
		attrs = append(attrs, slog.String("worker_id", event.WorkerID))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.Status != "" {
		attrs = append(attrs, slog.String("status", event.Status))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
}

// LogFailure records a failed operation on a run
func (l *Logger) LogFailure(op Operation, runID, conversationID string, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	l.Log(&Event{
		Operation:      op,
		RunID:          runID,
		ConversationID: conversationID,
		Success:        false,
		Error:          errMsg,
	})
}
