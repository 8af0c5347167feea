// Package logger configures structured logging for runloom.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	slogger *slog.Logger
	logFile *os.File
)

// Options controls InitSlog
type Options struct {
	// LogDir receives a dated log file; empty logs to stdout only
	LogDir string
	// JSON selects the JSON handler for production
	JSON  bool
	Level string
}

// InitSlog initializes the slog-based logger and installs it as the default
func InitSlog(opts Options) error {
	var writer io.Writer = os.Stdout

	if opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
			return err
		}

		logFileName := "runloom-" + time.Now().Format("2006-01-02") + ".log"
		var err error
		logFile, err = os.OpenFile(filepath.Join(opts.LogDir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		writer = io.MultiWriter(os.Stdout, logFile)
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(writer, handlerOpts)
	} else {
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)
	return nil
}

// ParseLevel maps a config string to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Close closes the log file
func Close() error {
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// Slog returns the slog.Logger instance for structured logging
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// Context keys for structured logging
type contextKey string

const (
	ContextKeyRequestID      contextKey = "request_id"
	ContextKeyRunID          contextKey = "run_id"
	ContextKeyConversationID contextKey = "conversation_id"
	ContextKeyWorkerID       contextKey = "worker_id"
)

var contextKeys = []contextKey{
	ContextKeyRequestID,
	ContextKeyRunID,
	ContextKeyConversationID,
	ContextKeyWorkerID,
}

// WithRun returns ctx carrying the run and conversation ids for logging
func WithRun(ctx context.Context, runID, conversationID string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyRunID, runID)
	return context.WithValue(ctx, ContextKeyConversationID, conversationID)
}

// WithContext returns a logger with context fields
func WithContext(ctx context.Context) *slog.Logger {
	logger := Slog()
	if ctx == nil {
		return logger
	}
	for _, key := range contextKeys {
		if v := ctx.Value(key); v != nil {
			logger = logger.With(string(key), v)
		}
	}
	return logger
}

// InfoContext logs an info message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// ErrorContext logs an error with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// WarnContext logs a warning with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// DebugContext logs debug info with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}
