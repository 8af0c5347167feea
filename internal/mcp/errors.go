package mcp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/HyphaGroup/runloom/internal/logger"
	"github.com/HyphaGroup/runloom/internal/run"
	"github.com/HyphaGroup/runloom/internal/store"
	"github.com/HyphaGroup/runloom/internal/validation"
)

// sensitivePatterns contains substrings that indicate sensitive error details
var sensitivePatterns = []string{
	"api_key",
	"apikey",
	"authorization",
	"bearer",
	"password",
	"secret",
	"credential",
}

// internalErrorPatterns contains substrings that indicate internal errors
var internalErrorPatterns = []string{
	"connection refused",
	"no such file",
	"permission denied",
	"database is locked",
	"sqlite",
	"redis",
	"timeout",
	"context canceled",
	"EOF",
}

// clientErrors pass through unchanged
var clientErrors = []error{
	validation.ErrInvalid,
	run.ErrEmptyPrompt,
	run.ErrAdmissionDenied,
	run.ErrShuttingDown,
	store.ErrRunNotFound,
	store.ErrRunNotRunning,
	store.ErrRunExists,
}

// SanitizeError returns a client-safe error message.
// Internal details are logged but not exposed to clients.
func SanitizeError(err error, operation string) error {
	if err == nil {
		return nil
	}
	for _, known := range clientErrors {
		if errors.Is(err, known) {
			return err
		}
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, pattern) {
			logger.Slog().Error("Tool failed (sensitive)", "tool", operation, "error", err)
			return fmt.Errorf("%s failed: internal configuration error", operation)
		}
	}
	for _, pattern := range internalErrorPatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			logger.Slog().Error("Tool failed (internal)", "tool", operation, "error", err)
			return fmt.Errorf("%s failed: internal error", operation)
		}
	}

	if isUserFacingError(lower) {
		return err
	}
	logger.Slog().Error("Tool failed", "tool", operation, "error", err)
	return fmt.Errorf("%s failed: %s", operation, genericErrorMessage(err.Error()))
}

// isUserFacingError returns true if the error message is safe to show to users
func isUserFacingError(lower string) bool {
	for _, pattern := range []string{"not found", "already exists", "invalid", "required", "must be", "exceeded"} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// genericErrorMessage keeps short messages and hides long ones
func genericErrorMessage(errStr string) string {
	if len(errStr) < 50 {
		return errStr
	}
	return "an unexpected error occurred"
}
