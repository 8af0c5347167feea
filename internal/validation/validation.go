// Package validation checks identifiers and run parameters at the edges of
// the service, before they reach the stores.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid input")

const (
	MaxIdentifierLength = 128
	MaxPromptBytes      = 256 * 1024
	MaxAutoContinues    = 1000
)

var (
	// UUIDRegex matches standard UUID format
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// identifierRegex matches client-chosen identifiers (alphanumeric, dash, underscore, dot, colon)
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	// modelRegex also allows the slash used by provider-prefixed model names
	modelRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:/@-]+$`)
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// ValidateUUID checks if the string is a valid UUID
func ValidateUUID(id string) error {
	if id == "" {
		return invalid("ID cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return invalid("invalid UUID format: %s", id)
	}
	return nil
}

// ValidateRunID validates a run ID. Runs are always identified by UUID.
func ValidateRunID(id string) error {
	return ValidateUUID(id)
}

// ValidateConversationID validates a conversation ID chosen by the caller
func ValidateConversationID(id string) error {
	if id == "" {
		return invalid("conversation ID cannot be empty")
	}
	if len(id) > MaxIdentifierLength {
		return invalid("conversation ID longer than %d characters", MaxIdentifierLength)
	}
	if !identifierRegex.MatchString(id) {
		return invalid("invalid conversation ID format: %s", id)
	}
	return nil
}

// ValidateModel validates a model name or shorthand. Empty selects the default.
func ValidateModel(name string) error {
	if name == "" {
		return nil
	}
	if len(name) > MaxIdentifierLength || !modelRegex.MatchString(name) {
		return invalid("invalid model name: %q", name)
	}
	return nil
}

// ValidatePrompt checks the user input of a new run
func ValidatePrompt(prompt string) error {
	if prompt == "" {
		return invalid("prompt cannot be empty")
	}
	if len(prompt) > MaxPromptBytes {
		return invalid("prompt exceeds %d bytes", MaxPromptBytes)
	}
	if !utf8.ValidString(prompt) {
		return invalid("prompt is not valid UTF-8")
	}
	return nil
}

// ValidateMaxAutoContinues accepts 0 (default), -1 (disabled) or a bounded count
func ValidateMaxAutoContinues(n int) error {
	if n < -1 || n > MaxAutoContinues {
		return invalid("max_auto_continues must be between -1 and %d", MaxAutoContinues)
	}
	return nil
}
