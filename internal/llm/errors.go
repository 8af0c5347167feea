package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrOverloaded means the provider is shedding load; retrying the same
	// model will not help, a fallback model might
	ErrOverloaded = errors.New("model provider overloaded")
	// ErrRateLimited means the caller exceeded the provider's rate limit
	ErrRateLimited = errors.New("model provider rate limit")
	// ErrUnavailable covers transient provider failures (5xx, timeouts)
	ErrUnavailable = errors.New("model provider unavailable")
)

// ProviderError wraps an error returned by a provider with its HTTP status
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%s): status %d: %v", e.Provider, e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is maps status codes onto the sentinel errors
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrOverloaded:
		if e.StatusCode == 529 {
			return true
		}
		return e.Err != nil && strings.Contains(strings.ToLower(e.Err.Error()), "overloaded")
	case ErrRateLimited:
		return e.StatusCode == 429
	case ErrUnavailable:
		return e.StatusCode == 500 || e.StatusCode == 502 || e.StatusCode == 503 || e.StatusCode == 504
	}
	return false
}

// IsRetryable reports whether err is a rate limit or a transient provider
// failure. Overload is not retryable against the same model.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrOverloaded) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
