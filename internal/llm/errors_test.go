package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		overload  bool
		rate      bool
		retryable bool
	}{
		{"overloaded status", &ProviderError{StatusCode: 529, Err: errors.New("x")}, true, false, false},
		{"overloaded message", &ProviderError{StatusCode: 400, Err: errors.New("Overloaded")}, true, false, false},
		{"rate limit", &ProviderError{StatusCode: 429, Err: errors.New("slow down")}, false, true, true},
		{"server error", &ProviderError{StatusCode: 503, Err: errors.New("down")}, false, false, true},
		{"bad request", &ProviderError{StatusCode: 400, Err: errors.New("bad")}, false, false, false},
		{"wrapped rate limit", fmt.Errorf("call: %w", &ProviderError{StatusCode: 429, Err: errors.New("x")}), false, true, true},
		{"deadline", context.DeadlineExceeded, false, false, true},
		{"nil err", &ProviderError{StatusCode: 400}, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.overload, errors.Is(tt.err, ErrOverloaded))
			assert.Equal(t, tt.rate, errors.Is(tt.err, ErrRateLimited))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestResponseStream(t *testing.T) {
	s := ResponseStream(&Response{Content: "hello", FinishReason: FinishStop})
	item, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "hello", item.Text)
	assert.Equal(t, FinishStop, item.FinishReason)

	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, s.Close())
}
