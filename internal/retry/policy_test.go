package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() *Policy {
	return NewPolicy(
		Rule{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2},
		Rule{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 1},
	)
}

func TestPolicy_SucceedsAfterTransientFailures(t *testing.T) {
	var waits []time.Duration
	p := fastPolicy().OnRetry(func(class Class, attempt int, err error, wait time.Duration) {
		assert.Equal(t, Transient, class)
		waits = append(waits, wait)
	})

	calls := 0
	err := p.Do(context.Background(), Transient, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestPolicy_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), Upstream, func(ctx context.Context) error {
		calls++
		return errors.New("rate limited")
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestPolicy_PermanentIsNotRetried(t *testing.T) {
	sentinel := errors.New("bad request")
	calls := 0
	err := fastPolicy().Do(context.Background(), Transient, func(ctx context.Context) error {
		calls++
		return Permanent(sentinel)
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
	assert.True(t, IsPermanent(Permanent(sentinel)))
	assert.False(t, IsPermanent(sentinel))
	assert.Nil(t, Permanent(nil))
}

func TestPolicy_RespectsContext(t *testing.T) {
	p := NewPolicy(Rule{MaxAttempts: 5, InitialDelay: time.Hour}, Rule{})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, Transient, func(ctx context.Context) error {
			calls++
			return errors.New("down")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestValue_ReturnsResult(t *testing.T) {
	calls := 0
	got, err := Value(context.Background(), fastPolicy(), Transient, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("retry me")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestNewPolicy_Normalizes(t *testing.T) {
	p := NewPolicy(Rule{}, Rule{MaxAttempts: 1})

	assert.Equal(t, DefaultTransient, p.Rule(Transient))
	up := p.Rule(Upstream)
	assert.Equal(t, 1, up.MaxAttempts)
	assert.Equal(t, DefaultUpstream.InitialDelay, up.InitialDelay)
	assert.Equal(t, Rule{MaxAttempts: 1}, p.Rule(Class("unknown")))
}
