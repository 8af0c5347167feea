package sharedstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends runs fn against every Store implementation
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		s := NewRedisFromClient(client)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func TestStore_SetNXExactlyOnce(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const n = 16
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.SetNX(ctx, LockKey("run-1"), "worker", time.Hour)
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		require.NoError(t, s.Del(ctx, LockKey("run-1")))
		ok, err := s.SetNX(ctx, LockKey("run-1"), "worker", time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestStore_Lists(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		key := ResponsesKey("run-1")

		n, err := s.RPush(ctx, key, "a", "b", "c")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		got, err := s.LRange(ctx, key, 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, got)

		got, err = s.LRange(ctx, key, 1, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, got)

		got, err = s.LRange(ctx, key, 3, -1)
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = s.LRange(ctx, "missing", 0, -1)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestStore_KeysAndGet(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, LivenessKey("w1", "run-1"), LivenessValue, time.Hour))
		require.NoError(t, s.Set(ctx, LivenessKey("w2", "run-1"), LivenessValue, time.Hour))
		require.NoError(t, s.Set(ctx, LivenessKey("w1", "run-2"), LivenessValue, time.Hour))

		keys, err := s.Keys(ctx, LivenessPattern("run-1"))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{LivenessKey("w1", "run-1"), LivenessKey("w2", "run-1")}, keys)

		v, err := s.Get(ctx, LivenessKey("w1", "run-2"))
		require.NoError(t, err)
		assert.Equal(t, LivenessValue, v)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		ok, err := s.Exists(ctx, LivenessKey("w2", "run-1"))
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestStore_PubSub(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sub, err := s.Subscribe(ctx, ControlChannel("run-1"), NewResponseChannel("run-1"))
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, s.Publish(ctx, NewResponseChannel("run-1"), NotifyNewResponse))
		require.NoError(t, s.Publish(ctx, ControlChannel("run-1"), SignalStop))
		require.NoError(t, s.Publish(ctx, ControlChannel("run-2"), SignalStop))

		var got []Message
		timeout := time.After(2 * time.Second)
		for len(got) < 2 {
			select {
			case m := <-sub.Messages():
				got = append(got, m)
			case <-timeout:
				t.Fatalf("received %d messages, want 2", len(got))
			}
		}
		assert.Equal(t, Message{Channel: NewResponseChannel("run-1"), Payload: NotifyNewResponse}, got[0])
		assert.Equal(t, Message{Channel: ControlChannel("run-1"), Payload: SignalStop}, got[1])
	})
}

func TestWorkerFromLivenessKey(t *testing.T) {
	tests := []struct {
		key    string
		worker string
		ok     bool
	}{
		{LivenessKey("host-1:42", "run-1"), "host-1:42", true},
		{LivenessKey("w", "run-2"), "", false},
		{"other:w:run-1", "", false},
		{"active_run::run-1", "", false},
	}
	for _, tt := range tests {
		worker, ok := WorkerFromLivenessKey(tt.key, "run-1")
		assert.Equal(t, tt.ok, ok, tt.key)
		assert.Equal(t, tt.worker, worker, tt.key)
	}
}
