package sharedstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory()
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "k", "v", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(59 * time.Second)
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	now = now.Add(time.Second)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = m.SetNX(ctx, "k", "w", 0)
	require.NoError(t, err)
	assert.True(t, ok, "expired key can be taken again")
}

func TestMemory_ListExpireKeepsUntilTTL(t *testing.T) {
	m := NewMemory()
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = m.RPush(ctx, "l", "a", "b")
	require.NoError(t, m.Expire(ctx, "l", time.Hour))
	got, _ := m.LRange(ctx, "l", 0, -1)
	assert.Equal(t, []string{"a", "b"}, got)

	now = now.Add(2 * time.Hour)
	got, _ = m.LRange(ctx, "l", 0, -1)
	assert.Empty(t, got)
}

func TestMemory_SubscribeClose(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Subscribers("a"))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, m.Subscribers("a"))
	assert.Equal(t, 0, m.Subscribers("b"))

	_, open := <-sub.Messages()
	assert.False(t, open)
	require.NoError(t, m.Publish(ctx, "a", "late"))
}
