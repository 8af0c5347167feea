// Package sharedstore is the fast coordination store shared by every worker:
// run locks, liveness markers, per-run event lists and pub/sub channels.
// It is transport, never the system of record.
package sharedstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for a missing or expired key
var ErrNotFound = errors.New("key not found")

// Message is one pub/sub delivery
type Message struct {
	Channel string
	Payload string
}

// Subscription delivers messages until closed. Messages is closed after Close.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Store is the subset of Redis semantics the run pipeline relies on
type Store interface {
	// SetNX sets key only if absent and reports whether it did
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	RPush(ctx context.Context, key string, values ...string) (int64, error)
	// LRange follows Redis index rules: negative indexes count from the end
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe returns once the subscription is active
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	// Keys lists keys matching a glob pattern
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
