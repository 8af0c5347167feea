package sharedstore

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store for single-worker deployments and tests.
// Expiry is evaluated lazily on access.
type Memory struct {
	mu     sync.Mutex
	values map[string]string
	lists  map[string][]string
	expiry map[string]time.Time
	subs   map[string]map[*memorySubscription]struct{}
	now    func() time.Time
}

// NewMemory creates an empty in-process store
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]string),
		lists:  make(map[string][]string),
		expiry: make(map[string]time.Time),
		subs:   make(map[string]map[*memorySubscription]struct{}),
		now:    time.Now,
	}
}

// expireLocked drops key if its TTL has passed. Caller holds mu.
func (m *Memory) expireLocked(key string) {
	if at, ok := m.expiry[key]; ok && !m.now().Before(at) {
		delete(m.values, key)
		delete(m.lists, key)
		delete(m.expiry, key)
	}
}

func (m *Memory) existsLocked(key string) bool {
	m.expireLocked(key)
	if _, ok := m.values[key]; ok {
		return true
	}
	_, ok := m.lists[key]
	return ok
}

func (m *Memory) setTTLLocked(key string, ttl time.Duration) {
	if ttl > 0 {
		m.expiry[key] = m.now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsLocked(key) {
		return false, nil
	}
	m.values[key] = value
	m.setTTLLocked(key, ttl)
	return true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lists, key)
	m.values[key] = value
	m.setTTLLocked(key, ttl)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsLocked(key) {
		m.setTTLLocked(key, ttl)
	}
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
		delete(m.lists, k)
		delete(m.expiry, k)
	}
	return nil
}

func (m *Memory) RPush(_ context.Context, key string, values ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	m.lists[key] = append(m.lists[key], values...)
	return int64(len(m.lists[key])), nil
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	list := m.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.existsLocked(key), nil
}

func (m *Memory) Publish(_ context.Context, channel, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs[channel] {
		sub.deliver(Message{Channel: channel, Payload: payload})
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := &memorySubscription{
		store:    m,
		channels: channels,
		out:      make(chan Message, 256),
	}
	for _, ch := range channels {
		if m.subs[ch] == nil {
			m.subs[ch] = make(map[*memorySubscription]struct{})
		}
		m.subs[ch][sub] = struct{}{}
	}
	return sub, nil
}

func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for k := range m.values {
		seen[k] = struct{}{}
	}
	for k := range m.lists {
		seen[k] = struct{}{}
	}
	var keys []string
	for k := range seen {
		if !m.existsLocked(k) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// Subscribers reports how many subscriptions are attached to channel
func (m *Memory) Subscribers(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[channel])
}

type memorySubscription struct {
	store    *Memory
	channels []string
	out      chan Message
	closed   bool
}

// deliver never blocks; a full buffer drops the message like a slow Redis
// consumer would. Caller holds store.mu.
func (s *memorySubscription) deliver(msg Message) {
	if s.closed {
		return
	}
	select {
	case s.out <- msg:
	default:
	}
}

func (s *memorySubscription) Messages() <-chan Message { return s.out }

func (s *memorySubscription) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, ch := range s.channels {
		delete(s.store.subs[ch], s)
		if len(s.store.subs[ch]) == 0 {
			delete(s.store.subs, ch)
		}
	}
	close(s.out)
	return nil
}
