package run

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Admission limits how fast runs may be started, per conversation
type Admission struct {
	limiters map[string]*admissionEntry
	mu       sync.RWMutex
	rate     rate.Limit // starts per second
	burst    int        // max burst size
	now      func() time.Time
}

type admissionEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewAdmission creates a limiter allowing startsPerSecond per conversation
// with the given burst. A non-positive rate admits everything.
func NewAdmission(startsPerSecond float64, burst int) *Admission {
	limit := rate.Limit(startsPerSecond)
	if startsPerSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Admission{
		limiters: make(map[string]*admissionEntry),
		rate:     limit,
		burst:    burst,
		now:      time.Now,
	}
}

// getLimiter returns the limiter for a conversation
func (a *Admission) getLimiter(key string) *admissionEntry {
	a.mu.RLock()
	entry, exists := a.limiters[key]
	a.mu.RUnlock()

	if exists {
		return entry
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Double-check after acquiring write lock
	if entry, exists = a.limiters[key]; exists {
		return entry
	}

	entry = &admissionEntry{limiter: rate.NewLimiter(a.rate, a.burst)}
	a.limiters[key] = entry
	return entry
}

// Allow reports whether a run may start now for the conversation
func (a *Admission) Allow(conversationID string) bool {
	if a == nil {
		return true
	}
	entry := a.getLimiter(conversationID)
	now := a.now()

	a.mu.Lock()
	entry.lastUsed = now
	a.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// Cleanup drops limiters unused for longer than maxAge
func (a *Admission) Cleanup(maxAge time.Duration) int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-maxAge)
	removed := 0
	for key, entry := range a.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(a.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked conversations
func (a *Admission) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.limiters)
}
