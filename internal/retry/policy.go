// Package retry centralizes retry and backoff decisions. Callers name the
// class of the operation they are protecting and the policy decides how
// often and how long to wait, so backoff rules live in one place.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Class identifies the error taxonomy an operation falls under
type Class string

const (
	// Transient covers shared-store and durable-store failures:
	// bounded exponential backoff.
	Transient Class = "transient"
	// Upstream covers rate limits and transient provider errors:
	// fixed delay, small bound.
	Upstream Class = "upstream"
)

// Rule configures one class
type Rule struct {
	// MaxAttempts counts the first try
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Multiplier of 1 gives a fixed delay
	Multiplier float64
}

// NotifyFunc observes each scheduled retry
type NotifyFunc func(class Class, attempt int, err error, wait time.Duration)

// Policy holds the rules for every class
type Policy struct {
	rules  map[Class]Rule
	notify NotifyFunc
}

// DefaultTransient waits 0.5s, 1s between three attempts
var DefaultTransient = Rule{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 4 * time.Second, Multiplier: 2}

// DefaultUpstream waits a fixed 5s between three attempts
var DefaultUpstream = Rule{MaxAttempts: 3, InitialDelay: 5 * time.Second, MaxDelay: 5 * time.Second, Multiplier: 1}

// NewPolicy builds a policy from per-class rules
func NewPolicy(transient, upstream Rule) *Policy {
	return &Policy{rules: map[Class]Rule{
		Transient: normalize(transient, DefaultTransient),
		Upstream:  normalize(upstream, DefaultUpstream),
	}}
}

// DefaultPolicy uses the default rules
func DefaultPolicy() *Policy {
	return NewPolicy(DefaultTransient, DefaultUpstream)
}

// OnRetry registers a hook called before every wait
func (p *Policy) OnRetry(fn NotifyFunc) *Policy {
	p.notify = fn
	return p
}

// Rule returns the rule for class
func (p *Policy) Rule(class Class) Rule {
	if r, ok := p.rules[class]; ok {
		return r
	}
	return Rule{MaxAttempts: 1}
}

func normalize(r, def Rule) Rule {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = def.MaxAttempts
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = def.InitialDelay
	}
	if r.MaxDelay < r.InitialDelay {
		r.MaxDelay = r.InitialDelay
	}
	if r.Multiplier < 1 {
		r.Multiplier = 1
	}
	return r
}

// Permanent marks err so that it is returned without further attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op under the rule for class until it succeeds, returns a
// Permanent error, runs out of attempts, or ctx is done.
func (p *Policy) Do(ctx context.Context, class Class, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, class, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that return a result
func Value[T any](ctx context.Context, p *Policy, class Class, op func(ctx context.Context) (T, error)) (T, error) {
	rule := p.Rule(class)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rule.InitialDelay
	b.MaxInterval = rule.MaxDelay
	b.Multiplier = rule.Multiplier
	b.RandomizationFactor = 0
	b.Reset()

	attempt := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(rule.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if p.notify != nil {
				p.notify(class, attempt, err, wait)
			}
		}),
	}

	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		return op(ctx)
	}, opts...)
}

// IsPermanent reports whether err was marked Permanent
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}
