// Package retry wraps fallible remote calls with capped exponential backoff.
//
// The delay before retry n (n starting at 0) is
//
//	min(MaxDelay, BaseDelay * Multiplier^n)
//
// Multiplier scales the delay from one retry to the next and MaxDelay always
// bounds the result.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/aweris/buildcas/internal/caserr"
)

const (
	DefaultBaseDelay   = 100 * time.Millisecond
	DefaultMultiplier  = 2.0
	DefaultMaxDelay    = 10 * time.Second
	DefaultMaxAttempts = 5
)

// Policy configures retries.
type Policy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		Multiplier:  DefaultMultiplier,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// normalized fills unset or out-of-range fields. A policy without a cap is
// never used.
func (p Policy) normalized() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Delay returns the wait before retry number n.
func (p Policy) Delay(n int) time.Duration {
	p = p.normalized()
	if n < 0 {
		n = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Validate reports configuration errors instead of silently normalizing.
func (p Policy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("retry: base delay must be positive")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry: multiplier must be >= 1, got %v", p.Multiplier)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry: max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("retry: max attempts must be positive")
	}
	return nil
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option customizes a single Do call.
type Option func(*options)

type options struct {
	sleep     SleepFunc
	retryable func(error) bool
	onRetry   func(attempt int, delay time.Duration, err error)
}

// WithSleep replaces the timer based sleep. Tests use it to record delays.
func WithSleep(fn SleepFunc) Option {
	return func(o *options) { o.sleep = fn }
}

// WithRetryable overrides which errors are retried.
func WithRetryable(fn func(error) bool) Option {
	return func(o *options) { o.retryable = fn }
}

// OnRetry is called before each wait.
func OnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do runs fn until it succeeds, fails with a non-retryable error, ctx ends, or
// the attempts are exhausted. Exhaustion returns caserr.ErrRemoteUnavailable
// with the last error as text only, so it no longer matches
// caserr.ErrTransient.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, opts ...Option) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

// DoValue is Do for calls that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	p = p.normalized()
	o := options{sleep: sleep, retryable: caserr.IsRetryable}
	for _, opt := range opts {
		opt(&o)
	}

	var zero T
	var lastErr error
	for attempt := range p.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if !o.retryable(err) {
			return zero, err
		}
		lastErr = err
		if attempt == p.MaxAttempts-1 {
			break
		}
		delay := p.Delay(attempt)
		if o.onRetry != nil {
			o.onRetry(attempt+1, delay, err)
		}
		if err := o.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("%w after %d attempts: %v", caserr.ErrRemoteUnavailable, p.MaxAttempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
