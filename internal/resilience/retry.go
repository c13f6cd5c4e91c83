package resilience

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy describes a retry loop.
type Policy struct {
	// Attempts is the total number of calls, including the first. Default 3.
	Attempts int
	// Base is the wait before the second call; it doubles after that.
	// Default 500ms.
	Base time.Duration
	// Max caps a single wait, including server-requested ones. Default 30s.
	Max time.Duration
	// Jitter spreads each wait by up to this fraction in either direction.
	Jitter float64
	// Retryable decides whether a failure is retried. Default IsTransient.
	Retryable func(err error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 30 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// Wait returns the delay before call attempt+1, where attempt counts the
// calls already made. A server-requested Retry-After wins over the backoff
// when it is longer.
func (p Policy) Wait(attempt int, err error) time.Duration {
	p = p.withDefaults()
	d := p.Base
	for i := 1; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	if p.Jitter > 0 {
		d += time.Duration((rand.Float64()*2 - 1) * p.Jitter * float64(d))
	}
	if ra := RetryAfter(err); ra > d {
		d = ra
	}
	return max(min(d, p.Max), 0)
}

// Retry calls fn until it succeeds, returns a non-retryable error, runs
// out of attempts or ctx ends. The last error is returned.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := RetryVal(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryVal is Retry for calls that return a value.
func RetryVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil || attempt >= p.Attempts || ctx.Err() != nil || !p.Retryable(err) {
			return v, err
		}
		wait := p.Wait(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return v, err
		case <-t.C:
		}
	}
}
