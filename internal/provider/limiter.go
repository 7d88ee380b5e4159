package provider

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// transientError marks an error as retryable (rate-limit or server-side).
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps err so the limiter retries it with backoff.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Limiter bounds a provider's API usage on two axes: a concurrency cap
// (at most N calls in flight) and an optional request-per-minute pacer.
// Transient failures are retried with exponential backoff; all other
// errors pass through on the first attempt.
type Limiter struct {
	sem        *semaphore.Weighted
	pacer      *rate.Limiter
	maxRetries uint64
}

// LimiterConfig tunes a Limiter. Zero RequestsPerMinute disables pacing.
type LimiterConfig struct {
	Concurrency       int
	RequestsPerMinute int
	Burst             int
	MaxRetries        int
}

// NewLimiter builds a Limiter from cfg, defaulting concurrency to 1 and
// retries to 3 when unset.
func NewLimiter(cfg LimiterConfig) *Limiter {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	l := &Limiter{
		sem:        semaphore.NewWeighted(int64(concurrency)),
		maxRetries: uint64(maxRetries),
	}
	if cfg.RequestsPerMinute > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l.pacer = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), burst)
	}
	return l
}

// Do runs op under the concurrency cap and pacer, retrying transient
// failures. It blocks until a slot is free or ctx is done.
func (l *Limiter) Do(ctx context.Context, op func() error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)

	attempt := func() error {
		if l.pacer != nil {
			if err := l.pacer.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		err := op()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second

	return backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, l.maxRetries), ctx))
}
