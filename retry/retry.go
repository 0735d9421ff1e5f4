package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type options struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
}

type Option func(*options)

// WithMaxRetries sets how many times the operation is retried after the
// first attempt. Zero means a single attempt.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithBaseWait sets the initial backoff interval.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) { o.baseWait = d }
}

// WithMaxWait caps the backoff interval.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

// Do runs fn, retrying with exponential backoff while the returned error is
// recoverable. Non-recoverable errors and context cancellation stop the
// retries immediately. The last error is returned unwrapped.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	config := options{
		maxRetries: 3,
		baseWait:   time.Second,
		maxWait:    time.Minute,
	}
	for _, opt := range opts {
		opt(&config)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = config.baseWait
	policy.MaxInterval = config.maxWait
	policy.MaxElapsedTime = 0

	var lastErr error
	operation := func() error {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRecoverable(lastErr) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(config.maxRetries)), ctx))
	if err != nil {
		// Return the original error, not backoff's wrapper.
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}
