// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/pdiddy/research-crew/internal/faults"
)

// sleep waits between retries. Tests replace it to avoid real sleeps.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryPolicy bounds the retries of one task.
type retryPolicy struct {
	maxRetries int
	base       time.Duration
	maxDelay   time.Duration
}

// backoff returns the delay before retry n (1-based): base doubled per
// retry, capped at maxDelay.
func (p retryPolicy) backoff(n int) time.Duration {
	d := p.base
	for i := 1; i < n; i++ {
		d *= 2
		if p.maxDelay > 0 && d >= p.maxDelay {
			return p.maxDelay
		}
	}
	if p.maxDelay > 0 && d > p.maxDelay {
		return p.maxDelay
	}
	return d
}

// run calls fn until it succeeds, fails with anything but a transient
// error, or maxRetries retries are spent. It returns the number of
// retries made. onRetry, if set, is called before each retry.
func (p retryPolicy) run(ctx context.Context, fn func(context.Context) error, onRetry func(n int, err error)) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}
			if err := sleep(ctx, p.backoff(attempt)); err != nil {
				return attempt - 1, err
			}
		}

		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if !faults.IsTransient(err) || ctx.Err() != nil {
			return attempt, err
		}
		lastErr = err
	}
	return p.maxRetries, fmt.Errorf("after %d retries: %w", p.maxRetries, lastErr)
}
