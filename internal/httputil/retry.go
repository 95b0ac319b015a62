// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package httputil provides HTTP helpers shared by the search and
// capability provider adapters.
package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pdiddy/research-crew/internal/faults"
)

// RetryBaseDelay controls the base duration for exponential backoff on
// HTTP 429 and 503 responses. Tests override this to avoid real sleeps.
var RetryBaseDelay = 10 * time.Second

// MaxRetryAfter caps how long a server-supplied Retry-After may delay us.
var MaxRetryAfter = 2 * time.Minute

const defaultMaxRetries = 5

// DoWithRetry executes an HTTP request and retries on HTTP 429 (Too Many
// Requests) and 503 (Service Unavailable) with exponential backoff. The
// delay starts at RetryBaseDelay and doubles each attempt, unless the
// server sends a Retry-After header in seconds, which takes precedence.
//
// When maxRetries is 0 the default (5) is used. On each retryable
// response the body is drained and closed before sleeping. If the context
// is cancelled during a backoff wait the function returns ctx.Err(). After
// exhausting retries the last response is returned so the caller can
// inspect it.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, maxRetries int) (*http.Response, error) {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if client == nil {
		client = http.DefaultClient
	}

	for attempt := 0; ; attempt++ {
		resp, err := client.Do(req.Clone(ctx))
		if err != nil {
			return nil, TransportError(err)
		}

		if !retryable(resp.StatusCode) {
			return resp, nil
		}

		// Exhausted retries: return the last response as-is.
		if attempt >= maxRetries {
			return resp, nil
		}

		backoff := time.Duration(math.Pow(2, float64(attempt))) * RetryBaseDelay
		if d, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			backoff = d
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	d := time.Duration(secs) * time.Second
	if d > MaxRetryAfter {
		d = MaxRetryAfter
	}
	return d, true
}

// StatusError maps a non-2xx HTTP status from service onto the fault
// taxonomy. It returns nil for 2xx statuses.
func StatusError(service string, code int, body string) error {
	if code >= 200 && code < 300 {
		return nil
	}

	var kind error
	switch {
	case code == http.StatusTooManyRequests:
		kind = faults.ErrRateLimited
	case code == http.StatusNotFound:
		kind = faults.ErrNotFound
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		kind = faults.ErrTimeout
	case code >= 500:
		kind = faults.ErrUnavailable
	default:
		kind = faults.ErrInvalidResponse
	}

	if body != "" {
		return fmt.Errorf("%s returned HTTP %d: %s: %w", service, code, body, kind)
	}
	return fmt.Errorf("%s returned HTTP %d: %w", service, code, kind)
}

// TransportError wraps a client.Do failure so timeouts classify as
// transient. Context cancellation passes through unchanged.
func TransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", err, faults.ErrTimeout)
	}
	return fmt.Errorf("%w: %w", err, faults.ErrUnavailable)
}
