// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package faults defines the failure taxonomy shared by the capability
// provider, the search service, the memory store, and the orchestrator.
//
// Adapters wrap one of the sentinel errors with fmt.Errorf("...: %w") so
// Classify can recover the kind after any amount of wrapping.
package faults

import (
	"context"
	"errors"
	"net"
)

// Kind groups failures by how the orchestrator reacts to them.
type Kind int

const (
	// Permanent failures mark a task FAILED immediately.
	Permanent Kind = iota

	// Transient failures are retried with bounded exponential backoff.
	Transient

	// Infrastructure failures are stage-level fatal: the query FAILS.
	Infrastructure

	// Canceled means the query was canceled; not counted as a task fault.
	Canceled
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Infrastructure:
		return "infrastructure"
	case Canceled:
		return "canceled"
	default:
		return "permanent"
	}
}

var (
	// ErrRateLimited: the collaborator asked us to slow down.
	ErrRateLimited = errors.New("rate limited")

	// ErrTimeout: the collaborator did not answer in time.
	ErrTimeout = errors.New("timeout")

	// ErrUnavailable: the collaborator is temporarily unreachable (5xx).
	ErrUnavailable = errors.New("service unavailable")

	// ErrInvalidResponse: the collaborator answered with something unusable.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrNotFound: the search service has nothing for the term.
	ErrNotFound = errors.New("not found")

	// ErrMalformedQuery: the submitted query cannot be scheduled.
	ErrMalformedQuery = errors.New("malformed query")

	// ErrStoreUnavailable: the memory store cannot be read or written.
	ErrStoreUnavailable = errors.New("memory store unavailable")

	// ErrCanceled: the query was canceled before the task ran.
	ErrCanceled = errors.New("canceled")

	// ErrLeaseExpired: the capability lease expired before the call finished.
	ErrLeaseExpired = errors.New("lease expired")
)

// Classify maps err onto a Kind. Unknown errors are permanent so that a
// bug never turns into an unbounded retry loop.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return Permanent
	case errors.Is(err, ErrStoreUnavailable):
		return Infrastructure
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return Canceled
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrLeaseExpired),
		errors.Is(err, context.DeadlineExceeded):
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	return Permanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Classify(err) == Transient
}
