// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"rate limited", ErrRateLimited, Transient},
		{"wrapped timeout", fmt.Errorf("calling provider: %w", ErrTimeout), Transient},
		{"unavailable", fmt.Errorf("search: %w", ErrUnavailable), Transient},
		{"deadline", context.DeadlineExceeded, Transient},
		{"net timeout", fmt.Errorf("dial: %w", timeoutErr{}), Transient},
		{"lease expired", ErrLeaseExpired, Transient},
		{"invalid response", fmt.Errorf("decode: %w", ErrInvalidResponse), Permanent},
		{"not found", ErrNotFound, Permanent},
		{"malformed", ErrMalformedQuery, Permanent},
		{"unknown", errors.New("boom"), Permanent},
		{"store", fmt.Errorf("upsert: %w", ErrStoreUnavailable), Infrastructure},
		{"canceled", ErrCanceled, Canceled},
		{"context canceled", context.Canceled, Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("x: %w", ErrRateLimited)))
	assert.False(t, IsTransient(ErrInvalidResponse))
	assert.False(t, IsTransient(nil))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "transient", Transient.String())
	assert.Equal(t, "permanent", Permanent.String())
	assert.Equal(t, "infrastructure", Infrastructure.String())
	assert.Equal(t, "canceled", Canceled.String())
}
