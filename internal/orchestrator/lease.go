// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pdiddy/research-crew/internal/faults"
	"github.com/pdiddy/research-crew/internal/provider"
)

// LeasePool is the process-wide budget for capability calls. A caller
// acquires a time-bounded Lease before each call and releases it when the
// call returns. A lease that is never released frees its slot when it
// expires. Calls are also paced by a token-bucket rate limiter.
type LeasePool struct {
	max     int
	ttl     time.Duration
	limiter *rate.Limiter
	metrics *metrics

	mu     sync.Mutex
	active map[string]time.Time
	wake   chan struct{}

	// now is replaced in tests.
	now func() time.Time
}

// NewLeasePool returns a pool of size concurrent leases, each valid for
// ttl. perSecond <= 0 disables rate limiting.
func NewLeasePool(size int, ttl time.Duration, perSecond float64, burst int) *LeasePool {
	if size <= 0 {
		size = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &LeasePool{
		max:     size,
		ttl:     ttl,
		limiter: rate.NewLimiter(limit, burst),
		active:  make(map[string]time.Time),
		wake:    make(chan struct{}),
		now:     time.Now,
	}
}

// Lease is one granted slot in the pool.
type Lease struct {
	ID        string
	ExpiresAt time.Time

	pool *LeasePool
	once sync.Once
}

// Acquire blocks until the rate limiter admits a call and a slot is free,
// or ctx is done.
func (p *LeasePool) Acquire(ctx context.Context) (*Lease, error) {
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", faults.ErrRateLimited, err)
	}

	for {
		p.mu.Lock()
		now := p.now()
		p.reapLocked(now)
		if len(p.active) < p.max {
			l := &Lease{ID: uuid.NewString(), ExpiresAt: now.Add(p.ttl), pool: p}
			p.active[l.ID] = l.ExpiresAt
			inUse := len(p.active)
			p.mu.Unlock()
			p.metrics.leaseGranted(inUse, time.Since(start))
			return l, nil
		}
		wake := p.wake
		wait := p.nextExpiryLocked().Sub(now)
		p.mu.Unlock()

		timer := time.NewTimer(max(wait, time.Millisecond))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Release returns the lease's slot. It reports faults.ErrLeaseExpired if
// the lease had already expired and been reclaimed. Releasing twice is a
// no-op.
func (l *Lease) Release() error {
	var err error
	l.once.Do(func() {
		p := l.pool
		p.mu.Lock()
		defer p.mu.Unlock()

		now := p.now()
		p.reapLocked(now)
		if _, ok := p.active[l.ID]; !ok {
			err = fmt.Errorf("lease %s: %w", l.ID, faults.ErrLeaseExpired)
			return
		}
		delete(p.active, l.ID)
		p.signalLocked()
		p.metrics.leaseReleased(len(p.active))
	})
	return err
}

// Context returns a context that ends when the lease expires.
func (l *Lease) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithDeadline(ctx, l.ExpiresAt)
}

// InUse returns the number of live leases.
func (p *LeasePool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reapLocked(p.now())
	return len(p.active)
}

func (p *LeasePool) reapLocked(now time.Time) {
	reaped := 0
	for id, exp := range p.active {
		if !now.Before(exp) {
			delete(p.active, id)
			reaped++
		}
	}
	if reaped > 0 {
		p.metrics.leasesExpired(reaped, len(p.active))
		p.signalLocked()
	}
}

func (p *LeasePool) nextExpiryLocked() time.Time {
	var next time.Time
	for _, exp := range p.active {
		if next.IsZero() || exp.Before(next) {
			next = exp
		}
	}
	return next
}

func (p *LeasePool) signalLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// leasedProvider wraps every capability call in a lease from the pool.
// A call still running when its lease expires is aborted and reported as
// faults.ErrLeaseExpired, which the retry loop treats as transient.
type leasedProvider struct {
	provider.Provider
	leases  *LeasePool
	metrics *metrics
}

func (p *leasedProvider) Complete(ctx context.Context, prompt string, opts provider.Options) (string, error) {
	var text string
	err := p.withLease(ctx, "complete", func(ctx context.Context) error {
		var err error
		text, err = p.Provider.Complete(ctx, prompt, opts)
		return err
	})
	return text, err
}

func (p *leasedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := p.withLease(ctx, "embed", func(ctx context.Context) error {
		var err error
		vec, err = p.Provider.Embed(ctx, text)
		return err
	})
	return vec, err
}

func (p *leasedProvider) withLease(ctx context.Context, kind string, call func(context.Context) error) error {
	lease, err := p.leases.Acquire(ctx)
	if err != nil {
		return err
	}
	lctx, cancel := lease.Context(ctx)
	defer cancel()

	err = call(lctx)
	relErr := lease.Release()
	if err != nil && ctx.Err() == nil && errors.Is(lctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", faults.ErrLeaseExpired, err)
	}
	if err == nil && relErr != nil {
		// The call finished but overran its lease; its result still stands.
		p.metrics.callOverran(kind)
	}
	p.metrics.capabilityCall(kind, err)
	return err
}
