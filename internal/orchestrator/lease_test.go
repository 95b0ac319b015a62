package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/research-crew/internal/faults"
	"github.com/pdiddy/research-crew/internal/provider"
)

func TestLeasePoolCapsConcurrency(t *testing.T) {
	p := NewLeasePool(2, time.Minute, 0, 0)
	ctx := context.Background()

	l1, err := p.Acquire(ctx)
	require.NoError(t, err)
	l2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, p.InUse())

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan *Lease)
	go func() {
		l, err := p.Acquire(ctx)
		assert.NoError(t, err)
		got <- l
	}()
	require.NoError(t, l1.Release())
	select {
	case l3 := <-got:
		assert.NoError(t, l3.Release())
	case <-time.After(5 * time.Second):
		t.Fatal("release did not wake the waiting acquirer")
	}

	assert.NoError(t, l2.Release())
	assert.NoError(t, l2.Release(), "second release is a no-op")
	assert.Zero(t, p.InUse())
}

func TestLeaseExpiryFreesSlot(t *testing.T) {
	m, err := newMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	p := NewLeasePool(1, 40*time.Millisecond, 0, 0)
	p.metrics = m

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	next, err := p.Acquire(context.Background())
	require.NoError(t, err, "an unreleased lease frees its slot on expiry")
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	assert.ErrorIs(t, held.Release(), faults.ErrLeaseExpired)
	assert.NoError(t, next.Release())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.leaseExpired))
}

func TestLeasePoolRateLimit(t *testing.T) {
	p := NewLeasePool(10, time.Minute, 20, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		l, err := p.Acquire(ctx)
		require.NoError(t, err)
		require.NoError(t, l.Release())
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond, "3 calls at 20/s with burst 1 take at least 100ms")
}

type slowProvider struct {
	fakeProvider
	calls atomic.Int32
}

func (s *slowProvider) Complete(ctx context.Context, _ string, _ provider.Options) (string, error) {
	s.calls.Add(1)
	<-ctx.Done()
	return "", ctx.Err()
}

func TestLeasedProviderAbortsCallOnExpiry(t *testing.T) {
	slow := &slowProvider{}
	lp := &leasedProvider{Provider: slow, leases: NewLeasePool(1, 30*time.Millisecond, 0, 0)}

	_, err := lp.Complete(context.Background(), "p", provider.Options{})
	assert.ErrorIs(t, err, faults.ErrLeaseExpired)
	assert.True(t, faults.IsTransient(err))
	assert.Equal(t, int32(1), slow.calls.Load())
	assert.Zero(t, lp.leases.InUse())
}

func TestLeasedProviderCallerCancel(t *testing.T) {
	lp := &leasedProvider{Provider: &slowProvider{}, leases: NewLeasePool(1, time.Minute, 0, 0)}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := lp.Complete(ctx, "p", provider.Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, faults.ErrLeaseExpired)
	assert.Equal(t, faults.Canceled, faults.Classify(err))
}

func TestPool(t *testing.T) {
	p := NewPool(2)
	var ran atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(context.Background(), func() {
			if ran.Add(1) == 4 {
				close(done)
			}
		}))
	}
	<-done
	p.Close()
	assert.ErrorIs(t, p.Submit(context.Background(), func() {}), ErrPoolClosed)
}

func TestPoolSubmitBlocksUntilWorkerFree(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, func() {}), context.DeadlineExceeded)
	close(release)
}
