// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package orchestrator

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Pool.Submit after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Pool is a fixed set of worker goroutines shared by every query. Jobs
// are handed over on an unbuffered channel, so Submit blocks until a
// worker is free.
type Pool struct {
	jobs chan func()
	quit chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewPool starts n workers.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{
		jobs: make(chan func()),
		quit: make(chan struct{}),
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			job()
		case <-p.quit:
			return
		}
	}
}

// Submit hands job to a free worker, blocking until one accepts it, ctx
// is done, or the pool is closed.
func (p *Pool) Submit(ctx context.Context, job func()) error {
	select {
	case <-p.quit:
		return ErrPoolClosed
	default:
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolClosed
	}
}

// Close stops the workers after their current jobs finish.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}
