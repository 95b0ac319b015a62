// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package orchestrator schedules research queries through the stage
// pipeline. Each query runs PLANNED → SEARCHING → ANALYZING →
// SUMMARIZING → DONE (or FAILED / CANCELED); tasks of every query share
// one worker pool, fan-out within a stage is bounded per query, and every
// capability call holds a lease from a process-wide LeasePool.
//
// A stage's join barrier opens only when all of its tasks are terminal.
// Transient task failures are retried with bounded exponential backoff;
// permanent ones fail only the task; store failures fail the query.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/pdiddy/research-crew/internal/faults"
	"github.com/pdiddy/research-crew/internal/memory"
	"github.com/pdiddy/research-crew/internal/pipeline"
	"github.com/pdiddy/research-crew/internal/provider"
	"github.com/pdiddy/research-crew/internal/search"
	"github.com/pdiddy/research-crew/pkg/types"
)

var (
	// ErrUnknownQuery is returned for a query id the orchestrator has never seen.
	ErrUnknownQuery = errors.New("unknown query")

	// ErrQueryFinished is returned when canceling a query that is already DONE or FAILED.
	ErrQueryFinished = errors.New("query already finished")

	// ErrReportNotReady is returned for the report of a query still running.
	ErrReportNotReady = errors.New("report not ready")

	// ErrNoReport is returned for the report of a query that ended without one.
	ErrNoReport = errors.New("query produced no report")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("orchestrator closed")

	errCanceled   = fmt.Errorf("not started: %w", faults.ErrCanceled)
	errNotStarted = errors.New("not started")
)

// Store is the memory store as the orchestrator uses it.
type Store interface {
	pipeline.Memory
	SaveReport(ctx context.Context, r types.Report) error
	Report(ctx context.Context, queryID string) (types.Report, bool, error)
	Backfill(ctx context.Context, embedder memory.Embedder) (memory.BackfillResult, error)
}

// Options are the collaborators an Orchestrator is built from.
type Options struct {
	Provider provider.Provider
	Search   search.Service
	Store    Store

	// Logger receives [Orchestrator] and [Scheduler] lines; nil discards them.
	Logger *log.Logger

	// Registerer receives the orchestrator's metrics; nil uses a private registry.
	Registerer prometheus.Registerer
}

// Orchestrator runs research queries.
type Orchestrator struct {
	cfg     types.Config
	store   Store
	tasks   map[types.Stage]pipeline.Task
	pool    *Pool
	leases  *LeasePool
	metrics *metrics
	logger  *log.Logger
	retry   retryPolicy
	embed   memory.Embedder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	runs   map[string]*run
	closed bool

	// now is replaced in tests.
	now func() time.Time
}

// New validates cfg, starts the worker pool and, when configured, the
// pending-embedding backfill loop.
func New(cfg types.Config, opts Options) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Provider == nil || opts.Search == nil || opts.Store == nil {
		return nil, errors.New("orchestrator needs a provider, a search service and a store")
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m, err := newMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	oc := cfg.Orchestrator
	leases := NewLeasePool(oc.MaxConcurrentCalls, oc.LeaseTTL, oc.CallsPerSecond, oc.Burst)
	leases.metrics = m
	leased := &leasedProvider{Provider: opts.Provider, leases: leases, metrics: m}

	deps := pipeline.Deps{
		Provider:     leased,
		Search:       opts.Search,
		Memory:       opts.Store,
		Orchestrator: oc,
		MemoryConfig: cfg.Memory,
	}
	tasks := make(map[types.Stage]pipeline.Task, len(types.Stages))
	for _, stage := range types.Stages {
		t, err := pipeline.New(stage, deps)
		if err != nil {
			return nil, err
		}
		tasks[stage] = t
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:     cfg,
		store:   opts.Store,
		tasks:   tasks,
		pool:    NewPool(oc.Workers),
		leases:  leases,
		metrics: m,
		logger:  logger,
		retry:   retryPolicy{maxRetries: oc.MaxRetries, base: oc.RetryBaseDelay, maxDelay: oc.RetryMaxDelay},
		embed:   leased,
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[string]*run),
		now:     func() time.Time { return time.Now().UTC() },
	}

	if cfg.Memory.BackfillInterval > 0 {
		o.wg.Add(1)
		go o.backfillLoop(cfg.Memory.BackfillInterval)
	}
	return o, nil
}

// Submit validates q, assigns it an id, and starts scheduling it. A
// malformed query fails with faults.ErrMalformedQuery.
func (o *Orchestrator) Submit(_ context.Context, q types.ResearchQuery) (string, error) {
	if err := q.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", faults.ErrMalformedQuery, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", ErrClosed
	}

	q.ID = uuid.NewString()
	q.CreatedAt = o.now()
	r := newRun(o.ctx, q, o.cfg.Orchestrator.CancelPolicy)
	o.runs[q.ID] = r

	o.wg.Add(1)
	go o.drive(r)
	return q.ID, nil
}

// Status returns the last known state of a query.
func (o *Orchestrator) Status(queryID string) (Status, error) {
	r, err := o.lookup(queryID)
	if err != nil {
		return Status{}, err
	}
	return r.status(), nil
}

// Cancel stops scheduling new tasks for a query. In-flight tasks drain
// or are abandoned per the configured CancelPolicy; either way none is
// interrupted. Canceling a canceled query is a no-op.
func (o *Orchestrator) Cancel(queryID string) error {
	r, err := o.lookup(queryID)
	if err != nil {
		return err
	}
	ok, state := r.requestCancel()
	if !ok {
		if state == types.StateCanceled {
			return nil
		}
		return fmt.Errorf("query %s is %s: %w", queryID, state, ErrQueryFinished)
	}
	o.logger.Printf("[Orchestrator] query %s cancel requested in %s (%s)", queryID, state, r.policy)
	return nil
}

// Wait blocks until the query is terminal or ctx is done and returns its
// final status.
func (o *Orchestrator) Wait(ctx context.Context, queryID string) (Status, error) {
	r, err := o.lookup(queryID)
	if err != nil {
		return Status{}, err
	}
	select {
	case <-r.done:
		return r.status(), nil
	case <-ctx.Done():
		return r.status(), ctx.Err()
	}
}

// Subscribe returns a channel of progress events for a query and a
// function that ends the subscription. The channel is closed when the
// query settles. Slow subscribers miss events rather than stall the query.
func (o *Orchestrator) Subscribe(queryID string) (<-chan Event, func(), error) {
	r, err := o.lookup(queryID)
	if err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := r.subscribe(o.now())
	return ch, unsubscribe, nil
}

// Report returns the report of a finished query. Reports of queries from
// earlier processes are read from the store.
func (o *Orchestrator) Report(ctx context.Context, queryID string) (types.Report, error) {
	o.mu.RLock()
	r, ok := o.runs[queryID]
	o.mu.RUnlock()

	if ok {
		rep, state := r.reportSnapshot()
		switch {
		case rep != nil:
			return *rep, nil
		case state.Terminal():
			return types.Report{}, fmt.Errorf("query %s is %s: %w", queryID, state, ErrNoReport)
		default:
			return types.Report{}, fmt.Errorf("query %s is %s: %w", queryID, state, ErrReportNotReady)
		}
	}

	rep, found, err := o.store.Report(ctx, queryID)
	if err != nil {
		return types.Report{}, err
	}
	if !found {
		return types.Report{}, fmt.Errorf("%s: %w", queryID, ErrUnknownQuery)
	}
	return rep, nil
}

// Close stops scheduling, aborts in-flight capability calls, waits for
// every query goroutine, and stops the workers.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	o.pool.Close()
	return nil
}

func (o *Orchestrator) lookup(queryID string) (*run, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[queryID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", queryID, ErrUnknownQuery)
	}
	return r, nil
}

// drive runs one query's stages in order and settles it.
func (o *Orchestrator) drive(r *run) {
	defer o.wg.Done()
	o.metrics.queryStarted()
	o.logger.Printf("[Orchestrator] query %s submitted: %q", r.id, r.query.Topic)

	state, reason := o.execute(r)
	r.settle(state, reason, o.now())
	o.metrics.queryFinished(state)

	if reason != "" {
		o.logger.Printf("[Orchestrator] query %s %s: %s", r.id, state, reason)
	} else {
		o.logger.Printf("[Orchestrator] query %s %s", r.id, state)
	}
}

// execute runs the stages and returns the terminal state with a reason.
func (o *Orchestrator) execute(r *run) (types.PipelineState, string) {
	q := r.query
	oc := o.cfg.Orchestrator

	// Plan.
	plan := o.runStage(r, types.StagePlan, []taskSpec{{ref: q.Topic, in: pipeline.Input{Query: q}}})
	if state, reason, stop := o.checkpoint(r, plan); stop {
		return state, reason
	}
	if err := plan[0].err; err != nil {
		return types.StateFailed, "planning failed: " + err.Error()
	}
	subtopics := plan[0].out.Subtopics
	r.setSubtopics(subtopics)

	// Search.
	if err := r.advance(types.StateSearching, o.now()); err != nil {
		return types.StateFailed, err.Error()
	}
	specs := make([]taskSpec, len(subtopics))
	for i, term := range subtopics {
		specs[i] = taskSpec{ref: term, in: pipeline.Input{Query: q, Term: term}}
	}
	found := o.runStage(r, types.StageSearch, specs)
	if state, reason, stop := o.checkpoint(r, found); stop {
		return state, reason
	}
	var (
		results     [][]types.CandidateDocument
		failedTerms int
		reasons     []string
	)
	for _, res := range found {
		if res.err != nil {
			failedTerms++
			continue
		}
		results = append(results, res.out.Documents)
	}
	if failedTerms > 0 {
		reasons = append(reasons, fmt.Sprintf("search failed for %d of %d subtopics", failedTerms, len(found)))
	}
	docs := pipeline.MergeSearchResults(results, oc.MaxDocuments)
	r.setDocuments(len(docs))
	o.logger.Printf("[Orchestrator] query %s: %d subtopics, %d documents", r.id, len(subtopics), len(docs))

	// Analyze.
	if err := r.advance(types.StateAnalyzing, o.now()); err != nil {
		return types.StateFailed, err.Error()
	}
	specs = make([]taskSpec, len(docs))
	for i, doc := range docs {
		specs[i] = taskSpec{ref: doc.ExternalID, in: pipeline.Input{Query: q, Document: doc}}
	}
	analyzed := o.runStage(r, types.StageAnalyze, specs)
	if state, reason, stop := o.checkpoint(r, analyzed); stop {
		return state, reason
	}
	var (
		notes  []types.AnalysisNote
		failed []string
	)
	for i, res := range analyzed {
		if res.err != nil || res.out.Note == nil {
			failed = append(failed, docs[i].ExternalID)
			continue
		}
		notes = append(notes, *res.out.Note)
	}
	r.setFailedDocuments(failed)

	// Summarize.
	if err := r.advance(types.StateSummarizing, o.now()); err != nil {
		return types.StateFailed, err.Error()
	}
	in := pipeline.Input{
		Query:             q,
		Documents:         docs,
		Notes:             notes,
		FailedDocumentIDs: failed,
		DegradedReasons:   reasons,
	}
	summary := o.runStage(r, types.StageSummarize, []taskSpec{{ref: q.ID, in: in}})
	if state, reason, stop := o.checkpoint(r, summary); stop {
		return state, reason
	}

	var report types.Report
	if err := summary[0].err; err != nil {
		report = pipeline.AssembleReport(in, oc.DegradedThreshold, fmt.Sprintf("synthesis failed: %v", err))
	} else if summary[0].out.Report == nil {
		report = pipeline.AssembleReport(in, oc.DegradedThreshold, pipeline.ReasonNoReport)
	} else {
		report = *summary[0].out.Report
	}
	report.QueryID = q.ID

	if err := o.store.SaveReport(o.ctx, report); err != nil {
		return types.StateFailed, "saving report: " + err.Error()
	}
	r.setReport(report)
	if err := r.advance(types.StateDone, o.now()); err != nil {
		return types.StateFailed, err.Error()
	}
	return types.StateDone, ""
}

// checkpoint decides whether the query stops after a stage barrier:
// canceled (or orchestrator closed) → CANCELED, any infrastructure
// failure → FAILED.
func (o *Orchestrator) checkpoint(r *run, results []taskResult) (types.PipelineState, string, bool) {
	if r.isCanceled() {
		return types.StateCanceled, "canceled", true
	}
	if err := r.fatalErr(); err != nil {
		return types.StateFailed, err.Error(), true
	}
	for _, res := range results {
		if faults.Classify(res.err) == faults.Infrastructure {
			return types.StateFailed, res.err.Error(), true
		}
	}
	if o.ctx.Err() != nil {
		return types.StateCanceled, ErrClosed.Error(), true
	}
	return "", "", false
}

type taskSpec struct {
	ref string
	in  pipeline.Input
}

type taskResult struct {
	out pipeline.Output
	err error
}

// runStage runs one task per spec with at most MaxParallelism in flight
// and returns once every task is terminal (the stage barrier). Under the
// abandon policy a cancel returns at once; results of abandoned tasks are
// discarded.
func (o *Orchestrator) runStage(r *run, stage types.Stage, specs []taskSpec) []taskResult {
	task := o.tasks[stage]
	agentTasks := make([]*types.AgentTask, len(specs))
	for i, s := range specs {
		agentTasks[i] = r.addTask(stage, s.ref, o.now())
	}

	var (
		mu      sync.Mutex
		results = make([]taskResult, len(specs))
		wg      sync.WaitGroup
	)
	for i := range results {
		results[i].err = errCanceled
	}

	sem := semaphore.NewWeighted(int64(o.cfg.Orchestrator.MaxParallelism))
	for i := range specs {
		if err := o.dispatch(r, sem, &wg, func() {
			out, err := o.execTask(r, task, agentTasks[i], specs[i].in)
			mu.Lock()
			results[i] = taskResult{out: out, err: err}
			mu.Unlock()
		}); err != nil {
			o.skipTask(r, agentTasks[i], err)
		}
	}

	barrier := make(chan struct{})
	go func() {
		wg.Wait()
		close(barrier)
	}()
	select {
	case <-barrier:
	case <-r.abandoned:
		o.logger.Printf("[Scheduler] query %s: abandoning in-flight %s tasks", r.id, stage)
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]taskResult(nil), results...)
}

// dispatch hands job to the worker pool once the stage semaphore admits
// it. Scheduling stops as soon as the run is canceled or halted.
func (o *Orchestrator) dispatch(r *run, sem *semaphore.Weighted, wg *sync.WaitGroup, job func()) error {
	if err := r.stopReason(); err != nil {
		return err
	}
	if err := sem.Acquire(r.stopCtx, 1); err != nil {
		if reason := r.stopReason(); reason != nil {
			return reason
		}
		return err
	}
	if err := r.stopReason(); err != nil {
		sem.Release(1)
		return err
	}

	wg.Add(1)
	err := o.pool.Submit(r.stopCtx, func() {
		defer wg.Done()
		defer sem.Release(1)
		job()
	})
	if err != nil {
		wg.Done()
		sem.Release(1)
		if reason := r.stopReason(); reason != nil {
			return reason
		}
		return err
	}
	return nil
}

// skipTask fails a task that was never dispatched.
func (o *Orchestrator) skipTask(r *run, t *types.AgentTask, cause error) {
	if err := r.finishTask(t, pipeline.Output{}, cause, o.now()); err != nil {
		o.logger.Printf("[Scheduler] query %s: %v", r.id, err)
		return
	}
	o.metrics.taskFinished(*t)
}

// execTask runs one task with retries and records its lifecycle.
func (o *Orchestrator) execTask(r *run, task pipeline.Task, t *types.AgentTask, in pipeline.Input) (pipeline.Output, error) {
	if err := r.startTask(t, o.now()); err != nil {
		return pipeline.Output{}, err
	}

	var out pipeline.Output
	_, err := o.retry.run(o.ctx, func(ctx context.Context) error {
		var err error
		out, err = task.Execute(ctx, in)
		return err
	}, func(n int, err error) {
		r.retryTask(t, n, err, o.now())
		o.metrics.taskRetried(t.Stage)
		o.logger.Printf("[Scheduler] query %s: retry %d of %s task %s: %v", r.id, n, t.Stage, t.InputRef, err)
	})

	if err != nil {
		switch faults.Classify(err) {
		case faults.Infrastructure:
			r.halt(err)
		case faults.Canceled:
		default:
			o.logger.Printf("[Scheduler] query %s: %s task %s failed: %v", r.id, t.Stage, t.InputRef, err)
		}
	}
	if finErr := r.finishTask(t, out, err, o.now()); finErr != nil {
		o.logger.Printf("[Scheduler] query %s: %v", r.id, finErr)
	}
	o.metrics.taskFinished(*t)
	return out, err
}

// backfillLoop retries pending embeddings every interval until Close.
func (o *Orchestrator) backfillLoop(interval time.Duration) {
	defer o.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.backfill()
		}
	}
}

// backfill runs one pass over the store's pending embeddings.
func (o *Orchestrator) backfill() {
	res, err := o.store.Backfill(o.ctx, o.embed)
	o.metrics.backfill(res.Committed, res.Failed)
	if err != nil && o.ctx.Err() == nil {
		o.logger.Printf("[Orchestrator] backfill: %v", err)
	}
}
