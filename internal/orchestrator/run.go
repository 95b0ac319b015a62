// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pdiddy/research-crew/internal/pipeline"
	"github.com/pdiddy/research-crew/pkg/types"
)

// EventKind distinguishes pipeline state changes from task updates.
type EventKind string

const (
	EventState EventKind = "state"
	EventTask  EventKind = "task"
)

// Event is pushed to subscribers as a query progresses.
type Event struct {
	QueryID string              `json:"query_id"`
	Kind    EventKind           `json:"kind"`
	State   types.PipelineState `json:"state"`
	Task    *types.AgentTask    `json:"task,omitempty"`
	Time    time.Time           `json:"time"`
}

// subscriberBuffer is the per-subscriber event buffer. Events that do not
// fit are dropped for that subscriber; Status stays authoritative.
const subscriberBuffer = 64

// StageProgress counts one stage's tasks by status.
type StageProgress struct {
	Total     int `json:"total" yaml:"total"`
	Pending   int `json:"pending" yaml:"pending"`
	Running   int `json:"running" yaml:"running"`
	Succeeded int `json:"succeeded" yaml:"succeeded"`
	Failed    int `json:"failed" yaml:"failed"`
}

// Status is a snapshot of one query.
type Status struct {
	QueryID string              `json:"query_id" yaml:"query_id"`
	Topic   string              `json:"topic" yaml:"topic"`
	State   types.PipelineState `json:"state" yaml:"state"`

	Progress map[types.Stage]StageProgress `json:"progress" yaml:"progress"`
	Tasks    []types.AgentTask             `json:"tasks" yaml:"tasks"`

	Subtopics         []string `json:"subtopics,omitempty" yaml:"subtopics,omitempty"`
	Documents         int      `json:"documents" yaml:"documents"`
	FailedDocumentIDs []string `json:"failed_document_ids,omitempty" yaml:"failed_document_ids,omitempty"`
	CacheHits         int      `json:"cache_hits" yaml:"cache_hits"`

	CancelRequested bool   `json:"cancel_requested,omitempty" yaml:"cancel_requested,omitempty"`
	Error           string `json:"error,omitempty" yaml:"error,omitempty"`

	SubmittedAt time.Time `json:"submitted_at" yaml:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}

// run is the live state of one query. The driving goroutine owns the
// stage sequence; workers update tasks through the locked methods.
type run struct {
	id     string
	query  types.ResearchQuery
	policy types.CancelPolicy

	// stopCtx ends when scheduling must stop: on cancel, on a fatal
	// failure, or when the orchestrator closes.
	stopCtx context.Context
	stop    context.CancelFunc

	// abandoned is closed on cancel under the abandon policy.
	abandoned chan struct{}
	done      chan struct{}

	mu         sync.Mutex
	state      types.PipelineState
	tasks      []*types.AgentTask
	subtopics  []string
	documents  int
	failedDocs []string
	report     *types.Report
	reason     string
	canceled   bool
	fatal      error
	updatedAt  time.Time
	subs       map[int]chan Event
	nextSub    int
}

func newRun(parent context.Context, q types.ResearchQuery, policy types.CancelPolicy) *run {
	r := &run{
		id:        q.ID,
		query:     q,
		policy:    policy,
		abandoned: make(chan struct{}),
		done:      make(chan struct{}),
		state:     types.StatePlanned,
		updatedAt: q.CreatedAt,
		subs:      make(map[int]chan Event),
	}
	r.stopCtx, r.stop = context.WithCancel(parent)
	return r
}

// advance moves the pipeline to next if the transition is legal.
func (r *run) advance(next types.PipelineState, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.CanTransition(next) {
		return fmt.Errorf("query %s: illegal transition %s → %s", r.id, r.state, next)
	}
	r.state = next
	r.updatedAt = now
	r.emitLocked(Event{QueryID: r.id, Kind: EventState, State: next, Time: now})
	return nil
}

// settle moves the pipeline to a terminal state, closes every
// subscription, and releases waiters.
func (r *run) settle(state types.PipelineState, reason string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return
	}
	r.state = state
	r.reason = reason
	r.updatedAt = now
	r.emitLocked(Event{QueryID: r.id, Kind: EventState, State: state, Time: now})
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	r.stop()
	close(r.done)
}

// requestCancel flags the run as canceled. It reports false if the run is
// already terminal.
func (r *run) requestCancel() (bool, types.PipelineState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false, r.state
	}
	if r.canceled {
		return true, r.state
	}
	r.canceled = true
	r.stop()
	if r.policy == types.CancelAbandon {
		close(r.abandoned)
	}
	return true, r.state
}

func (r *run) isCanceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

// halt records a fatal failure and stops scheduling. The first cause wins.
func (r *run) halt(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.stop()
}

func (r *run) fatalErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// stopReason is why scheduling stopped, or nil if it has not.
func (r *run) stopReason() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.canceled:
		return errCanceled
	case r.fatal != nil:
		return fmt.Errorf("%w: %v", errNotStarted, r.fatal)
	}
	if err := r.stopCtx.Err(); err != nil {
		return errCanceled
	}
	return nil
}

func (r *run) addTask(stage types.Stage, ref string, now time.Time) *types.AgentTask {
	t := &types.AgentTask{
		ID:       uuid.NewString(),
		Stage:    stage,
		Status:   types.TaskPending,
		InputRef: ref,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
	r.updatedAt = now
	r.emitTaskLocked(t, now)
	return t
}

func (r *run) startTask(t *types.AgentTask, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := t.Advance(types.TaskRunning, now); err != nil {
		return err
	}
	r.updatedAt = now
	r.emitTaskLocked(t, now)
	return nil
}

func (r *run) retryTask(t *types.AgentTask, n int, err error, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.RetryCount = n
	t.LastError = err.Error()
	r.updatedAt = now
	r.emitTaskLocked(t, now)
}

// finishTask records a task's terminal status and output summary.
func (r *run) finishTask(t *types.AgentTask, out pipeline.Output, err error, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := types.TaskSucceeded
	if err != nil {
		next = types.TaskFailed
		t.LastError = err.Error()
	} else {
		t.OutputRef = outputRef(t.Stage, out)
		t.CacheHit = out.CacheHit
	}
	if advErr := t.Advance(next, now); advErr != nil {
		return advErr
	}
	r.updatedAt = now
	r.emitTaskLocked(t, now)
	return nil
}

func outputRef(stage types.Stage, out pipeline.Output) string {
	switch stage {
	case types.StagePlan:
		return fmt.Sprintf("%d subtopics", len(out.Subtopics))
	case types.StageSearch:
		return fmt.Sprintf("%d documents", len(out.Documents))
	case types.StageAnalyze:
		if out.Note != nil {
			return "note:" + out.Note.DocumentID
		}
	case types.StageSummarize:
		if out.Report != nil {
			return "report:" + out.Report.QueryID
		}
	}
	return ""
}

func (r *run) setSubtopics(terms []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subtopics = append([]string(nil), terms...)
}

func (r *run) setDocuments(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.documents = n
}

func (r *run) setFailedDocuments(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedDocs = append([]string(nil), ids...)
}

func (r *run) setReport(rep types.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report = &rep
}

func (r *run) reportSnapshot() (*types.Report, types.PipelineState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.report == nil {
		return nil, r.state
	}
	rep := *r.report
	return &rep, r.state
}

func (r *run) status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Status{
		QueryID:           r.id,
		Topic:             r.query.Topic,
		State:             r.state,
		Progress:          make(map[types.Stage]StageProgress),
		Subtopics:         append([]string(nil), r.subtopics...),
		Documents:         r.documents,
		FailedDocumentIDs: append([]string(nil), r.failedDocs...),
		CancelRequested:   r.canceled,
		Error:             r.reason,
		SubmittedAt:       r.query.CreatedAt,
		UpdatedAt:         r.updatedAt,
	}
	for _, t := range r.tasks {
		s.Tasks = append(s.Tasks, *t)
		p := s.Progress[t.Stage]
		p.Total++
		switch t.Status {
		case types.TaskPending:
			p.Pending++
		case types.TaskRunning:
			p.Running++
		case types.TaskSucceeded:
			p.Succeeded++
		case types.TaskFailed:
			p.Failed++
		}
		s.Progress[t.Stage] = p
		if t.CacheHit {
			s.CacheHits++
		}
	}
	return s
}

// subscribe registers a subscriber. A subscriber of a finished query
// gets the terminal state event on an already closed channel.
func (r *run) subscribe(now time.Time) (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if r.state.Terminal() {
		ch <- Event{QueryID: r.id, Kind: EventState, State: r.state, Time: now}
		close(ch)
		return ch, func() {}
	}

	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subs[id]; ok {
			close(c)
			delete(r.subs, id)
		}
	}
}

func (r *run) emitTaskLocked(t *types.AgentTask, now time.Time) {
	cp := *t
	r.emitLocked(Event{QueryID: r.id, Kind: EventTask, State: r.state, Task: &cp, Time: now})
}

func (r *run) emitLocked(e Event) {
	for _, ch := range r.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
