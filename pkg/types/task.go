// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"errors"
	"fmt"
	"time"
)

// Stage tags one phase of the pipeline.
type Stage string

const (
	StagePlan      Stage = "plan"
	StageSearch    Stage = "search"
	StageAnalyze   Stage = "analyze"
	StageSummarize Stage = "summarize"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StagePlan, StageSearch, StageAnalyze, StageSummarize}

// PipelineState is the state of one query's pipeline.
type PipelineState string

const (
	StatePlanned     PipelineState = "PLANNED"
	StateSearching   PipelineState = "SEARCHING"
	StateAnalyzing   PipelineState = "ANALYZING"
	StateSummarizing PipelineState = "SUMMARIZING"
	StateDone        PipelineState = "DONE"
	StateFailed      PipelineState = "FAILED"
	StateCanceled    PipelineState = "CANCELED"
)

// pipelineOrder ranks non-terminal states; terminal states share the top rank.
var pipelineOrder = map[PipelineState]int{
	StatePlanned:     0,
	StateSearching:   1,
	StateAnalyzing:   2,
	StateSummarizing: 3,
	StateDone:        4,
	StateFailed:      4,
	StateCanceled:    4,
}

// Terminal reports whether no further transitions are possible.
func (s PipelineState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCanceled
}

// CanTransition reports whether the pipeline may move from s to next.
// Transitions only move forward; FAILED and CANCELED are reachable from
// any non-terminal state, DONE only from SUMMARIZING.
func (s PipelineState) CanTransition(next PipelineState) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StateFailed, StateCanceled:
		return true
	case StateDone:
		return s == StateSummarizing
	}
	return pipelineOrder[next] == pipelineOrder[s]+1
}

// StateForStage returns the pipeline state entered when stage begins.
func StateForStage(stage Stage) PipelineState {
	switch stage {
	case StageSearch:
		return StateSearching
	case StageAnalyze:
		return StateAnalyzing
	case StageSummarize:
		return StateSummarizing
	default:
		return StatePlanned
	}
}

// TaskStatus is the lifecycle status of an AgentTask.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
)

var taskOrder = map[TaskStatus]int{
	TaskPending:   0,
	TaskRunning:   1,
	TaskSucceeded: 2,
	TaskFailed:    2,
}

// Terminal reports whether the status is SUCCEEDED or FAILED.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// ErrStatusRegression is returned when a task transition would move
// backwards or leave a terminal status.
var ErrStatusRegression = errors.New("task status regression")

// AgentTask is one unit of stage work. The orchestrator owns its lifecycle.
type AgentTask struct {
	ID    string `json:"id" yaml:"id"`
	Stage Stage  `json:"stage" yaml:"stage"`

	Status TaskStatus `json:"status" yaml:"status"`

	// InputRef names the task input: the topic for Plan, the term for
	// Search, the document id for Analyze.
	InputRef string `json:"input_ref" yaml:"input_ref"`

	// OutputRef names what the task produced, once SUCCEEDED.
	OutputRef string `json:"output_ref,omitempty" yaml:"output_ref,omitempty"`

	RetryCount int    `json:"retry_count" yaml:"retry_count"`
	LastError  string `json:"last_error,omitempty" yaml:"last_error,omitempty"`

	// CacheHit is set when an Analyze task was served from memory.
	CacheHit bool `json:"cache_hit,omitempty" yaml:"cache_hit,omitempty"`

	StartedAt  time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// Advance moves the task to next. Status transitions are monotonic:
// PENDING → RUNNING → SUCCEEDED|FAILED, with PENDING → FAILED allowed for
// tasks that never start.
func (t *AgentTask) Advance(next TaskStatus, now time.Time) error {
	if t.Status.Terminal() || taskOrder[next] <= taskOrder[t.Status] {
		return fmt.Errorf("%w: %s %s → %s", ErrStatusRegression, t.ID, t.Status, next)
	}
	t.Status = next
	switch {
	case next == TaskRunning:
		t.StartedAt = now
	case next.Terminal():
		t.FinishedAt = now
	}
	return nil
}
