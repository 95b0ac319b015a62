// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package pipeline implements the four stage tasks of a research query:
// Plan decomposes the topic into search terms, Search retrieves candidate
// documents per term, Analyze turns one document into an AnalysisNote
// (reusing the memory store where it can), and Summarize joins the notes
// into a Report.
//
// Every stage variant satisfies Task. Tasks are stateless; the
// orchestrator owns scheduling, retries, and the state machine.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pdiddy/research-crew/internal/memory"
	"github.com/pdiddy/research-crew/internal/provider"
	"github.com/pdiddy/research-crew/internal/search"
	"github.com/pdiddy/research-crew/pkg/types"
)

// Task is one unit of stage work.
type Task interface {
	Stage() types.Stage
	Execute(ctx context.Context, in Input) (Output, error)
}

// Input carries everything a task may read. Each stage uses a subset.
type Input struct {
	Query types.ResearchQuery

	// Term is the subtopic a Search task retrieves.
	Term string

	// Document is the document an Analyze task analyzes.
	Document types.CandidateDocument

	// Documents, Notes and FailedDocumentIDs feed Summarize.
	Documents         []types.CandidateDocument
	Notes             []types.AnalysisNote
	FailedDocumentIDs []string

	// DegradedReasons are reasons the orchestrator already knows the
	// report is degraded (e.g. no documents were retrieved).
	DegradedReasons []string
}

// Output carries a task's result. Each stage fills a subset.
type Output struct {
	Subtopics []string
	Documents []types.CandidateDocument
	Note      *types.AnalysisNote
	Report    *types.Report

	// CacheHit is set when Analyze served the note from memory without
	// calling the completion capability.
	CacheHit bool
}

// Memory is the slice of the memory store the Analyze stage uses.
type Memory interface {
	ModelVersion() string
	Get(ctx context.Context, id, version string) (types.Embedding, bool, error)
	Upsert(ctx context.Context, doc types.CandidateDocument, emb types.Embedding) error
	MarkPending(ctx context.Context, doc types.CandidateDocument, reason string) error
	Query(ctx context.Context, vector []float32, k int, f memory.Filter) ([]memory.Match, error)
	Note(ctx context.Context, id, version string) (types.AnalysisNote, bool, error)
	SaveNote(ctx context.Context, note types.AnalysisNote) error
}

// Deps are the collaborators and settings tasks are built from.
type Deps struct {
	Provider provider.Provider
	Search   search.Service
	Memory   Memory

	Orchestrator types.OrchestratorConfig
	MemoryConfig types.MemoryConfig
}

// New returns the Task for stage.
func New(stage types.Stage, d Deps) (Task, error) {
	switch stage {
	case types.StagePlan:
		return &PlanTask{Completer: d.Provider, DefaultMaxSubtopics: d.Orchestrator.MaxSubtopics}, nil
	case types.StageSearch:
		return &SearchTask{Service: d.Search, DefaultLimit: d.Orchestrator.MaxDocumentsPerTerm}, nil
	case types.StageAnalyze:
		return &AnalyzeTask{
			Provider:            d.Provider,
			Memory:              d.Memory,
			ContextK:            d.MemoryConfig.ContextK,
			SimilarityThreshold: d.MemoryConfig.SimilarityThreshold,
			ReuseThreshold:      d.MemoryConfig.ReuseThreshold,
		}, nil
	case types.StageSummarize:
		return &SummarizeTask{Completer: d.Provider, DegradedThreshold: d.Orchestrator.DegradedThreshold}, nil
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
}

// MergeSearchResults joins the outputs of every Search task: documents
// are deduplicated by external id (and normalized title), ordered by
// relevance, and capped at max when max > 0.
func MergeSearchResults(results [][]types.CandidateDocument, max int) []types.CandidateDocument {
	var all []types.CandidateDocument
	for _, docs := range results {
		all = append(all, docs...)
	}
	merged, _ := search.Deduplicate(all)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Source.RelevanceScore > merged[j].Source.RelevanceScore
	})
	if max > 0 && len(merged) > max {
		merged = merged[:max]
	}
	return merged
}

// now is the clock used for note and report timestamps. Tests replace it.
var now = func() time.Time { return time.Now().UTC() }
