// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResearchQueryValidate(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		query   ResearchQuery
		wantErr bool
	}{
		{"topic only", ResearchQuery{Topic: "graph neural networks"}, false},
		{"explicit terms without topic", ResearchQuery{Constraints: QueryConstraints{SearchTerms: []string{"gnn"}}}, false},
		{"empty", ResearchQuery{}, true},
		{"whitespace topic", ResearchQuery{Topic: "   "}, true},
		{"too long", ResearchQuery{Topic: strings.Repeat("a", MaxTopicLength+1)}, true},
		{"negative subtopics", ResearchQuery{Topic: "x", Constraints: QueryConstraints{MaxSubtopics: -1}}, true},
		{"negative documents", ResearchQuery{Topic: "x", Constraints: QueryConstraints{MaxDocumentsPerTerm: -2}}, true},
		{"blank term", ResearchQuery{Topic: "x", Constraints: QueryConstraints{SearchTerms: []string{"ok", " "}}}, true},
		{"inverted dates", ResearchQuery{Topic: "x", Constraints: QueryConstraints{DateFrom: day, DateTo: day.AddDate(0, 0, -1)}}, true},
		{"unknown style", ResearchQuery{Topic: "x", Constraints: QueryConstraints{ReportStyle: "poem"}}, true},
		{"known style", ResearchQuery{Topic: "x", Constraints: QueryConstraints{ReportStyle: StyleBrief}}, false},
		{"literature review style", ResearchQuery{Topic: "x", Constraints: QueryConstraints{ReportStyle: StyleLiteratureReview}}, false},
		{"proposal style", ResearchQuery{Topic: "x", Constraints: QueryConstraints{ReportStyle: StyleProposal}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidQuery)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResearchQueryStyleDefault(t *testing.T) {
	assert.Equal(t, StyleComprehensive, ResearchQuery{}.Style())
	assert.Equal(t, StyleTechnical, ResearchQuery{Constraints: QueryConstraints{ReportStyle: StyleTechnical}}.Style())
}

func TestAgentTaskAdvanceIsMonotonic(t *testing.T) {
	now := time.Now()
	task := AgentTask{ID: "t1", Stage: StageAnalyze, Status: TaskPending}

	require.NoError(t, task.Advance(TaskRunning, now))
	assert.Equal(t, now, task.StartedAt)

	assert.ErrorIs(t, task.Advance(TaskPending, now), ErrStatusRegression)
	assert.ErrorIs(t, task.Advance(TaskRunning, now), ErrStatusRegression)

	require.NoError(t, task.Advance(TaskSucceeded, now.Add(time.Second)))
	assert.Equal(t, now.Add(time.Second), task.FinishedAt)

	assert.ErrorIs(t, task.Advance(TaskFailed, now), ErrStatusRegression)
	assert.Equal(t, TaskSucceeded, task.Status)
}

func TestAgentTaskPendingCanFailDirectly(t *testing.T) {
	task := AgentTask{ID: "t2", Status: TaskPending}
	require.NoError(t, task.Advance(TaskFailed, time.Now()))
	assert.True(t, task.Status.Terminal())
}

func TestPipelineStateTransitions(t *testing.T) {
	tests := []struct {
		from, to PipelineState
		want     bool
	}{
		{StatePlanned, StateSearching, true},
		{StatePlanned, StateAnalyzing, false},
		{StateSearching, StateAnalyzing, true},
		{StateAnalyzing, StateSearching, false},
		{StateAnalyzing, StateSummarizing, true},
		{StateSummarizing, StateDone, true},
		{StateAnalyzing, StateDone, false},
		{StateSearching, StateFailed, true},
		{StateAnalyzing, StateCanceled, true},
		{StateDone, StateFailed, false},
		{StateFailed, StateSearching, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestEmbeddingValidFor(t *testing.T) {
	e := Embedding{DocumentID: "d", ModelVersion: "v2", Vector: []float32{1, 0}}
	assert.True(t, e.ValidFor("v2"))
	assert.False(t, e.ValidFor("v1"))
	assert.False(t, Embedding{ModelVersion: "v2"}.ValidFor("v2"))
}

func TestEmbeddingText(t *testing.T) {
	assert.Equal(t, "Title\n\nBody", CandidateDocument{Title: " Title ", Abstract: "Body"}.EmbeddingText())
	assert.Equal(t, "Title", CandidateDocument{Title: "Title"}.EmbeddingText())
	assert.Equal(t, "Body", CandidateDocument{Abstract: "Body"}.EmbeddingText())
}

func TestReportMarkdownDegraded(t *testing.T) {
	r := Report{
		QueryID:           "q1",
		Topic:             "Sparse attention",
		Style:             StyleBrief,
		GeneratedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Sections:          []ReportSection{{Title: "What We Found", Body: "Things."}},
		Citations:         []Citation{{DocumentID: "2301.07041", Title: "Efficient Attention", Authors: []string{"Smith", "Doe"}, Year: 2023}},
		Degraded:          true,
		FailedDocumentIDs: []string{"a", "b"},
	}

	md := r.Markdown()
	assert.True(t, strings.HasPrefix(md, "# Sparse attention\n"))
	assert.Contains(t, md, "Analysis failed for 2 document(s): a, b.")
	assert.Contains(t, md, "## What We Found\n\nThings.")
	assert.Contains(t, md, "1. Smith et al. (2023) *Efficient Attention* [2301.07041]")
}

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Orchestrator.CancelPolicy = "kill"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Orchestrator.Workers = 0
	assert.Error(t, cfg.Validate())
}
