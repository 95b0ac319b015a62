// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pdiddy/research-crew/internal/faults"
	"github.com/pdiddy/research-crew/internal/provider"
	"github.com/pdiddy/research-crew/pkg/types"
)

// defaultMaxSubtopics applies when neither the query nor the task sets one.
const defaultMaxSubtopics = 5

// PlanTask decomposes a topic into search terms. Queries that carry
// explicit search terms skip the completion call.
type PlanTask struct {
	Completer           provider.Completer
	DefaultMaxSubtopics int
}

// Stage returns StagePlan.
func (t *PlanTask) Stage() types.Stage { return types.StagePlan }

// Execute returns the subtopics in Output.Subtopics: trimmed,
// deduplicated case-insensitively, and capped at the query's limit.
func (t *PlanTask) Execute(ctx context.Context, in Input) (Output, error) {
	max := in.Query.Constraints.MaxSubtopics
	if max <= 0 {
		max = t.DefaultMaxSubtopics
	}
	if max <= 0 {
		max = defaultMaxSubtopics
	}

	if terms := in.Query.Constraints.SearchTerms; len(terms) > 0 {
		return Output{Subtopics: capTerms(compact(terms), max)}, nil
	}

	if t.Completer == nil {
		return Output{}, errors.New("plan: no completion provider")
	}
	prompt, err := renderPrompt(planPromptTmpl, struct {
		Topic string
		Max   int
	}{Topic: strings.TrimSpace(in.Query.Topic), Max: max})
	if err != nil {
		return Output{}, fmt.Errorf("rendering plan prompt: %w", err)
	}

	text, err := t.Completer.Complete(ctx, prompt, provider.Options{
		System:      plannerSystem,
		MaxTokens:   1000,
		Temperature: 0.3,
	})
	if err != nil {
		return Output{}, fmt.Errorf("planning %q: %w", in.Query.Topic, err)
	}

	terms, err := parseSubtopics(text)
	if err != nil {
		return Output{}, fmt.Errorf("planning %q: %w", in.Query.Topic, err)
	}
	terms = capTerms(compact(terms), max)
	if len(terms) == 0 {
		return Output{}, fmt.Errorf("planning %q: %w: no subtopics", in.Query.Topic, faults.ErrInvalidResponse)
	}
	return Output{Subtopics: terms}, nil
}

func capTerms(terms []string, max int) []string {
	if len(terms) > max {
		return terms[:max]
	}
	return terms
}
