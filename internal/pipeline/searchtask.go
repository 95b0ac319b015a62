// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/pdiddy/research-crew/internal/faults"
	"github.com/pdiddy/research-crew/internal/search"
	"github.com/pdiddy/research-crew/pkg/types"
)

// SearchTask retrieves candidate documents for one subtopic.
type SearchTask struct {
	Service      search.Service
	DefaultLimit int
}

// Stage returns StageSearch.
func (t *SearchTask) Stage() types.Stage { return types.StageSearch }

// Execute searches for in.Term. A term with no results succeeds with no
// documents; other search failures are returned as is so the caller can
// classify them.
func (t *SearchTask) Execute(ctx context.Context, in Input) (Output, error) {
	if t.Service == nil {
		return Output{}, errors.New("search: no search service")
	}

	limit := in.Query.Constraints.MaxDocumentsPerTerm
	if limit <= 0 {
		limit = t.DefaultLimit
	}
	req := search.Request{
		Term:     in.Term,
		Limit:    limit,
		DateFrom: in.Query.Constraints.DateFrom,
		DateTo:   in.Query.Constraints.DateTo,
	}

	docs, err := t.Service.Search(ctx, req)
	if errors.Is(err, faults.ErrNotFound) {
		return Output{}, nil
	}
	if err != nil {
		return Output{}, fmt.Errorf("searching %q: %w", in.Term, err)
	}
	for i := range docs {
		if docs[i].Source.Term == "" {
			docs[i].Source.Term = in.Term
		}
	}
	return Output{Documents: docs}, nil
}
