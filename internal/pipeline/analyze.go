// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/pdiddy/research-crew/internal/faults"
	"github.com/pdiddy/research-crew/internal/memory"
	"github.com/pdiddy/research-crew/internal/provider"
	"github.com/pdiddy/research-crew/pkg/types"
)

// AnalyzeTask turns one document into an AnalysisNote, using the memory
// store as a cache and as a source of related context.
//
// The flow for one document:
//  1. Look up its embedding under the store's model version; on a miss,
//     embed and upsert it. If embedding fails for any reason other than
//     cancellation the document is marked pending and analysis continues
//     without related context.
//  2. If both the embedding and a note are already stored, return the
//     note without calling the completion capability (a cache hit).
//  3. Otherwise query the store for the ContextK nearest other entries
//     scoring at least SimilarityThreshold. When ReuseThreshold is set and
//     the best neighbor reaches it, that neighbor's note is reused.
//  4. Complete the analysis prompt, validate the note, and save it.
type AnalyzeTask struct {
	Provider provider.Provider
	Memory   Memory

	ContextK            int
	SimilarityThreshold float64
	ReuseThreshold      float64
}

// Stage returns StageAnalyze.
func (t *AnalyzeTask) Stage() types.Stage { return types.StageAnalyze }

// Execute analyzes in.Document. Store failures are returned wrapped in
// faults.ErrStoreUnavailable; the caller treats them as fatal for the
// query.
func (t *AnalyzeTask) Execute(ctx context.Context, in Input) (Output, error) {
	doc := in.Document
	if doc.ExternalID == "" {
		return Output{}, fmt.Errorf("analyze: %w: document has no external id", faults.ErrInvalidResponse)
	}
	if t.Provider == nil || t.Memory == nil {
		return Output{}, errors.New("analyze: provider and memory are required")
	}

	version := t.Memory.ModelVersion()
	if pv := t.Provider.ModelVersion(); pv != version {
		return Output{}, fmt.Errorf("analyze: embedding model %q does not match memory version %q", pv, version)
	}

	emb, hit, err := t.Memory.Get(ctx, doc.ExternalID, version)
	if err != nil {
		return Output{}, err
	}
	if !hit {
		emb, hit, err = t.embed(ctx, doc, version)
		if err != nil {
			return Output{}, err
		}
	}

	note, found, err := t.Memory.Note(ctx, doc.ExternalID, version)
	if err != nil {
		return Output{}, err
	}
	if found {
		return Output{Note: &note, CacheHit: hit}, nil
	}

	var related []memory.Match
	if hit && t.ContextK > 0 {
		related, err = t.Memory.Query(ctx, emb.Vector, t.ContextK, memory.Filter{
			ModelVersion: version,
			ExcludeIDs:   []string{doc.ExternalID},
			MinScore:     t.SimilarityThreshold,
		})
		if err != nil {
			return Output{}, err
		}
	}

	if reused, ok, err := t.reuse(ctx, doc, version, related); err != nil {
		return Output{}, err
	} else if ok {
		return Output{Note: &reused, CacheHit: true}, nil
	}

	note, err = t.complete(ctx, in.Query.Topic, doc, related)
	if err != nil {
		return Output{}, err
	}
	note.ModelVersion = version
	note.CreatedAt = now()
	for _, m := range related {
		note.RelatedIDs = append(note.RelatedIDs, m.Document.ExternalID)
	}
	if err := t.Memory.SaveNote(ctx, note); err != nil {
		return Output{}, err
	}
	return Output{Note: &note}, nil
}

// embed computes and stores the document's embedding. The second return
// reports whether a vector is available; a failed embedding marks the
// entry pending instead of failing the task.
func (t *AnalyzeTask) embed(ctx context.Context, doc types.CandidateDocument, version string) (types.Embedding, bool, error) {
	vec, err := t.Provider.Embed(ctx, doc.EmbeddingText())
	if err != nil {
		if faults.Classify(err) == faults.Canceled {
			return types.Embedding{}, false, err
		}
		if markErr := t.Memory.MarkPending(ctx, doc, err.Error()); markErr != nil {
			return types.Embedding{}, false, markErr
		}
		return types.Embedding{}, false, nil
	}

	emb := types.Embedding{
		DocumentID:   doc.ExternalID,
		ModelVersion: version,
		Vector:       vec,
		WrittenAt:    now(),
	}
	if err := t.Memory.Upsert(ctx, doc, emb); err != nil {
		return types.Embedding{}, false, err
	}
	return emb, true, nil
}

// reuse copies the note of the nearest neighbor when it is similar enough.
func (t *AnalyzeTask) reuse(ctx context.Context, doc types.CandidateDocument, version string, related []memory.Match) (types.AnalysisNote, bool, error) {
	if t.ReuseThreshold <= 0 || len(related) == 0 || related[0].Score < t.ReuseThreshold {
		return types.AnalysisNote{}, false, nil
	}
	best := related[0]
	src, found, err := t.Memory.Note(ctx, best.Document.ExternalID, version)
	if err != nil || !found {
		return types.AnalysisNote{}, false, err
	}

	note := src
	note.DocumentID = doc.ExternalID
	note.RelatedIDs = []string{best.Document.ExternalID}
	note.Confidence = src.Confidence * best.Score
	note.CreatedAt = now()
	if err := t.Memory.SaveNote(ctx, note); err != nil {
		return types.AnalysisNote{}, false, err
	}
	return note, true, nil
}

func (t *AnalyzeTask) complete(ctx context.Context, topic string, doc types.CandidateDocument, related []memory.Match) (types.AnalysisNote, error) {
	refs := make([]relatedRef, 0, len(related))
	for _, m := range related {
		refs = append(refs, relatedRef{ID: m.Document.ExternalID, Title: m.Document.Title, Score: m.Score})
	}
	prompt, err := renderPrompt(analyzePromptTmpl, struct {
		Topic    string
		Document types.CandidateDocument
		Related  []relatedRef
	}{Topic: topic, Document: doc, Related: refs})
	if err != nil {
		return types.AnalysisNote{}, fmt.Errorf("rendering analysis prompt: %w", err)
	}

	text, err := t.Provider.Complete(ctx, prompt, provider.Options{
		System:      analystSystem,
		MaxTokens:   1500,
		Temperature: 0.3,
	})
	if err != nil {
		return types.AnalysisNote{}, fmt.Errorf("analyzing %s: %w", doc.ExternalID, err)
	}

	var resp noteResponse
	if err := decodeJSON(text, &resp); err != nil {
		return types.AnalysisNote{}, fmt.Errorf("analyzing %s: %w", doc.ExternalID, err)
	}
	return convertNote(resp, doc.ExternalID)
}
