// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package memory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pdiddy/research-crew/pkg/types"
)

// Embedder produces embeddings for Backfill.
type Embedder interface {
	ModelVersion() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MarkPending records that doc has no embedding yet because the embedding
// capability was unavailable. A committed entry is left untouched. The
// document itself is stored so Backfill can embed it later.
func (s *Store) MarkPending(ctx context.Context, doc types.CandidateDocument, reason string) error {
	if doc.ExternalID == "" {
		return fmt.Errorf("mark pending: document has no external id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("beginning transaction", err)
	}
	defer tx.Rollback()

	if err := ensureDocument(ctx, tx, doc.ExternalID); err != nil {
		return err
	}

	now := s.now().UnixNano()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO embeddings (doc_id, model_version, vector, dims, status, pending_reason, attempts, written_at, last_access)
		 VALUES (?, ?, NULL, 0, ?, ?, 1, ?, ?)
		 ON CONFLICT(doc_id, model_version) DO UPDATE SET
			pending_reason=excluded.pending_reason, attempts=embeddings.attempts+1
		 WHERE embeddings.status = 'pending'`,
		doc.ExternalID, s.version, statusPending, reason, now, now,
	)
	if err != nil {
		return storeErr("marking embedding pending", err)
	}
	applied, err := res.RowsAffected()
	if err != nil {
		return storeErr("marking embedding pending", err)
	}
	// A committed entry keeps the document it was embedded from.
	if applied > 0 {
		if err := upsertDocument(ctx, tx, doc); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("committing pending mark", err)
	}
	s.logger.Printf("[Memory] embedding for %s pending: %s", doc.ExternalID, reason)
	return nil
}

// PendingEntry is a document waiting for its embedding.
type PendingEntry struct {
	Document types.CandidateDocument
	Reason   string
	Attempts int
}

// Pending lists documents whose embedding under the expected model
// version is still pending, oldest first. limit <= 0 means no limit.
func (s *Store) Pending(ctx context.Context, limit int) ([]PendingEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.title, d.abstract, d.authors, d.date, d.backend, d.url, d.term, d.relevance, d.retrieved_at,
			e.pending_reason, e.attempts
		 FROM embeddings e JOIN documents d ON d.id = e.doc_id
		 WHERE e.model_version = ? AND e.status = 'pending'
		 ORDER BY e.written_at ASC, d.id ASC
		 LIMIT ?`,
		s.version, limit,
	)
	if err != nil {
		return nil, storeErr("listing pending embeddings", err)
	}
	defer rows.Close()

	var entries []PendingEntry
	for rows.Next() {
		var e PendingEntry
		var reason sql.NullString
		doc, err := scanDocument(rows, &reason, &e.Attempts)
		if err != nil {
			return nil, storeErr("scanning pending embedding", err)
		}
		e.Document = doc
		e.Reason = reason.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterating pending embeddings", err)
	}
	return entries, nil
}

// BackfillResult counts the outcome of one Backfill pass.
type BackfillResult struct {
	Committed int
	Failed    int
}

// Backfill retries every pending entry with embedder. Entries that still
// fail stay pending with their attempt count raised; the store remains
// queryable for committed entries throughout.
func (s *Store) Backfill(ctx context.Context, embedder Embedder) (BackfillResult, error) {
	var result BackfillResult
	if v := embedder.ModelVersion(); v != s.version {
		return result, fmt.Errorf("backfill: embedder model %q does not match store version %q", v, s.version)
	}

	pending, err := s.Pending(ctx, 0)
	if err != nil {
		return result, err
	}

	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		vec, err := embedder.Embed(ctx, p.Document.EmbeddingText())
		if err != nil {
			if markErr := s.MarkPending(ctx, p.Document, err.Error()); markErr != nil {
				return result, markErr
			}
			result.Failed++
			continue
		}

		emb := types.Embedding{
			DocumentID:   p.Document.ExternalID,
			ModelVersion: s.version,
			Vector:       vec,
			WrittenAt:    s.now(),
		}
		if err := s.Upsert(ctx, p.Document, emb); err != nil {
			return result, err
		}
		result.Committed++
	}

	if len(pending) > 0 {
		s.logger.Printf("[Memory] backfill: %d committed, %d still pending", result.Committed, result.Failed)
	}
	return result, nil
}
