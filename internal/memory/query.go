// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pdiddy/research-crew/pkg/types"
)

// Filter narrows a similarity query.
type Filter struct {
	// ModelVersion selects the embedding space. Empty means the store's
	// expected version.
	ModelVersion string

	// ExcludeIDs are document ids left out of the result (e.g. the
	// document being analyzed).
	ExcludeIDs []string

	// MinScore, when non-zero, drops matches scoring below it.
	MinScore float64
}

// Match is one similarity query result.
type Match struct {
	Document  types.CandidateDocument `json:"document" yaml:"document"`
	Score     float64                 `json:"score" yaml:"score"`
	WrittenAt time.Time               `json:"written_at" yaml:"written_at"`
}

// Query returns the k committed entries nearest to vector by cosine
// similarity, best first. Ties go to the most recently written entry,
// then to the smaller document id. All rows are read in one transaction
// so the result reflects a single snapshot of the store.
func (s *Store) Query(ctx context.Context, vector []float32, k int, f Filter) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query: empty vector")
	}
	version := f.ModelVersion
	if version == "" {
		version = s.version
	}
	excluded := make(map[string]bool, len(f.ExcludeIDs))
	for _, id := range f.ExcludeIDs {
		excluded[id] = true
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("beginning transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT d.id, d.title, d.abstract, d.authors, d.date, d.backend, d.url, d.term, d.relevance, d.retrieved_at,
			e.vector, e.written_at
		 FROM embeddings e JOIN documents d ON d.id = e.doc_id
		 WHERE e.model_version = ? AND e.status = 'committed' AND e.dims = ?`,
		version, len(vector),
	)
	if err != nil {
		return nil, storeErr("querying embeddings", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			blob    []byte
			written int64
		)
		doc, err := scanDocument(rows, &blob, &written)
		if err != nil {
			return nil, storeErr("scanning embedding", err)
		}
		if excluded[doc.ExternalID] {
			continue
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding %s: %w", doc.ExternalID, err)
		}
		score := cosine(vector, vec)
		if f.MinScore != 0 && score < f.MinScore {
			continue
		}
		matches = append(matches, Match{
			Document:  doc,
			Score:     score,
			WrittenAt: time.Unix(0, written).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterating embeddings", err)
	}
	rows.Close()

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.WrittenAt.Equal(b.WrittenAt) {
			return a.WrittenAt.After(b.WrittenAt)
		}
		return a.Document.ExternalID < b.Document.ExternalID
	})
	if len(matches) > k {
		matches = matches[:k]
	}

	// Returned entries count as accessed for eviction.
	if len(matches) > 0 {
		ids := make([]any, 0, len(matches)+2)
		ids = append(ids, s.now().UnixNano(), version)
		for _, m := range matches {
			ids = append(ids, m.Document.ExternalID)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(matches)), ",")
		if _, err := tx.ExecContext(ctx,
			`UPDATE embeddings SET last_access = ? WHERE model_version = ? AND doc_id IN (`+placeholders+`)`,
			ids...,
		); err != nil {
			return nil, storeErr("refreshing last access", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("committing query", err)
	}
	return matches, nil
}

// Eviction policies.
const (
	// PolicyLRU removes the least recently accessed embeddings first.
	PolicyLRU = "lru"

	// PolicyFIFO removes the oldest written embeddings first.
	PolicyFIFO = "fifo"
)

// Evict removes embedding rows beyond the configured capacity under the
// named policy (empty means the configured one) and returns how many were
// removed. Only committed rows count toward capacity; pending rows stay
// until Backfill commits them. Stale-version rows go first. Document rows
// are never removed, so evicted entries can be re-derived.
func (s *Store) Evict(ctx context.Context, policy string) (int, error) {
	if s.capacity <= 0 {
		return 0, nil
	}
	if policy == "" {
		policy = s.policy
	}

	var order string
	switch policy {
	case PolicyLRU:
		order = "last_access ASC"
	case PolicyFIFO:
		order = "written_at ASC"
	default:
		return 0, fmt.Errorf("unknown eviction policy %q", policy)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("beginning transaction", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM embeddings WHERE status = 'committed'`).Scan(&count); err != nil {
		return 0, storeErr("counting embeddings", err)
	}
	excess := count - s.capacity
	if excess <= 0 {
		return 0, nil
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM embeddings WHERE rowid IN (
			SELECT rowid FROM embeddings
			WHERE status = 'committed'
			ORDER BY (model_version = ?) ASC, `+order+`, doc_id ASC
			LIMIT ?
		)`,
		s.version, excess,
	)
	if err != nil {
		return 0, storeErr("evicting embeddings", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("committing eviction", err)
	}

	n, _ := res.RowsAffected()
	s.logger.Printf("[Memory] evicted %d embedding(s) (%s, capacity %d)", n, policy, s.capacity)
	return int(n), nil
}

// encodeVector packs a vector as little-endian float32 values.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

// cosine returns the cosine similarity of a and b, or 0 when either has
// zero norm or the lengths differ.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
