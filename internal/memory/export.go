// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/research-crew/pkg/types"
)

// Stats summarizes the store's contents.
type Stats struct {
	ModelVersion string `json:"model_version" yaml:"model_version"`
	Documents    int    `json:"documents" yaml:"documents"`
	Embeddings   int    `json:"embeddings" yaml:"embeddings"`
	Pending      int    `json:"pending" yaml:"pending"`
	Stale        int    `json:"stale" yaml:"stale"`
	Notes        int    `json:"notes" yaml:"notes"`
	Reports      int    `json:"reports" yaml:"reports"`
	Capacity     int    `json:"capacity" yaml:"capacity"`
}

// Stats counts documents, embeddings by state, notes and reports.
// Embeddings counts committed entries under the expected model version;
// Stale counts entries under any other version.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ModelVersion: s.version, Capacity: s.capacity}
	queries := []struct {
		dst  *int
		stmt string
		args []any
	}{
		{&st.Documents, `SELECT count(*) FROM documents`, nil},
		{&st.Embeddings, `SELECT count(*) FROM embeddings WHERE model_version = ? AND status = 'committed'`, []any{s.version}},
		{&st.Pending, `SELECT count(*) FROM embeddings WHERE model_version = ? AND status = 'pending'`, []any{s.version}},
		{&st.Stale, `SELECT count(*) FROM embeddings WHERE model_version != ?`, []any{s.version}},
		{&st.Notes, `SELECT count(*) FROM notes`, nil},
		{&st.Reports, `SELECT count(*) FROM reports`, nil},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.stmt, q.args...).Scan(q.dst); err != nil {
			return st, storeErr("counting", err)
		}
	}
	return st, nil
}

// ExportEntry is one document with its memory state, for export.
// Vectors are omitted; they are only meaningful to the store.
type ExportEntry struct {
	Document     types.CandidateDocument `json:"document" yaml:"document"`
	ModelVersion string                  `json:"model_version,omitempty" yaml:"model_version,omitempty"`
	Status       string                  `json:"status,omitempty" yaml:"status,omitempty"`
	Dimensions   int                     `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
	WrittenAt    *time.Time              `json:"written_at,omitempty" yaml:"written_at,omitempty"`
	LastAccess   *time.Time              `json:"last_access,omitempty" yaml:"last_access,omitempty"`
	Note         *types.AnalysisNote     `json:"note,omitempty" yaml:"note,omitempty"`
}

// ExportYAML writes every entry to <dir>/export.yaml and returns the path.
func (s *Store) ExportYAML(ctx context.Context) (string, error) {
	entries, err := s.exportEntries(ctx)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, "export.yaml")
	data, err := yaml.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshaling YAML: %w", err)
	}
	return path, os.WriteFile(path, data, 0o644)
}

// ExportJSON writes every entry to <dir>/export.json and returns the path.
func (s *Store) ExportJSON(ctx context.Context) (string, error) {
	entries, err := s.exportEntries(ctx)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, "export.json")
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	return path, os.WriteFile(path, data, 0o644)
}

func (s *Store) exportEntries(ctx context.Context) ([]ExportEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.title, d.abstract, d.authors, d.date, d.backend, d.url, d.term, d.relevance, d.retrieved_at,
			e.model_version, e.status, e.dims, e.written_at, e.last_access, n.body
		 FROM documents d
		 LEFT JOIN embeddings e ON e.doc_id = d.id AND e.model_version = ?
		 LEFT JOIN notes n ON n.doc_id = d.id AND n.model_version = ?
		 ORDER BY d.id`,
		s.version, s.version,
	)
	if err != nil {
		return nil, storeErr("querying for export", err)
	}
	defer rows.Close()

	var entries []ExportEntry
	for rows.Next() {
		var (
			version, status, note sql.NullString
			dims                  sql.NullInt64
			written, accessed     sql.NullInt64
		)
		doc, err := scanDocument(rows, &version, &status, &dims, &written, &accessed, &note)
		if err != nil {
			return nil, storeErr("scanning export row", err)
		}

		e := ExportEntry{
			Document:     doc,
			ModelVersion: version.String,
			Status:       status.String,
			Dimensions:   int(dims.Int64),
		}
		if written.Valid {
			t := time.Unix(0, written.Int64).UTC()
			e.WrittenAt = &t
		}
		if accessed.Valid {
			t := time.Unix(0, accessed.Int64).UTC()
			e.LastAccess = &t
		}
		if note.Valid {
			var n types.AnalysisNote
			if err := json.Unmarshal([]byte(note.String), &n); err == nil {
				e.Note = &n
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterating export rows", err)
	}
	return entries, nil
}
