// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pdiddy/research-crew/pkg/types"
)

// SaveNote persists an AnalysisNote keyed by (document id, model version).
// The document row must already exist (Upsert or MarkPending).
func (s *Store) SaveNote(ctx context.Context, note types.AnalysisNote) error {
	if note.DocumentID == "" {
		return fmt.Errorf("save note: no document id")
	}
	if note.ModelVersion == "" {
		note.ModelVersion = s.version
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = s.now()
	}
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshaling note: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notes (doc_id, model_version, body, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(doc_id, model_version) DO UPDATE SET body=excluded.body, created_at=excluded.created_at`,
		note.DocumentID, note.ModelVersion, string(body), note.CreatedAt.UnixNano(),
	)
	if err != nil {
		return storeErr("saving note", err)
	}
	return nil
}

// Note returns the persisted note for id under version, if any.
func (s *Store) Note(ctx context.Context, id, version string) (types.AnalysisNote, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM notes WHERE doc_id = ? AND model_version = ?`, id, version,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return types.AnalysisNote{}, false, nil
	}
	if err != nil {
		return types.AnalysisNote{}, false, storeErr("reading note", err)
	}

	var note types.AnalysisNote
	if err := json.Unmarshal([]byte(body), &note); err != nil {
		return types.AnalysisNote{}, false, fmt.Errorf("parsing note %s: %w", id, err)
	}
	return note, true, nil
}

// SaveReport persists a report, replacing any earlier report for the query.
func (s *Store) SaveReport(ctx context.Context, r types.Report) error {
	if r.QueryID == "" {
		return fmt.Errorf("save report: no query id")
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	degraded := 0
	if r.Degraded {
		degraded = 1
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports (query_id, topic, degraded, body, generated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(query_id) DO UPDATE SET
			topic=excluded.topic, degraded=excluded.degraded, body=excluded.body, generated_at=excluded.generated_at`,
		r.QueryID, r.Topic, degraded, string(body), r.GeneratedAt.UnixNano(),
	)
	if err != nil {
		return storeErr("saving report", err)
	}
	return nil
}

// Report returns the persisted report for queryID, if any.
func (s *Store) Report(ctx context.Context, queryID string) (types.Report, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM reports WHERE query_id = ?`, queryID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Report{}, false, nil
	}
	if err != nil {
		return types.Report{}, false, storeErr("reading report", err)
	}

	var r types.Report
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return types.Report{}, false, fmt.Errorf("parsing report %s: %w", queryID, err)
	}
	return r, true, nil
}

// ReportSummary is one row of the report listing.
type ReportSummary struct {
	QueryID  string `json:"query_id" yaml:"query_id"`
	Topic    string `json:"topic" yaml:"topic"`
	Degraded bool   `json:"degraded" yaml:"degraded"`
}

// Reports lists stored reports, newest first.
func (s *Store) Reports(ctx context.Context) ([]ReportSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT query_id, topic, degraded FROM reports ORDER BY generated_at DESC, query_id ASC`)
	if err != nil {
		return nil, storeErr("listing reports", err)
	}
	defer rows.Close()

	var out []ReportSummary
	for rows.Next() {
		var (
			r     ReportSummary
			topic sql.NullString
			deg   int
		)
		if err := rows.Scan(&r.QueryID, &topic, &deg); err != nil {
			return nil, storeErr("scanning report", err)
		}
		r.Topic = topic.String
		r.Degraded = deg != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterating reports", err)
	}
	return out, nil
}
