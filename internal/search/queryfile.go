// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package search

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/research-crew/pkg/types"
)

// ResultFile is the on-disk representation of one search and its results.
// A saved search can be inspected or fed back to a query as explicit
// search terms without re-querying the APIs.
type ResultFile struct {
	Request RequestParams             `yaml:"request"`
	Backend string                    `yaml:"backend"`
	Results []types.CandidateDocument `yaml:"results"`
	Summary ResultSummary             `yaml:"summary"`
}

// RequestParams stores the request in a serializable form.
type RequestParams struct {
	Term     string `yaml:"term"`
	Limit    int    `yaml:"limit"`
	DateFrom string `yaml:"date_from,omitempty"`
	DateTo   string `yaml:"date_to,omitempty"`
}

// ResultSummary stores result statistics and a timestamp.
type ResultSummary struct {
	Total             int       `yaml:"total"`
	DuplicatesRemoved int       `yaml:"duplicates_removed"`
	Timestamp         time.Time `yaml:"timestamp"`
}

const dateFmt = "2006-01-02"

// WriteResultFile saves a request and its results to a YAML file.
func WriteResultFile(path, backend string, req Request, results []types.CandidateDocument, dupsRemoved int) error {
	rf := ResultFile{
		Request: RequestParams{
			Term:  req.Term,
			Limit: req.Limit,
		},
		Backend: backend,
		Results: results,
		Summary: ResultSummary{
			Total:             len(results),
			DuplicatesRemoved: dupsRemoved,
			Timestamp:         time.Now().UTC(),
		},
	}
	if !req.DateFrom.IsZero() {
		rf.Request.DateFrom = req.DateFrom.Format(dateFmt)
	}
	if !req.DateTo.IsZero() {
		rf.Request.DateTo = req.DateTo.Format(dateFmt)
	}

	data, err := yaml.Marshal(&rf)
	if err != nil {
		return fmt.Errorf("marshaling result file: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadResultFile loads a previously saved result file from disk.
func ReadResultFile(path string) (*ResultFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading result file: %w", err)
	}
	var rf ResultFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing result file: %w", err)
	}
	return &rf, nil
}

// ToRequest converts stored RequestParams back into a Request.
func (p RequestParams) ToRequest() (Request, error) {
	r := Request{Term: p.Term, Limit: p.Limit}
	if p.DateFrom != "" {
		t, err := time.Parse(dateFmt, p.DateFrom)
		if err != nil {
			return r, fmt.Errorf("invalid date_from %q: %w", p.DateFrom, err)
		}
		r.DateFrom = t
	}
	if p.DateTo != "" {
		t, err := time.Parse(dateFmt, p.DateTo)
		if err != nil {
			return r, fmt.Errorf("invalid date_to %q: %w", p.DateTo, err)
		}
		r.DateTo = t
	}
	return r, nil
}
