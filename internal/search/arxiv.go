// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package search

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pdiddy/research-crew/internal/faults"
	"github.com/pdiddy/research-crew/pkg/types"
)

// arxivAPIBase is the arXiv search endpoint. Declared as a var so tests
// can substitute an httptest server.
var arxivAPIBase = "https://export.arxiv.org/api/query"

// ArxivBackend queries the arXiv API.
type ArxivBackend struct {
	Client     *http.Client
	UserAgent  string
	MaxRetries int
}

// Name returns the backend identifier.
func (b *ArxivBackend) Name() string { return "arxiv" }

// Search queries the arXiv API for one term, ordered by relevance.
func (b *ArxivBackend) Search(ctx context.Context, req Request) ([]types.CandidateDocument, error) {
	q := buildArxivQuery(req)
	if q == "" {
		return nil, fmt.Errorf("empty arXiv query: %w", faults.ErrMalformedQuery)
	}

	reqURL := fmt.Sprintf("%s?search_query=%s&start=0&max_results=%d&sortBy=relevance&sortOrder=descending",
		arxivAPIBase, q, req.limit())

	resp, err := get(ctx, b.Client, "arXiv API", reqURL, b.UserAgent, nil, b.MaxRetries)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var feed arxivFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("parsing arXiv response: %v: %w", err, faults.ErrInvalidResponse)
	}

	now := time.Now().UTC()
	total := len(feed.Entries)
	var docs []types.CandidateDocument
	for i, entry := range feed.Entries {
		arxivID := extractArxivID(entry.ID)
		if arxivID == "" {
			continue
		}

		d := types.CandidateDocument{
			ExternalID: arxivID,
			Title:      collapseSpace(entry.Title),
			Abstract:   collapseSpace(entry.Summary),
			Source: types.SourceMetadata{
				Backend:        "arxiv",
				URL:            "https://arxiv.org/abs/" + arxivID,
				Term:           req.Term,
				RelevanceScore: positionScore(i, total),
			},
			RetrievedAt: now,
		}
		for _, a := range entry.Authors {
			d.Source.Authors = append(d.Source.Authors, strings.TrimSpace(a.Name))
		}
		if t, parseErr := time.Parse(time.RFC3339, entry.Published); parseErr == nil {
			d.Source.Date = t
		}
		docs = append(docs, d)
	}

	if len(docs) == 0 {
		return nil, fmt.Errorf("arXiv: no results for %q: %w", req.Term, faults.ErrNotFound)
	}
	return docs, nil
}

// buildArxivQuery constructs the search_query parameter: every word of the
// term under all:, plus a submittedDate range when dates are set.
func buildArxivQuery(req Request) string {
	terms := strings.Fields(req.Term)
	if len(terms) == 0 {
		return ""
	}
	for i, t := range terms {
		terms[i] = url.QueryEscape(t)
	}
	q := "all:" + strings.Join(terms, "+AND+all:")

	if !req.DateFrom.IsZero() || !req.DateTo.IsZero() {
		from, to := "000001010000", "999912312359"
		if !req.DateFrom.IsZero() {
			from = req.DateFrom.Format("20060102") + "0000"
		}
		if !req.DateTo.IsZero() {
			to = req.DateTo.Format("20060102") + "2359"
		}
		q += "+AND+submittedDate:[" + from + "+TO+" + to + "]"
	}
	return q
}

// arXiv Atom feed XML structures.
type arxivFeed struct {
	Entries []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID        string        `xml:"id"`
	Title     string        `xml:"title"`
	Summary   string        `xml:"summary"`
	Published string        `xml:"published"`
	Authors   []arxivAuthor `xml:"author"`
}

type arxivAuthor struct {
	Name string `xml:"name"`
}

// extractArxivID pulls the arXiv ID from the entry's <id> URL
// (e.g. "http://arxiv.org/abs/2301.07041v1" → "2301.07041").
func extractArxivID(idURL string) string {
	const prefix = "/abs/"
	idx := strings.Index(idURL, prefix)
	if idx < 0 {
		return ""
	}
	id := idURL[idx+len(prefix):]

	// Strip version suffix (e.g. "v1", "v2").
	if vIdx := strings.LastIndex(id, "v"); vIdx > 0 {
		if _, err := strconv.Atoi(id[vIdx+1:]); err == nil {
			id = id[:vIdx]
		}
	}
	return id
}

// collapseSpace folds the line breaks arXiv puts inside titles and abstracts.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
