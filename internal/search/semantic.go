// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pdiddy/research-crew/internal/faults"
	"github.com/pdiddy/research-crew/pkg/types"
)

// semanticAPIBase is the Semantic Scholar paper search endpoint. Declared
// as a var so tests can substitute an httptest server.
var semanticAPIBase = "https://api.semanticscholar.org/graph/v1/paper/search"

const semanticFields = "title,abstract,authors,externalIds,year,publicationDate,url"

// SemanticScholarBackend queries the Semantic Scholar API.
type SemanticScholarBackend struct {
	Client     *http.Client
	UserAgent  string
	MaxRetries int
	APIKey     string
}

// Name returns the backend identifier.
func (b *SemanticScholarBackend) Name() string { return "semantic_scholar" }

// Search queries the Semantic Scholar API for one term.
func (b *SemanticScholarBackend) Search(ctx context.Context, req Request) ([]types.CandidateDocument, error) {
	term := strings.TrimSpace(req.Term)
	if term == "" {
		return nil, fmt.Errorf("empty Semantic Scholar query: %w", faults.ErrMalformedQuery)
	}

	params := url.Values{
		"query":  {term},
		"limit":  {fmt.Sprintf("%d", req.limit())},
		"fields": {semanticFields},
	}
	if yr := buildYearRange(req.DateFrom, req.DateTo); yr != "" {
		params.Set("year", yr)
	}

	var header http.Header
	if b.APIKey != "" {
		header = http.Header{"X-Api-Key": {b.APIKey}}
	}

	resp, err := get(ctx, b.Client, "Semantic Scholar API", semanticAPIBase+"?"+params.Encode(), b.UserAgent, header, b.MaxRetries)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var sr semanticResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("parsing Semantic Scholar response: %v: %w", err, faults.ErrInvalidResponse)
	}

	now := time.Now().UTC()
	total := len(sr.Data)
	var docs []types.CandidateDocument
	for i, paper := range sr.Data {
		d := types.CandidateDocument{
			Title:    paper.Title,
			Abstract: paper.Abstract,
			Source: types.SourceMetadata{
				Backend:        "semantic_scholar",
				URL:            paper.URL,
				Term:           req.Term,
				RelevanceScore: positionScore(i, total),
			},
			RetrievedAt: now,
		}

		for _, a := range paper.Authors {
			d.Source.Authors = append(d.Source.Authors, a.Name)
		}

		if paper.PublicationDate != "" {
			if t, parseErr := time.Parse("2006-01-02", paper.PublicationDate); parseErr == nil {
				d.Source.Date = t
			}
		} else if paper.Year > 0 {
			d.Source.Date = time.Date(paper.Year, 1, 1, 0, 0, 0, 0, time.UTC)
		}

		// Prefer arXiv ID, then DOI, so results merge with the other backends.
		switch {
		case paper.ExternalIDs.ArXiv != "":
			d.ExternalID = paper.ExternalIDs.ArXiv
		case paper.ExternalIDs.DOI != "":
			d.ExternalID = paper.ExternalIDs.DOI
		default:
			d.ExternalID = paper.PaperID
		}
		if d.ExternalID == "" {
			continue
		}

		docs = append(docs, d)
	}

	if len(docs) == 0 {
		return nil, fmt.Errorf("Semantic Scholar: no results for %q: %w", req.Term, faults.ErrNotFound)
	}
	return docs, nil
}

// buildYearRange returns a Semantic Scholar year filter string (e.g. "2020-2023").
func buildYearRange(from, to time.Time) string {
	switch {
	case !from.IsZero() && !to.IsZero():
		return fmt.Sprintf("%d-%d", from.Year(), to.Year())
	case !from.IsZero():
		return fmt.Sprintf("%d-", from.Year())
	case !to.IsZero():
		return fmt.Sprintf("-%d", to.Year())
	default:
		return ""
	}
}

// Semantic Scholar API JSON structures.
type semanticResponse struct {
	Total int             `json:"total"`
	Data  []semanticPaper `json:"data"`
}

type semanticPaper struct {
	PaperID         string              `json:"paperId"`
	Title           string              `json:"title"`
	Abstract        string              `json:"abstract"`
	URL             string              `json:"url"`
	Year            int                 `json:"year"`
	PublicationDate string              `json:"publicationDate"`
	Authors         []semanticAuthor    `json:"authors"`
	ExternalIDs     semanticExternalIDs `json:"externalIds"`
}

type semanticAuthor struct {
	Name string `json:"name"`
}

type semanticExternalIDs struct {
	DOI   string `json:"DOI"`
	ArXiv string `json:"ArXiv"`
}
