// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pdiddy/research-crew/internal/faults"
	"github.com/pdiddy/research-crew/pkg/types"
)

// openAlexSearchBase is the OpenAlex Works search endpoint. Declared as a
// var so tests can substitute an httptest server.
var openAlexSearchBase = "https://api.openalex.org/works"

// OpenAlexBackend queries the OpenAlex API.
type OpenAlexBackend struct {
	Client     *http.Client
	UserAgent  string
	MaxRetries int
	// Email is sent as mailto parameter for polite pool access.
	Email string
}

// Name returns the backend identifier.
func (b *OpenAlexBackend) Name() string { return "openalex" }

// Search queries the OpenAlex API for one term.
func (b *OpenAlexBackend) Search(ctx context.Context, req Request) ([]types.CandidateDocument, error) {
	term := strings.TrimSpace(req.Term)
	if term == "" {
		return nil, fmt.Errorf("empty OpenAlex query: %w", faults.ErrMalformedQuery)
	}

	limit := req.limit()
	if limit > 200 {
		limit = 200
	}

	params := url.Values{
		"search":   {term},
		"per_page": {fmt.Sprintf("%d", limit)},
		"page":     {"1"},
	}

	var filters []string
	if !req.DateFrom.IsZero() {
		filters = append(filters, "from_publication_date:"+req.DateFrom.Format("2006-01-02"))
	}
	if !req.DateTo.IsZero() {
		filters = append(filters, "to_publication_date:"+req.DateTo.Format("2006-01-02"))
	}
	if len(filters) > 0 {
		params.Set("filter", strings.Join(filters, ","))
	}
	if b.Email != "" {
		params.Set("mailto", b.Email)
	}

	resp, err := get(ctx, b.Client, "OpenAlex API", openAlexSearchBase+"?"+params.Encode(), b.UserAgent, nil, b.MaxRetries)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var oar openAlexResponse
	if err := json.NewDecoder(resp.Body).Decode(&oar); err != nil {
		return nil, fmt.Errorf("parsing OpenAlex response: %v: %w", err, faults.ErrInvalidResponse)
	}

	now := time.Now().UTC()
	total := len(oar.Results)
	var docs []types.CandidateDocument
	for i, work := range oar.Results {
		d := types.CandidateDocument{
			Title:    work.Title,
			Abstract: reconstructAbstract(work.AbstractInvertedIndex),
			Source: types.SourceMetadata{
				Backend: "openalex",
				Term:    req.Term,
				// OpenAlex returns results sorted by relevance by default.
				RelevanceScore: positionScore(i, total),
			},
			RetrievedAt: now,
		}

		for _, authorship := range work.Authorships {
			if authorship.Author.DisplayName != "" {
				d.Source.Authors = append(d.Source.Authors, authorship.Author.DisplayName)
			}
		}

		if work.PublicationDate != "" {
			if t, parseErr := time.Parse("2006-01-02", work.PublicationDate); parseErr == nil {
				d.Source.Date = t
			}
		} else if work.PublicationYear > 0 {
			d.Source.Date = time.Date(work.PublicationYear, 1, 1, 0, 0, 0, 0, time.UTC)
		}

		// OpenAlex is DOI-centric; strip the resolver prefix to get the bare DOI.
		switch {
		case work.DOI != "":
			d.ExternalID = strings.TrimPrefix(work.DOI, "https://doi.org/")
			d.Source.URL = work.DOI
		case work.ID != "":
			d.ExternalID = work.ID
			d.Source.URL = work.ID
		default:
			continue
		}
		if work.OpenAccess.OAURL != "" {
			d.Source.URL = work.OpenAccess.OAURL
		}

		docs = append(docs, d)
	}

	if len(docs) == 0 {
		return nil, fmt.Errorf("OpenAlex: no results for %q: %w", req.Term, faults.ErrNotFound)
	}
	return docs, nil
}

// reconstructAbstract converts OpenAlex's abstract_inverted_index back to
// plain text. The inverted index maps each word to a list of positions
// where that word appears.
func reconstructAbstract(invertedIndex map[string][]int) string {
	if len(invertedIndex) == 0 {
		return ""
	}

	type posWord struct {
		pos  int
		word string
	}
	var pairs []posWord
	for word, positions := range invertedIndex {
		for _, pos := range positions {
			pairs = append(pairs, posWord{pos: pos, word: word})
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].pos < pairs[j].pos
	})

	words := make([]string, len(pairs))
	for i, p := range pairs {
		words[i] = p.word
	}
	return strings.Join(words, " ")
}

// OpenAlex API JSON structures.
type openAlexResponse struct {
	Results []openAlexWork `json:"results"`
}

type openAlexWork struct {
	ID                    string               `json:"id"`
	Title                 string               `json:"title"`
	DOI                   string               `json:"doi"`
	PublicationDate       string               `json:"publication_date"`
	PublicationYear       int                  `json:"publication_year"`
	Authorships           []openAlexAuthorship `json:"authorships"`
	AbstractInvertedIndex map[string][]int     `json:"abstract_inverted_index"`
	OpenAccess            openAlexOpenAccess   `json:"open_access"`
}

type openAlexAuthorship struct {
	Author openAlexAuthor `json:"author"`
}

type openAlexAuthor struct {
	DisplayName string `json:"display_name"`
}

type openAlexOpenAccess struct {
	OAURL string `json:"oa_url"`
}
