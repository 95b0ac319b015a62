// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package search adapts academic APIs (arXiv, OpenAlex, Semantic Scholar)
// to the Bibliographic Search Service contract: one term in, a list of
// CandidateDocuments out. Failures wrap faults.ErrRateLimited,
// faults.ErrNotFound, or faults.ErrTimeout.
package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/pdiddy/research-crew/internal/faults"
	"github.com/pdiddy/research-crew/internal/httputil"
	"github.com/pdiddy/research-crew/pkg/types"
)

// Request holds the parameters of one search call.
type Request struct {
	Term  string
	Limit int

	// DateFrom and DateTo restrict publication dates, when non-zero.
	DateFrom time.Time
	DateTo   time.Time
}

// Service searches a bibliographic source for one term.
type Service interface {
	Name() string
	Search(ctx context.Context, req Request) ([]types.CandidateDocument, error)
}

const defaultLimit = 20

func (r Request) limit() int {
	if r.Limit <= 0 {
		return defaultLimit
	}
	return r.Limit
}

// New builds the Service described by cfg: a single backend, or a Multi
// fanning out to every backend listed in cfg.Backends.
func New(cfg types.SearchConfig) (Service, error) {
	client := &http.Client{Timeout: cfg.Timeout}

	var backends []Service
	for _, name := range cfg.Backends {
		switch name {
		case "arxiv":
			backends = append(backends, &ArxivBackend{Client: client, UserAgent: cfg.UserAgent, MaxRetries: cfg.MaxRetries})
		case "openalex":
			backends = append(backends, &OpenAlexBackend{Client: client, UserAgent: cfg.UserAgent, Email: cfg.OpenAlexEmail, MaxRetries: cfg.MaxRetries})
		case "semantic_scholar":
			backends = append(backends, &SemanticScholarBackend{Client: client, UserAgent: cfg.UserAgent, APIKey: cfg.SemanticScholarAPIKey, MaxRetries: cfg.MaxRetries})
		default:
			return nil, fmt.Errorf("unknown search backend %q", name)
		}
	}

	switch len(backends) {
	case 0:
		return nil, fmt.Errorf("no search backends configured")
	case 1:
		return backends[0], nil
	default:
		return &Multi{Backends: backends, InterBackendDelay: cfg.InterBackendDelay}, nil
	}
}

// Multi fans one request out to several backends concurrently and merges
// their results. A backend failure is tolerated as long as another
// backend answers.
type Multi struct {
	Backends          []Service
	InterBackendDelay time.Duration
}

// Name lists the backends.
func (m *Multi) Name() string {
	names := make([]string, len(m.Backends))
	for i, b := range m.Backends {
		names[i] = b.Name()
	}
	return strings.Join(names, "+")
}

// Search queries every backend, deduplicates, and returns at most
// req.Limit documents ordered by relevance.
func (m *Multi) Search(ctx context.Context, req Request) ([]types.CandidateDocument, error) {
	if len(m.Backends) == 0 {
		return nil, fmt.Errorf("no search backends configured")
	}

	type backendResult struct {
		docs []types.CandidateDocument
		err  error
		name string
	}

	ch := make(chan backendResult, len(m.Backends))
	var wg sync.WaitGroup

	for i, b := range m.Backends {
		if i > 0 && m.InterBackendDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.InterBackendDelay):
			}
		}
		wg.Add(1)
		go func(b Service) {
			defer wg.Done()
			docs, err := b.Search(ctx, req)
			ch <- backendResult{docs: docs, err: err, name: b.Name()}
		}(b)
	}

	go func() {
		wg.Wait()
		close(ch)
	}()

	var all []types.CandidateDocument
	var errs []error
	for br := range ch {
		if br.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", br.name, br.err))
			continue
		}
		all = append(all, br.docs...)
	}

	if len(all) == 0 {
		if len(errs) == 0 {
			return nil, fmt.Errorf("no results for %q: %w", req.Term, faults.ErrNotFound)
		}
		// A joined error classifies as transient when any backend's
		// failure was, so the caller retries.
		return nil, errors.Join(errs...)
	}

	deduped, _ := Deduplicate(all)
	sortByRelevance(deduped)
	if limit := req.limit(); len(deduped) > limit {
		deduped = deduped[:limit]
	}
	return deduped, nil
}

// Deduplicate merges documents that share an external identifier or a
// normalized title. Order of first appearance is preserved.
func Deduplicate(docs []types.CandidateDocument) ([]types.CandidateDocument, int) {
	seen := make(map[string]int) // dedup key → index in deduped
	var deduped []types.CandidateDocument
	removed := 0

	for _, d := range docs {
		idKey := ""
		if d.ExternalID != "" {
			idKey = "id:" + d.ExternalID
			if idx, ok := seen[idKey]; ok {
				mergeInto(&deduped[idx], d)
				removed++
				continue
			}
		}

		titleKey := ""
		if norm := normalizeTitle(d.Title); norm != "" {
			titleKey = "title:" + norm
			if idx, ok := seen[titleKey]; ok {
				mergeInto(&deduped[idx], d)
				removed++
				continue
			}
		}

		idx := len(deduped)
		deduped = append(deduped, d)
		if idKey != "" {
			seen[idKey] = idx
		}
		if titleKey != "" {
			seen[titleKey] = idx
		}
	}
	return deduped, removed
}

// mergeInto fills empty fields of dst from src and keeps the higher score.
func mergeInto(dst *types.CandidateDocument, src types.CandidateDocument) {
	if dst.Title == "" && src.Title != "" {
		dst.Title = src.Title
	}
	if dst.Abstract == "" && src.Abstract != "" {
		dst.Abstract = src.Abstract
	}
	if len(dst.Source.Authors) == 0 && len(src.Source.Authors) > 0 {
		dst.Source.Authors = src.Source.Authors
	}
	if dst.Source.Date.IsZero() && !src.Source.Date.IsZero() {
		dst.Source.Date = src.Source.Date
	}
	if dst.Source.URL == "" {
		dst.Source.URL = src.Source.URL
	}
	if src.Source.RelevanceScore > dst.Source.RelevanceScore {
		dst.Source.RelevanceScore = src.Source.RelevanceScore
	}
	// Prefer the arXiv identifier when two backends disagree.
	if isArxivID(src.ExternalID) && !isArxivID(dst.ExternalID) {
		dst.ExternalID = src.ExternalID
	}
	if src.Source.Backend != "" && !containsBackend(dst.Source.Backend, src.Source.Backend) {
		if dst.Source.Backend == "" {
			dst.Source.Backend = src.Source.Backend
		} else {
			dst.Source.Backend += "," + src.Source.Backend
		}
	}
}

func containsBackend(list, name string) bool {
	for _, b := range strings.Split(list, ",") {
		if b == name {
			return true
		}
	}
	return false
}

// isArxivID returns true if the string looks like an arXiv ID (e.g. "2301.07041").
func isArxivID(s string) bool {
	if len(s) < 9 {
		return false
	}
	return s[4] == '.' && s[0] >= '0' && s[0] <= '9'
}

// normalizeTitle returns a lowercased, punctuation-stripped version of the title.
func normalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// sortByRelevance orders documents by descending relevance, stable.
func sortByRelevance(docs []types.CandidateDocument) {
	for i := 1; i < len(docs); i++ {
		for j := i; j > 0 && docs[j].Source.RelevanceScore > docs[j-1].Source.RelevanceScore; j-- {
			docs[j], docs[j-1] = docs[j-1], docs[j]
		}
	}
}

// positionScore is the position-based relevance used by every backend:
// 1.0 for the first result, falling linearly to 0.1 for the last.
func positionScore(i, total int) float64 {
	if total <= 1 {
		return 1.0
	}
	return 1.0 - float64(i)/float64(total-1)*0.9
}

// get issues a GET through httputil.DoWithRetry and maps non-200
// statuses onto the fault taxonomy. The caller closes the body.
func get(ctx context.Context, client *http.Client, service, reqURL, userAgent string, header http.Header, maxRetries int) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := httputil.DoWithRetry(ctx, client, req, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", service, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, httputil.StatusError(service, resp.StatusCode, string(body))
	}
	return resp, nil
}
