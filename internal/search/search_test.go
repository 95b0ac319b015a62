package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/research-crew/internal/faults"
	"github.com/pdiddy/research-crew/internal/httputil"
	"github.com/pdiddy/research-crew/pkg/types"
)

// --- mock backend ---

type mockBackend struct {
	name  string
	docs  []types.CandidateDocument
	err   error
	calls atomic.Int32
}

func (m *mockBackend) Name() string { return m.name }

func (m *mockBackend) Search(_ context.Context, _ Request) ([]types.CandidateDocument, error) {
	m.calls.Add(1)
	return m.docs, m.err
}

func doc(id, title, backend string, score float64) types.CandidateDocument {
	return types.CandidateDocument{
		ExternalID: id,
		Title:      title,
		Source:     types.SourceMetadata{Backend: backend, RelevanceScore: score},
	}
}

// --- Deduplication ---

func TestDeduplicateByIdentifier(t *testing.T) {
	docs := []types.CandidateDocument{
		doc("2301.07041", "Paper A", "arxiv", 0.9),
		doc("2301.07041", "Paper A (from S2)", "semantic_scholar", 0.8),
		doc("2301.99999", "Paper B", "arxiv", 0.7),
	}

	deduped, removed := Deduplicate(docs)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if len(deduped) != 2 {
		t.Fatalf("len(deduped) = %d, want 2", len(deduped))
	}
	// Merged result should keep higher score and combine sources.
	if deduped[0].Source.RelevanceScore != 0.9 {
		t.Errorf("merged score = %f, want 0.9", deduped[0].Source.RelevanceScore)
	}
	if !strings.Contains(deduped[0].Source.Backend, "semantic_scholar") {
		t.Errorf("merged backend = %q, should contain both backends", deduped[0].Source.Backend)
	}
}

func TestDeduplicateByTitle(t *testing.T) {
	docs := []types.CandidateDocument{
		doc("doi-10.123", "Attention Is All You Need", "openalex", 0.5),
		doc("1706.03762", "attention is all you need!", "arxiv", 0.4),
	}

	deduped, removed := Deduplicate(docs)
	assert.Equal(t, 1, removed)
	require.Len(t, deduped, 1)
	assert.Equal(t, "1706.03762", deduped[0].ExternalID, "arXiv identifier is preferred")
}

func TestDeduplicateNoDuplicates(t *testing.T) {
	docs := []types.CandidateDocument{
		doc("2301.07041", "Paper A", "arxiv", 1),
		doc("2301.99999", "Paper B", "arxiv", 1),
	}

	deduped, removed := Deduplicate(docs)
	assert.Equal(t, 0, removed)
	assert.Len(t, deduped, 2)
}

func TestMergeInto(t *testing.T) {
	dst := types.CandidateDocument{ExternalID: "doi-1", Title: "T", Source: types.SourceMetadata{Backend: "openalex", RelevanceScore: 0.3}}
	src := types.CandidateDocument{
		ExternalID: "2301.07041",
		Abstract:   "abstract",
		Source: types.SourceMetadata{
			Backend:        "arxiv",
			Authors:        []string{"Smith"},
			Date:           time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
			URL:            "https://arxiv.org/abs/2301.07041",
			RelevanceScore: 0.8,
		},
	}

	mergeInto(&dst, src)

	assert.Equal(t, "T", dst.Title)
	assert.Equal(t, "abstract", dst.Abstract)
	assert.Equal(t, []string{"Smith"}, dst.Source.Authors)
	assert.Equal(t, 2023, dst.Source.Date.Year())
	assert.Equal(t, "https://arxiv.org/abs/2301.07041", dst.Source.URL)
	assert.Equal(t, 0.8, dst.Source.RelevanceScore)
	assert.Equal(t, "2301.07041", dst.ExternalID)
	assert.Equal(t, "openalex,arxiv", dst.Source.Backend)

	// Merging the same backend again does not repeat it.
	mergeInto(&dst, src)
	assert.Equal(t, "openalex,arxiv", dst.Source.Backend)
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Attention Is All You Need", "attention is all you need"},
		{"BERT: Pre-training of Deep  Bidirectional Transformers", "bert pretraining of deep bidirectional transformers"},
		{"  spaced   out  ", "spaced out"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeTitle(tt.input); got != tt.want {
			t.Errorf("normalizeTitle(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestIsArxivID(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"2301.07041", true},
		{"1706.03762", true},
		{"10.48550/arXiv.2303.08774", false},
		{"abc", false},
		{"https://openalex.org/W1", false},
	}
	for _, tt := range tests {
		if got := isArxivID(tt.input); got != tt.want {
			t.Errorf("isArxivID(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestPositionScore(t *testing.T) {
	assert.Equal(t, 1.0, positionScore(0, 1))
	assert.Equal(t, 1.0, positionScore(0, 3))
	assert.InDelta(t, 0.55, positionScore(1, 3), 1e-9)
	assert.InDelta(t, 0.1, positionScore(2, 3), 1e-9)
}

// --- Multi ---

func TestMultiNoBackends(t *testing.T) {
	_, err := (&Multi{}).Search(context.Background(), Request{Term: "x"})
	assert.Error(t, err)
}

func TestMultiContinuesAfterBackendFailure(t *testing.T) {
	failing := &mockBackend{name: "broken", err: fmt.Errorf("boom: %w", faults.ErrUnavailable)}
	working := &mockBackend{name: "arxiv", docs: []types.CandidateDocument{doc("2301.07041", "Paper A", "arxiv", 1)}}

	m := &Multi{Backends: []Service{failing, working}}
	docs, err := m.Search(context.Background(), Request{Term: "attention"})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	assert.EqualValues(t, 1, failing.calls.Load())
}

func TestMultiDedupAndRank(t *testing.T) {
	a := &mockBackend{name: "arxiv", docs: []types.CandidateDocument{
		doc("2301.07041", "Paper A", "arxiv", 0.4),
		doc("2301.11111", "Paper C", "arxiv", 0.2),
	}}
	b := &mockBackend{name: "semantic_scholar", docs: []types.CandidateDocument{
		doc("2301.99999", "Paper B", "semantic_scholar", 1.0),
		doc("2301.07041", "Paper A", "semantic_scholar", 0.6),
	}}

	m := &Multi{Backends: []Service{a, b}}
	docs, err := m.Search(context.Background(), Request{Term: "attention", Limit: 10})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "2301.99999", docs[0].ExternalID)
	assert.Equal(t, "2301.07041", docs[1].ExternalID)
	assert.Equal(t, 0.6, docs[1].Source.RelevanceScore)
	assert.Equal(t, "2301.11111", docs[2].ExternalID)
}

func TestMultiLimit(t *testing.T) {
	var many []types.CandidateDocument
	for i := 0; i < 10; i++ {
		many = append(many, doc(fmt.Sprintf("id-%d", i), fmt.Sprintf("Paper %d", i), "arxiv", 1-float64(i)/10))
	}
	m := &Multi{Backends: []Service{&mockBackend{name: "arxiv", docs: many}}}

	docs, err := m.Search(context.Background(), Request{Term: "x", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestMultiAllEmptyIsNotFound(t *testing.T) {
	m := &Multi{Backends: []Service{
		&mockBackend{name: "a"},
		&mockBackend{name: "b"},
	}}
	_, err := m.Search(context.Background(), Request{Term: "nothing"})
	assert.ErrorIs(t, err, faults.ErrNotFound)
}

func TestMultiAllFailedKeepsTransientClassification(t *testing.T) {
	m := &Multi{Backends: []Service{
		&mockBackend{name: "a", err: fmt.Errorf("a: %w", faults.ErrNotFound)},
		&mockBackend{name: "b", err: fmt.Errorf("b: %w", faults.ErrRateLimited)},
	}}
	_, err := m.Search(context.Background(), Request{Term: "x"})
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))
	assert.True(t, errors.Is(err, faults.ErrRateLimited))
}

func TestMultiInterBackendDelayHonorsContext(t *testing.T) {
	m := &Multi{
		Backends:          []Service{&mockBackend{name: "a"}, &mockBackend{name: "b"}},
		InterBackendDelay: time.Hour,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Search(ctx, Request{Term: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMultiName(t *testing.T) {
	m := &Multi{Backends: []Service{&mockBackend{name: "arxiv"}, &mockBackend{name: "openalex"}}}
	assert.Equal(t, "arxiv+openalex", m.Name())
}

// --- New ---

func TestNewSingleBackend(t *testing.T) {
	cfg := types.DefaultConfig().Search
	svc, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "arxiv", svc.Name())
}

func TestNewMultiBackend(t *testing.T) {
	cfg := types.DefaultConfig().Search
	cfg.Backends = []string{"arxiv", "openalex", "semantic_scholar"}
	svc, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "arxiv+openalex+semantic_scholar", svc.Name())
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := types.DefaultConfig().Search
	cfg.Backends = []string{"google"}
	_, err := New(cfg)
	assert.Error(t, err)

	cfg.Backends = nil
	_, err = New(cfg)
	assert.Error(t, err)
}

// --- arXiv ---

const sampleArxivSearchXML = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/1706.03762v5</id>
    <title>Attention Is All
      You Need</title>
    <summary>The dominant sequence transduction models are based on
      recurrent networks.</summary>
    <published>2017-06-12T17:57:34Z</published>
    <author><name>Ashish Vaswani</name></author>
    <author><name>Noam Shazeer</name></author>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/1810.04805v2</id>
    <title>BERT: Pre-training of Deep Bidirectional Transformers</title>
    <summary>We introduce BERT.</summary>
    <published>2018-10-11T00:00:00Z</published>
    <author><name>Jacob Devlin</name></author>
  </entry>
</feed>`

func withArxivServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(h)
	old := arxivAPIBase
	arxivAPIBase = ts.URL
	t.Cleanup(func() {
		arxivAPIBase = old
		ts.Close()
	})
	return ts
}

func TestArxivBackendSearch(t *testing.T) {
	var gotQuery, gotUA string
	ts := withArxivServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("search_query")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, sampleArxivSearchXML)
	})

	b := &ArxivBackend{Client: ts.Client(), UserAgent: "test/0.1"}
	docs, err := b.Search(context.Background(), Request{Term: "attention models", Limit: 5})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "all:attention AND all:models", gotQuery)
	assert.Equal(t, "test/0.1", gotUA)

	d := docs[0]
	assert.Equal(t, "1706.03762", d.ExternalID)
	assert.Equal(t, "Attention Is All You Need", d.Title)
	assert.Equal(t, "The dominant sequence transduction models are based on recurrent networks.", d.Abstract)
	assert.Equal(t, []string{"Ashish Vaswani", "Noam Shazeer"}, d.Source.Authors)
	assert.Equal(t, "arxiv", d.Source.Backend)
	assert.Equal(t, "attention models", d.Source.Term)
	assert.Equal(t, "https://arxiv.org/abs/1706.03762", d.Source.URL)
	assert.Equal(t, 2017, d.Source.Date.Year())
	assert.Equal(t, 1.0, d.Source.RelevanceScore)
	assert.InDelta(t, 0.1, docs[1].Source.RelevanceScore, 1e-9)
	assert.False(t, d.RetrievedAt.IsZero())
}

func TestArxivBackendEmptyFeedIsNotFound(t *testing.T) {
	ts := withArxivServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<feed xmlns="http://www.w3.org/2005/Atom"></feed>`)
	})
	b := &ArxivBackend{Client: ts.Client()}
	_, err := b.Search(context.Background(), Request{Term: "zzz"})
	assert.ErrorIs(t, err, faults.ErrNotFound)
}

func TestArxivBackendEmptyTerm(t *testing.T) {
	b := &ArxivBackend{Client: http.DefaultClient}
	_, err := b.Search(context.Background(), Request{Term: "   "})
	assert.ErrorIs(t, err, faults.ErrMalformedQuery)
}

func TestArxivBackendRateLimited(t *testing.T) {
	old := httputil.RetryBaseDelay
	httputil.RetryBaseDelay = time.Millisecond
	t.Cleanup(func() { httputil.RetryBaseDelay = old })

	var calls atomic.Int32
	ts := withArxivServer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})
	b := &ArxivBackend{Client: ts.Client(), MaxRetries: 2}
	_, err := b.Search(context.Background(), Request{Term: "attention"})
	assert.ErrorIs(t, err, faults.ErrRateLimited)
	assert.EqualValues(t, 3, calls.Load())
}

func TestArxivBackendMalformedXML(t *testing.T) {
	ts := withArxivServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<feed><entry>`)
	})
	b := &ArxivBackend{Client: ts.Client()}
	_, err := b.Search(context.Background(), Request{Term: "attention"})
	assert.ErrorIs(t, err, faults.ErrInvalidResponse)
}

func TestExtractArxivID(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"http://arxiv.org/abs/2301.07041v1", "2301.07041"},
		{"http://arxiv.org/abs/1706.03762v5", "1706.03762"},
		{"http://arxiv.org/abs/2301.12345", "2301.12345"},
		{"https://arxiv.org/abs/2301.07041v2", "2301.07041"},
		{"https://example.com/paper", ""},
	}
	for _, tt := range tests {
		if got := extractArxivID(tt.input); got != tt.want {
			t.Errorf("extractArxivID(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestBuildArxivQuery(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"single word", Request{Term: "attention"}, "all:attention"},
		{"multi word", Request{Term: "graph neural networks"}, "all:graph+AND+all:neural+AND+all:networks"},
		{"empty", Request{Term: ""}, ""},
		{
			"date range",
			Request{
				Term:     "rl",
				DateFrom: time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC),
				DateTo:   time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC),
			},
			"all:rl+AND+submittedDate:[202001020000+TO+202103042359]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildArxivQuery(tt.req))
		})
	}
}

// --- result file ---

func TestResultFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "search.yaml")
	req := Request{
		Term:     "attention",
		Limit:    5,
		DateFrom: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	docs := []types.CandidateDocument{doc("1706.03762", "Attention Is All You Need", "arxiv", 1)}

	require.NoError(t, WriteResultFile(path, "arxiv", req, docs, 2))

	rf, err := ReadResultFile(path)
	require.NoError(t, err)
	assert.Equal(t, "arxiv", rf.Backend)
	assert.Equal(t, 1, rf.Summary.Total)
	assert.Equal(t, 2, rf.Summary.DuplicatesRemoved)
	require.Len(t, rf.Results, 1)
	assert.Equal(t, "1706.03762", rf.Results[0].ExternalID)

	back, err := rf.Request.ToRequest()
	require.NoError(t, err)
	assert.Equal(t, "attention", back.Term)
	assert.True(t, back.DateFrom.Equal(req.DateFrom))
	assert.True(t, back.DateTo.IsZero())
}

func TestResultFileBadDate(t *testing.T) {
	_, err := RequestParams{Term: "x", DateFrom: "yesterday"}.ToRequest()
	assert.Error(t, err)
}

func TestReadResultFileMissing(t *testing.T) {
	_, err := ReadResultFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
