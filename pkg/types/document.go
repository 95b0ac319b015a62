// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"strings"
	"time"
)

// CandidateDocument is a paper returned by the bibliographic search
// service. Documents are deduplicated by ExternalID across subtopics.
type CandidateDocument struct {
	// ExternalID is the canonical identifier from the source (arXiv ID,
	// DOI, OpenAlex or Semantic Scholar ID).
	ExternalID string `json:"external_id" yaml:"external_id"`

	Title    string `json:"title" yaml:"title"`
	Abstract string `json:"abstract" yaml:"abstract"`

	Source SourceMetadata `json:"source" yaml:"source"`

	// RetrievedAt is when the search service returned the document.
	RetrievedAt time.Time `json:"retrieved_at" yaml:"retrieved_at"`
}

// SourceMetadata describes where a CandidateDocument came from.
type SourceMetadata struct {
	// Backend identifies which search backend(s) found this document
	// (e.g. "arxiv", "arxiv,openalex").
	Backend string `json:"backend" yaml:"backend"`

	Authors []string  `json:"authors,omitempty" yaml:"authors,omitempty"`
	Date    time.Time `json:"date,omitempty" yaml:"date,omitempty"`
	URL     string    `json:"url,omitempty" yaml:"url,omitempty"`

	// Term is the search term that first surfaced the document.
	Term string `json:"term,omitempty" yaml:"term,omitempty"`

	// RelevanceScore is between 0.0 and 1.0, position-based per backend.
	RelevanceScore float64 `json:"relevance_score" yaml:"relevance_score"`
}

// EmbeddingText returns the text embedded for similarity retrieval:
// title and abstract separated by a blank line.
func (d CandidateDocument) EmbeddingText() string {
	title := strings.TrimSpace(d.Title)
	abstract := strings.TrimSpace(d.Abstract)
	switch {
	case abstract == "":
		return title
	case title == "":
		return abstract
	default:
		return title + "\n\n" + abstract
	}
}

// Embedding is a vector owned by one document under one embedding model.
type Embedding struct {
	DocumentID   string    `json:"document_id" yaml:"document_id"`
	ModelVersion string    `json:"model_version" yaml:"model_version"`
	Vector       []float32 `json:"vector" yaml:"vector"`

	// WrittenAt orders concurrent upserts of the same key (last write wins).
	WrittenAt time.Time `json:"written_at" yaml:"written_at"`
}

// ValidFor reports whether the embedding can be reused under the
// expected model version. Stale versions must be regenerated.
func (e Embedding) ValidFor(expectedVersion string) bool {
	return len(e.Vector) > 0 && e.ModelVersion == expectedVersion
}
