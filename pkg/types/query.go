// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package types defines shared data structures for the research-crew engine:
// research queries, candidate documents, embeddings, analysis notes,
// reports, agent tasks, and configuration.
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ReportStyle selects the shape of the synthesized report.
type ReportStyle string

const (
	StyleComprehensive ReportStyle = "comprehensive"
	StyleExecutive     ReportStyle = "executive"
	StyleTechnical     ReportStyle = "technical"
	StyleBrief         ReportStyle = "brief"

	// StyleLiteratureReview is a scholarly review of the retrieved work.
	StyleLiteratureReview ReportStyle = "literature-review"

	// StyleProposal turns the identified gaps into a research proposal.
	StyleProposal ReportStyle = "proposal"
)

// validStyles is the set of accepted ReportStyle values.
var validStyles = map[ReportStyle]bool{
	StyleComprehensive: true,
	StyleExecutive:     true,
	StyleTechnical:     true,
	StyleBrief:         true,

	StyleLiteratureReview: true,
	StyleProposal:         true,
}

// MaxTopicLength bounds the topic text accepted by Validate.
const MaxTopicLength = 2000

// ErrInvalidQuery is wrapped by every error Validate returns.
var ErrInvalidQuery = errors.New("invalid research query")

// QueryConstraints narrows how a ResearchQuery is planned and searched.
type QueryConstraints struct {
	// SearchTerms, when set, replace the Plan stage's decomposition.
	SearchTerms []string `json:"search_terms,omitempty" yaml:"search_terms,omitempty"`

	// MaxSubtopics caps the number of search terms Plan may produce.
	// Zero uses the orchestrator default.
	MaxSubtopics int `json:"max_subtopics,omitempty" yaml:"max_subtopics,omitempty"`

	// MaxDocumentsPerTerm is the limit passed to each bibliographic search.
	// Zero uses the orchestrator default.
	MaxDocumentsPerTerm int `json:"max_documents_per_term,omitempty" yaml:"max_documents_per_term,omitempty"`

	// DateFrom and DateTo restrict publication dates, when non-zero.
	DateFrom time.Time `json:"date_from,omitempty" yaml:"date_from,omitempty"`
	DateTo   time.Time `json:"date_to,omitempty" yaml:"date_to,omitempty"`

	// ReportStyle selects the report layout (default comprehensive).
	ReportStyle ReportStyle `json:"report_style,omitempty" yaml:"report_style,omitempty"`
}

// ResearchQuery is a submitted research topic. It is immutable once the
// orchestrator accepts it: stages receive it by value.
type ResearchQuery struct {
	// ID is assigned by the orchestrator on submit.
	ID string `json:"id" yaml:"id"`

	// Topic is the free-text research question.
	Topic string `json:"topic" yaml:"topic"`

	Constraints QueryConstraints `json:"constraints" yaml:"constraints"`

	// CreatedAt is set by the orchestrator on submit.
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Style returns the requested report style, defaulting to comprehensive.
func (q ResearchQuery) Style() ReportStyle {
	if q.Constraints.ReportStyle == "" {
		return StyleComprehensive
	}
	return q.Constraints.ReportStyle
}

// Validate reports whether the query can be scheduled. Every returned
// error wraps ErrInvalidQuery.
func (q ResearchQuery) Validate() error {
	topic := strings.TrimSpace(q.Topic)
	if topic == "" && len(q.Constraints.SearchTerms) == 0 {
		return fmt.Errorf("%w: topic is empty", ErrInvalidQuery)
	}
	if len(q.Topic) > MaxTopicLength {
		return fmt.Errorf("%w: topic exceeds %d characters", ErrInvalidQuery, MaxTopicLength)
	}

	c := q.Constraints
	if c.MaxSubtopics < 0 {
		return fmt.Errorf("%w: max_subtopics must not be negative", ErrInvalidQuery)
	}
	if c.MaxDocumentsPerTerm < 0 {
		return fmt.Errorf("%w: max_documents_per_term must not be negative", ErrInvalidQuery)
	}
	for i, term := range c.SearchTerms {
		if strings.TrimSpace(term) == "" {
			return fmt.Errorf("%w: search term %d is blank", ErrInvalidQuery, i)
		}
	}
	if !c.DateFrom.IsZero() && !c.DateTo.IsZero() && c.DateTo.Before(c.DateFrom) {
		return fmt.Errorf("%w: date_to precedes date_from", ErrInvalidQuery)
	}
	if c.ReportStyle != "" && !validStyles[c.ReportStyle] {
		return fmt.Errorf("%w: unknown report style %q", ErrInvalidQuery, c.ReportStyle)
	}
	return nil
}
