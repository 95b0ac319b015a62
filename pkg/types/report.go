// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"fmt"
	"strings"
	"time"
)

// AnalysisNote is the Analyze stage's output for one document.
type AnalysisNote struct {
	DocumentID string `json:"document_id" yaml:"document_id"`

	// Insights are the key findings extracted from the document.
	Insights []string `json:"insights" yaml:"insights"`

	// Gaps are open problems or limitations the document exposes.
	Gaps []string `json:"gaps" yaml:"gaps"`

	// Methodology summarizes the document's approach, when identified.
	Methodology string `json:"methodology,omitempty" yaml:"methodology,omitempty"`

	// Confidence is between 0.0 and 1.0.
	Confidence float64 `json:"confidence" yaml:"confidence"`

	// RelatedIDs lists documents from memory that informed the analysis.
	RelatedIDs []string `json:"related_ids,omitempty" yaml:"related_ids,omitempty"`

	ModelVersion string    `json:"model_version" yaml:"model_version"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
}

// ReportSection is one titled block of the report, in display order.
type ReportSection struct {
	Title string `json:"title" yaml:"title"`
	Body  string `json:"body" yaml:"body"`
}

// Citation links the report to a source document.
type Citation struct {
	DocumentID string   `json:"document_id" yaml:"document_id"`
	Title      string   `json:"title" yaml:"title"`
	Authors    []string `json:"authors,omitempty" yaml:"authors,omitempty"`
	Year       int      `json:"year,omitempty" yaml:"year,omitempty"`
	URL        string   `json:"url,omitempty" yaml:"url,omitempty"`
}

// Report is the Summarize stage's output. A degraded report is still a
// complete report: it lists the documents whose analysis failed.
type Report struct {
	QueryID     string          `json:"query_id" yaml:"query_id"`
	Topic       string          `json:"topic" yaml:"topic"`
	Style       ReportStyle     `json:"style" yaml:"style"`
	Sections    []ReportSection `json:"sections" yaml:"sections"`
	Citations   []Citation      `json:"citations" yaml:"citations"`
	GeneratedAt time.Time       `json:"generated_at" yaml:"generated_at"`

	Degraded          bool     `json:"degraded" yaml:"degraded"`
	FailedDocumentIDs []string `json:"failed_document_ids,omitempty" yaml:"failed_document_ids,omitempty"`
	DegradedReasons   []string `json:"degraded_reasons,omitempty" yaml:"degraded_reasons,omitempty"`

	// UnresolvedCitations lists ids cited in the text that match no
	// analyzed document.
	UnresolvedCitations []string `json:"unresolved_citations,omitempty" yaml:"unresolved_citations,omitempty"`
}

// Markdown renders the report as a Markdown document.
func (r Report) Markdown() string {
	var b strings.Builder

	title := r.Topic
	if title == "" {
		title = "Research Report"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "_Generated %s (%s)_\n\n", r.GeneratedAt.UTC().Format(time.RFC3339), r.Style)

	if r.Degraded {
		b.WriteString("> **Degraded report.**")
		if len(r.FailedDocumentIDs) > 0 {
			fmt.Fprintf(&b, " Analysis failed for %d document(s): %s.",
				len(r.FailedDocumentIDs), strings.Join(r.FailedDocumentIDs, ", "))
		}
		for _, reason := range r.DegradedReasons {
			fmt.Fprintf(&b, " %s.", strings.TrimSuffix(reason, "."))
		}
		b.WriteString("\n\n")
	}

	for _, s := range r.Sections {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", s.Title, strings.TrimSpace(s.Body))
	}

	if len(r.UnresolvedCitations) > 0 {
		fmt.Fprintf(&b, "_Unresolved citations: %s_\n\n", strings.Join(r.UnresolvedCitations, ", "))
	}

	if len(r.Citations) > 0 {
		b.WriteString("## References\n\n")
		for i, c := range r.Citations {
			fmt.Fprintf(&b, "%d. %s", i+1, formatCitation(c))
			b.WriteString("\n")
		}
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func formatCitation(c Citation) string {
	var parts []string
	switch len(c.Authors) {
	case 0:
	case 1:
		parts = append(parts, c.Authors[0])
	default:
		parts = append(parts, c.Authors[0]+" et al.")
	}
	if c.Year > 0 {
		parts = append(parts, fmt.Sprintf("(%d)", c.Year))
	}
	title := c.Title
	if title == "" {
		title = c.DocumentID
	}
	parts = append(parts, fmt.Sprintf("*%s*", title))
	if c.URL != "" {
		parts = append(parts, c.URL)
	} else {
		parts = append(parts, "["+c.DocumentID+"]")
	}
	return strings.Join(parts, " ")
}
