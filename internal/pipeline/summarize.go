// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/pdiddy/research-crew/internal/faults"
	"github.com/pdiddy/research-crew/internal/provider"
	"github.com/pdiddy/research-crew/pkg/types"
)

// Degraded reasons recorded on reports.
const (
	ReasonNoDocuments = "no candidate documents retrieved"
	ReasonNoNotes     = "no analysis notes available"
	ReasonNoReport    = "synthesis produced no report"
)

// SummarizeTask synthesizes the resolved notes into a Report.
type SummarizeTask struct {
	Completer provider.Completer

	// DegradedThreshold is the failed fraction of analyzed documents
	// above which the report is marked degraded.
	DegradedThreshold float64
}

// Stage returns StageSummarize.
func (t *SummarizeTask) Stage() types.Stage { return types.StageSummarize }

// Execute writes the report in the query's style. With no notes to
// synthesize it assembles the report directly instead of calling the
// completion capability. A failed synthesis is returned as an error; the
// caller falls back to AssembleReport once retries are spent.
func (t *SummarizeTask) Execute(ctx context.Context, in Input) (Output, error) {
	if len(in.Notes) == 0 {
		r := AssembleReport(in, t.DegradedThreshold, ReasonNoNotes)
		return Output{Report: &r}, nil
	}
	if t.Completer == nil {
		return Output{}, errors.New("summarize: no completion provider")
	}

	style := in.Query.Style()
	headings, ok := reportHeadings[style]
	if !ok {
		return Output{}, fmt.Errorf("summarize: %w: unknown report style %q", faults.ErrMalformedQuery, style)
	}

	prompt, err := renderPrompt(summarizePromptTmpl, struct {
		Topic    string
		Guidance string
		Headings []string
		Failed   []string
		Notes    []noteRef
	}{
		Topic:    topicOf(in.Query),
		Guidance: styleGuidance[style],
		Headings: headings,
		Failed:   in.FailedDocumentIDs,
		Notes:    noteRefs(in),
	})
	if err != nil {
		return Output{}, fmt.Errorf("rendering report prompt: %w", err)
	}

	text, err := t.Completer.Complete(ctx, prompt, provider.Options{
		System:      reporterSystem,
		Temperature: 0.3,
	})
	if err != nil {
		return Output{}, fmt.Errorf("synthesizing report: %w", err)
	}

	sections := splitSections(text)
	if len(sections) == 0 {
		return Output{}, fmt.Errorf("synthesizing report: %w: empty report", faults.ErrInvalidResponse)
	}

	r := newReport(in, t.DegradedThreshold)
	r.Sections = sections
	known := make(map[string]bool, len(r.Citations))
	for _, c := range r.Citations {
		known[c.DocumentID] = true
	}
	r.UnresolvedCitations = unresolvedCitations(sections, known)
	return Output{Report: &r}, nil
}

// AssembleReport builds a report straight from the notes, without a
// completion call. It is always degraded; reason is recorded with any
// other degradation the inputs imply.
func AssembleReport(in Input, threshold float64, reason string) types.Report {
	r := newReport(in, threshold)
	markDegraded(&r, in)
	if reason != "" && !slices.Contains(r.DegradedReasons, reason) {
		r.DegradedReasons = append(r.DegradedReasons, reason)
	}

	refs := noteRefs(in)

	var overview strings.Builder
	fmt.Fprintf(&overview, "This report covers %d of %d retrieved document(s) on %q.",
		len(refs), len(in.Documents), topicOf(in.Query))
	if len(in.FailedDocumentIDs) > 0 {
		fmt.Fprintf(&overview, " Analysis failed for %d document(s).", len(in.FailedDocumentIDs))
	}
	r.Sections = append(r.Sections, types.ReportSection{Title: "Overview", Body: overview.String()})

	var findings, gaps strings.Builder
	for _, n := range refs {
		for _, s := range n.Insights {
			fmt.Fprintf(&findings, "- %s [%s]\n", s, n.ID)
		}
		for _, s := range n.Gaps {
			fmt.Fprintf(&gaps, "- %s [%s]\n", s, n.ID)
		}
	}
	if findings.Len() > 0 {
		r.Sections = append(r.Sections, types.ReportSection{Title: "Key Findings", Body: findings.String()})
	}
	if gaps.Len() > 0 {
		r.Sections = append(r.Sections, types.ReportSection{Title: "Research Gaps", Body: gaps.String()})
	}
	return r
}

// newReport fills everything but the sections: identity, citations for
// the analyzed documents, and the degradation state.
func newReport(in Input, threshold float64) types.Report {
	r := types.Report{
		QueryID:     in.Query.ID,
		Topic:       topicOf(in.Query),
		Style:       in.Query.Style(),
		GeneratedAt: now(),
	}

	analyzed := make(map[string]bool, len(in.Notes))
	for _, n := range in.Notes {
		analyzed[n.DocumentID] = true
	}
	for _, d := range in.Documents {
		if analyzed[d.ExternalID] {
			r.Citations = append(r.Citations, citationFor(d))
		}
	}

	r.DegradedReasons = append(r.DegradedReasons, in.DegradedReasons...)
	if len(in.Documents) == 0 && !slices.Contains(r.DegradedReasons, ReasonNoDocuments) {
		r.DegradedReasons = append(r.DegradedReasons, ReasonNoDocuments)
	}
	if failed := len(in.FailedDocumentIDs); failed > 0 {
		total := len(in.Documents)
		if total < failed {
			total = failed
		}
		if float64(failed)/float64(total) > threshold {
			r.DegradedReasons = append(r.DegradedReasons,
				fmt.Sprintf("analysis failed for %d of %d documents", failed, total))
		}
	}
	if len(r.DegradedReasons) > 0 {
		markDegraded(&r, in)
	}
	return r
}

// markDegraded flags r as degraded and lists the documents whose analysis
// failed. Only degraded reports carry that list.
func markDegraded(r *types.Report, in Input) {
	r.Degraded = true
	if len(in.FailedDocumentIDs) > 0 {
		r.FailedDocumentIDs = append([]string(nil), in.FailedDocumentIDs...)
	}
}

func citationFor(d types.CandidateDocument) types.Citation {
	c := types.Citation{
		DocumentID: d.ExternalID,
		Title:      d.Title,
		Authors:    d.Source.Authors,
		URL:        d.Source.URL,
	}
	if !d.Source.Date.IsZero() {
		c.Year = d.Source.Date.Year()
	}
	return c
}

// noteRefs pairs each note with its document title, in document order.
// Notes whose document is not in in.Documents follow in note order.
func noteRefs(in Input) []noteRef {
	titles := make(map[string]string, len(in.Documents))
	order := make(map[string]int, len(in.Documents))
	for i, d := range in.Documents {
		titles[d.ExternalID] = d.Title
		order[d.ExternalID] = i
	}

	refs := make([]noteRef, 0, len(in.Notes))
	var extra []noteRef
	for _, n := range in.Notes {
		ref := noteRef{
			ID:          n.DocumentID,
			Title:       titles[n.DocumentID],
			Methodology: n.Methodology,
			Insights:    n.Insights,
			Gaps:        n.Gaps,
		}
		if _, ok := order[n.DocumentID]; ok {
			refs = append(refs, ref)
		} else {
			extra = append(extra, ref)
		}
	}
	sort.SliceStable(refs, func(i, j int) bool { return order[refs[i].ID] < order[refs[j].ID] })
	return append(refs, extra...)
}

func topicOf(q types.ResearchQuery) string {
	if t := strings.TrimSpace(q.Topic); t != "" {
		return t
	}
	return strings.Join(q.Constraints.SearchTerms, "; ")
}
