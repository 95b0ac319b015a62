// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pdiddy/research-crew/internal/faults"
	"github.com/pdiddy/research-crew/pkg/types"
)

// decodeJSON unmarshals the JSON value embedded in a completion into v.
// Models sometimes wrap JSON in code fences or add a sentence before it,
// so decoding starts at the first brace or bracket and ends at the last
// matching closer.
func decodeJSON(text string, v any) error {
	raw := extractJSON(text)
	if raw == "" {
		return fmt.Errorf("%w: no JSON in completion", faults.ErrInvalidResponse)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: parsing completion JSON: %v", faults.ErrInvalidResponse, err)
	}
	return nil
}

func extractJSON(text string) string {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end < start {
		return ""
	}
	return text[start : end+1]
}

// planResponse is the Plan stage's expected completion shape. A bare
// array of strings is accepted too.
type planResponse struct {
	Subtopics []string `json:"subtopics"`
}

func parseSubtopics(text string) ([]string, error) {
	raw := extractJSON(text)
	if strings.HasPrefix(raw, "[") {
		var terms []string
		if err := decodeJSON(raw, &terms); err != nil {
			return nil, err
		}
		return terms, nil
	}
	var resp planResponse
	if err := decodeJSON(text, &resp); err != nil {
		return nil, err
	}
	return resp.Subtopics, nil
}

// noteResponse is the Analyze stage's expected completion shape.
type noteResponse struct {
	Insights    []string `json:"insights"`
	Gaps        []string `json:"gaps"`
	Methodology string   `json:"methodology"`
	Confidence  float64  `json:"confidence"`
}

// convertNote validates a note response and converts it to an
// AnalysisNote. Blank entries are dropped; a note without any insight is
// rejected, and confidence must be within [0,1].
func convertNote(resp noteResponse, docID string) (types.AnalysisNote, error) {
	note := types.AnalysisNote{
		DocumentID:  docID,
		Insights:    compact(resp.Insights),
		Gaps:        compact(resp.Gaps),
		Methodology: strings.TrimSpace(resp.Methodology),
		Confidence:  resp.Confidence,
	}
	if len(note.Insights) == 0 {
		return note, fmt.Errorf("%w: note for %s has no insights", faults.ErrInvalidResponse, docID)
	}
	if note.Confidence < 0.0 || note.Confidence > 1.0 {
		return note, fmt.Errorf("%w: confidence %f out of range [0,1]", faults.ErrInvalidResponse, note.Confidence)
	}
	return note, nil
}

// compact trims entries and drops blanks and case-insensitive repeats.
func compact(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, s := range items {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

// splitSections splits a Markdown report into sections at second-level
// headings; deeper headings stay inside their section's body. Text
// before the first heading becomes an untitled section only if it is not
// blank; a leading first-level title is dropped.
func splitSections(content string) []types.ReportSection {
	var sections []types.ReportSection
	heading := ""
	var body []string

	flush := func() {
		text := strings.TrimSpace(strings.Join(body, "\n"))
		if heading != "" || text != "" {
			sections = append(sections, types.ReportSection{Title: heading, Body: text})
		}
		body = nil
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") && heading == "" && len(sections) == 0 {
			continue
		}
		if strings.HasPrefix(trimmed, "## ") {
			flush()
			heading = strings.TrimSpace(strings.TrimPrefix(trimmed, "## "))
			continue
		}
		body = append(body, line)
	}
	flush()

	for i := range sections {
		if sections[i].Title == "" {
			sections[i].Title = "Summary"
		}
	}
	return sections
}
