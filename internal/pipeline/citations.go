// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"regexp"
	"sort"
	"strings"

	"github.com/pdiddy/research-crew/pkg/types"
)

// citationPattern matches inline citations: [id] or [id1; id2].
var citationPattern = regexp.MustCompile(`\[([^\[\]]+)\]`)

// unresolvedCitations returns, sorted, the citation ids in sections that
// name no document in known.
func unresolvedCitations(sections []types.ReportSection, known map[string]bool) []string {
	seen := make(map[string]bool)
	for _, s := range sections {
		for _, key := range citationKeys(s.Body) {
			if !known[key] {
				seen[key] = true
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	missing := make([]string, 0, len(seen))
	for key := range seen {
		missing = append(missing, key)
	}
	sort.Strings(missing)
	return missing
}

// citationKeys finds the document ids cited in text. Multi-citations may
// be separated by semicolons or commas.
func citationKeys(text string) []string {
	var keys []string
	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		for _, p := range strings.FieldsFunc(m[1], func(r rune) bool { return r == ';' || r == ',' }) {
			if key := strings.TrimSpace(p); isCitationKey(key) {
				keys = append(keys, key)
			}
		}
	}
	return keys
}

// isCitationKey reports whether s looks like a document id (arXiv id, DOI,
// OpenAlex or Semantic Scholar id) rather than other bracketed text such
// as a Markdown link label.
func isCitationKey(s string) bool {
	hasDigit := false
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			hasDigit = true
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c == '.', c == '/', c == '-', c == '_', c == ':':
		default:
			return false
		}
	}
	return hasDigit
}
