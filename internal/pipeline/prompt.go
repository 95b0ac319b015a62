// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"bytes"
	"text/template"

	"github.com/pdiddy/research-crew/pkg/types"
)

const (
	plannerSystem  = "You are a research coordinator. You break research topics into focused, searchable subtopics."
	analystSystem  = "You are a research analyst. You read academic abstracts and extract findings, methods and open problems."
	reporterSystem = "You are a research writer. You synthesize analyst notes into clear, well-structured reports with citations."
)

// planPromptTmpl asks for a JSON list of search terms.
var planPromptTmpl = template.Must(template.New("plan").Parse(`Break the following research topic into at most {{.Max}} focused subtopics. Each subtopic must be a short search phrase (2 to 6 words) suitable for an academic literature search engine such as arXiv. Cover distinct aspects of the topic: core methods, applications, evaluation, and open challenges.

Respond with a JSON object containing a "subtopics" array of strings. Do not include any text outside the JSON object.

Example response:
{"subtopics": ["transformer attention efficiency", "sparse attention benchmarks", "long context language models"]}

Research topic:
{{.Topic}}
`))

// analyzePromptTmpl asks for one AnalysisNote as JSON.
var analyzePromptTmpl = template.Must(template.New("analyze").Parse(`Analyze the following paper in the context of the research topic "{{.Topic}}".

Identify:
- insights: the key findings, as short self-contained statements
- gaps: limitations or open problems the paper exposes
- methodology: one sentence describing the approach, or "" if unclear
- confidence: a float between 0.0 and 1.0 indicating how well the abstract supports your analysis
{{- if .Related}}

Previously analyzed papers that are closely related (use them to relate or contrast findings; do not analyze them):
{{- range .Related}}
- [{{.ID}}] {{.Title}} (similarity {{printf "%.2f" .Score}})
{{- end}}
{{- end}}

Respond with a JSON object with the fields listed above. Do not include any text outside the JSON object.

Example response:
{"insights": ["Sparse attention matches dense accuracy at 4x lower cost."], "gaps": ["Evaluated only on English corpora."], "methodology": "Empirical comparison on three benchmarks.", "confidence": 0.8}

Paper [{{.Document.ExternalID}}]:
Title: {{.Document.Title}}
{{- if .Document.Source.Authors}}
Authors: {{range $i, $a := .Document.Source.Authors}}{{if $i}}, {{end}}{{$a}}{{end}}
{{- end}}
Abstract: {{.Document.Abstract}}
`))

// reportHeadings lists the section headings each style asks for, in order.
var reportHeadings = map[types.ReportStyle][]string{
	types.StyleExecutive: {
		"Key Findings", "Strategic Implications", "Recommended Actions", "Research Overview",
	},
	types.StyleComprehensive: {
		"Executive Summary", "Research Methodology", "Key Findings", "Analysis and Insights",
		"Research Gaps and Opportunities", "Practical Applications", "Conclusions and Recommendations",
	},
	types.StyleTechnical: {
		"Abstract", "Methodology Analysis", "Technical Findings", "Method Comparison",
		"Technical Gaps", "Implementation Recommendations",
	},
	types.StyleBrief: {
		"What We Found", "Why It Matters", "What's Next", "Key Resources",
	},
	types.StyleLiteratureReview: {
		"Introduction", "Current State of Research", "Critical Analysis", "Research Trends",
		"Gaps and Future Directions", "Conclusion",
	},
	types.StyleProposal: {
		"Abstract", "Problem Statement", "Research Objectives", "Literature Background",
		"Proposed Methodology", "Expected Contributions", "Timeline and Milestones", "Resource Requirements",
	},
}

// styleGuidance is the per-style audience instruction.
var styleGuidance = map[types.ReportStyle]string{
	types.StyleExecutive:     "Write for decision makers. Keep it concise and focus on implications and actions rather than technical detail.",
	types.StyleComprehensive: "Write a thorough report for a research audience. Connect findings across papers and discuss patterns, contradictions and trends.",
	types.StyleTechnical:     "Write for engineers and researchers. Compare methods precisely and be concrete about implementation trade-offs.",
	types.StyleBrief:         "Write a short briefing of a few sentences per section in plain language.",

	types.StyleLiteratureReview: "Write a scholarly, critical literature review. Weigh methodological strengths and limitations and note conflicting findings.",
	types.StyleProposal:         "Write a research proposal that addresses the most promising gaps in the notes, grounded in the cited work.",
}

// summarizePromptTmpl asks for a Markdown report with fixed headings.
var summarizePromptTmpl = template.Must(template.New("summarize").Parse(`Write a research report on "{{.Topic}}" from the analyst notes below.

{{.Guidance}}

Use exactly these second-level Markdown headings, in this order:
{{- range .Headings}}
## {{.}}
{{- end}}

Cite papers inline by their bracketed id, e.g. [2401.01234]. Do not invent papers that are not listed.
{{- if .Failed}}

Analysis failed for {{len .Failed}} of the retrieved papers; mention that coverage is incomplete.
{{- end}}

Analyst notes:
{{range .Notes}}
[{{.ID}}] {{.Title}}
{{- if .Methodology}}
Methodology: {{.Methodology}}
{{- end}}
{{- range .Insights}}
- Finding: {{.}}
{{- end}}
{{- range .Gaps}}
- Gap: {{.}}
{{- end}}
{{end}}`))

type relatedRef struct {
	ID    string
	Title string
	Score float64
}

type noteRef struct {
	ID          string
	Title       string
	Methodology string
	Insights    []string
	Gaps        []string
}

// renderPrompt executes tmpl with data.
func renderPrompt(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
