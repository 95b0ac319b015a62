package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/research-crew/internal/orchestrator"
	"github.com/pdiddy/research-crew/internal/secrets"
	"github.com/pdiddy/research-crew/pkg/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigOverlaysFileAndSecrets(t *testing.T) {
	path := writeFile(t, "research-crew.yaml", `
orchestrator:
  workers: 3
  retry_base_delay: 250ms
  cancel_policy: abandon
memory:
  dir: /tmp/crew-memory
provider:
  completion: openai
  embedding_model: text-embedding-3-large
search:
  backends: [arxiv, openalex]
`)
	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := loadConfig(v, secrets.Secrets{secrets.OpenAIAPIKey: "sk-test"})
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Orchestrator.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Orchestrator.RetryBaseDelay)
	assert.Equal(t, types.CancelAbandon, cfg.Orchestrator.CancelPolicy)
	assert.Equal(t, "/tmp/crew-memory", cfg.Memory.Dir)
	assert.Equal(t, "text-embedding-3-large", cfg.Provider.EmbeddingModel)
	assert.Equal(t, []string{"arxiv", "openalex"}, cfg.Search.Backends)
	assert.Equal(t, "sk-test", cfg.Provider.OpenAIAPIKey)

	// Unset keys keep their defaults.
	def := types.DefaultConfig()
	assert.Equal(t, def.Orchestrator.MaxRetries, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, def.Memory.ContextK, cfg.Memory.ContextK)
}

func TestLoadConfigDefaultsAndValidation(t *testing.T) {
	cfg, err := loadConfig(viper.New(), nil)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultConfig().Memory.Dir, cfg.Memory.Dir)

	path := writeFile(t, "bad.yaml", "orchestrator:\n  workers: 0\n")
	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	_, err = loadConfig(v, nil)
	assert.ErrorContains(t, err, "orchestrator.workers")
}

func TestReadQueryFile(t *testing.T) {
	path := writeFile(t, "queries.yaml", `
queries:
  - topic: sparse attention for long documents
    constraints:
      report_style: brief
      max_subtopics: 2
  - topic: ""
    constraints:
      search_terms: [retrieval augmented generation]
`)
	qs, err := readQueryFile(path)
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, types.StyleBrief, qs[0].Style())
	assert.Equal(t, 2, qs[0].Constraints.MaxSubtopics)
	assert.Equal(t, []string{"retrieval augmented generation"}, qs[1].Constraints.SearchTerms)

	_, err = readQueryFile(writeFile(t, "empty.yaml", "queries: []\n"))
	assert.ErrorContains(t, err, "no queries")

	_, err = readQueryFile(writeFile(t, "bad.yaml", "queries:\n  - topic: x\n    constraints:\n      report_style: haiku\n"))
	assert.ErrorIs(t, err, types.ErrInvalidQuery)
}

func newRunFlags(t *testing.T, set map[string]string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{}
	addRunFlags(cmd)
	for k, v := range set {
		require.NoError(t, cmd.Flags().Set(k, v))
	}
	return cmd
}

func TestQueriesFromFlags(t *testing.T) {
	cmd := newRunFlags(t, map[string]string{
		"style": "technical",
		"terms": "a,b",
		"from":  "2020-01-01",
	})
	qs, err := queriesFromFlags(cmd, []string{"graph", "neural", "networks"})
	require.NoError(t, err)
	require.Len(t, qs, 1)
	q := qs[0]
	assert.Equal(t, "graph neural networks", q.Topic)
	assert.Equal(t, types.StyleTechnical, q.Style())
	assert.Equal(t, []string{"a", "b"}, q.Constraints.SearchTerms)
	assert.Equal(t, 2020, q.Constraints.DateFrom.Year())
}

func TestQueriesFromFlagsRejects(t *testing.T) {
	_, err := queriesFromFlags(newRunFlags(t, nil), nil)
	assert.ErrorIs(t, err, types.ErrInvalidQuery)

	_, err = queriesFromFlags(newRunFlags(t, map[string]string{"from": "01/02/2020"}), []string{"x"})
	assert.ErrorContains(t, err, "YYYY-MM-DD")

	_, err = queriesFromFlags(newRunFlags(t, map[string]string{"file": "q.yaml"}), []string{"x"})
	assert.ErrorContains(t, err, "not both")
}

func TestWriteReport(t *testing.T) {
	rep := types.Report{
		QueryID:  "q-1",
		Topic:    "Sparse attention",
		Sections: []types.ReportSection{{Title: "Summary", Body: "Works."}},
	}

	var out bytes.Buffer
	require.NoError(t, writeReport(&out, "", rep, false))
	assert.Contains(t, out.String(), "Sparse attention")
	assert.Contains(t, out.String(), "## Summary")

	dir := filepath.Join(t.TempDir(), "reports")
	out.Reset()
	require.NoError(t, writeReport(&out, dir, rep, true))
	data, err := os.ReadFile(filepath.Join(dir, "q-1.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"query_id": "q-1"`)
	assert.Contains(t, out.String(), "Wrote")
}

func TestPrintProgress(t *testing.T) {
	events := make(chan orchestrator.Event, 4)
	events <- orchestrator.Event{QueryID: "0123456789", Kind: orchestrator.EventState, State: types.StateSearching}
	events <- orchestrator.Event{QueryID: "0123456789", Kind: orchestrator.EventTask,
		Task: &types.AgentTask{Stage: types.StageSearch, Status: types.TaskRunning, InputRef: "term"}}
	events <- orchestrator.Event{QueryID: "0123456789", Kind: orchestrator.EventTask,
		Task: &types.AgentTask{Stage: types.StageAnalyze, Status: types.TaskSucceeded, InputRef: "2401.1", CacheHit: true}}
	events <- orchestrator.Event{QueryID: "0123456789", Kind: orchestrator.EventTask,
		Task: &types.AgentTask{Stage: types.StageAnalyze, Status: types.TaskFailed, InputRef: "2401.2", LastError: "boom"}}
	close(events)

	var out bytes.Buffer
	printProgress(&out, events)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3, "running tasks are not printed")
	assert.Equal(t, "[01234567] SEARCHING", lines[0])
	assert.Contains(t, lines[1], "(cached)")
	assert.Contains(t, lines[2], ": boom")
}

func TestConfirm(t *testing.T) {
	var out bytes.Buffer
	assert.True(t, confirm(strings.NewReader("y\n"), &out, "? "))
	assert.False(t, confirm(strings.NewReader("\n"), &out, "? "))
	assert.False(t, confirm(strings.NewReader(""), &out, "? "))
}
