// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/research-crew/internal/orchestrator"
	"github.com/pdiddy/research-crew/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run [topic]",
	Short: "Research a topic and print the report",
	Long: `Run submits one research query, or every query in a YAML file given with
--file, and waits for the reports. Progress is printed to stderr as stages
complete. Interrupting the command cancels the outstanding queries.

Reports are printed as Markdown, or written to --out as <query-id>.md
(or .json with --json) when a directory is given.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	queries, err := queriesFromFlags(cmd, args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(viper.GetViper(), loadedSecrets)
	if err != nil {
		return err
	}
	if policy, _ := cmd.Flags().GetString("cancel-policy"); policy != "" {
		cfg.Orchestrator.CancelPolicy = types.CancelPolicy(policy)
	}

	eng, err := newEngine(cfg, newLogger(cmd))
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ids := make([]string, 0, len(queries))
	for _, q := range queries {
		id, err := eng.orch.Submit(ctx, q)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Submitted %s: %s\n", id, describe(q))
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		events, unsubscribe, err := eng.orch.Subscribe(id)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer unsubscribe()
			printProgress(cmd.ErrOrStderr(), events)
		}()
	}

	go func() {
		<-ctx.Done()
		for _, id := range ids {
			_ = eng.orch.Cancel(id)
		}
	}()

	outDir, _ := cmd.Flags().GetString("out")
	asJSON, _ := cmd.Flags().GetBool("json")

	var failed int
	for _, id := range ids {
		st, err := eng.orch.Wait(context.Background(), id)
		if err != nil {
			return err
		}
		if st.State != types.StateDone {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "Query %s ended %s: %s\n", id, st.State, st.Error)
			continue
		}
		rep, err := eng.orch.Report(context.Background(), id)
		if err != nil {
			return err
		}
		if err := writeReport(cmd.OutOrStdout(), outDir, rep, asJSON); err != nil {
			return err
		}
	}
	wg.Wait()

	if failed > 0 {
		return fmt.Errorf("%d of %d queries did not complete", failed, len(ids))
	}
	return nil
}

// queriesFromFlags builds the queries named on the command line.
func queriesFromFlags(cmd *cobra.Command, args []string) ([]types.ResearchQuery, error) {
	file, _ := cmd.Flags().GetString("file")
	if file != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("give a topic or --file, not both")
		}
		return readQueryFile(file)
	}

	style, _ := cmd.Flags().GetString("style")
	terms, _ := cmd.Flags().GetStringSlice("terms")
	maxSubtopics, _ := cmd.Flags().GetInt("max-subtopics")
	perTerm, _ := cmd.Flags().GetInt("max-results")
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")

	q := types.ResearchQuery{
		Topic: strings.Join(args, " "),
		Constraints: types.QueryConstraints{
			SearchTerms:         terms,
			MaxSubtopics:        maxSubtopics,
			MaxDocumentsPerTerm: perTerm,
			ReportStyle:         types.ReportStyle(style),
		},
	}
	var err error
	if q.Constraints.DateFrom, err = parseDate(from); err != nil {
		return nil, err
	}
	if q.Constraints.DateTo, err = parseDate(to); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return []types.ResearchQuery{q}, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return t, nil
}

func describe(q types.ResearchQuery) string {
	if q.Topic != "" {
		return q.Topic
	}
	return strings.Join(q.Constraints.SearchTerms, "; ")
}

// printProgress writes one line per state change and finished task.
func printProgress(w io.Writer, events <-chan orchestrator.Event) {
	for ev := range events {
		switch ev.Kind {
		case orchestrator.EventState:
			fmt.Fprintf(w, "[%s] %s\n", short(ev.QueryID), ev.State)
		case orchestrator.EventTask:
			t := ev.Task
			if t == nil || !t.Status.Terminal() {
				continue
			}
			line := fmt.Sprintf("[%s]   %s %s %s", short(ev.QueryID), t.Stage, t.Status, t.InputRef)
			if t.CacheHit {
				line += " (cached)"
			}
			if t.LastError != "" && t.Status == types.TaskFailed {
				line += ": " + t.LastError
			}
			fmt.Fprintln(w, line)
		}
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// writeReport prints rep, or saves it under dir when dir is set.
func writeReport(stdout io.Writer, dir string, rep types.Report, asJSON bool) error {
	var data []byte
	ext := ".md"
	if asJSON {
		var err error
		if data, err = json.MarshalIndent(rep, "", "  "); err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
		data = append(data, '\n')
		ext = ".json"
	} else {
		data = []byte(rep.Markdown())
	}

	if dir == "" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, rep.QueryID+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote %s\n", path)
	return nil
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("file", "f", "", "YAML file of queries to submit as a batch")
	cmd.Flags().String("style", "", "report style: comprehensive, executive, technical, brief, literature-review, proposal")
	cmd.Flags().StringSlice("terms", nil, "explicit search terms (skips planning)")
	cmd.Flags().Int("max-subtopics", 0, "maximum subtopics to plan (0 = config default)")
	cmd.Flags().Int("max-results", 0, "maximum documents per search term (0 = config default)")
	cmd.Flags().String("from", "", "publication date range start (YYYY-MM-DD)")
	cmd.Flags().String("to", "", "publication date range end (YYYY-MM-DD)")
	cmd.Flags().String("out", "", "directory to write reports to instead of stdout")
	cmd.Flags().Bool("json", false, "write reports as JSON")
	cmd.Flags().String("cancel-policy", "", "on interrupt: drain or abandon in-flight tasks")
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}
