// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/research-crew/internal/search"
	"github.com/pdiddy/research-crew/pkg/types"
)

var searchCmd = &cobra.Command{
	Use:   "search [term]",
	Short: "Search the configured bibliographic backends for one term",
	Long: `Search queries the configured backends (arXiv, OpenAlex, Semantic Scholar)
for a single term without running the pipeline. Results are deduplicated
across backends and can be saved to a YAML result file with --save.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(viper.GetViper(), loadedSecrets)
	if err != nil {
		return err
	}
	if backends, _ := cmd.Flags().GetStringSlice("backends"); len(backends) > 0 {
		cfg.Search.Backends = backends
	}
	svc, err := search.New(cfg.Search)
	if err != nil {
		return err
	}

	limit, _ := cmd.Flags().GetInt("max-results")
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	req := search.Request{Term: strings.Join(args, " "), Limit: limit}
	if req.DateFrom, err = parseDate(from); err != nil {
		return err
	}
	if req.DateTo, err = parseDate(to); err != nil {
		return err
	}

	docs, err := svc.Search(cmd.Context(), req)
	if err != nil {
		return err
	}
	docs, dups := search.Deduplicate(docs)

	if path, _ := cmd.Flags().GetString("save"); path != "" {
		if err := search.WriteResultFile(path, svc.Name(), req, docs, dups); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Saved %d results to %s\n", len(docs), path)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(docs)
	}
	printDocuments(cmd, docs, dups)
	return nil
}

func printDocuments(cmd *cobra.Command, docs []types.CandidateDocument, dups int) {
	out := cmd.OutOrStdout()
	if len(docs) == 0 {
		fmt.Fprintln(out, "No results found.")
		return
	}
	fmt.Fprintf(out, "%-4s  %-24s  %-60s  %-4s  %s\n", "Rank", "ID", "Title", "Year", "Source")
	fmt.Fprintln(out, strings.Repeat("-", 110))
	for i, d := range docs {
		title := d.Title
		if len(title) > 60 {
			title = title[:57] + "..."
		}
		id := d.ExternalID
		if len(id) > 24 {
			id = id[:21] + "..."
		}
		year := ""
		if !d.Source.Date.IsZero() {
			year = d.Source.Date.Format("2006")
		}
		fmt.Fprintf(out, "%-4d  %-24s  %-60s  %-4s  %s\n", i+1, id, title, year, d.Source.Backend)
	}
	fmt.Fprintf(out, "\n%d results (%d duplicates removed)\n", len(docs), dups)
}

func init() {
	searchCmd.Flags().Int("max-results", 20, "maximum results per backend")
	searchCmd.Flags().String("from", "", "publication date range start (YYYY-MM-DD)")
	searchCmd.Flags().String("to", "", "publication date range end (YYYY-MM-DD)")
	searchCmd.Flags().StringSlice("backends", nil, "backends to query (overrides search.backends)")
	searchCmd.Flags().String("save", "", "write results to a YAML result file")
	searchCmd.Flags().Bool("json", false, "output results as JSON")

	rootCmd.AddCommand(searchCmd)
}
