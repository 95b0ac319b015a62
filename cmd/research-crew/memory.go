// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/research-crew/internal/memory"
	"github.com/pdiddy/research-crew/internal/provider"
	"github.com/pdiddy/research-crew/pkg/types"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and maintain the vector memory store",
	Long: `Memory manages the local store of document embeddings, analysis notes
and reports that queries reuse. Use subcommands to inspect it, search it
by similarity, evict entries, retry pending embeddings, export or clear it.`,
}

// --- stats subcommand ---

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count stored documents, embeddings, notes and reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(cfg types.Config, store *memory.Store) error {
			st, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(st)
		})
	},
}

// --- query subcommand ---

var memoryQueryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Find stored documents similar to a text",
	Long: `Query embeds the given text with the configured embedding model and lists
the k most similar stored documents by cosine similarity.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMemoryQuery,
}

func runMemoryQuery(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(cfg types.Config, store *memory.Store) error {
		p, err := provider.New(cfg.Provider)
		if err != nil {
			return err
		}
		vec, err := p.Embed(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return fmt.Errorf("embedding query: %w", err)
		}

		k, _ := cmd.Flags().GetInt("k")
		minScore, _ := cmd.Flags().GetFloat64("min-score")
		matches, err := store.Query(cmd.Context(), vec, k, memory.Filter{MinScore: minScore})
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), matches)
		}
		out := cmd.OutOrStdout()
		if len(matches) == 0 {
			fmt.Fprintln(out, "No results found.")
			return nil
		}
		fmt.Fprintf(out, "%-4s  %-6s  %-24s  %s\n", "Rank", "Score", "ID", "Title")
		fmt.Fprintln(out, strings.Repeat("-", 100))
		for i, m := range matches {
			fmt.Fprintf(out, "%-4d  %.3f   %-24s  %s\n", i+1, m.Score, m.Document.ExternalID, m.Document.Title)
		}
		return nil
	})
}

// --- evict subcommand ---

var memoryEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Remove embeddings beyond the configured capacity",
	Long: `Evict removes embeddings beyond memory.capacity, stale model versions
first, then by the eviction policy (lru or fifo). Documents and notes are
kept so evicted embeddings can be regenerated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(cfg types.Config, store *memory.Store) error {
			policy, _ := cmd.Flags().GetString("policy")
			n, err := store.Evict(cmd.Context(), policy)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d embeddings\n", n)
			return nil
		})
	},
}

// --- backfill subcommand ---

var memoryBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Retry embeddings that failed during earlier queries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(cfg types.Config, store *memory.Store) error {
			p, err := provider.New(cfg.Provider)
			if err != nil {
				return err
			}
			res, err := store.Backfill(cmd.Context(), p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backfilled %d embeddings, %d still pending\n", res.Committed, res.Failed)
			return nil
		})
	},
}

// --- export subcommand ---

var memoryExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the memory store to YAML or JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return withStore(cmd, func(cfg types.Config, store *memory.Store) error {
			var path string
			var err error
			switch format {
			case "yaml", "":
				path, err = store.ExportYAML(cmd.Context())
			case "json":
				path, err = store.ExportJSON(cmd.Context())
			default:
				return fmt.Errorf("unsupported format %q: use yaml or json", format)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported to %s\n", path)
			return nil
		})
	},
}

// --- clear subcommand ---

var memoryClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every entry, note and report from the memory store",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "Clear the memory store? [y/N] ") {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
		return withStore(cmd, func(cfg types.Config, store *memory.Store) error {
			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Memory store cleared")
			return nil
		})
	},
}

// --- reports subcommand ---

var memoryReportsCmd = &cobra.Command{
	Use:   "reports [query-id]",
	Short: "List stored reports, or print one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(cfg types.Config, store *memory.Store) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			if len(args) == 1 {
				rep, ok, err := store.Report(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no report for query %s", args[0])
				}
				return writeReport(cmd.OutOrStdout(), "", rep, asJSON)
			}

			list, err := store.Reports(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), list)
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No reports stored.")
				return nil
			}
			for _, r := range list {
				mark := ""
				if r.Degraded {
					mark = " (degraded)"
				}
				fmt.Fprintf(out, "%s  %s%s\n", r.QueryID, r.Topic, mark)
			}
			return nil
		})
	},
}

// --- shared helpers ---

// withStore loads the config, opens the memory store, and closes it after fn.
func withStore(cmd *cobra.Command, fn func(types.Config, *memory.Store) error) error {
	cfg, err := loadConfig(viper.GetViper(), loadedSecrets)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, newLogger(cmd))
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func init() {
	memoryStatsCmd.Flags().Bool("json", false, "output as JSON")

	memoryQueryCmd.Flags().Int("k", 10, "number of similar documents to list")
	memoryQueryCmd.Flags().Float64("min-score", 0, "minimum cosine similarity")
	memoryQueryCmd.Flags().Bool("json", false, "output results as JSON")

	memoryEvictCmd.Flags().String("policy", "", "eviction policy: lru or fifo (default memory.eviction_policy)")

	memoryExportCmd.Flags().String("format", "yaml", "export format: yaml or json")

	memoryClearCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")

	memoryReportsCmd.Flags().Bool("json", false, "output as JSON")

	memoryCmd.AddCommand(memoryStatsCmd)
	memoryCmd.AddCommand(memoryQueryCmd)
	memoryCmd.AddCommand(memoryEvictCmd)
	memoryCmd.AddCommand(memoryBackfillCmd)
	memoryCmd.AddCommand(memoryExportCmd)
	memoryCmd.AddCommand(memoryClearCmd)
	memoryCmd.AddCommand(memoryReportsCmd)

	rootCmd.AddCommand(memoryCmd)
}
