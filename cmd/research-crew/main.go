// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the research-crew CLI.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/research-crew/internal/secrets"
	"github.com/pdiddy/research-crew/pkg/types"
)

// version is set at build time via ldflags.
var version = "dev"

// loadedSecrets holds API keys loaded from .secrets/ at startup.
var loadedSecrets secrets.Secrets

// rootCmd is the base command for the research-crew CLI.
var rootCmd = &cobra.Command{
	Use:   "research-crew",
	Short: "Multi-agent research pipeline over academic literature",
	Long: `research-crew turns a research topic into a cited report. Each query is
planned into subtopics, searched against bibliographic APIs, analyzed paper
by paper with a language model, and summarized into a report.

Analyses and embeddings are kept in a local vector memory so later queries
reuse earlier work. Use run for one-shot queries, serve for the HTTP API,
and memory to inspect or maintain the store.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("secrets-dir")
		s, err := secrets.Load(dir, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		loadedSecrets = s
		if len(s) > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "Loaded secrets: %v\n", s.Keys())
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./research-crew.yaml or ~/.config/research-crew/research-crew.yaml)")
	rootCmd.PersistentFlags().String("secrets-dir", ".secrets/", "directory of API key files")
	rootCmd.PersistentFlags().String("memory-dir", "", "memory store directory (overrides memory.dir)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log orchestrator and memory activity to stderr")

	_ = viper.BindPFlag("memory.dir", rootCmd.PersistentFlags().Lookup("memory-dir"))
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("research-crew")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "research-crew"))
		}
	}

	viper.SetEnvPrefix("RESEARCH_CREW")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig overlays the config file, environment and flags on the
// defaults, fills credentials from secrets, and validates the result.
func loadConfig(v *viper.Viper, s secrets.Secrets) (types.Config, error) {
	cfg := types.DefaultConfig()
	memoryDir := cfg.Memory.Dir
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	// An unset --memory-dir flag binds as "".
	if cfg.Memory.Dir == "" {
		cfg.Memory.Dir = memoryDir
	}
	s.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// newLogger returns the component logger: stderr when verbose, else silent.
func newLogger(cmd *cobra.Command) *log.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if !verbose {
		return nil
	}
	return log.New(cmd.ErrOrStderr(), "research-crew ", log.LstdFlags)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
