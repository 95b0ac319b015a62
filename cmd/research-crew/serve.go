// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/research-crew/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the orchestrator over HTTP",
	Long: `Serve starts the orchestrator behind a JSON HTTP API. Queries are
submitted with POST /v1/queries and followed through /v1/queries/{id},
its /events stream, and its /report. Prometheus metrics are served at
/metrics.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(viper.GetViper(), loadedSecrets)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.API.Addr = addr
	}

	logger := newLogger(cmd)
	if logger == nil {
		logger = log.New(cmd.ErrOrStderr(), "research-crew ", log.LstdFlags)
	}
	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           api.New(eng.orch, eng.registry, cfg.API.AllowedOrigins, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Printf("[API] listening on %s", cfg.API.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Printf("[API] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides api.addr)")

	rootCmd.AddCommand(serveCmd)
}
