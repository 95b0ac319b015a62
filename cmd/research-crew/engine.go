// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/research-crew/internal/memory"
	"github.com/pdiddy/research-crew/internal/orchestrator"
	"github.com/pdiddy/research-crew/internal/provider"
	"github.com/pdiddy/research-crew/internal/search"
	"github.com/pdiddy/research-crew/pkg/types"
)

// engine bundles an orchestrator with the store and registry it was
// built on.
type engine struct {
	orch     *orchestrator.Orchestrator
	store    *memory.Store
	registry *prometheus.Registry
}

func (e *engine) Close() error {
	return errors.Join(e.orch.Close(), e.store.Close())
}

// openStore opens the memory store keyed to the configured embedding model.
func openStore(cfg types.Config, logger *log.Logger) (*memory.Store, error) {
	return memory.Open(cfg.Memory, cfg.Provider.EmbeddingModel, logger)
}

// newEngine wires provider, search, store and orchestrator from cfg.
func newEngine(cfg types.Config, logger *log.Logger) (*engine, error) {
	p, err := provider.New(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}
	svc, err := search.New(cfg.Search)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	orch, err := orchestrator.New(cfg, orchestrator.Options{
		Provider:   p,
		Search:     svc,
		Store:      store,
		Logger:     logger,
		Registerer: reg,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &engine{orch: orch, store: store, registry: reg}, nil
}

// queryFile is the batch submission format read by run --file.
type queryFile struct {
	Queries []types.ResearchQuery `yaml:"queries"`
}

// readQueryFile loads and validates a batch of queries.
func readQueryFile(path string) ([]types.ResearchQuery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading query file: %w", err)
	}
	var qf queryFile
	if err := yaml.Unmarshal(data, &qf); err != nil {
		return nil, fmt.Errorf("parsing query file %s: %w", path, err)
	}
	if len(qf.Queries) == 0 {
		return nil, fmt.Errorf("query file %s has no queries", path)
	}
	for i, q := range qf.Queries {
		if err := q.Validate(); err != nil {
			return nil, fmt.Errorf("query %d in %s: %w", i+1, path, err)
		}
	}
	return qf.Queries, nil
}
