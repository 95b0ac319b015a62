// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package provider adapts external text-completion and embedding services
// to the Capability Provider contract used by the pipeline stages.
//
// Every adapter reports failures wrapped around faults.ErrRateLimited,
// faults.ErrTimeout, or faults.ErrInvalidResponse so the orchestrator can
// decide whether to retry.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/pdiddy/research-crew/internal/faults"
)

// Options tune a single completion call.
type Options struct {
	// System is an optional system prompt.
	System string

	// MaxTokens bounds the response length; zero uses the adapter default.
	MaxTokens int

	// Temperature is passed through when positive.
	Temperature float64
}

// Completer generates text for a prompt.
type Completer interface {
	Name() string
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}

// Embedder turns text into a vector under a fixed model version.
type Embedder interface {
	// ModelVersion identifies the embedding model; vectors from different
	// versions are never comparable.
	ModelVersion() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Provider is the full Capability Provider: completion plus embedding.
type Provider interface {
	Completer
	Embedder
}

// ErrNotConfigured is returned by New when the selected adapter lacks credentials.
var ErrNotConfigured = errors.New("provider not configured")

// Composite serves completions from one adapter and embeddings from another.
type Composite struct {
	Completer Completer
	Embedder  Embedder
}

var _ Provider = (*Composite)(nil)

// Name returns the completer's name.
func (c *Composite) Name() string { return c.Completer.Name() }

// Complete delegates to the completer.
func (c *Composite) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	return c.Completer.Complete(ctx, prompt, opts)
}

// ModelVersion delegates to the embedder.
func (c *Composite) ModelVersion() string { return c.Embedder.ModelVersion() }

// Embed delegates to the embedder.
func (c *Composite) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.Embedder.Embed(ctx, text)
}

// Fallback tries completers in order, moving to the next one only when
// the current one fails transiently. Permanent failures return at once.
type Fallback []Completer

// Name lists the chain.
func (f Fallback) Name() string {
	name := "fallback("
	for i, c := range f {
		if i > 0 {
			name += ","
		}
		name += c.Name()
	}
	return name + ")"
}

// Complete calls each completer until one succeeds.
func (f Fallback) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	if len(f) == 0 {
		return "", fmt.Errorf("empty fallback chain: %w", ErrNotConfigured)
	}
	var lastErr error
	for _, c := range f {
		text, err := c.Complete(ctx, prompt, opts)
		if err == nil {
			return text, nil
		}
		lastErr = fmt.Errorf("%s: %w", c.Name(), err)
		if !faults.IsTransient(err) {
			return "", lastErr
		}
	}
	return "", lastErr
}
