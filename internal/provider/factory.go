// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package provider

import (
	"fmt"
	"net/http"

	"github.com/pdiddy/research-crew/pkg/types"
)

// New builds the Provider described by cfg. Embeddings always come from
// the OpenAI-compatible adapter; completions come from cfg.Completion,
// optionally backed by cfg.FallbackCompletion.
func New(cfg types.ProviderConfig) (Provider, error) {
	client := &http.Client{Timeout: cfg.Timeout}

	if cfg.OpenAIAPIKey == "" && cfg.OpenAIBaseURL == "" {
		return nil, fmt.Errorf("embeddings need an OpenAI API key or base URL: %w", ErrNotConfigured)
	}
	embedder := NewOpenAI(OpenAIOptions{
		APIKey:          cfg.OpenAIAPIKey,
		BaseURL:         cfg.OpenAIBaseURL,
		CompletionModel: cfg.CompletionModel,
		EmbeddingModel:  cfg.EmbeddingModel,
		MaxTokens:       cfg.MaxTokens,
		HTTPClient:      client,
	})

	primary, err := completer(cfg.Completion, cfg.CompletionModel, cfg, client)
	if err != nil {
		return nil, err
	}

	var comp Completer = primary
	if cfg.FallbackCompletion != "" && cfg.FallbackCompletion != cfg.Completion {
		secondary, err := completer(cfg.FallbackCompletion, cfg.FallbackCompletionModel, cfg, client)
		if err != nil {
			return nil, fmt.Errorf("fallback completion: %w", err)
		}
		comp = Fallback{primary, secondary}
	}

	return &Composite{Completer: comp, Embedder: embedder}, nil
}

func completer(name, model string, cfg types.ProviderConfig, client *http.Client) (Completer, error) {
	switch name {
	case "claude", "":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("claude completion needs an Anthropic API key: %w", ErrNotConfigured)
		}
		return &Claude{
			APIKey:    cfg.AnthropicAPIKey,
			Model:     model,
			MaxTokens: cfg.MaxTokens,
			Client:    client,
		}, nil
	case "openai":
		return NewOpenAI(OpenAIOptions{
			APIKey:          cfg.OpenAIAPIKey,
			BaseURL:         cfg.OpenAIBaseURL,
			CompletionModel: model,
			MaxTokens:       cfg.MaxTokens,
			HTTPClient:      client,
		}), nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", name)
	}
}
