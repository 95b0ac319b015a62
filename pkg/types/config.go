// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"fmt"
	"time"
)

// HTTPConfig holds shared HTTP settings used by adapters that make network requests.
type HTTPConfig struct {
	// Timeout is the HTTP request timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`

	// UserAgent is the User-Agent header sent with HTTP requests
	// (e.g. "research-crew/0.1").
	UserAgent string `json:"user_agent" yaml:"user_agent" mapstructure:"user_agent"`
}

// SearchConfig holds settings for the bibliographic search adapters.
type SearchConfig struct {
	HTTPConfig `yaml:",inline" mapstructure:",squash"`

	// Backends lists enabled backends in order: arxiv, openalex, semantic_scholar.
	Backends []string `json:"backends" yaml:"backends" mapstructure:"backends"`

	// SemanticScholarAPIKey is an optional API key for higher rate limits.
	SemanticScholarAPIKey string `json:"semantic_scholar_api_key,omitempty" yaml:"semantic_scholar_api_key,omitempty" mapstructure:"semantic_scholar_api_key"`

	// OpenAlexEmail is sent as mailto for OpenAlex polite pool access.
	OpenAlexEmail string `json:"openalex_email,omitempty" yaml:"openalex_email,omitempty" mapstructure:"openalex_email"`

	// InterBackendDelay is the delay between API calls to different backends (default 1s).
	InterBackendDelay time.Duration `json:"inter_backend_delay" yaml:"inter_backend_delay" mapstructure:"inter_backend_delay"`

	// MaxRetries bounds HTTP 429 retries inside one search call (default 5).
	MaxRetries int `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
}

// ProviderConfig selects and configures the capability provider.
type ProviderConfig struct {
	HTTPConfig `yaml:",inline" mapstructure:",squash"`

	// Completion names the completion provider: claude or openai.
	Completion string `json:"completion" yaml:"completion" mapstructure:"completion"`

	// CompletionModel is the completion model identifier.
	CompletionModel string `json:"completion_model" yaml:"completion_model" mapstructure:"completion_model"`

	// FallbackCompletion names an optional provider tried when the
	// primary completion provider fails transiently.
	FallbackCompletion string `json:"fallback_completion,omitempty" yaml:"fallback_completion,omitempty" mapstructure:"fallback_completion"`

	// FallbackCompletionModel is the model used by the fallback provider.
	FallbackCompletionModel string `json:"fallback_completion_model,omitempty" yaml:"fallback_completion_model,omitempty" mapstructure:"fallback_completion_model"`

	// EmbeddingModel is the embedding model identifier. It doubles as the
	// memory store's expected model version.
	EmbeddingModel string `json:"embedding_model" yaml:"embedding_model" mapstructure:"embedding_model"`

	// AnthropicAPIKey and OpenAIAPIKey authenticate the adapters.
	AnthropicAPIKey string `json:"anthropic_api_key,omitempty" yaml:"anthropic_api_key,omitempty" mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string `json:"openai_api_key,omitempty" yaml:"openai_api_key,omitempty" mapstructure:"openai_api_key"`

	// OpenAIBaseURL overrides the OpenAI endpoint for compatible servers.
	OpenAIBaseURL string `json:"openai_base_url,omitempty" yaml:"openai_base_url,omitempty" mapstructure:"openai_base_url"`

	// MaxTokens bounds completion length (default 4096).
	MaxTokens int `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`
}

// MemoryConfig holds settings for the vector memory store.
type MemoryConfig struct {
	// Dir holds memory.db and exports.
	Dir string `json:"dir" yaml:"dir" mapstructure:"dir"`

	// Capacity is the maximum number of embedding entries kept; zero
	// disables eviction.
	Capacity int `json:"capacity" yaml:"capacity" mapstructure:"capacity"`

	// EvictionPolicy names the eviction policy (lru).
	EvictionPolicy string `json:"eviction_policy" yaml:"eviction_policy" mapstructure:"eviction_policy"`

	// SimilarityThreshold is the minimum cosine similarity for a stored
	// entry to count as related context in the Analyze stage.
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold" mapstructure:"similarity_threshold"`

	// ReuseThreshold, when positive, lets Analyze reuse the note of a
	// different document whose similarity is at least this value.
	ReuseThreshold float64 `json:"reuse_threshold" yaml:"reuse_threshold" mapstructure:"reuse_threshold"`

	// ContextK is how many related entries Analyze retrieves.
	ContextK int `json:"context_k" yaml:"context_k" mapstructure:"context_k"`

	// BackfillInterval is how often pending embeddings are retried; zero
	// disables the background backfill.
	BackfillInterval time.Duration `json:"backfill_interval" yaml:"backfill_interval" mapstructure:"backfill_interval"`
}

// CancelPolicy selects what happens to in-flight tasks on cancel.
type CancelPolicy string

const (
	// CancelDrain lets in-flight tasks finish before the query settles.
	CancelDrain CancelPolicy = "drain"

	// CancelAbandon settles the query immediately; in-flight results are discarded.
	CancelAbandon CancelPolicy = "abandon"
)

// OrchestratorConfig holds scheduling, retry, and rate-limit settings.
type OrchestratorConfig struct {
	// Workers is the size of the worker pool shared by all queries.
	Workers int `json:"workers" yaml:"workers" mapstructure:"workers"`

	// MaxParallelism caps fan-out within one stage of one query.
	MaxParallelism int `json:"max_parallelism" yaml:"max_parallelism" mapstructure:"max_parallelism"`

	// MaxRetries is the retry cap per task for transient failures (default 3).
	MaxRetries int `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`

	// RetryBaseDelay and RetryMaxDelay bound exponential backoff.
	RetryBaseDelay time.Duration `json:"retry_base_delay" yaml:"retry_base_delay" mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `json:"retry_max_delay" yaml:"retry_max_delay" mapstructure:"retry_max_delay"`

	// MaxConcurrentCalls caps outstanding capability leases process-wide.
	MaxConcurrentCalls int `json:"max_concurrent_calls" yaml:"max_concurrent_calls" mapstructure:"max_concurrent_calls"`

	// CallsPerSecond and Burst set the capability call rate; zero disables.
	CallsPerSecond float64 `json:"calls_per_second" yaml:"calls_per_second" mapstructure:"calls_per_second"`
	Burst          int     `json:"burst" yaml:"burst" mapstructure:"burst"`

	// LeaseTTL is the expiry of one capability lease.
	LeaseTTL time.Duration `json:"lease_ttl" yaml:"lease_ttl" mapstructure:"lease_ttl"`

	// DegradedThreshold is the failed fraction of Analyze tasks above
	// which the report is marked degraded.
	DegradedThreshold float64 `json:"degraded_threshold" yaml:"degraded_threshold" mapstructure:"degraded_threshold"`

	CancelPolicy CancelPolicy `json:"cancel_policy" yaml:"cancel_policy" mapstructure:"cancel_policy"`

	// MaxSubtopics and MaxDocumentsPerTerm are defaults for queries
	// that leave them unset.
	MaxSubtopics        int `json:"max_subtopics" yaml:"max_subtopics" mapstructure:"max_subtopics"`
	MaxDocumentsPerTerm int `json:"max_documents_per_term" yaml:"max_documents_per_term" mapstructure:"max_documents_per_term"`

	// MaxDocuments caps the deduplicated documents sent to Analyze.
	MaxDocuments int `json:"max_documents" yaml:"max_documents" mapstructure:"max_documents"`
}

// APIConfig holds settings for the HTTP front-end adapter.
type APIConfig struct {
	Addr           string   `json:"addr" yaml:"addr" mapstructure:"addr"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// Config is passed once to the orchestrator and the adapters at construction.
type Config struct {
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator" mapstructure:"orchestrator"`
	Memory       MemoryConfig       `json:"memory" yaml:"memory" mapstructure:"memory"`
	Provider     ProviderConfig     `json:"provider" yaml:"provider" mapstructure:"provider"`
	Search       SearchConfig       `json:"search" yaml:"search" mapstructure:"search"`
	API          APIConfig          `json:"api" yaml:"api" mapstructure:"api"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			Workers:             8,
			MaxParallelism:      4,
			MaxRetries:          3,
			RetryBaseDelay:      time.Second,
			RetryMaxDelay:       30 * time.Second,
			MaxConcurrentCalls:  4,
			CallsPerSecond:      2,
			Burst:               2,
			LeaseTTL:            2 * time.Minute,
			DegradedThreshold:   0,
			CancelPolicy:        CancelDrain,
			MaxSubtopics:        5,
			MaxDocumentsPerTerm: 10,
			MaxDocuments:        25,
		},
		Memory: MemoryConfig{
			Dir:                 "memory",
			Capacity:            10000,
			EvictionPolicy:      "lru",
			SimilarityThreshold: 0.75,
			ContextK:            3,
			BackfillInterval:    time.Minute,
		},
		Provider: ProviderConfig{
			HTTPConfig: HTTPConfig{
				Timeout:   2 * time.Minute,
				UserAgent: "research-crew/0.1",
			},
			Completion:      "claude",
			CompletionModel: "claude-sonnet-4-5-20250929",
			EmbeddingModel:  "text-embedding-3-small",
			MaxTokens:       4096,
		},
		Search: SearchConfig{
			HTTPConfig: HTTPConfig{
				Timeout:   30 * time.Second,
				UserAgent: "research-crew/0.1",
			},
			Backends:          []string{"arxiv"},
			InterBackendDelay: time.Second,
			MaxRetries:        5,
		},
		API: APIConfig{
			Addr: ":8080",
		},
	}
}

// Validate checks the settings the orchestrator cannot run without.
func (c Config) Validate() error {
	o := c.Orchestrator
	if o.Workers <= 0 {
		return fmt.Errorf("orchestrator.workers must be positive, got %d", o.Workers)
	}
	if o.MaxParallelism <= 0 {
		return fmt.Errorf("orchestrator.max_parallelism must be positive, got %d", o.MaxParallelism)
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("orchestrator.max_retries must not be negative, got %d", o.MaxRetries)
	}
	if o.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent_calls must be positive, got %d", o.MaxConcurrentCalls)
	}
	if o.LeaseTTL <= 0 {
		return fmt.Errorf("orchestrator.lease_ttl must be positive")
	}
	if o.DegradedThreshold < 0 || o.DegradedThreshold > 1 {
		return fmt.Errorf("orchestrator.degraded_threshold must be within [0,1], got %v", o.DegradedThreshold)
	}
	switch o.CancelPolicy {
	case CancelDrain, CancelAbandon:
	default:
		return fmt.Errorf("orchestrator.cancel_policy must be %q or %q, got %q", CancelDrain, CancelAbandon, o.CancelPolicy)
	}
	if c.Provider.EmbeddingModel == "" {
		return fmt.Errorf("provider.embedding_model is required")
	}
	if c.Memory.SimilarityThreshold < -1 || c.Memory.SimilarityThreshold > 1 {
		return fmt.Errorf("memory.similarity_threshold must be within [-1,1]")
	}
	return nil
}
