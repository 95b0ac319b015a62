// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pdiddy/research-crew/internal/faults"
	"github.com/pdiddy/research-crew/internal/httputil"
)

// OpenAI serves completions and embeddings through the OpenAI API or any
// server speaking the same protocol.
type OpenAI struct {
	client          *openai.Client
	completionModel string
	embeddingModel  string
	maxTokens       int
}

var _ Provider = (*OpenAI)(nil)

// OpenAIOptions configures NewOpenAI.
type OpenAIOptions struct {
	APIKey          string
	BaseURL         string
	CompletionModel string
	EmbeddingModel  string
	MaxTokens       int
	HTTPClient      *http.Client
}

// NewOpenAI builds an adapter around a go-openai client.
func NewOpenAI(opts OpenAIOptions) *OpenAI {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}
	return &OpenAI{
		client:          openai.NewClientWithConfig(cfg),
		completionModel: opts.CompletionModel,
		embeddingModel:  opts.EmbeddingModel,
		maxTokens:       opts.MaxTokens,
	}
}

// Name returns the adapter identifier.
func (o *OpenAI) Name() string { return "openai" }

// ModelVersion returns the embedding model identifier.
func (o *OpenAI) ModelVersion() string { return o.embeddingModel }

// Complete runs a chat completion with an optional system message.
func (o *OpenAI) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	var msgs []openai.ChatCompletionMessage
	if opts.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: opts.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.maxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.completionModel,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: float32(opts.Temperature),
	})
	if err != nil {
		return "", openAIError("chat completion", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("OpenAI chat completion returned no content: %w", faults.ErrInvalidResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed returns the embedding of text under the configured model.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("embedding empty text: %w", faults.ErrInvalidResponse)
	}
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(o.embeddingModel),
	})
	if err != nil {
		return nil, openAIError("embeddings", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("OpenAI embeddings returned no vector: %w", faults.ErrInvalidResponse)
	}
	return resp.Data[0].Embedding, nil
}

// openAIError maps go-openai errors onto the fault taxonomy.
func openAIError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return httputil.StatusError("OpenAI "+op, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return httputil.StatusError("OpenAI "+op, reqErr.HTTPStatusCode, "")
	}
	return fmt.Errorf("OpenAI %s: %w", op, httputil.TransportError(err))
}
