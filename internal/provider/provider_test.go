// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/research-crew/internal/faults"
	"github.com/pdiddy/research-crew/pkg/types"
)

// --- Claude ---

func withClaudeServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(h)
	old := claudeAPIURL
	claudeAPIURL = ts.URL
	t.Cleanup(func() {
		claudeAPIURL = old
		ts.Close()
	})
	return ts
}

func TestClaudeComplete(t *testing.T) {
	var captured claudeRequest
	ts := withClaudeServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"content":[{"type":"text","text":"first"},{"type":"tool_use"},{"type":"text","text":"second"}]}`)
	})

	c := &Claude{APIKey: "test-key", Model: "claude-test", Client: ts.Client()}
	text, err := c.Complete(context.Background(), "hello", Options{System: "be brief"})
	require.NoError(t, err)

	assert.Equal(t, "first\nsecond", text)
	assert.Equal(t, "claude-test", captured.Model)
	assert.Equal(t, claudeDefaultMaxTokens, captured.MaxTokens)
	assert.Equal(t, "be brief", captured.System)
	require.Len(t, captured.Messages, 1)
	assert.Equal(t, "hello", captured.Messages[0].Content)
}

func TestClaudeCompleteErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, faults.ErrRateLimited},
		{"overloaded", 529, `{"error":"overloaded"}`, faults.ErrUnavailable},
		{"bad request", http.StatusBadRequest, `{"error":"bad"}`, faults.ErrInvalidResponse},
		{"empty content", http.StatusOK, `{"content":[]}`, faults.ErrInvalidResponse},
		{"not json", http.StatusOK, `<html>`, faults.ErrInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := withClaudeServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			c := &Claude{APIKey: "k", Model: "m", Client: ts.Client()}
			_, err := c.Complete(context.Background(), "p", Options{})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// --- OpenAI ---

func newOpenAITestServer(t *testing.T, h http.HandlerFunc) *OpenAI {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return NewOpenAI(OpenAIOptions{
		APIKey:          "sk-test",
		BaseURL:         ts.URL + "/v1",
		CompletionModel: "gpt-test",
		EmbeddingModel:  "embed-test",
		HTTPClient:      ts.Client(),
	})
}

func TestOpenAIEmbed(t *testing.T) {
	o := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "embed-test", body["model"])
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.5,-0.25,1]}],"model":"embed-test"}`)
	})

	vec, err := o.Embed(context.Background(), "attention")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25, 1}, vec)
	assert.Equal(t, "embed-test", o.ModelVersion())
}

func TestOpenAIComplete(t *testing.T) {
	o := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}]}`)
	})

	text, err := o.Complete(context.Background(), "hi", Options{System: "sys"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", text)
}

func TestOpenAIErrorMapping(t *testing.T) {
	o := newOpenAITestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Rate limit reached","type":"requests"}}`)
	})

	_, err := o.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, faults.ErrRateLimited)

	_, err = o.Complete(context.Background(), "text", Options{})
	assert.True(t, faults.IsTransient(err))
}

func TestOpenAIEmbedRejectsEmptyText(t *testing.T) {
	o := NewOpenAI(OpenAIOptions{APIKey: "k"})
	_, err := o.Embed(context.Background(), "  ")
	assert.ErrorIs(t, err, faults.ErrInvalidResponse)
}

// --- Fallback ---

type stubCompleter struct {
	name  string
	text  string
	err   error
	calls int
}

func (s *stubCompleter) Name() string { return s.name }

func (s *stubCompleter) Complete(context.Context, string, Options) (string, error) {
	s.calls++
	return s.text, s.err
}

func TestFallbackMovesOnTransientFailure(t *testing.T) {
	a := &stubCompleter{name: "a", err: fmt.Errorf("x: %w", faults.ErrRateLimited)}
	b := &stubCompleter{name: "b", text: "from b"}

	text, err := Fallback{a, b}.Complete(context.Background(), "p", Options{})
	require.NoError(t, err)
	assert.Equal(t, "from b", text)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestFallbackStopsOnPermanentFailure(t *testing.T) {
	a := &stubCompleter{name: "a", err: faults.ErrInvalidResponse}
	b := &stubCompleter{name: "b", text: "unused"}

	_, err := Fallback{a, b}.Complete(context.Background(), "p", Options{})
	assert.ErrorIs(t, err, faults.ErrInvalidResponse)
	assert.Equal(t, 0, b.calls)
}

func TestFallbackAllTransient(t *testing.T) {
	a := &stubCompleter{name: "a", err: faults.ErrTimeout}
	b := &stubCompleter{name: "b", err: faults.ErrRateLimited}

	_, err := Fallback{a, b}.Complete(context.Background(), "p", Options{})
	assert.ErrorIs(t, err, faults.ErrRateLimited)
	assert.Equal(t, "fallback(a,b)", Fallback{a, b}.Name())
}

// --- factory ---

func TestNewRequiresEmbeddingCredentials(t *testing.T) {
	cfg := types.DefaultConfig().Provider
	cfg.AnthropicAPIKey = "ak"
	_, err := New(cfg)
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestNewBuildsCompositeWithFallback(t *testing.T) {
	cfg := types.DefaultConfig().Provider
	cfg.AnthropicAPIKey = "ak"
	cfg.OpenAIAPIKey = "sk"
	cfg.FallbackCompletion = "openai"
	cfg.FallbackCompletionModel = "gpt-4o-mini"

	p, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "fallback(claude,openai)", p.Name())
	assert.Equal(t, cfg.EmbeddingModel, p.ModelVersion())
}

func TestNewRejectsUnknownCompletion(t *testing.T) {
	cfg := types.DefaultConfig().Provider
	cfg.OpenAIAPIKey = "sk"
	cfg.Completion = "parrot"
	_, err := New(cfg)
	assert.Error(t, err)
}
