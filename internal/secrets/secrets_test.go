// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package secrets

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/research-crew/pkg/types"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) string
		want  Secrets
	}{
		{
			name: "reads key files and trims whitespace",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, dir, OpenAIAPIKey, "  sk_abc123  \n")
				writeFile(t, dir, SemanticScholarAPIKey, "s2_xyz789")
				writeFile(t, dir, OpenAlexEmail, "user@example.com\n")
				return dir
			},
			want: Secrets{
				OpenAIAPIKey:          "sk_abc123",
				SemanticScholarAPIKey: "s2_xyz789",
				OpenAlexEmail:         "user@example.com",
			},
		},
		{
			name: "returns empty set for nonexistent directory",
			setup: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "does-not-exist")
			},
			want: Secrets{},
		},
		{
			name: "skips empty files",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, dir, AnthropicAPIKey, "valid-key")
				writeFile(t, dir, "empty-key", "")
				writeFile(t, dir, "whitespace-only", "   \n\t  ")
				return dir
			},
			want: Secrets{AnthropicAPIKey: "valid-key"},
		},
		{
			name: "skips dotfiles and subdirectories",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, dir, ".gitkeep", "")
				writeFile(t, dir, ".hidden-key", "secret")
				writeFile(t, dir, OpenAIAPIKey, "sk_real")
				require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))
				return dir
			},
			want: Secrets{OpenAIAPIKey: "sk_real"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Load(tt.setup(t), io.Discard)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadUnreadableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read files without permission bits")
	}
	dir := t.TempDir()
	writeFile(t, dir, "good-key", "value123")

	badPath := filepath.Join(dir, "bad-key")
	require.NoError(t, os.WriteFile(badPath, []byte("secret"), 0o000))
	t.Cleanup(func() { os.Chmod(badPath, 0o644) })

	var warnings bytes.Buffer
	got, err := Load(dir, &warnings)
	require.NoError(t, err)
	assert.Equal(t, "value123", got["good-key"])
	assert.NotContains(t, got, "bad-key")
	assert.Contains(t, warnings.String(), "bad-key")
}

func TestApplyKeepsExplicitConfig(t *testing.T) {
	s := Secrets{
		AnthropicAPIKey:       "from-file",
		OpenAIAPIKey:          "sk-file",
		SemanticScholarAPIKey: "s2-file",
		OpenAlexEmail:         "a@b.c",
	}
	cfg := types.DefaultConfig()
	cfg.Provider.AnthropicAPIKey = "from-config"

	s.Apply(&cfg)

	assert.Equal(t, "from-config", cfg.Provider.AnthropicAPIKey)
	assert.Equal(t, "sk-file", cfg.Provider.OpenAIAPIKey)
	assert.Equal(t, "s2-file", cfg.Search.SemanticScholarAPIKey)
	assert.Equal(t, "a@b.c", cfg.Search.OpenAlexEmail)
	assert.Equal(t, []string{AnthropicAPIKey, OpenAIAPIKey, OpenAlexEmail, SemanticScholarAPIKey}, s.Keys())
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}
