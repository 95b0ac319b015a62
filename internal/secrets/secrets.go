// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package secrets loads API keys and credentials from a directory of plain-text files.
// Each file in the directory represents one secret: the filename is the key name and the
// file contents (trimmed) are the value.
//
// Supported key files: anthropic-api-key, openai-api-key, semantic-scholar-api-key, openalex-email.
package secrets

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pdiddy/research-crew/pkg/types"
)

// Key file names understood by Apply.
const (
	AnthropicAPIKey       = "anthropic-api-key"
	OpenAIAPIKey          = "openai-api-key"
	SemanticScholarAPIKey = "semantic-scholar-api-key"
	OpenAlexEmail         = "openalex-email"
)

// Secrets maps key file names to their trimmed contents.
type Secrets map[string]string

// Load reads all files in dir and returns them as Secrets.
// A missing directory or missing files are not errors; Load returns an empty set.
// Unreadable files produce a warning on w but do not abort.
func Load(dir string, w io.Writer) (Secrets, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Secrets{}, nil
		}
		return nil, fmt.Errorf("reading secrets directory %s: %w", dir, err)
	}

	s := make(Secrets)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			fmt.Fprintf(w, "warning: could not read secret %s: %v\n", name, err)
			continue
		}

		value := strings.TrimSpace(string(data))
		if value != "" {
			s[name] = value
		}
	}

	return s, nil
}

// Keys returns the loaded key names in sorted order, never the values.
func (s Secrets) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup returns override when it is set, otherwise the secret for key.
func (s Secrets) Lookup(key, override string) string {
	if override != "" {
		return override
	}
	return s[key]
}

// Apply fills credential fields of cfg that configuration left empty.
func (s Secrets) Apply(cfg *types.Config) {
	cfg.Provider.AnthropicAPIKey = s.Lookup(AnthropicAPIKey, cfg.Provider.AnthropicAPIKey)
	cfg.Provider.OpenAIAPIKey = s.Lookup(OpenAIAPIKey, cfg.Provider.OpenAIAPIKey)
	cfg.Search.SemanticScholarAPIKey = s.Lookup(SemanticScholarAPIKey, cfg.Search.SemanticScholarAPIKey)
	cfg.Search.OpenAlexEmail = s.Lookup(OpenAlexEmail, cfg.Search.OpenAlexEmail)
}
