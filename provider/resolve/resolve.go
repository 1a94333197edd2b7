// Package resolve maps human-facing provider names onto concrete
// parley.Provider constructors, including credential environment variables
// and per-provider default models. The CLI uses it both to build providers
// from flags and to detect which providers the environment has keys for.
package resolve

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/nevindra/parley"
	"github.com/nevindra/parley/provider/anthropic"
	"github.com/nevindra/parley/provider/openaicompat"
)

// Entry describes one resolvable provider.
type Entry struct {
	// Name is the canonical key ("anthropic", "openai", ...). Aliases map
	// onto it.
	Name string
	// Display is the human-facing agent default name ("Claude", "ChatGPT").
	Display string
	// CredentialEnv is the environment variable holding the API key.
	CredentialEnv string
	// DefaultModel applies when the caller names no model.
	DefaultModel string
	// New builds the provider from a key and model.
	New func(apiKey, model string) parley.Provider
}

var registry = []Entry{
	{
		Name:          "anthropic",
		Display:       "Claude",
		CredentialEnv: "ANTHROPIC_API_KEY",
		DefaultModel:  "claude-sonnet-4-20250514",
		New: func(apiKey, model string) parley.Provider {
			return anthropic.New(apiKey, model)
		},
	},
	{
		Name:          "openai",
		Display:       "ChatGPT",
		CredentialEnv: "OPENAI_API_KEY",
		DefaultModel:  "gpt-4o",
		New: func(apiKey, model string) parley.Provider {
			return openaicompat.New(apiKey, model, openaicompat.OpenAIBaseURL)
		},
	},
	{
		Name:          "gemini",
		Display:       "Gemini",
		CredentialEnv: "GOOGLE_API_KEY",
		DefaultModel:  "gemini-2.0-flash",
		New: func(apiKey, model string) parley.Provider {
			return openaicompat.New(apiKey, model, openaicompat.GeminiBaseURL,
				openaicompat.WithName("gemini"))
		},
	},
	{
		Name:          "grok",
		Display:       "Grok",
		CredentialEnv: "XAI_API_KEY",
		DefaultModel:  "grok-3",
		New: func(apiKey, model string) parley.Provider {
			return openaicompat.New(apiKey, model, openaicompat.XAIBaseURL,
				openaicompat.WithName("grok"))
		},
	},
	{
		Name:          "perplexity",
		Display:       "Perplexity",
		CredentialEnv: "PERPLEXITY_API_KEY",
		DefaultModel:  "sonar",
		New: func(apiKey, model string) parley.Provider {
			return openaicompat.New(apiKey, model, openaicompat.PerplexityBaseURL,
				openaicompat.WithName("perplexity"))
		},
	},
}

var aliases = map[string]string{
	"claude":  "anthropic",
	"chatgpt": "openai",
	"gpt":     "openai",
	"xai":     "grok",
	"google":  "gemini",
}

// List returns every registered entry, sorted by canonical name.
func List() []Entry {
	out := make([]Entry, len(registry))
	copy(out, registry)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup resolves a provider name or alias to its registry entry.
func Lookup(name string) (Entry, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[key]; ok {
		key = canonical
	}
	for _, e := range registry {
		if e.Name == key {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("resolve: unknown provider %q", name)
}

// Detect returns the entries whose credential environment variable is set,
// sorted by canonical name.
func Detect() []Entry {
	var out []Entry
	for _, e := range List() {
		if os.Getenv(e.CredentialEnv) != "" {
			out = append(out, e)
		}
	}
	return out
}

// New builds a provider from its name, reading the API key from the entry's
// credential environment variable. An empty model selects the entry default,
// which itself can be overridden by <NAME>_MODEL in the environment.
func New(name, model string) (parley.Provider, error) {
	e, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	apiKey := os.Getenv(e.CredentialEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("resolve: %s is not set (required for provider %q)", e.CredentialEnv, e.Name)
	}
	if model == "" {
		model = DefaultModel(e)
	}
	return e.New(apiKey, model), nil
}

// DefaultModel returns the model for an entry, honoring the <NAME>_MODEL
// environment override (e.g. ANTHROPIC_MODEL, OPENAI_MODEL).
func DefaultModel(e Entry) string {
	if v := os.Getenv(strings.ToUpper(e.Name) + "_MODEL"); v != "" {
		return v
	}
	return e.DefaultModel
}
