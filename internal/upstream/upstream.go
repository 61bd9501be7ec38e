package upstream

import (
	"fmt"
	"net/url"

	"github.com/llmgate/llmgate/config"
)

// Descriptor describes one vendor upstream. Built once at startup and never
// mutated afterwards.
type Descriptor struct {
	// Name is the route prefix the vendor is mounted under.
	Name string

	// Target is the upstream base URL; forwarded paths are relative to it.
	Target *url.URL

	// Credentials returns the auth headers to inject on outbound requests.
	// Empty values are skipped by the proxy, never written.
	Credentials func() map[string]string

	// QueryKey, when non-empty, is appended as a "key" query parameter if
	// the caller did not already supply one. Some vendors authenticate by
	// query string rather than header.
	QueryKey string
}

func bearer(key string) func() map[string]string {
	return func() map[string]string {
		if key == "" {
			return nil
		}
		return map[string]string{"Authorization": "Bearer " + key}
	}
}

func apiKeyHeader(name, key string) func() map[string]string {
	return func() map[string]string {
		return map[string]string{name: key}
	}
}

// NewRegistry builds the vendor registry from configuration. Registry order
// is the mount order; it is fixed so route setup is deterministic.
func NewRegistry(cfg *config.Config) ([]*Descriptor, error) {
	specs := []struct {
		name        string
		target      string
		credentials func() map[string]string
		queryKey    string
	}{
		{"openai", "https://api.openai.com", bearer(cfg.OpenAIAPIKey), ""},
		{"anthropic", "https://api.anthropic.com", apiKeyHeader("x-api-key", cfg.AnthropicAPIKey), ""},
		{"google", "https://generativelanguage.googleapis.com", func() map[string]string { return nil }, cfg.GoogleAPIKey},
		{"groq", "https://api.groq.com/openai", bearer(cfg.GroqAPIKey), ""},
		{"mistral", "https://api.mistral.ai", bearer(cfg.MistralAPIKey), ""},
		{"openrouter", "https://openrouter.ai/api", bearer(cfg.OpenRouterAPIKey), ""},
		{"perplexity", "https://api.perplexity.ai", bearer(cfg.PerplexityAPIKey), ""},
	}

	registry := make([]*Descriptor, 0, len(specs))
	for _, s := range specs {
		target, err := url.Parse(s.target)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream url for %s: %w", s.name, err)
		}
		registry = append(registry, &Descriptor{
			Name:        s.name,
			Target:      target,
			Credentials: s.credentials,
			QueryKey:    s.queryKey,
		})
	}
	return registry, nil
}
