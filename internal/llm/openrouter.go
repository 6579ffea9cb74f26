package llm

import (
	"fmt"
	"maps"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterProvider is an OpenAIProvider pointed at OpenRouter. Model ids
// are passed through unchanged since OpenRouter namespaces them by vendor
// ("openai/gpt-4o-mini").
type OpenRouterProvider struct {
	*OpenAIProvider
}

// NewOpenRouterProvider creates a provider targeting the OpenRouter API.
// Every request carries the attribution headers from cfg.
func NewOpenRouterProvider(cfg OpenRouterConfig, opts ClientOptions) (*OpenRouterProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openrouter API key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenRouterBaseURL
	}

	headers := make(map[string]string, len(opts.Headers)+2)
	maps.Copy(headers, opts.Headers)
	if cfg.AppName != "" {
		headers["X-Title"] = cfg.AppName
	}
	if cfg.SiteURL != "" {
		headers["HTTP-Referer"] = cfg.SiteURL
	}
	opts.Headers = headers

	inner, err := newOpenAIProvider(OpenAIConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: baseURL}, opts)
	if err != nil {
		return nil, fmt.Errorf("openrouter: %w", err)
	}
	return &OpenRouterProvider{OpenAIProvider: inner}, nil
}
