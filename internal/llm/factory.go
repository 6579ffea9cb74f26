package llm

import "fmt"

// NewProvider creates a Provider for one API key from configuration,
// wrapped with logging middleware.
//
// Retries are not wrapped in here: the experiment engine
// drives them itself so it can record tokens for every attempt.
func NewProvider(cfg Config, apiKey string, opts ClientOptions, observer CallObserver) (Provider, error) {
	if opts.Timeout == 0 {
		opts.Timeout = cfg.Timeout
	}
	opts.StructuredOutput = opts.StructuredOutput || cfg.StructuredOutput

	var base Provider
	var err error

	switch cfg.Provider {
	case "openai":
		oc := cfg.OpenAI
		oc.APIKey = apiKey
		base, err = NewOpenAIProvider(oc, opts)
	case "openrouter":
		rc := cfg.OpenRouter
		rc.APIKey = apiKey
		base, err = NewOpenRouterProvider(rc, opts)
	case "mock":
		return NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s provider: %w", cfg.Provider, err)
	}

	return WithLogging(base, observer), nil
}
