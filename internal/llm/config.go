package llm

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/abhisek/threadlab/internal/ratelimit"
)

// Config holds all LLM provider configuration.
type Config struct {
	// Provider selects which LLM provider to use.
	// Values: "openrouter", "openai", "mock"
	Provider string `yaml:"provider"`

	OpenAI     OpenAIConfig     `yaml:"openai"`
	OpenRouter OpenRouterConfig `yaml:"openrouter"`
	Retry      RetryConfig      `yaml:"retry"`

	// RateLimit is the default budget applied to every API key.
	RateLimit ratelimit.Limits `yaml:"rate_limit"`

	// Timeout is the maximum duration for a single HTTP call.
	// Default: 60s.
	Timeout time.Duration `yaml:"timeout"`

	// StructuredOutput sends the label schema as a strict json_schema
	// response format. Not every OpenRouter model accepts it, so the
	// default relies on the schema block in the system prompt instead.
	StructuredOutput bool `yaml:"structured_output"`
}

// OpenAIConfig holds OpenAI-specific configuration.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`    // Default: "gpt-4o-mini"
	BaseURL string `yaml:"base_url"` // Optional. Override for compatible APIs.
}

// OpenRouterConfig holds OpenRouter-specific configuration.
type OpenRouterConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`    // Default: "openai/gpt-4o-mini"
	BaseURL string `yaml:"base_url"` // Default: "https://openrouter.ai/api/v1"

	// AppName and SiteURL are sent as X-Title and HTTP-Referer so usage
	// is attributed on the OpenRouter dashboard.
	AppName string `yaml:"app_name"` // Default: "threadlab"
	SiteURL string `yaml:"site_url"`
}

// RetryConfig configures retry behavior for transient failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
	Multiplier  float64       `yaml:"multiplier"`

	// Jitter is the ± fraction applied to each computed wait. Zero keeps
	// the schedule exact.
	Jitter float64 `yaml:"jitter"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider: "openrouter",
		OpenAI: OpenAIConfig{
			Model: "gpt-4o-mini",
		},
		OpenRouter: OpenRouterConfig{
			Model:   "openai/gpt-4o-mini",
			AppName: "threadlab",
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			InitialWait: 1 * time.Second,
			MaxWait:     30 * time.Second,
			Multiplier:  2.0,
		},
		RateLimit: ratelimit.Limits{
			RequestsPerMinute: 500,
		},
		Timeout: 60 * time.Second,
	}
}

// ApplyEnv overrides fields of cfg from environment variables.
func (c *Config) ApplyEnv() {
	if p := os.Getenv("THREADLAB_LLM_PROVIDER"); p != "" {
		c.Provider = p
	}

	if k := os.Getenv("THREADLAB_OPENAI_API_KEY"); k != "" {
		c.OpenAI.APIKey = k
	}
	if m := os.Getenv("THREADLAB_OPENAI_MODEL"); m != "" {
		c.OpenAI.Model = m
	}
	if u := os.Getenv("THREADLAB_OPENAI_BASE_URL"); u != "" {
		c.OpenAI.BaseURL = u
	}

	if k := os.Getenv("THREADLAB_OPENROUTER_API_KEY"); k != "" {
		c.OpenRouter.APIKey = k
	}
	if m := os.Getenv("THREADLAB_OPENROUTER_MODEL"); m != "" {
		c.OpenRouter.Model = m
	}
	if u := os.Getenv("THREADLAB_OPENROUTER_BASE_URL"); u != "" {
		c.OpenRouter.BaseURL = u
	}

	if v := os.Getenv("THREADLAB_LLM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Timeout = d
		}
	}
	if v := os.Getenv("THREADLAB_LLM_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("THREADLAB_RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("THREADLAB_RATE_LIMIT_RPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.RequestsPerSecond = n
		}
	}
}

// DefaultAPIKey returns the key configured for the selected provider.
// Experiments normally use their owner's key; this is the fallback.
func (c Config) DefaultAPIKey() string {
	switch c.Provider {
	case "openai":
		return c.OpenAI.APIKey
	case "openrouter":
		return c.OpenRouter.APIKey
	}
	return ""
}

// Validate checks the provider name and numeric settings. API keys are not
// required here because they are resolved per experiment owner.
func (c Config) Validate() error {
	switch c.Provider {
	case "openai", "openrouter", "mock":
	default:
		return fmt.Errorf("unknown LLM provider: %q", c.Provider)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	return nil
}
