// Package config assembles the application configuration from defaults,
// an optional YAML file and THREADLAB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/abhisek/threadlab/internal/engine"
	"github.com/abhisek/threadlab/internal/llm"
)

// ErrConfigNotFound is returned when an explicitly named file is missing.
var ErrConfigNotFound = errors.New("config file not found")

// Config is the full application configuration.
type Config struct {
	LLM     llm.Config    `yaml:"llm"`
	Engine  EngineConfig  `yaml:"engine"`
	Store   StoreConfig   `yaml:"store"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// EngineConfig tunes experiment execution.
type EngineConfig struct {
	// MaxConcurrent caps in-flight prediction runs. Default: 1000.
	MaxConcurrent int `yaml:"max_concurrent"`

	// HTTPTimeout bounds one chat-completion call. When set it replaces
	// llm.timeout.
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// StoreConfig locates the database.
type StoreConfig struct {
	// Path is the SQLite file. Empty resolves THREADLAB_DB, then the XDG
	// data directory.
	Path string `yaml:"path"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`  // zerolog level name. Default: "info"
	Format string `yaml:"format"` // "console" or "json". Default: "console"
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr, when set, serves /metrics on this address while an experiment
	// runs, e.g. ":9090".
	Addr string `yaml:"addr"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		LLM:    llm.DefaultConfig(),
		Engine: EngineConfig{MaxConcurrent: engine.DefaultMaxConcurrent},
		Log:    LogConfig{Level: "info", Format: "console"},
	}
}

// Load builds the configuration. Values in the file at path override the
// defaults and environment variables override both. An empty path skips
// the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return Config{}, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
			}
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()
	if cfg.Engine.HTTPTimeout > 0 {
		cfg.LLM.Timeout = cfg.Engine.HTTPTimeout
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from THREADLAB_* environment variables.
func (c *Config) ApplyEnv() {
	c.LLM.ApplyEnv()

	if v := os.Getenv("THREADLAB_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxConcurrent = n
		}
	}
	if v := os.Getenv("THREADLAB_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Engine.HTTPTimeout = d
		}
	}
	if v := os.Getenv("THREADLAB_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("THREADLAB_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("THREADLAB_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("THREADLAB_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine.max_concurrent must be >= 1, got %d", c.Engine.MaxConcurrent)
	}
	if c.Engine.HTTPTimeout < 0 {
		return fmt.Errorf("engine.http_timeout must not be negative, got %s", c.Engine.HTTPTimeout)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// EngineSettings converts the configuration into engine.Config.
func (c Config) EngineSettings() engine.Config {
	return engine.Config{
		MaxConcurrent: c.Engine.MaxConcurrent,
		DefaultAPIKey: c.LLM.DefaultAPIKey(),
		Retry:         c.LLM.Retry,
	}
}
