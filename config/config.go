// Package config loads cogflow settings from a YAML file, COGFLOW_* environment
// variables and built-in defaults, in increasing order of precedence: defaults,
// file, environment.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override; nested keys use underscores
// (COGFLOW_ENGINE_MAX_PARALLEL_NODES).
const EnvPrefix = "COGFLOW"

// Config holds the configuration for the cogflow binary.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Intent    IntentConfig    `mapstructure:"intent"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"` // json or text
	AddSource bool   `mapstructure:"add_source"`
}

type IntentConfig struct {
	Threshold float64 `mapstructure:"threshold"`
	TopK      int     `mapstructure:"top_k"`
	// ReloadConcurrency caps parallel embedding calls while loading the catalog.
	ReloadConcurrency int `mapstructure:"reload_concurrency"`
}

type EngineConfig struct {
	MaxParallelNodes  int           `mapstructure:"max_parallel_nodes"`
	MaxConcurrentRuns int64         `mapstructure:"max_concurrent_runs"`
	MaxAICalls        int           `mapstructure:"max_ai_calls"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
	NodeTimeout       time.Duration `mapstructure:"node_timeout"`
}

// ModelConfig selects one AI backend.
type ModelConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
}

type ProviderConfig struct {
	Completion ModelConfig `mapstructure:"completion"`
	Embedding  ModelConfig `mapstructure:"embedding"`
	// RateLimit is requests per second across AI calls; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

type CacheConfig struct {
	// RedisAddr enables the embedding cache when set.
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type CatalogConfig struct {
	Driver string `mapstructure:"driver"` // file, sqlite or postgres
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
}

var defaults = map[string]any{
	"log.level":      "info",
	"log.format":     "text",
	"log.add_source": false,

	"intent.threshold":          0.6,
	"intent.top_k":              5,
	"intent.reload_concurrency": 4,

	"engine.max_parallel_nodes":  8,
	"engine.max_concurrent_runs": 16,
	"engine.max_ai_calls":        0,
	"engine.run_timeout":         2 * time.Minute,
	"engine.node_timeout":        60 * time.Second,

	"provider.completion.provider": "mock",
	"provider.completion.model":    "",
	"provider.completion.api_key":  "",
	"provider.completion.base_url": "",
	"provider.embedding.provider":  "hash",
	"provider.embedding.model":     "",
	"provider.embedding.api_key":   "",
	"provider.embedding.base_url":  "",
	"provider.rate_limit":          0.0,
	"provider.burst":               1,

	"cache.redis_addr": "",
	"cache.ttl":        24 * time.Hour,

	"catalog.driver": "file",
	"catalog.path":   "catalog.yaml",
	"catalog.dsn":    "",

	"telemetry.enabled":       false,
	"telemetry.service_name":  "cogflow",
	"telemetry.otlp_endpoint": "localhost:4317",
	"telemetry.insecure":      true,
}

// Default returns the built-in configuration, ignoring the environment.
func Default() *Config {
	var cfg Config
	if err := newViper().Unmarshal(&cfg); err != nil {
		// defaults are static; failing here is a programming error
		panic(err)
	}
	return &cfg
}

// Load reads the YAML file at path (skipped when path is empty), applies
// COGFLOW_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(oneOf(c.Log.Format, "json", "text"), "log.format must be json or text, got %q", c.Log.Format)
	check(c.Intent.Threshold >= 0 && c.Intent.Threshold <= 1, "intent.threshold must be within [0,1], got %v", c.Intent.Threshold)
	check(c.Intent.TopK > 0, "intent.top_k must be positive, got %d", c.Intent.TopK)
	check(c.Intent.ReloadConcurrency > 0, "intent.reload_concurrency must be positive, got %d", c.Intent.ReloadConcurrency)
	check(c.Engine.MaxParallelNodes > 0, "engine.max_parallel_nodes must be positive, got %d", c.Engine.MaxParallelNodes)
	check(c.Engine.MaxConcurrentRuns > 0, "engine.max_concurrent_runs must be positive, got %d", c.Engine.MaxConcurrentRuns)
	check(c.Engine.MaxAICalls >= 0, "engine.max_ai_calls must not be negative")
	check(c.Engine.RunTimeout >= 0, "engine.run_timeout must not be negative")
	check(c.Engine.NodeTimeout >= 0, "engine.node_timeout must not be negative")
	check(oneOf(c.Provider.Completion.Provider, "mock", "openai", "anthropic"),
		"provider.completion.provider must be mock, openai or anthropic, got %q", c.Provider.Completion.Provider)
	check(oneOf(c.Provider.Embedding.Provider, "hash", "openai"),
		"provider.embedding.provider must be hash or openai, got %q", c.Provider.Embedding.Provider)
	check(c.Provider.RateLimit >= 0, "provider.rate_limit must not be negative")
	check(oneOf(c.Catalog.Driver, "file", "sqlite", "postgres"), "catalog.driver must be file, sqlite or postgres, got %q", c.Catalog.Driver)
	check(c.Catalog.Driver != "file" || c.Catalog.Path != "", "catalog.path is required for the file driver")
	check(c.Catalog.Driver == "file" || c.Catalog.DSN != "", "catalog.dsn is required for the %s driver", c.Catalog.Driver)
	check(!c.Telemetry.Enabled || c.Telemetry.OTLPEndpoint != "", "telemetry.otlp_endpoint is required when telemetry is enabled")

	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool { return slices.Contains(allowed, v) }
