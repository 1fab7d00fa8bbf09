// Package config provides configuration loading and management for SalesOps.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Yash-Kakadiya/salesops-suite/retry"
)

// Config represents the complete SalesOps configuration.
type Config struct {
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Retry       RetryConfig       `yaml:"retry"`
	Explainer   ExplainerConfig   `yaml:"explainer"`
	API         APIConfig         `yaml:"api"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	NATS        NATSConfig        `yaml:"nats"`
	Log         LogConfig         `yaml:"log"`
}

// PipelineConfig configures how runs execute.
type PipelineConfig struct {
	// FlowPath is the flow definition YAML (empty = built-in default flow)
	FlowPath string `yaml:"flow_path"`
	// DataPath is the input CSV path
	DataPath string `yaml:"data_path"`
	// OutputDir holds manifests, run artifacts, and observability files
	OutputDir string `yaml:"output_dir"`
	// Workers is the fan-out worker pool width
	Workers int `yaml:"workers"`
	// Timeout is the run-level deadline as a Go duration string (empty = none)
	Timeout string `yaml:"timeout"`
}

// TimeoutDuration returns the parsed run deadline. Call after Validate.
func (p PipelineConfig) TimeoutDuration() time.Duration {
	if p.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// RetryConfig configures the run-wide retry policy. Durations are Go
// duration strings so they can be written as "500ms" or "30s" in YAML.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	BackoffBase       string  `yaml:"backoff_base"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	MaxBackoff        string  `yaml:"max_backoff"`
}

// Build converts to the retry package's config. Call after Validate.
func (r RetryConfig) Build() retry.Config {
	cfg := retry.Config{
		MaxAttempts:       r.MaxAttempts,
		BackoffMultiplier: r.BackoffMultiplier,
	}
	if d, err := time.ParseDuration(r.BackoffBase); err == nil {
		cfg.BackoffBase = d
	}
	if d, err := time.ParseDuration(r.MaxBackoff); err == nil {
		cfg.MaxBackoff = d
	}
	return cfg
}

// ExplainerConfig configures the anomaly explainer agent.
type ExplainerConfig struct {
	// Model is the model identifier sent to the completion endpoint
	Model string `yaml:"model"`
	// Endpoint is an OpenAI-compatible chat completions base URL
	Endpoint string `yaml:"endpoint"`
	// Temperature controls randomness (0.0-1.0)
	Temperature float64 `yaml:"temperature"`
	// Timeout bounds one completion call
	Timeout string `yaml:"timeout"`
	// TopN is how many anomalies get explanations per run
	TopN int `yaml:"top_n"`
	// FailureThreshold is how many consecutive failures open the circuit breaker
	FailureThreshold int `yaml:"failure_threshold"`
}

// TimeoutDuration returns the parsed per-call timeout. Call after Validate.
func (e ExplainerConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(e.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// APIConfig configures the ticketing/email API client.
type APIConfig struct {
	// BaseURL is the external action API root
	BaseURL string `yaml:"base_url"`
	// Timeout bounds one API call
	Timeout string `yaml:"timeout"`
}

// TimeoutDuration returns the parsed per-call timeout. Call after Validate.
func (a APIConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(a.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// IdempotencyConfig selects where committed action results live.
type IdempotencyConfig struct {
	// Store is the key store backend: file, postgres or nats
	Store string `yaml:"store"`
	// DSN is the PostgreSQL connection string (postgres store only)
	DSN string `yaml:"dsn"`
}

// NATSConfig configures the optional run-event publisher.
type NATSConfig struct {
	// URL is the NATS server URL (empty = event publishing disabled)
	URL string `yaml:"url"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
	// Format is text or json
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			FlowPath:  "",
			DataPath:  "data/raw/superstore.csv",
			OutputDir: "observability",
			Workers:   3,
			Timeout:   "",
		},
		Retry: RetryConfig{
			MaxAttempts:       4,
			BackoffBase:       "500ms",
			BackoffMultiplier: 2.0,
			MaxBackoff:        "30s",
		},
		Explainer: ExplainerConfig{
			Model:            "qwen2.5-coder:32b",
			Endpoint:         "http://localhost:11434/v1",
			Temperature:      0.2,
			Timeout:          "60s",
			TopN:             5,
			FailureThreshold: 5,
		},
		API: APIConfig{
			BaseURL: "http://localhost:7777",
			Timeout: "10s",
		},
		Idempotency: IdempotencyConfig{
			Store: "file",
		},
		NATS: NATSConfig{
			URL: "",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Pipeline.OutputDir == "" {
		return fmt.Errorf("pipeline.output_dir is required")
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be >= 1")
	}
	if c.Pipeline.Timeout != "" {
		if _, err := time.ParseDuration(c.Pipeline.Timeout); err != nil {
			return fmt.Errorf("pipeline.timeout: %w", err)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1")
	}
	durations := []struct {
		name  string
		value string
	}{
		{"retry.backoff_base", c.Retry.BackoffBase},
		{"retry.max_backoff", c.Retry.MaxBackoff},
		{"explainer.timeout", c.Explainer.Timeout},
		{"api.timeout", c.API.Timeout},
	}
	for _, d := range durations {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	if c.Explainer.Temperature < 0 || c.Explainer.Temperature > 1 {
		return fmt.Errorf("explainer.temperature must be between 0 and 1")
	}
	if c.Explainer.TopN < 1 {
		return fmt.Errorf("explainer.top_n must be >= 1")
	}
	if c.Explainer.FailureThreshold < 1 {
		return fmt.Errorf("explainer.failure_threshold must be >= 1")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	switch c.Idempotency.Store {
	case "file":
	case "postgres":
		if c.Idempotency.DSN == "" {
			return fmt.Errorf("idempotency.dsn is required for the postgres store")
		}
	case "nats":
		if c.NATS.URL == "" {
			return fmt.Errorf("idempotency store nats requires nats.url")
		}
	default:
		return fmt.Errorf("idempotency.store must be one of file, postgres, nats")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Pipeline
	if other.Pipeline.FlowPath != "" {
		c.Pipeline.FlowPath = other.Pipeline.FlowPath
	}
	if other.Pipeline.DataPath != "" {
		c.Pipeline.DataPath = other.Pipeline.DataPath
	}
	if other.Pipeline.OutputDir != "" {
		c.Pipeline.OutputDir = other.Pipeline.OutputDir
	}
	if other.Pipeline.Workers != 0 {
		c.Pipeline.Workers = other.Pipeline.Workers
	}
	if other.Pipeline.Timeout != "" {
		c.Pipeline.Timeout = other.Pipeline.Timeout
	}

	// Retry
	if other.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = other.Retry.MaxAttempts
	}
	if other.Retry.BackoffBase != "" {
		c.Retry.BackoffBase = other.Retry.BackoffBase
	}
	if other.Retry.BackoffMultiplier != 0 {
		c.Retry.BackoffMultiplier = other.Retry.BackoffMultiplier
	}
	if other.Retry.MaxBackoff != "" {
		c.Retry.MaxBackoff = other.Retry.MaxBackoff
	}

	// Explainer
	if other.Explainer.Model != "" {
		c.Explainer.Model = other.Explainer.Model
	}
	if other.Explainer.Endpoint != "" {
		c.Explainer.Endpoint = other.Explainer.Endpoint
	}
	if other.Explainer.Temperature != 0 {
		c.Explainer.Temperature = other.Explainer.Temperature
	}
	if other.Explainer.Timeout != "" {
		c.Explainer.Timeout = other.Explainer.Timeout
	}
	if other.Explainer.TopN != 0 {
		c.Explainer.TopN = other.Explainer.TopN
	}
	if other.Explainer.FailureThreshold != 0 {
		c.Explainer.FailureThreshold = other.Explainer.FailureThreshold
	}

	// API
	if other.API.BaseURL != "" {
		c.API.BaseURL = other.API.BaseURL
	}
	if other.API.Timeout != "" {
		c.API.Timeout = other.API.Timeout
	}

	// Idempotency
	if other.Idempotency.Store != "" {
		c.Idempotency.Store = other.Idempotency.Store
	}
	if other.Idempotency.DSN != "" {
		c.Idempotency.DSN = other.Idempotency.DSN
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
}
