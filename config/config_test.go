package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Pipeline.Workers != 3 {
		t.Errorf("expected default workers 3, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.OutputDir != "observability" {
		t.Errorf("expected default output dir observability, got %s", cfg.Pipeline.OutputDir)
	}
	if cfg.Pipeline.TimeoutDuration() != 0 {
		t.Errorf("expected no default run deadline, got %v", cfg.Pipeline.TimeoutDuration())
	}
	if cfg.Retry.MaxAttempts != 4 {
		t.Errorf("expected default max attempts 4, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Explainer.Model != "qwen2.5-coder:32b" {
		t.Errorf("expected default model qwen2.5-coder:32b, got %s", cfg.Explainer.Model)
	}
	if cfg.Explainer.TopN != 5 {
		t.Errorf("expected default top_n 5, got %d", cfg.Explainer.TopN)
	}
	if cfg.API.BaseURL != "http://localhost:7777" {
		t.Errorf("expected default API base http://localhost:7777, got %s", cfg.API.BaseURL)
	}
	if cfg.NATS.URL != "" {
		t.Errorf("expected event publishing disabled by default, got %s", cfg.NATS.URL)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("expected info/text logging defaults, got %s/%s", cfg.Log.Level, cfg.Log.Format)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "valid run deadline",
			modify:  func(c *Config) { c.Pipeline.Timeout = "10m" },
			wantErr: false,
		},
		{
			name:    "missing output dir",
			modify:  func(c *Config) { c.Pipeline.OutputDir = "" },
			wantErr: true,
		},
		{
			name:    "zero workers",
			modify:  func(c *Config) { c.Pipeline.Workers = 0 },
			wantErr: true,
		},
		{
			name:    "malformed run deadline",
			modify:  func(c *Config) { c.Pipeline.Timeout = "ten minutes" },
			wantErr: true,
		},
		{
			name:    "zero retry attempts",
			modify:  func(c *Config) { c.Retry.MaxAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "shrinking backoff",
			modify:  func(c *Config) { c.Retry.BackoffMultiplier = 0.5 },
			wantErr: true,
		},
		{
			name:    "malformed backoff base",
			modify:  func(c *Config) { c.Retry.BackoffBase = "soon" },
			wantErr: true,
		},
		{
			name:    "temperature too low",
			modify:  func(c *Config) { c.Explainer.Temperature = -0.1 },
			wantErr: true,
		},
		{
			name:    "temperature too high",
			modify:  func(c *Config) { c.Explainer.Temperature = 1.1 },
			wantErr: true,
		},
		{
			name:    "zero top_n",
			modify:  func(c *Config) { c.Explainer.TopN = -1 },
			wantErr: true,
		},
		{
			name:    "zero failure threshold",
			modify:  func(c *Config) { c.Explainer.FailureThreshold = -1 },
			wantErr: true,
		},
		{
			name:    "missing API base URL",
			modify:  func(c *Config) { c.API.BaseURL = "" },
			wantErr: true,
		},
		{
			name:    "unknown idempotency store",
			modify:  func(c *Config) { c.Idempotency.Store = "redis" },
			wantErr: true,
		},
		{
			name:    "postgres store without dsn",
			modify:  func(c *Config) { c.Idempotency.Store = "postgres" },
			wantErr: true,
		},
		{
			name: "postgres store with dsn",
			modify: func(c *Config) {
				c.Idempotency.Store = "postgres"
				c.Idempotency.DSN = "postgres://salesops@localhost/salesops"
			},
			wantErr: false,
		},
		{
			name:    "nats store without broker",
			modify:  func(c *Config) { c.Idempotency.Store = "nats" },
			wantErr: true,
		},
		{
			name: "nats store with broker",
			modify: func(c *Config) {
				c.Idempotency.Store = "nats"
				c.NATS.URL = "nats://localhost:4222"
			},
			wantErr: false,
		},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "unknown log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
pipeline:
  data_path: "data/q3.csv"
  output_dir: "out"
  workers: 5
  timeout: 2m
retry:
  max_attempts: 6
  backoff_base: 250ms
explainer:
  model: "test-model"
  endpoint: "http://test:1234/v1"
  temperature: 0.5
api:
  base_url: "http://api:9999"
nats:
  url: "nats://test:4222"
log:
  level: debug
  format: json
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Pipeline.DataPath != "data/q3.csv" {
		t.Errorf("expected data path data/q3.csv, got %s", cfg.Pipeline.DataPath)
	}
	if cfg.Pipeline.Workers != 5 {
		t.Errorf("expected workers 5, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.TimeoutDuration() != 2*time.Minute {
		t.Errorf("expected run deadline 2m, got %v", cfg.Pipeline.TimeoutDuration())
	}
	if cfg.Retry.MaxAttempts != 6 {
		t.Errorf("expected max attempts 6, got %d", cfg.Retry.MaxAttempts)
	}
	rc := cfg.Retry.Build()
	if rc.BackoffBase != 250*time.Millisecond {
		t.Errorf("expected backoff base 250ms, got %v", rc.BackoffBase)
	}
	if rc.MaxBackoff != 30*time.Second {
		t.Errorf("expected default max backoff 30s, got %v", rc.MaxBackoff)
	}
	if cfg.Explainer.Model != "test-model" {
		t.Errorf("expected model test-model, got %s", cfg.Explainer.Model)
	}
	if cfg.Explainer.Temperature != 0.5 {
		t.Errorf("expected temperature 0.5, got %f", cfg.Explainer.Temperature)
	}
	if cfg.API.BaseURL != "http://api:9999" {
		t.Errorf("expected API base http://api:9999, got %s", cfg.API.BaseURL)
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("expected debug/json logging, got %s/%s", cfg.Log.Level, cfg.Log.Format)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Pipeline: PipelineConfig{
			DataPath: "/override/data.csv",
		},
		Explainer: ExplainerConfig{
			Model: "override-model",
		},
	}

	base.Merge(override)

	if base.Pipeline.DataPath != "/override/data.csv" {
		t.Errorf("expected data path /override/data.csv, got %s", base.Pipeline.DataPath)
	}
	if base.Explainer.Model != "override-model" {
		t.Errorf("expected model override-model, got %s", base.Explainer.Model)
	}
	// Endpoint should remain from base since override didn't set it
	if base.Explainer.Endpoint != "http://localhost:11434/v1" {
		t.Errorf("expected endpoint to remain default, got %s", base.Explainer.Endpoint)
	}
	if base.Pipeline.Workers != 3 {
		t.Errorf("expected workers to remain default, got %d", base.Pipeline.Workers)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Explainer.Model = "saved-model"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Explainer.Model != "saved-model" {
		t.Errorf("expected model saved-model, got %s", loaded.Explainer.Model)
	}
}

func TestLoaderLayering(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	userPath := filepath.Join(home, UserConfigDir, ConfigFile)
	if err := os.MkdirAll(filepath.Dir(userPath), 0755); err != nil {
		t.Fatal(err)
	}
	userLayer := "pipeline:\n  workers: 7\nexplainer:\n  model: user-model\n"
	if err := os.WriteFile(userPath, []byte(userLayer), 0644); err != nil {
		t.Fatal(err)
	}

	project := t.TempDir()
	projectPath := filepath.Join(project, ProjectConfigDir, ConfigFile)
	if err := os.MkdirAll(filepath.Dir(projectPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(projectPath, []byte("pipeline:\n  workers: 5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(project); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := NewLoader(nil).Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Project wins where it speaks, user fills the rest, defaults below both.
	if cfg.Pipeline.Workers != 5 {
		t.Errorf("expected project workers 5, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Explainer.Model != "user-model" {
		t.Errorf("expected user model to survive sparse project layer, got %s", cfg.Explainer.Model)
	}
	if cfg.API.BaseURL != "http://localhost:7777" {
		t.Errorf("expected default API base, got %s", cfg.API.BaseURL)
	}
}

func TestLoaderExplicitPath(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "custom.yaml")
	if err := os.WriteFile(path, []byte("pipeline:\n  workers: 9\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader(nil).Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pipeline.Workers != 9 {
		t.Errorf("expected workers 9, got %d", cfg.Pipeline.Workers)
	}

	if _, err := NewLoader(nil).Load(filepath.Join(tmpDir, "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit config path")
	}
}
