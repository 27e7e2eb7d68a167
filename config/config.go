// Package config provides configuration loading and management for Caseflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Caseflow configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Model    ModelConfig    `yaml:"model"`
	Retry    RetryConfig    `yaml:"retry"`
	Executor ExecutorConfig `yaml:"executor"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	// Addr is the listen address for the API and /metrics (default: :8080)
	Addr string `yaml:"addr"`
}

// ModelConfig configures the LLM endpoint
type ModelConfig struct {
	// Provider selects the provider adapter ("anthropic", "openai", "ollama")
	Provider string `yaml:"provider"`
	// Model is the provider-side model identifier
	Model string `yaml:"model"`
	// Endpoint overrides the provider's default API host
	Endpoint string `yaml:"endpoint"`
	// Temperature controls randomness (0.0-1.0, default: 0.2)
	Temperature float64 `yaml:"temperature"`
	// MaxTokens caps response length (0 = provider default)
	MaxTokens int `yaml:"max_tokens"`
	// Timeout is the maximum time to wait for model responses
	Timeout time.Duration `yaml:"timeout"`
}

// RetryConfig configures the stage-run retry schedule
type RetryConfig struct {
	// MaxAttempts is the inference attempt budget per stage run
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffBase is the delay after the first transient failure
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffMultiplier scales the delay after each further failure
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// ExecutorConfig configures the background worker pool
type ExecutorConfig struct {
	// Workers is the worker pool size (default: 4)
	Workers int `yaml:"workers"`
	// QueueDepth is the job queue capacity (default: 64)
	QueueDepth int `yaml:"queue_depth"`
}

// StorageConfig selects and configures the status store backend
type StorageConfig struct {
	// Backend is "memory", "sqlite", or "nats"
	Backend string `yaml:"backend"`
	// SQLitePath is the database path for the sqlite backend
	SQLitePath string `yaml:"sqlite_path"`
	// NATSURL is the server URL for the nats backend
	// (CASEFLOW_NATS_URL overrides)
	NATSURL string `yaml:"nats_url"`
}

// LogConfig configures logging
type LogConfig struct {
	// Level is "debug", "info", "warn", or "error"
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Model: ModelConfig{
			Provider:    "ollama",
			Model:       "qwen2.5:32b",
			Endpoint:    "http://localhost:11434/v1",
			Temperature: 0.2,
			Timeout:     5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BackoffBase:       30 * time.Second,
			BackoffMultiplier: 2.0,
		},
		Executor: ExecutorConfig{
			Workers:    4,
			QueueDepth: 64,
		},
		Storage: StorageConfig{
			Backend:    "sqlite",
			SQLitePath: "caseflow.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Model.Provider == "" {
		return fmt.Errorf("model.provider is required")
	}
	if c.Model.Model == "" {
		return fmt.Errorf("model.model is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model.temperature must be between 0 and 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be at least 1")
	}
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	case "nats":
		if c.Storage.NATSURL == "" && os.Getenv("CASEFLOW_NATS_URL") == "" {
			return fmt.Errorf("storage.nats_url is required for the nats backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, sqlite, or nats")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
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

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
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

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Server
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}

	// Model
	if other.Model.Provider != "" {
		c.Model.Provider = other.Model.Provider
	}
	if other.Model.Model != "" {
		c.Model.Model = other.Model.Model
	}
	if other.Model.Endpoint != "" {
		c.Model.Endpoint = other.Model.Endpoint
	}
	if other.Model.Temperature != 0 {
		c.Model.Temperature = other.Model.Temperature
	}
	if other.Model.MaxTokens != 0 {
		c.Model.MaxTokens = other.Model.MaxTokens
	}
	if other.Model.Timeout != 0 {
		c.Model.Timeout = other.Model.Timeout
	}

	// Retry
	if other.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = other.Retry.MaxAttempts
	}
	if other.Retry.BackoffBase != 0 {
		c.Retry.BackoffBase = other.Retry.BackoffBase
	}
	if other.Retry.BackoffMultiplier != 0 {
		c.Retry.BackoffMultiplier = other.Retry.BackoffMultiplier
	}

	// Executor
	if other.Executor.Workers != 0 {
		c.Executor.Workers = other.Executor.Workers
	}
	if other.Executor.QueueDepth != 0 {
		c.Executor.QueueDepth = other.Executor.QueueDepth
	}

	// Storage
	if other.Storage.Backend != "" {
		c.Storage.Backend = other.Storage.Backend
	}
	if other.Storage.SQLitePath != "" {
		c.Storage.SQLitePath = other.Storage.SQLitePath
	}
	if other.Storage.NATSURL != "" {
		c.Storage.NATSURL = other.Storage.NATSURL
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
}

// NATSServerURL returns the effective NATS URL, preferring the
// CASEFLOW_NATS_URL environment variable over the file value.
func (c *Config) NATSServerURL() string {
	if url := os.Getenv("CASEFLOW_NATS_URL"); url != "" {
		return url
	}
	return c.Storage.NATSURL
}
