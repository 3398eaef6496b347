// Package config loads the engine's YAML configuration: retry defaults,
// logging, response caching and provider request defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Extraction ExtractionConfig `yaml:"extraction"`
	Logging    LoggingConfig    `yaml:"logging"`
	Cache      CacheConfig      `yaml:"cache"`
	Provider   ProviderConfig   `yaml:"provider"`
}

// ExtractionConfig holds retry-loop defaults.
type ExtractionConfig struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int `yaml:"max_retries" validate:"min=0,max=25"`
}

// LoggingConfig holds logger defaults.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=DEBUG INFO WARN ERROR"`
}

// CacheConfig configures the provider-response cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Type    string `yaml:"type" validate:"oneof=memory sqlite"`
	// Path is the database file; sqlite only.
	Path       string        `yaml:"path" validate:"required_if=Type sqlite"`
	TTL        time.Duration `yaml:"ttl" validate:"min=0"`
	MaxEntries int           `yaml:"max_entries" validate:"min=0"`
}

// ProviderConfig holds request defaults applied when the caller leaves the
// corresponding Request fields zero.
type ProviderConfig struct {
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens" validate:"min=0"`
	Temperature float64 `yaml:"temperature" validate:"min=0,max=2"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Extraction: ExtractionConfig{MaxRetries: 2},
		Logging:    LoggingConfig{Level: "INFO"},
		Cache: CacheConfig{
			Enabled:    false,
			Type:       "memory",
			TTL:        time.Hour,
			MaxEntries: 1000,
		},
		Provider: ProviderConfig{
			MaxTokens:   1024,
			Temperature: 0.2,
		},
	}
}

// Load reads, merges over defaults, and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse unmarshals YAML over the defaults and validates the result.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
