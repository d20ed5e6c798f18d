package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file and environment secrets.
func Load(configPath string) (*Config, *Secrets, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, LoadSecrets(), nil
}

// Default returns a configuration with every optional field defaulted.
// The gateway endpoint still has to be provided by the caller.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for optional configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Temperature == 0 {
		cfg.Gateway.Temperature = 0.7
	}
	if cfg.Gateway.TopP == 0 {
		cfg.Gateway.TopP = 1.0
	}
	if cfg.Gateway.MaxOutputTokens == 0 {
		cfg.Gateway.MaxOutputTokens = 4096
	}
	if cfg.Gateway.TimeoutSeconds == 0 {
		cfg.Gateway.TimeoutSeconds = 120
	}
	if cfg.Gateway.MaxRetries == 0 {
		cfg.Gateway.MaxRetries = 3
	}
	if cfg.Gateway.BaseRetrySeconds == 0 {
		cfg.Gateway.BaseRetrySeconds = 1
	}
	if cfg.Gateway.RateLimitPerMinute == 0 {
		cfg.Gateway.RateLimitPerMinute = 60
	}

	if cfg.Critique.Threshold == "" {
		cfg.Critique.Threshold = "acceptable"
	}
	if cfg.Critique.MaxCycles == 0 {
		cfg.Critique.MaxCycles = 2
	}

	if cfg.Jobs.Concurrency == 0 {
		cfg.Jobs.Concurrency = 4
	}
	if cfg.Jobs.CheckpointInterval == 0 {
		cfg.Jobs.CheckpointInterval = 5
	}
	if cfg.Jobs.MaxRetries == 0 {
		cfg.Jobs.MaxRetries = 2
	}

	if cfg.Storage.Workspace == "" {
		cfg.Storage.Workspace = "."
	}

	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":2112"
	}
}
