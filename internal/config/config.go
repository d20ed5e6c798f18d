package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/storyloom/storyloom/pkg/models"
)

// Config represents the complete application configuration.
type Config struct {
	Gateway   GatewayConfig   `toml:"gateway"`
	Critique  CritiqueConfig  `toml:"critique"`
	Jobs      JobsConfig      `toml:"jobs"`
	Storage   StorageConfig   `toml:"storage"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Templates TemplatesConfig `toml:"templates"`
}

// GatewayConfig holds model-gateway settings for the generative backend.
type GatewayConfig struct {
	BaseURL            string  `toml:"base_url"`
	ModelName          string  `toml:"model_name"`
	Temperature        float64 `toml:"temperature"`
	TopP               float64 `toml:"top_p"`
	MaxOutputTokens    int     `toml:"max_output_tokens"`
	TimeoutSeconds     int     `toml:"timeout_seconds"`      // per request, not per job
	MaxRetries         int     `toml:"max_retries"`          // transient failures only
	BaseRetrySeconds   int     `toml:"base_retry_seconds"`   // backoff unit, 2^attempt * base
	RateLimitPerMinute int     `toml:"rate_limit_per_minute"`
}

// CritiqueConfig governs the drafting/critique revision loop.
type CritiqueConfig struct {
	// Threshold is the minimum acceptable rating name
	// (failure|acceptable|good|excellent).
	Threshold string `toml:"threshold"`
	// MaxCycles is the number of revision rounds after the initial draft.
	// Zero means a single mandatory draft+rate round.
	MaxCycles int `toml:"max_cycles"`
}

// JobsConfig governs batched job execution and checkpointing.
type JobsConfig struct {
	Concurrency        int `toml:"concurrency"`         // bound on in-flight units
	CheckpointInterval int `toml:"checkpoint_interval"` // save every N completed units
	MaxRetries         int `toml:"max_retries"`         // fresh re-starts after failure
}

// TemplatesConfig holds optional prompt template overrides. Any field
// left empty falls back to the built-in template for that purpose.
// Build templates are keyed by stage name (concept, cast, ...).
type TemplatesConfig struct {
	Build        map[string]string `toml:"build"`
	Revise       string            `toml:"revise"`
	Critique     string            `toml:"critique"`
	UnitBuild    string            `toml:"unit_build"`
	UnitCritique string            `toml:"unit_critique"`
}

// StorageConfig locates the durable workspace.
type StorageConfig struct {
	Workspace string `toml:"workspace"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

const (
	// MaxConcurrency is the maximum allowed in-flight units per job.
	MaxConcurrency = 64
	// MaxCycles is the maximum allowed critique revision rounds.
	MaxCycles = 10
)

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if c.Gateway.ModelName == "" {
		return fmt.Errorf("gateway.model_name is required")
	}
	if c.Gateway.Temperature < 0 || c.Gateway.Temperature > 2 {
		return fmt.Errorf("gateway.temperature must be between 0 and 2 (got %.2f)", c.Gateway.Temperature)
	}
	if c.Gateway.TopP < 0 || c.Gateway.TopP > 1 {
		return fmt.Errorf("gateway.top_p must be between 0 and 1 (got %.2f)", c.Gateway.TopP)
	}
	if c.Gateway.MaxRetries < 0 {
		return fmt.Errorf("gateway.max_retries must not be negative (got %d)", c.Gateway.MaxRetries)
	}
	if c.Gateway.RateLimitPerMinute < 1 {
		return fmt.Errorf("gateway.rate_limit_per_minute must be at least 1 (got %d)", c.Gateway.RateLimitPerMinute)
	}

	if _, ok := models.ParseRating(c.Critique.Threshold); !ok {
		return fmt.Errorf("critique.threshold must be one of: failure, acceptable, good, excellent (got %s)", c.Critique.Threshold)
	}
	if c.Critique.MaxCycles < 0 || c.Critique.MaxCycles > MaxCycles {
		return fmt.Errorf("critique.max_cycles must be between 0 and %d (got %d)", MaxCycles, c.Critique.MaxCycles)
	}

	if c.Jobs.Concurrency < 1 {
		return fmt.Errorf("jobs.concurrency must be at least 1 (got %d)", c.Jobs.Concurrency)
	}
	if c.Jobs.Concurrency > MaxConcurrency {
		return fmt.Errorf("jobs.concurrency must not exceed %d (got %d)", MaxConcurrency, c.Jobs.Concurrency)
	}
	if c.Jobs.CheckpointInterval < 1 {
		return fmt.Errorf("jobs.checkpoint_interval must be at least 1 (got %d)", c.Jobs.CheckpointInterval)
	}
	if c.Jobs.MaxRetries < 0 {
		return fmt.Errorf("jobs.max_retries must not be negative (got %d)", c.Jobs.MaxRetries)
	}

	for name := range c.Templates.Build {
		if !models.StageKind(name).Valid() {
			return fmt.Errorf("templates.build references unknown stage %q", name)
		}
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	return nil
}

// AcceptThreshold returns the parsed critique threshold.
func (c *Config) AcceptThreshold() models.Rating {
	r, _ := models.ParseRating(c.Critique.Threshold)
	return r
}

// Secrets holds sensitive credentials loaded from environment variables.
type Secrets struct {
	APIKeys map[string]string
}

// LoadSecrets loads credentials from the environment. Provider-specific
// keys override the generic API_KEY.
func LoadSecrets() *Secrets {
	secrets := &Secrets{APIKeys: make(map[string]string)}

	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKeys["generic"] = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		secrets.APIKeys["openai"] = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		secrets.APIKeys["anthropic"] = key
	}
	if key := os.Getenv("TOGETHER_API_KEY"); key != "" {
		secrets.APIKeys["together"] = key
	}

	return secrets
}

// GetAPIKey returns the API key for a given base URL. An empty result is
// valid for local servers without auth.
func (s *Secrets) GetAPIKey(baseURL string) string {
	if strings.Contains(baseURL, "openai.com") {
		if key := s.APIKeys["openai"]; key != "" {
			return key
		}
	}
	if strings.Contains(baseURL, "anthropic.com") {
		if key := s.APIKeys["anthropic"]; key != "" {
			return key
		}
	}
	if strings.Contains(baseURL, "together.xyz") || strings.Contains(baseURL, "together.ai") {
		if key := s.APIKeys["together"]; key != "" {
			return key
		}
	}
	return s.APIKeys["generic"]
}
