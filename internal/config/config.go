package config

import (
	"fmt"
	"time"

	"github.com/harun/foreman/internal/logger"
	"github.com/harun/foreman/pkg/dispatch"
	"github.com/harun/foreman/pkg/sandbox"
)

// Config represents the main Foreman configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Database path (sqlite)
	DBPath string `json:"db_path" mapstructure:"db_path"`

	// Broker
	Broker BrokerConfig `json:"broker" mapstructure:"broker"`

	// Providers
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`

	// Sandbox
	Sandbox sandbox.Config `json:"sandbox" mapstructure:"sandbox"`

	// Dispatcher
	Dispatcher dispatch.Config `json:"dispatcher" mapstructure:"dispatcher"`

	// Breaker
	Breaker BreakerConfig `json:"breaker" mapstructure:"breaker"`

	// Pricing
	Pricing PricingConfig `json:"pricing" mapstructure:"pricing"`

	// Logging
	Logging logger.Config `json:"logging" mapstructure:"logging"`

	// Metrics
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// BrokerConfig holds queue broker configuration. With Memory set, queues
// live in-process; redis settings are ignored.
type BrokerConfig struct {
	Memory   bool   `json:"memory" mapstructure:"memory"`
	Addr     string `json:"addr" mapstructure:"addr"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
}

// ProvidersConfig holds LLM provider credentials.
type ProvidersConfig struct {
	AnthropicAPIKey string `json:"anthropic_api_key" mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string `json:"openai_api_key" mapstructure:"openai_api_key"`
	GeminiAPIKey    string `json:"gemini_api_key" mapstructure:"gemini_api_key"`
}

// BreakerConfig holds circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `json:"open_timeout" mapstructure:"open_timeout"`
}

// PricingConfig holds price table overrides.
type PricingConfig struct {
	// File is an optional JSON price file layered over the built-in
	// table and hot-reloaded on change.
	File string `json:"file" mapstructure:"file"`
}

// MetricsConfig holds the metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Addr: "localhost:6379",
		},
		Sandbox:    sandbox.DefaultConfig(),
		Dispatcher: dispatch.DefaultConfig(),
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      60 * time.Second,
		},
		Logging: logger.Config{
			Level:     "info",
			Console:   true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Addr: "localhost:9464",
		},
	}
}

// Validate checks the configuration for problems that would only surface
// at runtime.
func (c *Config) Validate() error {
	if c.Dispatcher.Workers < 0 {
		return fmt.Errorf("dispatcher workers cannot be negative")
	}
	if !c.Broker.Memory && c.Broker.Addr == "" {
		return fmt.Errorf("broker addr is required unless the in-memory broker is enabled")
	}
	if c.Sandbox.TruncateBytes < 0 {
		return fmt.Errorf("sandbox truncate_bytes cannot be negative")
	}
	if c.Breaker.FailureThreshold < 0 {
		return fmt.Errorf("breaker failure_threshold cannot be negative")
	}

	v := NewValidator()
	if c.Providers.AnthropicAPIKey != "" {
		if err := v.ValidateAPIKey(c.Providers.AnthropicAPIKey, "anthropic"); err != nil {
			return err
		}
	}
	if c.Providers.OpenAIAPIKey != "" {
		if err := v.ValidateAPIKey(c.Providers.OpenAIAPIKey, "openai"); err != nil {
			return err
		}
	}

	if c.Providers.AnthropicAPIKey == "" && c.Providers.OpenAIAPIKey == "" && c.Providers.GeminiAPIKey == "" {
		return fmt.Errorf("at least one provider API key is required")
	}

	return nil
}
