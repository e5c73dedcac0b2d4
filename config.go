package avatarvoice

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

const (
	defaultBaseURL = "https://api.openai.com/v1/realtime"
	defaultModel   = "gpt-realtime"
	defaultVoice   = "alloy"
)

// Config describes one session. It is immutable for the session's lifetime; a
// new Start always reads it fresh.
type Config struct {
	// Model and Voice identify the remote speech generator.
	Model string `yaml:"model"`
	Voice string `yaml:"voice"`
	// Instructions is the behavioral system text for the session.
	Instructions string `yaml:"instructions"`
	// Greeting, when set, is sent as a synthetic opening line once the
	// control channel opens.
	Greeting string `yaml:"greeting"`

	// Strategy selects the speaking-state estimation behavior.
	Strategy Strategy `yaml:"strategy"`
	// FixedDelayMs parameterizes StrategyFixed. Zero means the default.
	FixedDelayMs int `yaml:"fixed_delay_ms"`

	// BaseURL is the negotiation endpoint; CredentialURL is the token
	// service minting the ephemeral key.
	BaseURL       string `yaml:"base_url"`
	CredentialURL string `yaml:"credential_url"`
}

func DefaultConfig() *Config {
	return &Config{
		Model:    defaultModel,
		Voice:    defaultVoice,
		Strategy: StrategySmart,
		BaseURL:  defaultBaseURL,
	}
}

// LoadConfig reads a YAML config file, filling unset fields with defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("config: model is required")
	}
	if c.Voice == "" {
		return fmt.Errorf("config: voice is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("config: base_url is required")
	}
	if c.FixedDelayMs < 0 {
		return fmt.Errorf("config: fixed_delay_ms must not be negative")
	}
	return nil
}

func (c *Config) fixedDelay() time.Duration {
	if c.FixedDelayMs <= 0 {
		return defaultFixedDelay
	}
	return time.Duration(c.FixedDelayMs) * time.Millisecond
}
