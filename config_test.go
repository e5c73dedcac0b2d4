package avatarvoice

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StrategySmart, cfg.Strategy)
	assert.Equal(t, defaultFixedDelay, cfg.fixedDelay())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model: speech-1
voice: ember
instructions: be brief
greeting: say hello
strategy: stream-monitor
fixed_delay_ms: 750
base_url: https://realtime.example.com/v1/calls
credential_url: https://token.example.com/mint
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "speech-1", cfg.Model)
	assert.Equal(t, "ember", cfg.Voice)
	assert.Equal(t, "be brief", cfg.Instructions)
	assert.Equal(t, "say hello", cfg.Greeting)
	assert.Equal(t, StrategyStreamMonitor, cfg.Strategy)
	assert.Equal(t, 750*time.Millisecond, cfg.fixedDelay())
	assert.Equal(t, "https://realtime.example.com/v1/calls", cfg.BaseURL)
	assert.Equal(t, "https://token.example.com/mint", cfg.CredentialURL)
}

func TestLoadConfigPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte("voice: cedar\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, defaultModel, cfg.Model)
	assert.Equal(t, "cedar", cfg.Voice)
	assert.Equal(t, StrategySmart, cfg.Strategy)
	assert.Equal(t, defaultBaseURL, cfg.BaseURL)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("Missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("Bad strategy", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "session.yaml")
		require.NoError(t, os.WriteFile(path, []byte("strategy: psychic\n"), 0o600))
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})

	t.Run("Negative delay", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "session.yaml")
		require.NoError(t, os.WriteFile(path, []byte("fixed_delay_ms: -5\n"), 0o600))
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "Missing model", mutate: func(c *Config) { c.Model = "" }},
		{name: "Missing voice", mutate: func(c *Config) { c.Voice = "" }},
		{name: "Missing base URL", mutate: func(c *Config) { c.BaseURL = "" }},
		{name: "Negative delay", mutate: func(c *Config) { c.FixedDelayMs = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
