package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Providers.AnthropicAPIKey = "sk-ant-REDACTED"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "localhost:6379", cfg.Broker.Addr)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 5000, cfg.Sandbox.TruncateBytes)
	assert.Equal(t, 2048, cfg.Sandbox.MaxMemoryMB)
	assert.True(t, cfg.Logging.Redaction)
}

func TestValidate_OK(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_NoProviderKeys(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate())
}

func TestValidate_BadAnthropicKey(t *testing.T) {
	cfg := validConfig()
	cfg.Providers.AnthropicAPIKey = "not-a-key"
	assert.Error(t, cfg.Validate())
}

func TestValidate_BrokerAddrRequired(t *testing.T) {
	cfg := validConfig()
	cfg.Broker.Addr = ""
	assert.Error(t, cfg.Validate())

	cfg.Broker.Memory = true
	assert.NoError(t, cfg.Validate())
}

func TestValidator_APIKeys(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAPIKey("sk-ant-xyz", "anthropic"))
	assert.Error(t, v.ValidateAPIKey("sk-xyz", "anthropic"))
	assert.NoError(t, v.ValidateAPIKey("sk-xyz", "openai"))
	assert.Error(t, v.ValidateAPIKey("", "openai"))
}

func TestLoader_MissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Broker.Addr)
	assert.NotEmpty(t, cfg.DBPath)
	assert.NotEmpty(t, cfg.Sandbox.WorkspaceRoot)
}

func TestLoader_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foreman.json")
	content := `{
		"data_dir": "` + dir + `",
		"broker": {"addr": "redis.internal:6379", "db": 2},
		"dispatcher": {"workers": 4},
		"providers": {"anthropic_api_key": "sk-ant-abcdefghijklmnop"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6379", cfg.Broker.Addr)
	assert.Equal(t, 2, cfg.Broker.DB)
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
	assert.Equal(t, filepath.Join(dir, "foreman.db"), cfg.DBPath)
	assert.Equal(t, "sk-ant-abcdefghijklmnop", cfg.Providers.AnthropicAPIKey)
}

func TestLoader_BadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foreman.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	_, err := NewLoader(path).Load()
	assert.Error(t, err)
}
