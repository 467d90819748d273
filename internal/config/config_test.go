package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "marketdata", config.AppName)
	assert.Equal(t, "duckdb", config.Storage.Type)
	assert.Equal(t, "./data/marketdata.db", config.Storage.DatabasePath)
	assert.Equal(t, 60, config.RateLimit.CallsPerWindow)
	assert.Equal(t, time.Minute, config.RateLimitWindow())
	assert.Equal(t, 1024, config.Cache.L1Capacity)
	assert.False(t, config.Cache.L2Enabled)
	assert.Equal(t, 3, config.Resilience.MaxAttempts)
	assert.Equal(t, 5, config.Resilience.FailureThreshold)
	assert.Equal(t, "forward_fill", config.Quality.FillStrategy)
	assert.Equal(t, "info", config.Logging.Level)
}

func TestConfigValidation(t *testing.T) {
	m := NewManager("", nil)

	t.Run("valid config passes validation", func(t *testing.T) {
		assert.NoError(t, m.validate(DefaultConfig()))
	})

	t.Run("missing storage type fails", func(t *testing.T) {
		config := DefaultConfig()
		config.Storage.Type = ""
		err := m.validate(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "storage.type is required")
	})

	t.Run("unknown storage type fails", func(t *testing.T) {
		config := DefaultConfig()
		config.Storage.Type = "postgres"
		err := m.validate(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "is not supported")
	})

	t.Run("memory storage needs no path", func(t *testing.T) {
		config := DefaultConfig()
		config.Storage.Type = "memory"
		config.Storage.DatabasePath = ""
		assert.NoError(t, m.validate(config))
	})

	t.Run("zero rate limit budget fails", func(t *testing.T) {
		config := DefaultConfig()
		config.RateLimit.CallsPerWindow = 0
		err := m.validate(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "calls_per_window")
	})

	t.Run("bad rate limit window fails", func(t *testing.T) {
		config := DefaultConfig()
		config.RateLimit.Window = "soon"
		err := m.validate(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate_limit.window")
	})

	t.Run("enabled L2 requires an address", func(t *testing.T) {
		config := DefaultConfig()
		config.Cache.L2Enabled = true
		config.Cache.L2Addr = ""
		err := m.validate(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cache.l2_addr")
	})

	t.Run("invalid log level fails", func(t *testing.T) {
		config := DefaultConfig()
		config.Logging.Level = "verbose"
		err := m.validate(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logging.level")
	})
}

func TestManagerLoad_FileAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")

	fileConfig := map[string]any{
		"rate_limit": map[string]any{"calls_per_window": 30},
		"cache":      map[string]any{"l1_capacity": 256},
		"storage":    map[string]any{"type": "memory"},
	}
	data, err := json.Marshal(fileConfig)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, data, 0644))

	t.Setenv("RATE_LIMIT_CALLS", "15")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("VENDOR_API_KEY", "secret-key")

	m := NewManager(configPath, nil)
	config, err := m.Load()
	require.NoError(t, err)

	// Environment wins over file, file wins over defaults.
	assert.Equal(t, 15, config.RateLimit.CallsPerWindow)
	assert.Equal(t, 256, config.Cache.L1Capacity)
	assert.Equal(t, "memory", config.Storage.Type)
	assert.Equal(t, "debug", config.Logging.Level)
	assert.Equal(t, "secret-key", config.Vendor.APIKey)
}

func TestManagerLoad_MissingFileUsesDefaults(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope.json"), nil)
	config, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 60, config.RateLimit.CallsPerWindow)
}

func TestAppConfig_StringRedactsSecrets(t *testing.T) {
	config := DefaultConfig()
	config.Vendor.APIKey = "super-secret"
	config.Cache.L2Password = "hunter2"

	rendered := config.String()
	assert.NotContains(t, rendered, "super-secret")
	assert.NotContains(t, rendered, "hunter2")
	assert.Contains(t, rendered, "[REDACTED]")
}

func TestManagerSave(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "config.json")
	m := NewManager(configPath, nil)
	_, err := m.Load()
	require.NoError(t, err)

	require.NoError(t, m.Save())

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)

	var saved AppConfig
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.Equal(t, "marketdata", saved.AppName)
}
