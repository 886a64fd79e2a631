package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, "us", cfg.Region)
	assert.Equal(t, 3, cfg.Reliability.RetryAttempts)
	assert.Equal(t, time.Second, cfg.Reliability.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.Reliability.MaxRetryDelay)
	assert.True(t, cfg.Export.SkipMalformedRecords)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Request)
}

func TestValidate(t *testing.T) {
	cfg := NewConfig()
	cfg.Credentials.APIKey = "k"
	assert.NoError(t, cfg.Validate())

	missing := NewConfig()
	assert.Error(t, missing.Validate())

	badRegion := NewConfig()
	badRegion.Credentials.APIKey = "k"
	badRegion.Region = "apac"
	assert.Error(t, badRegion.Validate())

	badJitter := NewConfig()
	badJitter.Credentials.APIKey = "k"
	badJitter.Reliability.RetryJitter = 1.5
	assert.Error(t, badJitter.Validate())
}

func TestFromEnv(t *testing.T) {
	t.Setenv("AMPLITUDE_API_KEY", "env-key")
	t.Setenv("AMPLITUDE_SECRET_KEY", "env-secret")
	t.Setenv("AMPLITUDE_REGION", "eu")
	t.Setenv("AMPLITUDE_TIMEOUT", "60")
	t.Setenv("AMPLITUDE_DEBUG", "true")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.Credentials.APIKey)
	assert.Equal(t, "env-secret", cfg.Credentials.SecretKey)
	assert.Equal(t, "eu", cfg.Region)
	assert.Equal(t, 60*time.Second, cfg.Timeouts.Request)
	assert.True(t, cfg.Observability.Debug)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
}

func TestFromEnvStandardRegionAlias(t *testing.T) {
	t.Setenv("AMPLITUDE_API_KEY", "k")
	t.Setenv("AMPLITUDE_REGION", "standard")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "us", cfg.Region)
}

func TestFromEnvMissingAPIKey(t *testing.T) {
	t.Setenv("AMPLITUDE_API_KEY", "")

	_, err := FromEnv()
	assert.Error(t, err)
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("TEST_AMPLITUDE_KEY", "substituted-key")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
region: eu
credentials:
  api_key: ${TEST_AMPLITUDE_KEY}
export:
  skip_malformed_records: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "eu", cfg.Region)
	assert.Equal(t, "substituted-key", cfg.Credentials.APIKey)
	assert.False(t, cfg.Export.SkipMalformedRecords)
}

func TestLoadKeepsDefaultsForUnsetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "credentials:\n  api_key: file-key\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file-key", cfg.Credentials.APIKey)
	assert.Equal(t, NewConfig().Reliability.RetryAttempts, cfg.Reliability.RetryAttempts)
	assert.True(t, cfg.Export.SkipMalformedRecords)
}

func TestLoadLeavesBareDollarAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "credentials:\n  api_key: \"pa$sword\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pa$sword", cfg.Credentials.APIKey)
}
