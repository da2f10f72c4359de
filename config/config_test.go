package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_SECRET", testSecret)
	t.Setenv("APP_ENV", "development")
	t.Setenv("BUS_MODE", BusLocal)
	t.Setenv("CONFIG_FILE", "")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, ":8080", cfg.ListenAddress)
	assert.Equal(t, BusLocal, cfg.BusMode)
	assert.Equal(t, 10, cfg.ProviderConcurrency)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_CollectsAllErrors(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("AUTH_SECRET", "too-short")
	t.Setenv("APP_ENV", "staging")
	t.Setenv("BUS_MODE", "carrier-pigeon")
	t.Setenv("PROVIDER_CONCURRENCY", "abc")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_SECRET")
	assert.Contains(t, err.Error(), "APP_ENV")
	assert.Contains(t, err.Error(), "BUS_MODE")
	assert.Contains(t, err.Error(), "PROVIDER_CONCURRENCY")
}

func TestLoad_QStashModeRequirements(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("BUS_MODE", BusQStash)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QSTASH_URL")

	t.Setenv("QSTASH_URL", "https://qstash.example.com")
	t.Setenv("QSTASH_TOKEN", "tok")
	t.Setenv("QSTASH_CURRENT_SIGNING_KEY", "sig-key")
	t.Setenv("APP_URL", "https://app.example.com")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BusQStash, cfg.BusMode)
}

func TestLoad_LocalBusRejectedInProduction(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("APP_ENV", "production")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot run in production")
}

func TestLoad_YAMLOverlayWithEnvPrecedence(t *testing.T) {
	setBaseEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"listen_address: \":9999\"\nredis_url: redis://file:6379\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("REDIS_URL", "redis://env:6379")

	cfg, err := Load()
	require.NoError(t, err)
	// File fills the gap, the environment wins a conflict.
	assert.Equal(t, ":9999", cfg.ListenAddress)
	assert.Equal(t, "redis://env:6379", cfg.RedisURL)
}

func TestOrigins(t *testing.T) {
	c := &Config{AllowedOrigins: "https://a.example.com, https://b.example.com ,"}
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, c.Origins())
	assert.Nil(t, (&Config{}).Origins())
}
