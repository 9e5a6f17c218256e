package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qledger/pkg/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL", "QLEDGER_STORE", "QLEDGER_MODE",
		"QLEDGER_SIMULATE", "QLEDGER_MOCK", "QLEDGER_ALLOWED_BACKENDS",
		"QLEDGER_RATE_RPS", "QLEDGER_RATE_BURST", "QLEDGER_EXPORT_SINK", "OTEL_ENABLED",
	} {
		t.Setenv(k, "")
	}
}

// Invariant: the server boots with safe defaults and real mode.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, "real", cfg.Mode)
	assert.False(t, cfg.Simulate)
	assert.False(t, cfg.Mock)
	assert.Empty(t, cfg.AllowedBackends)
	assert.Equal(t, 20.0, cfg.RateRPS)
	assert.Equal(t, 40, cfg.RateBurst)
	assert.Equal(t, "fs", cfg.ExportSink)
	assert.False(t, cfg.OTelEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("QLEDGER_STORE", "SQLite")
	t.Setenv("QLEDGER_MODE", "development")
	t.Setenv("QLEDGER_SIMULATE", "true")
	t.Setenv("QLEDGER_ALLOWED_BACKENDS", " ibm_kyoto, ,ibm_osaka ")
	t.Setenv("QLEDGER_RATE_RPS", "2.5")
	t.Setenv("QLEDGER_RATE_BURST", "nope")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "sqlite", cfg.Store)
	assert.Equal(t, "development", cfg.Mode)
	assert.True(t, cfg.Simulate)
	assert.Equal(t, []string{"ibm_kyoto", "ibm_osaka"}, cfg.AllowedBackends)
	assert.Equal(t, 2.5, cfg.RateRPS)
	assert.Equal(t, 40, cfg.RateBurst, "unparseable values fall back to defaults")
}

func TestLoadWithDotEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7000")
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=1111\nQLEDGER_MOCK=true\n"), 0o600))
	// godotenv sets variables directly; restore them when the test ends.
	t.Setenv("QLEDGER_MOCK", "")
	require.NoError(t, os.Unsetenv("QLEDGER_MOCK"))

	cfg, err := config.LoadWithDotEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port, "process env wins over .env")
	assert.True(t, cfg.Mock)

	_, err = config.LoadWithDotEnv(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}
