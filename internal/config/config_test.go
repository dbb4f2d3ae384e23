package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadViewerConfigDefaults(t *testing.T) {
	cfg, err := LoadViewerConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.MatcherTopN)
	assert.Equal(t, 60, cfg.SyncPeriodSeconds)
	assert.Equal(t, 30*time.Minute, cfg.Window)
	assert.Equal(t, 40.0, cfg.PricePerKm)
	assert.Equal(t, 150, cfg.MinPrice)
	assert.Equal(t, 4.5, cfg.AssumedDistanceKm)
	assert.Equal(t, "flat", cfg.PricingMode)
	assert.Equal(t, "https://t.me", cfg.ContactBaseURL)
	assert.False(t, cfg.HasFixed)
}

func TestLoadViewerConfigFromEnv(t *testing.T) {
	t.Setenv("MATCHER_TOP_N", "5")
	t.Setenv("PRICING_MODE", "Distance")
	t.Setenv("VIEWER_LOCATION", "39.90, 32.80")
	t.Setenv("TABLE_TIMEOUT", "2s")

	cfg, err := LoadViewerConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MatcherTopN)
	assert.Equal(t, "distance", cfg.PricingMode)
	assert.Equal(t, 2*time.Second, cfg.TableTimeout)
	require.True(t, cfg.HasFixed)
	assert.Equal(t, 39.90, cfg.FixedLat)
	assert.Equal(t, 32.80, cfg.FixedLng)
}

func TestLoadViewerConfigValidation(t *testing.T) {
	t.Setenv("MATCHER_TOP_N", "0")
	t.Setenv("PRICING_MODE", "surge")
	t.Setenv("VIEWER_LOCATION", "39.9")

	_, err := LoadViewerConfig(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MATCHER_TOP_N")
	assert.Contains(t, err.Error(), "PRICING_MODE")
	assert.Contains(t, err.Error(), "VIEWER_LOCATION")
}

func TestLoadServerConfigReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("STORE_BACKEND=postgres\nPG_DSN=postgres://localhost/presence\nREAPER_INTERVAL=1m\n"), 0o600))

	cfg, err := LoadServerConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, "postgres://localhost/presence", cfg.PGDSN)
	assert.Equal(t, time.Minute, cfg.ReaperInterval)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
}

func TestLoadServerConfigRequiresBackendSettings(t *testing.T) {
	t.Setenv("STORE_BACKEND", "redis")
	_, err := LoadServerConfig(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, SplitAndTrim(" a:9092, ,b:9092 "))
	assert.Empty(t, SplitAndTrim(""))
}

func TestLoadViewerConfigSyncPeriodMustDivideMinute(t *testing.T) {
	t.Setenv("SYNC_PERIOD_SECONDS", "7")
	_, err := LoadViewerConfig(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_PERIOD_SECONDS")

	t.Setenv("SYNC_PERIOD_SECONDS", "15")
	cfg, err := LoadViewerConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.SyncPeriodSeconds)
}
