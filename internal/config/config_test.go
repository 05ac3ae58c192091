package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchd/fetchd/internal/core/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, StoreDuckDB, cfg.Store)
	assert.Equal(t, "fetchd.db", cfg.DBPath)
	assert.Equal(t, "downloads", cfg.DownloadDir)
	assert.Equal(t, domain.MediaKindVideo, cfg.DefaultKind)
	assert.Equal(t, domain.QualityBest, cfg.DefaultQuality)
	assert.Equal(t, 3, cfg.ConcurrencyLimit)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("FETCHD_LISTEN", ":9090")
	t.Setenv("FETCHD_STORE", StoreRedis)
	t.Setenv("FETCHD_REDIS_ADDR", "redis:6379")
	t.Setenv("FETCHD_DEFAULT_KIND", "audio")
	t.Setenv("FETCHD_DEFAULT_QUALITY", "low")
	t.Setenv("FETCHD_CONCURRENCY", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, StoreRedis, cfg.Store)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, domain.MediaKindAudio, cfg.DefaultKind)
	assert.Equal(t, domain.QualityLow, cfg.DefaultQuality)
	assert.Equal(t, 5, cfg.ConcurrencyLimit)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Run("bad store", func(t *testing.T) {
		t.Setenv("FETCHD_STORE", "mongo")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("bad kind", func(t *testing.T) {
		t.Setenv("FETCHD_DEFAULT_KIND", "hologram")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("concurrency out of range", func(t *testing.T) {
		t.Setenv("FETCHD_CONCURRENCY", "0")
		_, err := Load()
		require.Error(t, err)

		t.Setenv("FETCHD_CONCURRENCY", "6")
		_, err = Load()
		require.Error(t, err)
	})

	t.Run("concurrency not a number", func(t *testing.T) {
		t.Setenv("FETCHD_CONCURRENCY", "many")
		_, err := Load()
		require.Error(t, err)
	})
}
