package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/fetchd/fetchd/internal/core/domain"
)

// Store backends selectable via FETCHD_STORE.
const (
	StoreDuckDB = "duckdb"
	StoreRedis  = "redis"
)

// Config is the process-level configuration, read once at startup from
// the environment (a .env file is loaded first if present). Runtime
// settings that can change while the daemon runs live in SettingsStore.
type Config struct {
	ListenAddr string
	Store      string
	DBPath     string
	RedisAddr  string

	DownloadDir      string
	DefaultKind      domain.MediaKind
	DefaultQuality   domain.Quality
	ConcurrencyLimit int
}

// Load reads configuration from the environment with FETCHD_-prefixed
// variables. Returns an error for values outside their valid range;
// callers treat that as fatal.
func Load() (*Config, error) {
	// Missing .env is fine, env vars may come from the shell.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:       envOr("FETCHD_LISTEN", ":8080"),
		Store:            envOr("FETCHD_STORE", StoreDuckDB),
		DBPath:           envOr("FETCHD_DB_PATH", "fetchd.db"),
		RedisAddr:        envOr("FETCHD_REDIS_ADDR", "localhost:6379"),
		DownloadDir:      envOr("FETCHD_DOWNLOAD_DIR", "downloads"),
		DefaultKind:      domain.MediaKindVideo,
		DefaultQuality:   domain.QualityBest,
		ConcurrencyLimit: 3,
	}

	if cfg.Store != StoreDuckDB && cfg.Store != StoreRedis {
		return nil, fmt.Errorf("invalid FETCHD_STORE %q: must be %s or %s", cfg.Store, StoreDuckDB, StoreRedis)
	}

	if raw := os.Getenv("FETCHD_DEFAULT_KIND"); raw != "" {
		kind, err := domain.ParseMediaKind(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid FETCHD_DEFAULT_KIND: %w", err)
		}
		cfg.DefaultKind = kind
	}

	if raw := os.Getenv("FETCHD_DEFAULT_QUALITY"); raw != "" {
		quality, err := domain.ParseQuality(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid FETCHD_DEFAULT_QUALITY: %w", err)
		}
		cfg.DefaultQuality = quality
	}

	if raw := os.Getenv("FETCHD_CONCURRENCY"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid FETCHD_CONCURRENCY %q: %w", raw, err)
		}
		cfg.ConcurrencyLimit = n
	}
	if cfg.ConcurrencyLimit < 1 || cfg.ConcurrencyLimit > 5 {
		return nil, fmt.Errorf("FETCHD_CONCURRENCY must be between 1 and 5, got %d", cfg.ConcurrencyLimit)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
