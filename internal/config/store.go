package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fetchd/fetchd/internal/core/domain"
)

const settingsKey = "app_settings"

// SettingsRepository is the minimal store interface for settings persistence.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}

// RuntimeSettings is the mutable configuration exposed over the API
// and persisted as a single JSON blob in the store's settings keyspace.
type RuntimeSettings struct {
	ConcurrencyLimit int    `json:"concurrency_limit"`
	DefaultKind      string `json:"default_kind"`
	DefaultQuality   string `json:"default_quality"`
	DownloadDir      string `json:"download_dir"`
}

// OnChangeFunc is called after settings are updated and persisted.
type OnChangeFunc func(s RuntimeSettings)

// SettingsStore manages persistent runtime settings. It satisfies the
// read side the scheduler and facade consume, so limit changes take
// effect on the next admission decision without a restart.
type SettingsStore struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	repo     SettingsRepository
	current  RuntimeSettings
	onChange []OnChangeFunc
}

// NewSettingsStore loads persisted settings, falling back to the
// environment-derived defaults when nothing was saved yet.
func NewSettingsStore(logger *slog.Logger, repo SettingsRepository, defaults *Config) (*SettingsStore, error) {
	store := &SettingsStore{
		logger: logger,
		repo:   repo,
	}

	ctx := context.Background()
	saved, err := store.loadFromDB(ctx)
	if err != nil {
		logger.Warn("no saved settings found, using defaults", "error", err)
		saved = RuntimeSettings{
			ConcurrencyLimit: defaults.ConcurrencyLimit,
			DefaultKind:      string(defaults.DefaultKind),
			DefaultQuality:   string(defaults.DefaultQuality),
			DownloadDir:      defaults.DownloadDir,
		}
		if err := store.saveToDB(ctx, saved); err != nil {
			return nil, fmt.Errorf("failed to save default settings: %w", err)
		}
	}

	store.current = saved
	return store, nil
}

// OnChange registers a callback invoked after each successful update.
func (s *SettingsStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Get returns a snapshot of the current settings.
func (s *SettingsStore) Get() RuntimeSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update validates, persists, and swaps in new settings, then triggers
// onChange callbacks.
func (s *SettingsStore) Update(ctx context.Context, update RuntimeSettings) error {
	if update.ConcurrencyLimit < 1 || update.ConcurrencyLimit > 5 {
		return fmt.Errorf("concurrency_limit must be between 1 and 5, got %d", update.ConcurrencyLimit)
	}
	if _, err := domain.ParseMediaKind(update.DefaultKind); err != nil {
		return err
	}
	if _, err := domain.ParseQuality(update.DefaultQuality); err != nil {
		return err
	}
	if update.DownloadDir == "" {
		return fmt.Errorf("download_dir must not be empty")
	}

	s.mu.Lock()
	if err := s.saveToDB(ctx, update); err != nil {
		s.mu.Unlock()
		return err
	}
	s.current = update
	callbacks := make([]OnChangeFunc, len(s.onChange))
	copy(callbacks, s.onChange)
	s.mu.Unlock()

	s.logger.Info("settings updated",
		"concurrency_limit", update.ConcurrencyLimit,
		"default_kind", update.DefaultKind,
		"default_quality", update.DefaultQuality,
	)

	for _, fn := range callbacks {
		fn(update)
	}
	return nil
}

// ConcurrencyLimit implements ports.Settings.
func (s *SettingsStore) ConcurrencyLimit() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.ConcurrencyLimit
}

// DefaultKind implements ports.Settings.
func (s *SettingsStore) DefaultKind() domain.MediaKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kind, err := domain.ParseMediaKind(s.current.DefaultKind)
	if err != nil {
		return domain.MediaKindVideo
	}
	return kind
}

// DefaultQuality implements ports.Settings.
func (s *SettingsStore) DefaultQuality() domain.Quality {
	s.mu.RLock()
	defer s.mu.RUnlock()
	quality, err := domain.ParseQuality(s.current.DefaultQuality)
	if err != nil {
		return domain.QualityBest
	}
	return quality
}

// DownloadDir implements ports.Settings.
func (s *SettingsStore) DownloadDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.DownloadDir
}

func (s *SettingsStore) loadFromDB(ctx context.Context) (RuntimeSettings, error) {
	raw, err := s.repo.GetSetting(ctx, settingsKey)
	if err != nil {
		return RuntimeSettings{}, err
	}

	var saved RuntimeSettings
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		return RuntimeSettings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	return saved, nil
}

func (s *SettingsStore) saveToDB(ctx context.Context, settings RuntimeSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return s.repo.SaveSetting(ctx, settingsKey, string(raw))
}
