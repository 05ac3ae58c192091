package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/fetchd/fetchd/internal/adapters/duckdb"
	"github.com/fetchd/fetchd/internal/adapters/redisstore"
	"github.com/fetchd/fetchd/internal/adapters/ytdlp"
	appconfig "github.com/fetchd/fetchd/internal/config"
	"github.com/fetchd/fetchd/internal/core/ports"
	"github.com/fetchd/fetchd/internal/core/services"
	"github.com/fetchd/fetchd/pkg/api"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting fetchd")

	if err := run(logger); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	cfg, err := appconfig.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to init job store: %w", err)
	}
	defer store.Close()

	// Runtime settings: persisted in the store, seeded from env defaults.
	settingsStore, err := appconfig.NewSettingsStore(logger, store, cfg)
	if err != nil {
		return fmt.Errorf("failed to init settings store: %w", err)
	}

	fs := afero.NewOsFs()
	if err := fs.MkdirAll(settingsStore.DownloadDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	watched := services.NewWatchedStore(logger, store)
	bus := services.NewProgressBus(logger, 64)
	extractor := ytdlp.New(logger, os.Getenv("FETCHD_YTDLP_BIN"), fs)
	runner := services.NewRunner(logger, extractor, bus, settingsStore)
	scheduler := services.NewScheduler(logger, watched, bus, runner, settingsStore)
	orchestrator := services.NewOrchestrator(logger, watched, extractor, scheduler, settingsStore, fs)

	settingsStore.OnChange(func(s appconfig.RuntimeSettings) {
		// A raised limit only matters when jobs are waiting; kick admission.
		scheduler.Admit(ctx)
	})

	apiServer := api.NewServer(logger, orchestrator, settingsStore)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:5174"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Scheduler loop: requeues orphans, admits pending jobs, applies
	// progress events until the context ends.
	g.Go(func() error {
		return scheduler.Run(gCtx)
	})

	// 2. API server
	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	// 3. Graceful shutdown for the API server
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore picks the persistence backend from config.
func openStore(cfg *appconfig.Config, logger *slog.Logger) (ports.JobStore, error) {
	switch cfg.Store {
	case appconfig.StoreRedis:
		cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := cl.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return redisstore.NewRepository(cl, logger), nil
	default:
		return duckdb.NewRepository(cfg.DBPath)
	}
}
