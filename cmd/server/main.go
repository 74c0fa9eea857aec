// Package main is the entrypoint for the mosaicd API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/tilemosaic/mosaicd/internal/api"
	"github.com/tilemosaic/mosaicd/internal/api/handler"
	mw "github.com/tilemosaic/mosaicd/internal/api/middleware"
	"github.com/tilemosaic/mosaicd/internal/api/response"
	"github.com/tilemosaic/mosaicd/internal/cache"
	"github.com/tilemosaic/mosaicd/internal/collections"
	"github.com/tilemosaic/mosaicd/internal/collections/installer"
	"github.com/tilemosaic/mosaicd/internal/config"
	"github.com/tilemosaic/mosaicd/internal/dispatch"
	"github.com/tilemosaic/mosaicd/internal/jobs"
	"github.com/tilemosaic/mosaicd/internal/storage"
	"github.com/tilemosaic/mosaicd/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Local development convenience; real deployments set the environment.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "worker", cfg.Worker.BaseURL)

	catalog, err := config.LoadCollections(cfg.Collections.CatalogPath)
	if err != nil {
		return fmt.Errorf("load collection catalog: %w", err)
	}
	slog.Info("collection catalog loaded", "collections", len(catalog))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create storage and worker dispatcher
	fsStorage, err := storage.NewFSStorage(cfg.Storage.UploadPath)
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	dispatcher := dispatch.NewHTTPDispatcher(cfg.Worker.BaseURL, cfg.Worker.Timeout)

	// 6. Create store and services
	pgStore := store.NewPostgresStore(pool)

	jobService := jobs.NewService(pgStore, redisCache, dispatcher, fsStorage)

	factory := installer.NewFactory(cfg.Collections.DownloadTimeout)
	collectionService := collections.NewService(pgStore, fsStorage, factory, catalog, cfg.Collections.InstallTimeout)
	if err := collectionService.Init(ctx); err != nil {
		return fmt.Errorf("seed collections: %w", err)
	}
	slog.Info("collections seeded")

	// 7. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler:    healthHandler(pgStore, redisCache),
		JobStatusHandler: handler.NewJobStatusHandler(jobService),

		EnqueueJobHandler: handler.NewEnqueueJobHandler(jobService),
		ListJobsHandler:   handler.NewListJobsHandler(jobService),
		GetJobHandler:     handler.NewGetJobHandler(jobService),
		DeleteJobHandler:  handler.NewDeleteJobHandler(jobService),

		ListCollectionsHandler:     handler.NewListCollectionsHandler(collectionService),
		GetCollectionHandler:       handler.NewGetCollectionHandler(collectionService),
		InstallCollectionHandler:   handler.NewInstallCollectionHandler(collectionService),
		UninstallCollectionHandler: handler.NewUninstallCollectionHandler(collectionService),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
