// Package main is the entrypoint for the job API server. It accepts and
// cancels jobs, answers job-key callbacks and reaps jobs of lost workers.
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

	"github.com/virtool/jobrunner/internal/api"
	"github.com/virtool/jobrunner/internal/api/handler"
	mw "github.com/virtool/jobrunner/internal/api/middleware"
	"github.com/virtool/jobrunner/internal/api/response"
	"github.com/virtool/jobrunner/internal/cache"
	"github.com/virtool/jobrunner/internal/config"
	"github.com/virtool/jobrunner/internal/events"
	"github.com/virtool/jobrunner/internal/job"
	"github.com/virtool/jobrunner/internal/jobs"
	"github.com/virtool/jobrunner/internal/queue"
	"github.com/virtool/jobrunner/internal/rights"
	"github.com/virtool/jobrunner/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const (
	shutdownTimeout = 30 * time.Second
	statusCacheTTL  = 24 * time.Hour
	requestsPerMin  = 60
)

func main() {
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
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.Level,
	})))
	slog.Info("config loaded", "env", cfg.Server.Env, "admin_bypass", cfg.Rights.AdministratorBypass)

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
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
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

	// 5. Assemble the job lifecycle
	pgStore := store.NewPostgresStore(pool)
	publisher := events.NewCachePublisher(redisCache, cache.JobsChannel)
	recorder := job.NewRecorder(pgStore, publisher, job.WithStateCache(redisCache, statusCacheTTL))
	q := queue.New(pgStore, recorder, redisCache,
		queue.WithScanLimit(cfg.Queue.ScanLimit),
		queue.WithCancelTTL(cfg.Queue.CancelFlagTTL),
	)
	svc := jobs.NewService(pgStore, rights.Policy{AdministratorBypass: cfg.Rights.AdministratorBypass}, q, publisher)

	if _, err := svc.Recover(ctx); err != nil {
		return fmt.Errorf("recover unqueued jobs: %w", err)
	}

	reaper := queue.NewReaper(pgStore, recorder, cfg.Queue.HeartbeatTimeout)
	if err := reaper.Start(ctx, cfg.Queue.ReapSchedule); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}
	defer reaper.Stop()

	// 6. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, requestsPerMin)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache),

		CreateJobHandler: handler.NewCreateJobHandler(svc),
		ListJobsHandler:  handler.NewListJobsHandler(svc),
		GetJobHandler:    handler.NewGetJobHandler(svc),
		CancelJobHandler: handler.NewCancelJobHandler(svc),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore, bcrypt.DefaultCost),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),

		JobRightsHandler: handler.NewJobRightsHandler(),
		GetSampleHandler: handler.NewGetSampleHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
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

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, response.CodeDegraded,
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
