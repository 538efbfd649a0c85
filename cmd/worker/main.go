// Package main is the entrypoint for a job worker. A worker claims jobs
// that fit its capacity and runs their workflows on this host.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/virtool/jobrunner/internal/cache"
	"github.com/virtool/jobrunner/internal/config"
	"github.com/virtool/jobrunner/internal/events"
	"github.com/virtool/jobrunner/internal/files"
	"github.com/virtool/jobrunner/internal/finalize"
	"github.com/virtool/jobrunner/internal/job"
	"github.com/virtool/jobrunner/internal/queue"
	"github.com/virtool/jobrunner/internal/store"
	"github.com/virtool/jobrunner/internal/subprocess"
	"github.com/virtool/jobrunner/internal/worker"
	"github.com/virtool/jobrunner/internal/workflow"
	"golang.org/x/sync/errgroup"
)

// flag names
const (
	flagID                 = "id"
	flagProc               = "proc"
	flagMem                = "mem"
	flagTasks              = "tasks"
	flagPollInterval       = "poll-interval"
	flagHeartbeatInterval  = "heartbeat-interval"
	flagCancelPollInterval = "cancel-poll-interval"
)

const (
	statusCacheTTL     = 24 * time.Hour
	cacheCheckInterval = 30 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobrunner-worker",
		Short: "Run jobs from the queue",
		Long: `Claims queued jobs that fit the worker's processor and memory capacity
and runs their workflows. Flags override the matching environment variables.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level: cfg.Log.Level,
			})))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.String(flagID, "", "Worker id; claims survive restarts under the same id (env: VT_WORKER_ID)")
	f.Int(flagProc, 0, "Processors available to jobs (env: VT_WORKER_PROC)")
	f.Int(flagMem, 0, "Memory in GB available to jobs (env: VT_WORKER_MEM)")
	f.String(flagTasks, "", "Comma-separated tasks to accept; empty accepts all (env: VT_WORKER_TASKS)")
	f.Duration(flagPollInterval, 0, "Delay between empty queue polls (env: VT_POLL_INTERVAL)")
	f.Duration(flagHeartbeatInterval, 0, "Heartbeat period while a job runs (env: VT_HEARTBEAT_INTERVAL)")
	f.Duration(flagCancelPollInterval, 0, "Cancellation check period (env: VT_CANCEL_POLL_INTERVAL)")
	return cmd
}

// loadConfig reads the environment and applies the flags that were set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}
	if cfg.Worker.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("worker id: %w", err)
		}
		cfg.Worker.ID = host
	}
	if err := cfg.ValidateWorker(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	var err error
	if f.Changed(flagID) {
		cfg.Worker.ID, _ = f.GetString(flagID)
	}
	if f.Changed(flagProc) {
		cfg.Worker.Proc, _ = f.GetInt(flagProc)
	}
	if f.Changed(flagMem) {
		cfg.Worker.Mem, _ = f.GetInt(flagMem)
	}
	if f.Changed(flagTasks) {
		v, _ := f.GetString(flagTasks)
		if cfg.Worker.Tasks, err = config.ParseTasks(v); err != nil {
			return fmt.Errorf("--%s: %w", flagTasks, err)
		}
	}
	if f.Changed(flagPollInterval) {
		cfg.Worker.PollInterval, _ = f.GetDuration(flagPollInterval)
	}
	if f.Changed(flagHeartbeatInterval) {
		cfg.Worker.HeartbeatInterval, _ = f.GetDuration(flagHeartbeatInterval)
	}
	if f.Changed(flagCancelPollInterval) {
		cfg.Worker.CancelPollInterval, _ = f.GetDuration(flagCancelPollInterval)
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	log := slog.With("worker_id", cfg.Worker.ID)

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	pgStore := store.NewPostgresStore(pool)
	publisher := events.NewCachePublisher(redisCache, cache.JobsChannel)
	recorder := job.NewRecorder(pgStore, publisher, job.WithStateCache(redisCache, statusCacheTTL))
	q := queue.New(pgStore, recorder, redisCache,
		queue.WithScanLimit(cfg.Queue.ScanLimit),
		queue.WithCancelTTL(cfg.Queue.CancelFlagTTL),
	)

	w := worker.New(worker.Config{
		ID:                 cfg.Worker.ID,
		Proc:               cfg.Worker.Proc,
		Mem:                cfg.Worker.Mem,
		Tasks:              cfg.Worker.Tasks,
		PollInterval:       cfg.Worker.PollInterval,
		HeartbeatInterval:  cfg.Worker.HeartbeatInterval,
		CancelPollInterval: cfg.Worker.CancelPollInterval,
	}, worker.Deps{
		Queue:    q,
		Store:    pgStore,
		Recorder: recorder,
		Env: &workflow.Env{
			Store: pgStore,
			Layout: files.Layout{
				DataPath: cfg.Storage.DataPath,
				TempPath: cfg.Storage.TempPath,
				HMMDir:   cfg.Storage.HMMPath,
			},
			Tools:  cfg.Tools,
			Runner: subprocess.NewExecRunner(),
		},
		Finalizer: finalize.New(pgStore),
		Flags:     redisCache,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error {
		watchCache(gctx, redisCache, log)
		return nil
	})
	return g.Wait()
}

// watchCache logs while Redis is unreachable. Cancellation flags and events
// go through it, so an outage is worth surfacing before jobs misbehave.
func watchCache(ctx context.Context, c *cache.RedisCache, log *slog.Logger) {
	t := time.NewTicker(cacheCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.Ping(ctx); err != nil && ctx.Err() == nil {
				log.Warn("redis unreachable", "error", err)
			}
		}
	}
}
