// Package worker claims jobs from the queue and runs them one at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/virtool/jobrunner/internal/finalize"
	"github.com/virtool/jobrunner/internal/job"
	"github.com/virtool/jobrunner/internal/pipeline"
	"github.com/virtool/jobrunner/internal/queue"
	"github.com/virtool/jobrunner/internal/store"
	"github.com/virtool/jobrunner/internal/workflow"
	"github.com/virtool/jobrunner/pkg/models"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

// CancelFlags is where cancellation requests for claimed jobs appear.
type CancelFlags interface {
	CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error)
	ClearCancel(ctx context.Context, jobID uuid.UUID) error
}

// Store is the job store access a worker needs beyond the queue.
type Store interface {
	TouchJob(ctx context.Context, id uuid.UUID, workerID string) error
	ListClaimedBy(ctx context.Context, workerID string) ([]*models.Job, error)
}

type Config struct {
	ID    string
	Proc  int
	Mem   int
	Tasks []models.Task

	PollInterval       time.Duration
	MaxPollInterval    time.Duration
	HeartbeatInterval  time.Duration
	CancelPollInterval time.Duration
	// KeyCost is the bcrypt cost of job key hashes.
	KeyCost int
}

func (c *Config) setDefaults() {
	if c.ID == "" {
		c.ID = "worker-" + uuid.NewString()[:8]
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = 8 * c.PollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = 2 * time.Second
	}
	if c.KeyCost == 0 {
		c.KeyCost = bcrypt.DefaultCost
	}
}

// Deps are the collaborators a worker is built from.
type Deps struct {
	Queue     *queue.Queue
	Store     Store
	Recorder  *job.Recorder
	Env       *workflow.Env
	Finalizer *finalize.Finalizer
	Flags     CancelFlags
}

type Worker struct {
	cfg    Config
	deps   Deps
	driver *pipeline.Driver
	log    *slog.Logger

	// key is generated ahead of a claim and reused until one succeeds.
	key, keyHash string
}

func New(cfg Config, deps Deps) *Worker {
	cfg.setDefaults()
	return &Worker{
		cfg:    cfg,
		deps:   deps,
		driver: pipeline.NewDriver(deps.Recorder),
		log:    slog.With("worker_id", cfg.ID),
	}
}

func (w *Worker) ID() string { return w.cfg.ID }

// Run recovers jobs left claimed by an earlier process with the same id,
// then claims and runs jobs until ctx is cancelled. Polling backs off while
// the queue has nothing that fits.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Recover(ctx); err != nil {
		return err
	}
	w.log.Info("worker started", "proc", w.cfg.Proc, "mem", w.cfg.Mem, "tasks", w.cfg.Tasks)

	delay := w.cfg.PollInterval
	for {
		ran, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			w.log.Info("worker stopped")
			return nil
		}
		switch {
		case err != nil:
			w.log.Error("run failed", "error", err)
		case ran:
			delay = w.cfg.PollInterval
			continue
		}

		select {
		case <-ctx.Done():
			w.log.Info("worker stopped")
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, w.cfg.MaxPollInterval)
	}
}

// Recover handles jobs this worker id still holds claims on. Jobs that
// never started go back to the queue; jobs that were running are failed
// because their working state is gone.
func (w *Worker) Recover(ctx context.Context) error {
	held, err := w.deps.Store.ListClaimedBy(ctx, w.cfg.ID)
	if err != nil {
		return fmt.Errorf("list claimed jobs: %w", err)
	}
	for _, j := range held {
		switch j.State() {
		case models.JobStateWaiting:
			if err := w.deps.Queue.Release(ctx, j.ID, w.cfg.ID); err != nil && !errors.Is(err, queue.ErrNotQueued) {
				return err
			}
		case models.JobStateRunning:
			jerr := &models.JobError{
				Kind:    models.ErrorKindWorkerLost,
				Stage:   j.Current().Stage,
				Message: fmt.Sprintf("worker %s restarted while the job was running", w.cfg.ID),
			}
			_, err := w.deps.Recorder.Record(ctx, j, models.JobStateError, j.Current().Stage, j.Current().Progress, jerr)
			var invalid *job.InvalidTransitionError
			if err != nil && !errors.As(err, &invalid) && !errors.Is(err, store.ErrConflict) {
				return err
			}
		}
		w.log.Info("recovered job from previous run", "job_id", j.ID, "state", j.State())
	}
	return nil
}

// RunOnce claims one job and runs it to an outcome. It reports false when
// nothing fitting was queued.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if w.keyHash == "" {
		key, hash, err := job.NewKey(w.cfg.KeyCost)
		if err != nil {
			return false, err
		}
		w.key, w.keyHash = key, hash
	}

	j, err := w.deps.Queue.Claim(ctx, store.ClaimRequest{
		WorkerID: w.cfg.ID,
		Proc:     w.cfg.Proc,
		Mem:      w.cfg.Mem,
		Tasks:    w.cfg.Tasks,
		KeyHash:  w.keyHash,
	})
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	key := w.key
	w.key, w.keyHash = "", ""

	return true, w.execute(ctx, j, key)
}

func (w *Worker) execute(ctx context.Context, j *models.Job, key string) error {
	log := w.log.With("job_id", j.ID, "task", j.Task)
	wctx := context.WithoutCancel(ctx)

	run, plan, err := w.prepare(j, key)
	if err != nil {
		log.Error("job could not be prepared", "error", err)
		jerr := &models.JobError{Kind: models.ErrorKindStage, Message: err.Error()}
		_, rerr := w.deps.Recorder.Record(wctx, j, models.JobStateError, "", 0, jerr)
		return rerr
	}
	plan.Finalize = func(ctx context.Context) error {
		return w.deps.Finalizer.Finalize(ctx, run)
	}

	if ctx.Err() != nil {
		// Stopping before the first stage: the job goes back to the queue
		// untouched. A pending cancellation flag stays for the next worker.
		if err := w.deps.Queue.Release(wctx, j.ID, w.cfg.ID); err != nil {
			return fmt.Errorf("release job %s on shutdown: %w", j.ID, err)
		}
		log.Info("job released on shutdown")
		return ctx.Err()
	}

	tok := pipeline.NewToken()
	w.checkCancel(ctx, j.ID, tok, log)

	watchCtx, stopWatch := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(watchCtx)
	g.Go(func() error { w.heartbeat(gctx, j.ID, log); return nil })
	g.Go(func() error { w.watchCancel(gctx, j.ID, tok, log); return nil })

	log.Info("job started", "proc", run.Proc, "mem", run.Mem)
	final, err := w.driver.Run(ctx, j, plan, tok)

	stopWatch()
	_ = g.Wait()
	if cerr := w.deps.Flags.ClearCancel(wctx, j.ID); cerr != nil {
		log.Warn("clear cancellation flag failed", "error", cerr)
	}
	if err != nil {
		return fmt.Errorf("run job %s: %w", j.ID, err)
	}
	log.Info("job finished", "state", final.State())
	return nil
}

// prepare builds the run and its plan. The allocation is the request
// capped by the worker's capacity.
func (w *Worker) prepare(j *models.Job, key string) (*workflow.Run, pipeline.Plan, error) {
	run, err := workflow.NewRun(j, w.deps.Env.Layout, min(j.Proc, w.cfg.Proc), min(j.Mem, w.cfg.Mem))
	if err != nil {
		return nil, pipeline.Plan{}, err
	}
	run.Key = key
	plan, err := workflow.For(w.deps.Env, run)
	if err != nil {
		return nil, pipeline.Plan{}, err
	}
	return run, plan, nil
}

func (w *Worker) heartbeat(ctx context.Context, id uuid.UUID, log *slog.Logger) {
	t := time.NewTicker(w.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.deps.Store.TouchJob(ctx, id, w.cfg.ID); err != nil && ctx.Err() == nil {
				log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (w *Worker) watchCancel(ctx context.Context, id uuid.UUID, tok *pipeline.Token, log *slog.Logger) {
	t := time.NewTicker(w.cfg.CancelPollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if w.checkCancel(ctx, id, tok, log) {
				return
			}
		}
	}
}

func (w *Worker) checkCancel(ctx context.Context, id uuid.UUID, tok *pipeline.Token, log *slog.Logger) bool {
	requested, err := w.deps.Flags.CancelRequested(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("check cancellation flag failed", "error", err)
		}
		return false
	}
	if requested {
		log.Info("cancellation observed")
		tok.Cancel()
	}
	return requested
}
