package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/virtool/jobrunner/internal/job"
	"github.com/virtool/jobrunner/internal/store"
	"github.com/virtool/jobrunner/pkg/models"
)

// Reaper recovers jobs whose worker stopped sending heartbeats. Claims that
// never started running go back to the queue; running jobs are failed with
// a worker_lost error since their stages are not safe to repeat.
type Reaper struct {
	store    store.JobStore
	recorder *job.Recorder
	timeout  time.Duration
	cron     *cron.Cron
	now      func() time.Time
}

func NewReaper(s store.JobStore, rec *job.Recorder, heartbeatTimeout time.Duration) *Reaper {
	return &Reaper{
		store:    s,
		recorder: rec,
		timeout:  heartbeatTimeout,
		cron:     cron.New(),
		now:      time.Now,
	}
}

// Start runs ReapOnce on the given cron schedule until Stop is called.
func (r *Reaper) Start(ctx context.Context, schedule string) error {
	_, err := r.cron.AddFunc(schedule, func() {
		released, failed, err := r.ReapOnce(ctx)
		if err != nil {
			slog.Error("reap stale claims", "error", err)
			return
		}
		if released+failed > 0 {
			slog.Info("reaped stale claims", "released", released, "failed", failed)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reaper %q: %w", schedule, err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// ReapOnce handles every claim whose heartbeat is older than the timeout.
func (r *Reaper) ReapOnce(ctx context.Context) (released, failed int, err error) {
	stale, err := r.store.ListStaleClaims(ctx, r.now().Add(-r.timeout))
	if err != nil {
		return 0, 0, fmt.Errorf("list stale claims: %w", err)
	}

	for _, j := range stale {
		switch j.State() {
		case models.JobStateWaiting:
			err := r.store.ReleaseJob(ctx, j.ID, j.WorkerID)
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			if err != nil {
				return released, failed, fmt.Errorf("release job %s: %w", j.ID, err)
			}
			slog.Warn("released job from lost worker", "job_id", j.ID, "worker_id", j.WorkerID)
			released++
		case models.JobStateRunning:
			cur := j.Current()
			jerr := &models.JobError{
				Kind:    models.ErrorKindWorkerLost,
				Stage:   cur.Stage,
				Message: fmt.Sprintf("worker %s stopped sending heartbeats", j.WorkerID),
			}
			_, err := r.recorder.Record(ctx, j, models.JobStateError, cur.Stage, cur.Progress, jerr)
			var terr *job.InvalidTransitionError
			if errors.As(err, &terr) || errors.Is(err, store.ErrConflict) {
				// The worker wrote a status after all.
				continue
			}
			if err != nil {
				return released, failed, err
			}
			slog.Warn("failed job of lost worker", "job_id", j.ID, "worker_id", j.WorkerID, "stage", cur.Stage)
			failed++
		}
	}
	return released, failed, nil
}
