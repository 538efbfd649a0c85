// Package queue dispatches waiting jobs to workers. The queue itself lives
// in the job store: the queue_state column, an enqueue sequence for FIFO
// order and an atomic claim statement.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/virtool/jobrunner/internal/job"
	"github.com/virtool/jobrunner/internal/store"
	"github.com/virtool/jobrunner/pkg/models"
)

var (
	// ErrEmpty is returned by Claim when no queued job fits the request.
	ErrEmpty = errors.New("no fitting job queued")
	// ErrNotQueued is returned by Release for a job that is not claimed by
	// the caller or has already started.
	ErrNotQueued = errors.New("job is not held in the queue")
)

const (
	DefaultScanLimit = 50
	DefaultCancelTTL = 24 * time.Hour
)

// CancelSignal delivers a cancellation request to the worker that owns a job.
type CancelSignal interface {
	RequestCancel(ctx context.Context, jobID uuid.UUID, ttl time.Duration) error
}

// Queue is the dispatch side of the job lifecycle.
type Queue struct {
	store     store.JobStore
	recorder  *job.Recorder
	signal    CancelSignal
	scanLimit int
	cancelTTL time.Duration
}

type Option func(*Queue)

// WithScanLimit bounds how many queued jobs a claim inspects for a fit.
func WithScanLimit(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.scanLimit = n
		}
	}
}

// WithCancelTTL sets how long a cancellation request stays visible.
func WithCancelTTL(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.cancelTTL = d
		}
	}
}

func New(s store.JobStore, rec *job.Recorder, sig CancelSignal, opts ...Option) *Queue {
	q := &Queue{
		store:     s,
		recorder:  rec,
		signal:    sig,
		scanLimit: DefaultScanLimit,
		cancelTTL: DefaultCancelTTL,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue makes a job claimable. Enqueuing a job that is already queued is
// a no-op.
func (q *Queue) Enqueue(ctx context.Context, id uuid.UUID) error {
	if err := q.store.EnqueueJob(ctx, id); err != nil {
		return fmt.Errorf("enqueue job %s: %w", id, err)
	}
	return nil
}

// Claim hands the oldest queued job that fits the request to the caller.
// Larger jobs ahead of it in the queue are skipped, not waited on.
func (q *Queue) Claim(ctx context.Context, req store.ClaimRequest) (*models.Job, error) {
	if req.ScanLimit <= 0 {
		req.ScanLimit = q.scanLimit
	}
	j, err := q.store.ClaimJob(ctx, req)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	slog.Info("job claimed", "job_id", j.ID, "task", j.Task, "worker_id", req.WorkerID)
	return j, nil
}

// Release puts a claimed job that has not started running back in the
// queue at its original position.
func (q *Queue) Release(ctx context.Context, id uuid.UUID, workerID string) error {
	err := q.store.ReleaseJob(ctx, id, workerID)
	if errors.Is(err, store.ErrConflict) {
		return ErrNotQueued
	}
	if err != nil {
		return fmt.Errorf("release job %s: %w", id, err)
	}
	slog.Info("job released", "job_id", id, "worker_id", workerID)
	return nil
}

// Cancel cancels a job. A job that has not been claimed is taken out of
// the queue and recorded as cancelled here. A claimed job is left to its
// worker, which observes the request between stages and records the
// outcome itself. The returned job is the document as it stands after the
// call.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := q.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if j.State().Terminal() {
		return nil, &job.InvalidTransitionError{JobID: id, From: j.State(), To: models.JobStateCancelled}
	}

	if j.QueueState != models.QueueStateClaimed {
		err := q.store.RemoveQueuedJob(ctx, id)
		switch {
		case err == nil:
			return q.recorder.Record(ctx, j, models.JobStateCancelled, j.Current().Stage, j.Current().Progress, nil)
		case errors.Is(err, store.ErrConflict):
			// Claimed between the read and the removal.
		default:
			return nil, fmt.Errorf("remove job %s from queue: %w", id, err)
		}
	}

	if err := q.signal.RequestCancel(ctx, id, q.cancelTTL); err != nil {
		return nil, fmt.Errorf("signal cancellation of job %s: %w", id, err)
	}
	slog.Info("cancellation requested", "job_id", id, "worker_id", j.WorkerID)
	return j, nil
}
