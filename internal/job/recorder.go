package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/virtool/jobrunner/internal/events"
	"github.com/virtool/jobrunner/internal/store"
	"github.com/virtool/jobrunner/pkg/models"
)

// StatusWriter persists a job's status history with a version check.
type StatusWriter interface {
	UpdateJobStatus(ctx context.Context, id uuid.UUID, expectedVersion int, status []models.StatusEntry) (int, error)
}

// StateCache mirrors the latest state of a job for cheap polling.
type StateCache interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, state string, ttl time.Duration) error
}

// Recorder appends status entries, persists them and announces the change.
// Every status write in the system goes through a Recorder.
type Recorder struct {
	writer    StatusWriter
	publisher events.Publisher
	cache     StateCache
	cacheTTL  time.Duration
}

type RecorderOption func(*Recorder)

// WithStateCache mirrors each recorded state into c for ttl.
func WithStateCache(c StateCache, ttl time.Duration) RecorderOption {
	return func(r *Recorder) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

func NewRecorder(w StatusWriter, p events.Publisher, opts ...RecorderOption) *Recorder {
	if p == nil {
		p = events.Nop{}
	}
	r := &Recorder{writer: w, publisher: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends a status entry to j and writes it conditionally on j's
// version. It returns the updated job; j itself is left unchanged. A write
// rejected because the stored job is already terminal yields an
// InvalidTransitionError.
func (r *Recorder) Record(ctx context.Context, j *models.Job, state models.JobState, stage string, progress float64, jerr *models.JobError) (*models.Job, error) {
	next, err := AppendStatus(j, state, stage, progress, jerr)
	if err != nil {
		return nil, err
	}

	version, err := r.writer.UpdateJobStatus(ctx, j.ID, j.Version, next.Status)
	if errors.Is(err, store.ErrTerminal) {
		return nil, &InvalidTransitionError{JobID: j.ID, From: j.State(), To: state}
	}
	if err != nil {
		return nil, fmt.Errorf("record %s status for job %s: %w", state, j.ID, err)
	}
	next.Version = version

	if r.cache != nil {
		if err := r.cache.SetJobStatus(ctx, j.ID, string(state), r.cacheTTL); err != nil {
			slog.Warn("cache job state", "job_id", j.ID, "error", err)
		}
	}
	r.publisher.Publish(ctx, events.Event{Type: events.JobUpdated, Job: Summarize(next)})
	return next, nil
}
