// Package jobs is the API-facing side of the job lifecycle: it turns
// creation requests into queued job documents.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/virtool/jobrunner/internal/events"
	"github.com/virtool/jobrunner/internal/job"
	"github.com/virtool/jobrunner/internal/queue"
	"github.com/virtool/jobrunner/internal/rights"
	"github.com/virtool/jobrunner/internal/store"
	"github.com/virtool/jobrunner/pkg/models"
)

// Store is the persistence the service needs.
type Store interface {
	store.JobStore
	GetUserPermissions(ctx context.Context, userID string) (models.UserPermissions, error)
}

// CreateRequest asks for a new job. Zero Proc or Mem take the task's
// defaults.
type CreateRequest struct {
	Task string         `json:"task"`
	Args map[string]any `json:"args"`
	Proc int            `json:"proc"`
	Mem  int            `json:"mem"`
}

// Resources is a core and memory (GB) request.
type Resources struct {
	Proc int
	Mem  int
}

var defaultResources = map[models.Task]Resources{
	models.TaskNuVs:         {Proc: 2, Mem: 8},
	models.TaskPathoscope:   {Proc: 2, Mem: 4},
	models.TaskCreateSample: {Proc: 2, Mem: 4},
	models.TaskBuildIndex:   {Proc: 2, Mem: 4},
}

// DefaultResources returns what a task is given when the request leaves it
// unset.
func DefaultResources(task models.Task) Resources {
	return defaultResources[task]
}

type Service struct {
	store     Store
	policy    rights.Policy
	queue     *queue.Queue
	publisher events.Publisher
}

func NewService(s Store, policy rights.Policy, q *queue.Queue, p events.Publisher) *Service {
	if p == nil {
		p = events.Nop{}
	}
	return &Service{store: s, policy: policy, queue: q, publisher: p}
}

// Create validates the request, computes the job's rights from the user's
// permissions, stores the job and queues it. Nothing is stored when
// validation or the rights computation fails.
func (s *Service) Create(ctx context.Context, userID string, req CreateRequest) (*models.Job, error) {
	task, err := job.ParseTask(req.Task)
	if err != nil {
		return nil, err
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}
	args, err := job.DecodeArgs(task, req.Args)
	if err != nil {
		return nil, err
	}

	res := DefaultResources(task)
	if req.Proc != 0 {
		res.Proc = req.Proc
	}
	if req.Mem != 0 {
		res.Mem = req.Mem
	}
	if res.Proc < 0 {
		return nil, &job.ValidationError{Field: "proc", Message: fmt.Sprintf("must be positive, got %d", res.Proc)}
	}
	if res.Mem < 0 {
		return nil, &job.ValidationError{Field: "mem", Message: fmt.Sprintf("must be positive, got %d", res.Mem)}
	}

	perms, err := s.store.GetUserPermissions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get permissions of user %s: %w", userID, err)
	}
	grant, err := s.policy.Compute(perms, args.Requires())
	if err != nil {
		return nil, err
	}

	j, err := job.New(task, req.Args, userID, grant, res.Proc, res.Mem)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.publisher.Publish(ctx, events.Event{Type: events.JobCreated, Job: job.Summarize(j)})

	// A job stored but not queued is picked up by Recover.
	if err := s.queue.Enqueue(ctx, j.ID); err != nil {
		return nil, err
	}
	j.QueueState = models.QueueStateQueued
	slog.Info("job created", "job_id", j.ID, "task", task, "user_id", userID, "proc", j.Proc, "mem", j.Mem)
	return j, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Service) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	return s.store.ListJobs(ctx, filter)
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.queue.Cancel(ctx, id)
}

// Recover queues every waiting job that is not in the queue, such as jobs
// whose creation was interrupted between insert and enqueue. It returns the
// number of jobs queued.
func (s *Service) Recover(ctx context.Context) (int, error) {
	ids, err := s.store.FindJobIDsByState(ctx, models.JobStateWaiting)
	if err != nil {
		return 0, fmt.Errorf("find waiting jobs: %w", err)
	}
	n := 0
	for _, id := range ids {
		j, err := s.store.GetJob(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("get job %s: %w", id, err)
		}
		if j.QueueState != models.QueueStateNone {
			continue
		}
		if err := s.queue.Enqueue(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		slog.Info("recovered unqueued jobs", "count", n)
	}
	return n, nil
}
