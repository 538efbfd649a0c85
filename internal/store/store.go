package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/virtool/jobrunner/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")
	// ErrConflict is returned when a conditional write finds the document
	// in a different version or queue state than the caller expected.
	ErrConflict = errors.New("conditional update conflict")
	// ErrTerminal is returned when a status write targets a job whose
	// current state is terminal.
	ErrTerminal = errors.New("job is in a terminal state")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	JobStore
	AnalysisStore
	SampleStore
	ReferenceStore
	UserStore
}

// JobStore persists job documents and their dispatch state.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	FindJobIDsByState(ctx context.Context, states ...models.JobState) ([]uuid.UUID, error)

	// UpdateJobStatus replaces the status history iff the stored version is
	// expectedVersion and the stored state is not terminal. It returns the
	// new version.
	UpdateJobStatus(ctx context.Context, id uuid.UUID, expectedVersion int, status []models.StatusEntry) (int, error)

	// EnqueueJob makes an unqueued job claimable. Enqueuing a queued job
	// is a no-op.
	EnqueueJob(ctx context.Context, id uuid.UUID) error
	// ClaimJob atomically selects the oldest queued job that fits the
	// request among the first ScanLimit queued jobs and marks it claimed.
	// It returns ErrNotFound when nothing fits.
	ClaimJob(ctx context.Context, req ClaimRequest) (*models.Job, error)
	// ReleaseJob returns a claimed job that is still waiting to the queue
	// at its original position.
	ReleaseJob(ctx context.Context, id uuid.UUID, workerID string) error
	// RemoveQueuedJob takes a job that has not been claimed out of the queue.
	RemoveQueuedJob(ctx context.Context, id uuid.UUID) error
	TouchJob(ctx context.Context, id uuid.UUID, workerID string) error
	ListStaleClaims(ctx context.Context, heartbeatBefore time.Time) ([]*models.Job, error)
	ListClaimedBy(ctx context.Context, workerID string) ([]*models.Job, error)
}

// TagFunc derives a sample's nuvs and pathoscope tags from its analyses.
type TagFunc func(analyses []*models.Analysis) (nuvs, pathoscope models.WorkflowTag)

// AnalysisStore persists analysis documents.
type AnalysisStore interface {
	CreateAnalysis(ctx context.Context, a *models.Analysis) error
	GetAnalysis(ctx context.Context, id string) (*models.Analysis, error)
	ListAnalysesBySample(ctx context.Context, sampleID string) ([]*models.Analysis, error)
	// FinalizeAnalysis writes results, sets ready and stores the sample tags
	// that tags derives from the sample's analyses after the write. Either
	// all of it is written or nothing is. It fails with ErrConflict if the
	// analysis is already ready and ErrNotFound if it or its sample is gone.
	FinalizeAnalysis(ctx context.Context, id string, results json.RawMessage, tags TagFunc) error
	DeleteAnalysis(ctx context.Context, id string) error
}

// SampleStore persists samples and the uploads they are created from.
type SampleStore interface {
	CreateSample(ctx context.Context, s *models.Sample) error
	GetSample(ctx context.Context, id string) (*models.Sample, error)
	UpdateSampleTags(ctx context.Context, id string, nuvs, pathoscope models.WorkflowTag) error
	// FinalizeSample stores the quality report and sets ready. It fails
	// with ErrConflict if the sample is already ready.
	FinalizeSample(ctx context.Context, id string, quality json.RawMessage) error

	CreateUpload(ctx context.Context, u *models.Upload) error
	GetUpload(ctx context.Context, id string) (*models.Upload, error)
	ReleaseUploads(ctx context.Context, ids []string) error
}

// ReferenceStore persists indexes, reference sequences and subtractions.
type ReferenceStore interface {
	CreateIndex(ctx context.Context, idx *models.Index) error
	GetIndex(ctx context.Context, id string) (*models.Index, error)
	ActivateIndex(ctx context.Context, id string) error
	CreateOTUSequence(ctx context.Context, seq *models.OTUSequence) error
	ListOTUSequences(ctx context.Context, referenceID string) ([]*models.OTUSequence, error)
	CreateSubtraction(ctx context.Context, s *models.Subtraction) error
	GetSubtraction(ctx context.Context, id string) (*models.Subtraction, error)
}

// UserStore persists users, their grants and API keys.
type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	AddUserGrant(ctx context.Context, userID string, r models.Right) error
	GetUserPermissions(ctx context.Context, userID string) (models.UserPermissions, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID string) error
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	UserID string
	State  models.JobState
	Task   models.Task
	Page   int
	Limit  int
}

// ClaimRequest describes a worker asking for a job. An empty Tasks list
// accepts every task.
type ClaimRequest struct {
	WorkerID  string
	Proc      int
	Mem       int
	Tasks     []models.Task
	ScanLimit int
	KeyHash   string
}

// Fits reports whether job j can be handed to the claimant.
func (r ClaimRequest) Fits(j *models.Job) bool {
	if j.Proc > r.Proc || j.Mem > r.Mem {
		return false
	}
	if len(r.Tasks) == 0 {
		return true
	}
	for _, t := range r.Tasks {
		if t == j.Task {
			return true
		}
	}
	return false
}

func normalizePage(page, limit int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}
	return page, limit
}
