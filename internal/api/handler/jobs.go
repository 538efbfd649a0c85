package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/virtool/jobrunner/internal/api/middleware"
	"github.com/virtool/jobrunner/internal/api/response"
	"github.com/virtool/jobrunner/internal/job"
	"github.com/virtool/jobrunner/internal/jobs"
	"github.com/virtool/jobrunner/internal/store"
	"github.com/virtool/jobrunner/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// JobService defines the interface the job handlers depend on.
type JobService interface {
	Create(ctx context.Context, userID string, req jobs.CreateRequest) (*models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewCreateJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Missing user", nil)
			return
		}

		var req jobs.CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}
		if req.Task == "" {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "task is required", nil)
			return
		}

		j, err := svc.Create(r.Context(), userID, req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, j)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs. Only
// the caller's jobs are listed.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Missing user", nil)
			return
		}

		q := r.URL.Query()
		filter := store.JobFilter{UserID: userID, Page: 1, Limit: defaultPageLimit}

		if s := q.Get("state"); s != "" {
			filter.State = models.JobState(s)
			if !filter.State.Valid() {
				response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Unknown job state "+strconv.Quote(s), nil)
				return
			}
		}
		if s := q.Get("task"); s != "" {
			task, err := job.ParseTask(s)
			if err != nil {
				writeError(w, r, err)
				return
			}
			filter.Task = task
		}
		if s := q.Get("page"); s != "" {
			page, err := strconv.Atoi(s)
			if err != nil || page < 1 {
				response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "page must be a positive integer", nil)
				return
			}
			filter.Page = page
		}
		if s := q.Get("limit"); s != "" {
			limit, err := strconv.Atoi(s)
			if err != nil || limit < 1 {
				response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "limit must be a positive integer", nil)
				return
			}
			filter.Limit = min(limit, maxPageLimit)
		}

		list, total, err := svc.List(r.Context(), filter)
		if err != nil {
			writeError(w, r, err)
			return
		}

		summaries := make([]models.JobSummary, len(list))
		for i, j := range list {
			summaries[i] = job.Summarize(j)
		}
		response.Collection(w, summaries, response.Paginate(filter.Page, filter.Limit, total))
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, ok := ownedJob(w, r, svc)
		if !ok {
			return
		}
		response.JSON(w, j)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/cancel. A queued job is cancelled at once and
// returned with 200. A claimed job is only flagged; its worker records the
// cancellation, so the response is 202 with the job as it stands.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, ok := ownedJob(w, r, svc)
		if !ok {
			return
		}

		j, err := svc.Cancel(r.Context(), j.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if j.State() == models.JobStateCancelled {
			response.JSON(w, job.Summarize(j))
			return
		}
		response.Accepted(w, job.Summarize(j))
	}
}

// NewJobRightsHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{jobID}/rights. A job may only read its own rights.
func NewJobRightsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, ok := mw.GetJob(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Missing job", nil)
			return
		}
		if chi.URLParam(r, "jobID") != j.ID.String() {
			response.Error(w, http.StatusForbidden, response.CodeForbidden, "A job may only read its own rights", nil)
			return
		}
		response.JSON(w, map[string]any{
			"job_id": j.ID,
			"rights": j.Rights,
		})
	}
}

// ownedJob loads the job named in the path. Jobs of other users are
// reported as missing.
func ownedJob(w http.ResponseWriter, r *http.Request, svc JobService) (*models.Job, bool) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Missing user", nil)
		return nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid job ID", nil)
		return nil, false
	}

	j, err := svc.Get(r.Context(), id)
	if err == nil && j.UserID != userID {
		err = store.ErrNotFound
	}
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return j, true
}
