package middleware

import (
	"context"
	"net/http"

	"github.com/virtool/jobrunner/pkg/models"
)

type contextKey string

const (
	userIDKey     contextKey = "user_id"
	jobKey        contextKey = "job"
	requestIDKey  contextKey = "request_id"
	requestLogKey contextKey = "request_log"
)

func SetUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func GetUserID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(userIDKey).(string)
	return id, ok && id != ""
}

// SetJob stores the job a request authenticated as.
func SetJob(ctx context.Context, j *models.Job) context.Context {
	return context.WithValue(ctx, jobKey, j)
}

// GetJob returns the job set by AuthenticateJob.
func GetJob(r *http.Request) (*models.Job, bool) {
	j, ok := r.Context().Value(jobKey).(*models.Job)
	return j, ok && j != nil
}
