package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// JobsChannel is the pub/sub channel job events are published on.
const JobsChannel = "jobs"

// JobStatusKey holds the last recorded state of a job for cheap polling.
func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:status:%s", jobID)
}

// JobCancelKey is set while a cancellation request awaits the worker.
func JobCancelKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:cancel:%s", jobID)
}

// RateLimitKey counts one user's requests in the current window.
func RateLimitKey(userID string) string {
	return fmt.Sprintf("ratelimit:%s", userID)
}
