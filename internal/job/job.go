// Package job holds the pure operations over job documents: creation,
// status appends and summary projection, plus the recorder that persists
// status writes.
package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/virtool/jobrunner/pkg/models"
)

// New builds a job document with a single waiting status entry. The task
// and args are validated before anything is allocated.
func New(task models.Task, args map[string]any, userID string, rights []models.Right, proc, mem int) (*models.Job, error) {
	if _, err := DecodeArgs(task, args); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Message: "is required"}
	}
	if proc <= 0 {
		return nil, &ValidationError{Field: "proc", Message: fmt.Sprintf("must be positive, got %d", proc)}
	}
	if mem <= 0 {
		return nil, &ValidationError{Field: "mem", Message: fmt.Sprintf("must be positive, got %d", mem)}
	}

	now := time.Now().UTC()
	return &models.Job{
		ID:     uuid.New(),
		Task:   task,
		Args:   args,
		Rights: rights,
		Status: []models.StatusEntry{{
			State:     models.JobStateWaiting,
			Progress:  0,
			Timestamp: now,
		}},
		Proc:      proc,
		Mem:       mem,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
