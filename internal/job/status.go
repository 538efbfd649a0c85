package job

import (
	"fmt"
	"time"

	"github.com/virtool/jobrunner/pkg/models"
)

var transitions = map[models.JobState][]models.JobState{
	models.JobStateWaiting: {models.JobStateRunning, models.JobStateError, models.JobStateCancelled},
	models.JobStateRunning: {models.JobStateRunning, models.JobStateComplete, models.JobStateError, models.JobStateCancelled},
}

// CanTransition reports whether a status entry in state to may follow one
// in state from.
func CanTransition(from, to models.JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AppendStatus returns a copy of j with a new status entry. A running entry
// following a running entry replaces it, so a job has one entry for its
// whole running period. The input job is never modified.
func AppendStatus(j *models.Job, state models.JobState, stage string, progress float64, jerr *models.JobError) (*models.Job, error) {
	current := j.State()
	if !CanTransition(current, state) {
		return nil, &InvalidTransitionError{JobID: j.ID, From: current, To: state}
	}
	if progress < 0 || progress > 1 {
		return nil, &ValidationError{Field: "progress", Message: fmt.Sprintf("must be within [0, 1], got %v", progress)}
	}
	if jerr != nil && state != models.JobStateError {
		return nil, &ValidationError{Field: "error", Message: "only error entries carry an error"}
	}

	now := time.Now().UTC()
	entry := models.StatusEntry{
		State:     state,
		Stage:     stage,
		Progress:  progress,
		Error:     jerr,
		Timestamp: now,
	}

	next := *j
	if current == models.JobStateRunning && state == models.JobStateRunning {
		next.Status = make([]models.StatusEntry, len(j.Status))
		copy(next.Status, j.Status)
		next.Status[len(next.Status)-1] = entry
	} else {
		next.Status = make([]models.StatusEntry, len(j.Status), len(j.Status)+1)
		copy(next.Status, j.Status)
		next.Status = append(next.Status, entry)
	}
	next.UpdatedAt = now
	return &next, nil
}
