package job

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/virtool/jobrunner/pkg/models"
)

// ValidationError reports a malformed task name or task arguments. A job
// is never created when one is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// InvalidTransitionError is returned when a status entry cannot follow the
// job's current state. The job document is left unchanged.
type InvalidTransitionError struct {
	JobID uuid.UUID
	From  models.JobState
	To    models.JobState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}
