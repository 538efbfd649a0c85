package job

import "github.com/virtool/jobrunner/pkg/models"

// Summarize flattens the latest status entry of j into a JobSummary.
func Summarize(j *models.Job) models.JobSummary {
	cur := j.Current()
	return models.JobSummary{
		ID:        j.ID,
		Task:      j.Task,
		UserID:    j.UserID,
		State:     cur.State,
		Stage:     cur.Stage,
		Progress:  cur.Progress,
		Error:     cur.Error,
		Proc:      j.Proc,
		Mem:       j.Mem,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}
