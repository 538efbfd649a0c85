package models

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the state recorded in a job status entry.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateRunning   JobState = "running"
	JobStateComplete  JobState = "complete"
	JobStateError     JobState = "error"
	JobStateCancelled JobState = "cancelled"
)

// TerminalStates are sticky: once one is recorded the status history is closed.
var TerminalStates = []JobState{JobStateComplete, JobStateError, JobStateCancelled}

// Terminal reports whether no further status entries may follow s.
func (s JobState) Terminal() bool {
	return s == JobStateComplete || s == JobStateError || s == JobStateCancelled
}

// Valid reports whether s is one of the five known states.
func (s JobState) Valid() bool {
	switch s {
	case JobStateWaiting, JobStateRunning, JobStateComplete, JobStateError, JobStateCancelled:
		return true
	}
	return false
}

// Task names a supported workflow. The set is closed; see job.ParseTask.
type Task string

const (
	TaskCreateSample Task = "create_sample"
	TaskNuVs         Task = "nuvs"
	TaskPathoscope   Task = "pathoscope_bowtie"
	TaskBuildIndex   Task = "build_index"
)

// Tasks lists every supported task in a stable order.
var Tasks = []Task{TaskCreateSample, TaskNuVs, TaskPathoscope, TaskBuildIndex}

// IsAnalysis reports whether the task produces an analysis document.
func (t Task) IsAnalysis() bool {
	return t == TaskNuVs || t == TaskPathoscope
}

// QueueState tracks a job from the dispatcher's point of view.
type QueueState string

const (
	QueueStateNone    QueueState = ""
	QueueStateQueued  QueueState = "queued"
	QueueStateClaimed QueueState = "claimed"
	QueueStateRemoved QueueState = "removed"
)

// ErrorKind classifies the cause of an error status.
type ErrorKind string

const (
	ErrorKindSubprocess   ErrorKind = "subprocess"
	ErrorKindOutOfMemory  ErrorKind = "out_of_memory"
	ErrorKindStage        ErrorKind = "stage"
	ErrorKindFinalization ErrorKind = "finalization"
	ErrorKindWorkerLost   ErrorKind = "worker_lost"
	ErrorKindPanic        ErrorKind = "panic"
)

// JobError is the structured error attached to an error status entry.
type JobError struct {
	Kind    ErrorKind      `json:"kind"`
	Stage   string         `json:"stage,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// StatusEntry is one element of a job's status history. Stage is empty
// before the first pipeline stage starts.
type StatusEntry struct {
	State     JobState  `json:"state"`
	Stage     string    `json:"stage,omitempty"`
	Progress  float64   `json:"progress"`
	Error     *JobError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is the canonical job document. Args are opaque to everything but the
// task's argument decoder and never change after creation.
type Job struct {
	ID          uuid.UUID      `db:"id"           json:"id"`
	Task        Task           `db:"task"         json:"task"`
	Args        map[string]any `db:"args"         json:"args"`
	Rights      []Right        `db:"rights"       json:"rights"`
	Status      []StatusEntry  `db:"status"       json:"status"`
	Proc        int            `db:"proc"         json:"proc"`
	Mem         int            `db:"mem"          json:"mem"`
	UserID      string         `db:"user_id"      json:"user_id"`
	KeyHash     string         `db:"key_hash"     json:"-"`
	QueueState  QueueState     `db:"queue_state"  json:"queue_state"`
	EnqueueSeq  *int64         `db:"enqueue_seq"  json:"-"`
	WorkerID    string         `db:"worker_id"    json:"worker_id,omitempty"`
	ClaimedAt   *time.Time     `db:"claimed_at"   json:"claimed_at,omitempty"`
	HeartbeatAt *time.Time     `db:"heartbeat_at" json:"heartbeat_at,omitempty"`
	Version     int            `db:"version"      json:"version"`
	CreatedAt   time.Time      `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"   json:"updated_at"`
}

// Current returns the latest status entry, or the zero entry for a job that
// has not been through job.New.
func (j *Job) Current() StatusEntry {
	if len(j.Status) == 0 {
		return StatusEntry{}
	}
	return j.Status[len(j.Status)-1]
}

// State is the state of the latest status entry.
func (j *Job) State() JobState {
	return j.Current().State
}

// JobSummary is the client-facing projection of a job with the latest status
// flattened to the top level.
type JobSummary struct {
	ID        uuid.UUID `json:"id"`
	Task      Task      `json:"task"`
	UserID    string    `json:"user_id"`
	State     JobState  `json:"state"`
	Stage     string    `json:"stage,omitempty"`
	Progress  float64   `json:"progress"`
	Error     *JobError `json:"error,omitempty"`
	Proc      int       `json:"proc"`
	Mem       int       `json:"mem"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
