// Package pipeline drives a claimed job through its stages and turns each
// outcome into a status entry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/virtool/jobrunner/internal/subprocess"
	"github.com/virtool/jobrunner/pkg/models"
)

// StageFunc does the work of one stage. It must not write job status.
type StageFunc func(ctx context.Context, tok *Token) error

// Stage is one named step of a plan.
type Stage struct {
	Name string
	Run  StageFunc
}

// Plan is everything the driver needs to run one job.
type Plan struct {
	Stages []Stage
	// Finalize persists the results once every stage has succeeded.
	Finalize func(ctx context.Context) error
	// Cleanup always runs after the outcome is recorded. Failures are
	// logged and never change the outcome.
	Cleanup []Stage
}

// StatusRecorder writes status entries for a job.
type StatusRecorder interface {
	Record(ctx context.Context, j *models.Job, state models.JobState, stage string, progress float64, jerr *models.JobError) (*models.Job, error)
}

// PanicError wraps a value recovered from a panicking stage.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

type Driver struct {
	recorder StatusRecorder
}

func NewDriver(rec StatusRecorder) *Driver {
	return &Driver{recorder: rec}
}

// Run executes plan for j and records the outcome. Stage, cancellation and
// finalization outcomes are all recorded as status entries and are not
// returned; the returned error only reports a failure to write status.
//
// ctx bounds the stages and their subprocesses. Status writes and cleanup
// outlive it so that a worker shutting down still records what happened.
func (d *Driver) Run(ctx context.Context, j *models.Job, plan Plan, tok *Token) (*models.Job, error) {
	if len(plan.Stages) == 0 {
		return nil, fmt.Errorf("job %s: plan has no stages", j.ID)
	}
	wctx := context.WithoutCancel(ctx)
	log := slog.With("job_id", j.ID, "task", j.Task)
	defer d.cleanup(wctx, log, plan.Cleanup)

	total := float64(len(plan.Stages))
	cur, err := d.recorder.Record(wctx, j, models.JobStateRunning, plan.Stages[0].Name, 0, nil)
	if err != nil {
		return nil, err
	}

	for i, st := range plan.Stages {
		progress := float64(i) / total
		if tok.Cancelled() {
			log.Info("job cancelled", "stage", st.Name)
			return d.recorder.Record(wctx, cur, models.JobStateCancelled, st.Name, progress, nil)
		}
		if i > 0 {
			if cur, err = d.recorder.Record(wctx, cur, models.JobStateRunning, st.Name, progress, nil); err != nil {
				return nil, err
			}
		}

		log.Debug("stage started", "stage", st.Name)
		err := runStage(ctx, st.Run, tok)
		if err == nil {
			continue
		}

		if errors.Is(err, ErrCancelled) {
			log.Info("job cancelled", "stage", st.Name)
			return d.recorder.Record(wctx, cur, models.JobStateCancelled, st.Name, progress, nil)
		}
		jerr := Classify(err, st.Name)
		if ctx.Err() != nil {
			jerr = &models.JobError{
				Kind:    models.ErrorKindWorkerLost,
				Stage:   st.Name,
				Message: "worker shut down during stage: " + err.Error(),
			}
		}
		log.Error("stage failed", "stage", st.Name, "kind", jerr.Kind, "error", err)
		return d.recorder.Record(wctx, cur, models.JobStateError, st.Name, progress, jerr)
	}

	last := plan.Stages[len(plan.Stages)-1].Name
	if plan.Finalize != nil {
		if err := finalize(wctx, plan.Finalize); err != nil {
			log.Error("finalization failed", "error", err)
			jerr := &models.JobError{Kind: models.ErrorKindFinalization, Stage: last, Message: err.Error()}
			return d.recorder.Record(wctx, cur, models.JobStateError, last, cur.Current().Progress, jerr)
		}
	}

	log.Info("job complete")
	return d.recorder.Record(wctx, cur, models.JobStateComplete, last, 1, nil)
}

func (d *Driver) cleanup(ctx context.Context, log *slog.Logger, steps []Stage) {
	tok := NewToken()
	for _, st := range steps {
		if err := runStage(ctx, st.Run, tok); err != nil {
			log.Warn("cleanup step failed", "step", st.Name, "error", err)
		}
	}
}

func runStage(ctx context.Context, fn StageFunc, tok *Token) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return fn(ctx, tok)
}

func finalize(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// Classify turns a stage failure into the structured error stored on the
// job.
func Classify(err error, stage string) *models.JobError {
	jerr := &models.JobError{Kind: models.ErrorKindStage, Stage: stage, Message: err.Error()}

	var serr *subprocess.Error
	var perr *PanicError
	switch {
	case errors.As(err, &serr):
		jerr.Kind = models.ErrorKindSubprocess
		if serr.OutOfMemory {
			jerr.Kind = models.ErrorKindOutOfMemory
		}
		jerr.Details = map[string]any{
			"command":   serr.Command,
			"exit_code": serr.ExitCode,
			"stderr":    serr.Stderr,
		}
	case errors.As(err, &perr):
		jerr.Kind = models.ErrorKindPanic
		jerr.Details = map[string]any{"stack": string(perr.Stack)}
	}
	return jerr
}
