// Package finalize writes the outcome of a successful run to the documents
// the job was created for.
package finalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/virtool/jobrunner/internal/job"
	"github.com/virtool/jobrunner/internal/store"
	"github.com/virtool/jobrunner/internal/workflow"
	"github.com/virtool/jobrunner/pkg/models"
)

// ErrNoResults is returned when a run reaches finalization without the
// output its task must produce.
var ErrNoResults = errors.New("run produced no results")

// Store is the write access finalization needs.
type Store interface {
	ListAnalysesBySample(ctx context.Context, sampleID string) ([]*models.Analysis, error)
	FinalizeAnalysis(ctx context.Context, id string, results json.RawMessage, tags store.TagFunc) error
	FinalizeSample(ctx context.Context, id string, quality json.RawMessage) error
	ReleaseUploads(ctx context.Context, ids []string) error
	ActivateIndex(ctx context.Context, id string) error
}

type Finalizer struct {
	store Store
}

func New(s Store) *Finalizer {
	return &Finalizer{store: s}
}

// Finalize persists run's results. It is called once, after the last stage
// has succeeded.
func (f *Finalizer) Finalize(ctx context.Context, run *workflow.Run) error {
	switch args := run.Args.(type) {
	case *job.AnalysisArgs:
		return f.importResults(ctx, args, run.Analysis)
	case *job.CreateSampleArgs:
		return f.finalizeSample(ctx, args, run.Quality)
	case *job.BuildIndexArgs:
		if err := f.store.ActivateIndex(ctx, args.IndexID); err != nil {
			return fmt.Errorf("activate index %s: %w", args.IndexID, err)
		}
		return nil
	}
	return fmt.Errorf("no finalizer for task %q", run.Job.Task)
}

func (f *Finalizer) importResults(ctx context.Context, args *job.AnalysisArgs, results any) error {
	if results == nil {
		return fmt.Errorf("analysis %s: %w", args.AnalysisID, ErrNoResults)
	}
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode analysis results: %w", err)
	}
	// Tags are written with the results so a failed tag write leaves the
	// analysis unready.
	if err := f.store.FinalizeAnalysis(ctx, args.AnalysisID, data, Tags); err != nil {
		return fmt.Errorf("finalize analysis %s: %w", args.AnalysisID, err)
	}
	return nil
}

func (f *Finalizer) finalizeSample(ctx context.Context, args *job.CreateSampleArgs, q *workflow.Quality) error {
	if q == nil {
		return fmt.Errorf("sample %s: %w", args.SampleID, ErrNoResults)
	}
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode quality: %w", err)
	}
	if err := f.store.FinalizeSample(ctx, args.SampleID, data); err != nil {
		return fmt.Errorf("finalize sample %s: %w", args.SampleID, err)
	}
	if err := f.store.ReleaseUploads(ctx, args.Files); err != nil {
		return fmt.Errorf("release uploads: %w", err)
	}
	return nil
}

// TagStore is what RecalculateWorkflowTags reads and writes.
type TagStore interface {
	ListAnalysesBySample(ctx context.Context, sampleID string) ([]*models.Analysis, error)
	UpdateSampleTags(ctx context.Context, id string, nuvs, pathoscope models.WorkflowTag) error
}

// RecalculateWorkflowTags derives the sample's nuvs and pathoscope tags from
// the analyses it has now.
func RecalculateWorkflowTags(ctx context.Context, s TagStore, sampleID string) error {
	analyses, err := s.ListAnalysesBySample(ctx, sampleID)
	if err != nil {
		return fmt.Errorf("list analyses of sample %s: %w", sampleID, err)
	}
	nuvs, pathoscope := Tags(analyses)
	if err := s.UpdateSampleTags(ctx, sampleID, nuvs, pathoscope); err != nil {
		return fmt.Errorf("update tags of sample %s: %w", sampleID, err)
	}
	slog.Debug("sample tags recalculated", "sample_id", sampleID, "nuvs", int(nuvs), "pathoscope", int(pathoscope))
	return nil
}

// Tags derives both workflow tags of a sample from its analyses.
func Tags(analyses []*models.Analysis) (nuvs, pathoscope models.WorkflowTag) {
	return WorkflowTag(analyses, models.TaskNuVs), WorkflowTag(analyses, models.TaskPathoscope)
}

// WorkflowTag is TagReady if any analysis of workflow is ready, TagPending
// if there are some but none is ready, and TagNone otherwise.
func WorkflowTag(analyses []*models.Analysis, workflow models.Task) models.WorkflowTag {
	tag := models.TagNone
	for _, a := range analyses {
		if a.Workflow != workflow {
			continue
		}
		if a.Ready {
			return models.TagReady
		}
		tag = models.TagPending
	}
	return tag
}

var (
	_ Store         = store.Store(nil)
	_ store.TagFunc = Tags
)
