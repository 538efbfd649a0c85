package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/virtool/jobrunner/internal/files"
	"github.com/virtool/jobrunner/internal/job"
	"github.com/virtool/jobrunner/internal/pipeline"
	"github.com/virtool/jobrunner/pkg/models"
)

// analysisBase holds the stages nuvs and pathoscope share.
type analysisBase struct {
	env  *Env
	run  *Run
	args *job.AnalysisArgs

	analysisPath string
	sample       *models.Sample
	// reads are the sample's read files staged into the temp dir.
	reads []string
}

func (a *analysisBase) indexPrefix() string {
	return filepath.Join(a.env.Layout.IndexPath(a.args.ReferenceID, a.args.IndexID), "reference")
}

func (a *analysisBase) makeAnalysisDir(ctx context.Context, _ *pipeline.Token) error {
	a.analysisPath = a.env.Layout.AnalysisPath(a.args.SampleID, a.args.AnalysisID)
	if err := files.MakeExclusive(a.analysisPath); err != nil {
		return err
	}
	return os.MkdirAll(a.run.TempDir, 0o755)
}

func (a *analysisBase) prepareReads(ctx context.Context, _ *pipeline.Token) error {
	sample, err := a.env.Store.GetSample(ctx, a.args.SampleID)
	if err != nil {
		return fmt.Errorf("get sample %s: %w", a.args.SampleID, err)
	}
	if !sample.Ready {
		return fmt.Errorf("sample %s is not ready", sample.ID)
	}
	idx, err := a.env.Store.GetIndex(ctx, a.args.IndexID)
	if err != nil {
		return fmt.Errorf("get index %s: %w", a.args.IndexID, err)
	}
	if !idx.Ready || idx.ReferenceID != a.args.ReferenceID {
		return fmt.Errorf("index %s is not a ready index of reference %s", idx.ID, a.args.ReferenceID)
	}
	a.sample = sample

	a.reads = nil
	for _, src := range a.env.Layout.ReadPaths(sample) {
		if _, err := os.Stat(src); err != nil {
			return fmt.Errorf("sample read file: %w", err)
		}
		dst := a.run.tempPath(filepath.Base(src))
		if err := os.Symlink(src, dst); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("stage %s: %w", src, err)
		}
		a.reads = append(a.reads, dst)
	}
	return nil
}

// subtractionPrefix returns the bowtie2 index of the run's subtraction, or
// "" when the analysis has none.
func (a *analysisBase) subtractionPrefix(ctx context.Context) (string, error) {
	if a.args.SubtractionID == "" {
		return "", nil
	}
	sub, err := a.env.Store.GetSubtraction(ctx, a.args.SubtractionID)
	if err != nil {
		return "", fmt.Errorf("get subtraction %s: %w", a.args.SubtractionID, err)
	}
	if !sub.Ready {
		return "", fmt.Errorf("subtraction %s is not ready", sub.ID)
	}
	return a.env.Layout.SubtractionIndexPath(sub.ID), nil
}

func (a *analysisBase) joinedReads() string {
	return strings.Join(a.reads, ",")
}

func (a *analysisBase) writeResults(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	return os.WriteFile(filepath.Join(a.analysisPath, "results.json"), data, 0o644)
}
