package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/virtool/jobrunner/internal/files"
	"github.com/virtool/jobrunner/internal/job"
	"github.com/virtool/jobrunner/internal/pipeline"
	"github.com/virtool/jobrunner/internal/subprocess"
	"github.com/virtool/jobrunner/pkg/models"
)

type createSample struct {
	env  *Env
	run  *Run
	args *job.CreateSampleArgs

	samplePath string
	reads      []string
}

func (w *createSample) plan() pipeline.Plan {
	return pipeline.Plan{
		Stages: []pipeline.Stage{
			{Name: "make_sample_dir", Run: w.makeSampleDir},
			{Name: "trim_reads", Run: w.trimReads},
			{Name: "fastqc", Run: w.fastQC},
			{Name: "parse_fastqc", Run: w.parseFastQC},
		},
		Cleanup: []pipeline.Stage{deleteTempDir(w.run)},
	}
}

func (w *createSample) makeSampleDir(_ context.Context, _ *pipeline.Token) error {
	w.samplePath = w.env.Layout.SamplePath(w.args.SampleID)
	if err := files.MakeExclusive(w.samplePath); err != nil {
		return err
	}
	return os.MkdirAll(w.run.TempDir, 0o755)
}

// trimReads quality-trims the uploads with skewer and moves the results
// into the sample directory as reads_1.fq.gz and reads_2.fq.gz.
func (w *createSample) trimReads(ctx context.Context, _ *pipeline.Token) error {
	inputs := make([]string, 0, len(w.args.Files))
	for _, id := range w.args.Files {
		if _, err := w.env.Store.GetUpload(ctx, id); err != nil {
			return fmt.Errorf("get upload %s: %w", id, err)
		}
		inputs = append(inputs, w.env.Layout.UploadPath(id))
	}

	mode := "tail"
	if w.args.Paired {
		mode = "pe"
	}
	prefix := w.run.tempPath("reads")
	args := []string{"-m", mode, "-q", "20", "-Q", "25", "-n", "-z", "-t", w.run.proc(), "-o", prefix}
	if w.args.LibraryType == models.LibrarySRNA {
		args = append(args, "-l", "15", "-L", "35")
	} else {
		args = append(args, "-l", "20")
	}
	args = append(args, inputs...)

	if err := w.env.Runner.Run(ctx, subprocess.Command{Name: w.env.Tools.Skewer, Args: args, Dir: w.run.TempDir}); err != nil {
		return err
	}

	outputs := []string{prefix + "-trimmed.fastq.gz"}
	if w.args.Paired {
		outputs = []string{prefix + "-trimmed-pair1.fastq.gz", prefix + "-trimmed-pair2.fastq.gz"}
	}
	w.reads = nil
	for i, src := range outputs {
		dst := filepath.Join(w.samplePath, fmt.Sprintf("reads_%d.fq.gz", i+1))
		if err := moveFile(src, dst); err != nil {
			return fmt.Errorf("move trimmed reads: %w", err)
		}
		w.reads = append(w.reads, dst)
	}
	return nil
}

func (w *createSample) fastQC(ctx context.Context, _ *pipeline.Token) error {
	out := w.run.tempPath("fastqc")
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}
	args := append([]string{"-f", "fastq", "-o", out, "-t", w.run.proc(), "--extract"}, w.reads...)
	return w.env.Runner.Run(ctx, subprocess.Command{Name: w.env.Tools.FastQC, Args: args, Dir: w.run.TempDir})
}

func (w *createSample) parseFastQC(_ context.Context, _ *pipeline.Token) error {
	reports, err := filepath.Glob(filepath.Join(w.run.tempPath("fastqc"), "*_fastqc", "fastqc_data.txt"))
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		return fmt.Errorf("fastqc produced no reports")
	}
	sort.Strings(reports)

	var merged *Quality
	for _, path := range reports {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		q, err := parseFastQC(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(filepath.Dir(path)), err)
		}
		if merged == nil {
			merged = q
		} else {
			merged = mergeQuality(merged, q)
		}
	}
	w.run.Quality = merged
	return nil
}
