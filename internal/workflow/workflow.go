// Package workflow builds the stage lists of every supported task. A
// workflow's stages share state through the workflow value they are
// methods of; the job document is never touched here.
package workflow

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/virtool/jobrunner/internal/config"
	"github.com/virtool/jobrunner/internal/files"
	"github.com/virtool/jobrunner/internal/job"
	"github.com/virtool/jobrunner/internal/pipeline"
	"github.com/virtool/jobrunner/internal/subprocess"
	"github.com/virtool/jobrunner/pkg/models"
)

// Reader is the read access the stages need to the document store.
type Reader interface {
	GetSample(ctx context.Context, id string) (*models.Sample, error)
	GetUpload(ctx context.Context, id string) (*models.Upload, error)
	GetIndex(ctx context.Context, id string) (*models.Index, error)
	GetSubtraction(ctx context.Context, id string) (*models.Subtraction, error)
	ListOTUSequences(ctx context.Context, referenceID string) ([]*models.OTUSequence, error)
}

// Env is shared by every run on a worker.
type Env struct {
	Store  Reader
	Layout files.Layout
	Tools  config.ToolsConfig
	Runner subprocess.Runner
}

// Run is the working state of one job execution. The stages fill in the
// result fields; the finalizer reads them.
type Run struct {
	Job     *models.Job
	Args    job.Args
	Proc    int
	Mem     int
	TempDir string
	// Key is the plaintext job key tools authenticate API callbacks with.
	// Only its hash is stored. Every tool of the run receives it as
	// VT_JOB_KEY next to VT_JOB_ID.
	Key string

	// Analysis is *NuVsResults or *PathoscopeResults for analysis tasks.
	Analysis any
	// Quality is set by create_sample.
	Quality *Quality
}

// NewRun decodes j's arguments and sets up a run with the given allocation.
func NewRun(j *models.Job, layout files.Layout, proc, mem int) (*Run, error) {
	args, err := job.DecodeArgs(j.Task, j.Args)
	if err != nil {
		return nil, err
	}
	return &Run{
		Job:     j,
		Args:    args,
		Proc:    proc,
		Mem:     mem,
		TempDir: layout.TempDir(j.ID),
	}, nil
}

// For returns the stage and cleanup lists of the run's task. Finalize is
// left to the caller.
func For(env *Env, run *Run) (pipeline.Plan, error) {
	env = env.forRun(run)
	switch args := run.Args.(type) {
	case *job.AnalysisArgs:
		base := analysisBase{env: env, run: run, args: args}
		switch args.Task() {
		case models.TaskNuVs:
			return (&nuvs{analysisBase: base}).plan(), nil
		case models.TaskPathoscope:
			return (&pathoscope{analysisBase: base}).plan(), nil
		}
	case *job.CreateSampleArgs:
		return (&createSample{env: env, run: run, args: args}).plan(), nil
	case *job.BuildIndexArgs:
		return (&buildIndex{env: env, run: run, args: args}).plan(), nil
	}
	return pipeline.Plan{}, fmt.Errorf("no workflow for task %q", run.Job.Task)
}

// Environment variables every tool of a run receives.
const (
	EnvJobID  = "VT_JOB_ID"
	EnvJobKey = "VT_JOB_KEY"
)

// forRun returns a copy of e whose runner passes the run's job credentials
// to every tool.
func (e *Env) forRun(run *Run) *Env {
	if run.Key == "" {
		return e
	}
	c := *e
	c.Runner = credentialRunner{
		next: e.Runner,
		env:  []string{EnvJobID + "=" + run.Job.ID.String(), EnvJobKey + "=" + run.Key},
	}
	return &c
}

type credentialRunner struct {
	next subprocess.Runner
	env  []string
}

func (r credentialRunner) Run(ctx context.Context, c subprocess.Command) error {
	c.Env = append(append([]string(nil), r.env...), c.Env...)
	return r.next.Run(ctx, c)
}

// deleteTempDir is the cleanup step every workflow ends with.
func deleteTempDir(run *Run) pipeline.Stage {
	return pipeline.Stage{Name: "delete_temp_dir", Run: func(context.Context, *pipeline.Token) error {
		return os.RemoveAll(run.TempDir)
	}}
}

func (r *Run) proc() string { return strconv.Itoa(r.Proc) }

func (r *Run) tempPath(name string) string { return filepath.Join(r.TempDir, name) }

func (r *Run) log() *slog.Logger {
	return slog.With("job_id", r.Job.ID, "task", r.Job.Task)
}

// openReads opens a FASTQ file, decompressing it when it is gzipped.
func openReads(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &gzipFile{Reader: zr, file: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	file *os.File
}

func (g *gzipFile) Close() error {
	err := g.Reader.Close()
	if cerr := g.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// moveFile renames src to dst, copying when they are on different
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
