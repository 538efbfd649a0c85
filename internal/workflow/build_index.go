package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/virtool/jobrunner/internal/bio"
	"github.com/virtool/jobrunner/internal/files"
	"github.com/virtool/jobrunner/internal/job"
	"github.com/virtool/jobrunner/internal/pipeline"
	"github.com/virtool/jobrunner/internal/subprocess"
)

type buildIndex struct {
	env  *Env
	run  *Run
	args *job.BuildIndexArgs

	indexPath string
}

func (w *buildIndex) plan() pipeline.Plan {
	return pipeline.Plan{
		Stages: []pipeline.Stage{
			{Name: "make_index_dir", Run: w.makeIndexDir},
			{Name: "write_fasta", Run: w.writeFASTA},
			{Name: "bowtie_build", Run: w.bowtieBuild},
		},
		Cleanup: []pipeline.Stage{deleteTempDir(w.run)},
	}
}

func (w *buildIndex) makeIndexDir(ctx context.Context, _ *pipeline.Token) error {
	idx, err := w.env.Store.GetIndex(ctx, w.args.IndexID)
	if err != nil {
		return fmt.Errorf("get index %s: %w", w.args.IndexID, err)
	}
	if idx.ReferenceID != w.args.ReferenceID {
		return fmt.Errorf("index %s belongs to reference %s", idx.ID, idx.ReferenceID)
	}
	w.indexPath = w.env.Layout.IndexPath(w.args.ReferenceID, w.args.IndexID)
	if err := files.MakeExclusive(w.indexPath); err != nil {
		return err
	}
	return os.MkdirAll(w.run.TempDir, 0o755)
}

// writeFASTA writes the default isolate sequences of every OTU.
func (w *buildIndex) writeFASTA(ctx context.Context, _ *pipeline.Token) error {
	seqs, err := w.env.Store.ListOTUSequences(ctx, w.args.ReferenceID)
	if err != nil {
		return fmt.Errorf("list reference sequences: %w", err)
	}
	var out []bio.Sequence
	for _, s := range seqs {
		if s.Default {
			out = append(out, bio.Sequence{Header: s.ID, Seq: s.Sequence})
		}
	}
	if len(out) == 0 {
		return fmt.Errorf("reference %s has no default isolate sequences", w.args.ReferenceID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Header < out[j].Header })

	f, err := os.Create(filepath.Join(w.indexPath, "ref.fa"))
	if err != nil {
		return err
	}
	if err := bio.WriteFASTA(f, out); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (w *buildIndex) bowtieBuild(ctx context.Context, _ *pipeline.Token) error {
	return w.env.Runner.Run(ctx, subprocess.Command{
		Name: w.env.Tools.Bowtie2Build,
		Args: []string{"--threads", w.run.proc(), filepath.Join(w.indexPath, "ref.fa"), filepath.Join(w.indexPath, "reference")},
		Dir:  w.run.TempDir,
	})
}
