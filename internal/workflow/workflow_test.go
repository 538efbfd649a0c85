package workflow_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/virtool/jobrunner/internal/bio"
	"github.com/virtool/jobrunner/internal/files"
	"github.com/virtool/jobrunner/internal/job"
	"github.com/virtool/jobrunner/internal/pipeline"
	"github.com/virtool/jobrunner/internal/store"
	"github.com/virtool/jobrunner/internal/subprocess"
	"github.com/virtool/jobrunner/internal/workflow"
	"github.com/virtool/jobrunner/internal/workflow/workflowtest"
	"github.com/virtool/jobrunner/pkg/models"
)

type env struct {
	store  *store.MemoryStore
	layout files.Layout
	runner *workflowtest.Runner
	wf     *workflow.Env
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:  store.NewMemoryStore(),
		layout: files.Layout{DataPath: t.TempDir(), TempPath: t.TempDir()},
		runner: &workflowtest.Runner{},
	}
	e.wf = &workflow.Env{Store: e.store, Layout: e.layout, Tools: workflowtest.Tools, Runner: e.runner}
	return e
}

func (e *env) newRun(t *testing.T, task models.Task, args map[string]any) (*workflow.Run, pipeline.Plan) {
	t.Helper()
	j, err := job.New(task, args, "bob", nil, 4, 16)
	require.NoError(t, err)
	run, err := workflow.NewRun(j, e.layout, 4, 16)
	require.NoError(t, err)
	plan, err := workflow.For(e.wf, run)
	require.NoError(t, err)
	return run, plan
}

// execute runs every stage in order, stopping at the first failure, then
// the cleanup steps. It returns the failing stage and its error.
func execute(t *testing.T, plan pipeline.Plan) (string, error) {
	t.Helper()
	ctx := context.Background()
	tok := pipeline.NewToken()
	defer func() {
		for _, st := range plan.Cleanup {
			assert.NoError(t, st.Run(ctx, tok), st.Name)
		}
	}()
	for _, st := range plan.Stages {
		if err := st.Run(ctx, tok); err != nil {
			return st.Name, err
		}
	}
	return "", nil
}

func stageNames(plan pipeline.Plan) []string {
	var names []string
	for _, st := range plan.Stages {
		names = append(names, st.Name)
	}
	return names
}

func TestFor_StageLists(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		task models.Task
		args map[string]any
		want []string
	}{
		{
			models.TaskNuVs,
			map[string]any{"sample_id": "s", "analysis_id": "a", "index_id": "i", "reference_id": "r"},
			[]string{"make_analysis_dir", "prepare_reads", "eliminate_otus", "eliminate_subtraction", "reunite_pairs", "assemble", "process_fasta", "prepare_hmm", "vfam", "upload"},
		},
		{
			models.TaskPathoscope,
			map[string]any{"sample_id": "s", "analysis_id": "a", "index_id": "i", "reference_id": "r"},
			[]string{"make_analysis_dir", "prepare_reads", "map_default_isolates", "generate_isolate_fasta", "build_isolate_index", "map_isolates", "map_subtraction", "subtract_mapping", "pathoscope", "upload"},
		},
		{
			models.TaskCreateSample,
			map[string]any{"sample_id": "s", "files": []any{"u1"}},
			[]string{"make_sample_dir", "trim_reads", "fastqc", "parse_fastqc"},
		},
		{
			models.TaskBuildIndex,
			map[string]any{"index_id": "i", "reference_id": "r"},
			[]string{"make_index_dir", "write_fasta", "bowtie_build"},
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.task), func(t *testing.T) {
			_, plan := e.newRun(t, tt.task, tt.args)
			assert.Equal(t, tt.want, stageNames(plan))
			require.Len(t, plan.Cleanup, 1)
			assert.Equal(t, "delete_temp_dir", plan.Cleanup[0].Name)
			assert.Nil(t, plan.Finalize)
		})
	}
}

func TestFor_ToolsReceiveJobCredentials(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.CreateIndex(ctx, &models.Index{ID: "i2", ReferenceID: "ref1", CreatedAt: time.Now().UTC()}))
	workflowtest.SeedOTUs(t, e.store, "ref1")

	j, err := job.New(models.TaskBuildIndex, map[string]any{"index_id": "i2", "reference_id": "ref1"}, "bob", nil, 1, 1)
	require.NoError(t, err)
	run, err := workflow.NewRun(j, e.layout, 1, 1)
	require.NoError(t, err)
	run.Key = "secret"
	plan, err := workflow.For(e.wf, run)
	require.NoError(t, err)

	stage, err := execute(t, plan)
	require.NoError(t, err, stage)
	calls := e.runner.Calls()
	require.NotEmpty(t, calls)
	for _, c := range calls {
		assert.Contains(t, c.Env, workflow.EnvJobID+"="+j.ID.String(), c.Name)
		assert.Contains(t, c.Env, workflow.EnvJobKey+"=secret", c.Name)
	}
	assert.Same(t, e.runner, e.wf.Runner, "the shared env is not modified")
}

func TestFor_NoKeyNoCredentials(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.CreateIndex(ctx, &models.Index{ID: "i2", ReferenceID: "ref1", CreatedAt: time.Now().UTC()}))
	workflowtest.SeedOTUs(t, e.store, "ref1")
	_, plan := e.newRun(t, models.TaskBuildIndex, map[string]any{"index_id": "i2", "reference_id": "ref1"})

	_, err := execute(t, plan)
	require.NoError(t, err)
	for _, c := range e.runner.Calls() {
		for _, kv := range c.Env {
			assert.False(t, strings.HasPrefix(kv, workflow.EnvJobKey+"="), c.Name)
		}
	}
}

func TestFor_UnknownArgs(t *testing.T) {
	e := newEnv(t)
	j, err := job.New(models.TaskBuildIndex, map[string]any{"index_id": "i", "reference_id": "r"}, "bob", nil, 1, 1)
	require.NoError(t, err)
	_, err = workflow.For(e.wf, &workflow.Run{Job: j})
	assert.Error(t, err)
}

func TestNuVs_Complete(t *testing.T) {
	e := newEnv(t)
	a := workflowtest.SeedAnalysis(t, e.store, e.layout, models.TaskNuVs, workflowtest.SampleOptions{})
	e.runner.Contigs = []bio.Sequence{
		workflowtest.ViralContig("NODE_1"),
		workflowtest.ShortContig("NODE_2"),
		workflowtest.NoORFContig("NODE_3"),
	}
	run, plan := e.newRun(t, models.TaskNuVs, a.Args())

	stage, err := execute(t, plan)
	require.NoError(t, err, stage)

	assert.Equal(t, []string{"bowtie2", "bowtie2", "spades.py", "hmmscan"}, e.runner.Names())
	spades := e.runner.Calls()[2]
	assert.Contains(t, spades.Args, "21,33,55,75")
	assert.Contains(t, spades.Args, "-s")

	results, ok := run.Analysis.(*workflow.NuVsResults)
	require.True(t, ok)
	require.Len(t, results.Sequences, 1)
	seq := results.Sequences[0]
	assert.Equal(t, workflowtest.ViralContig("").Seq, seq.Sequence)
	require.NotEmpty(t, seq.ORFs)
	for _, orf := range seq.ORFs {
		assert.GreaterOrEqual(t, len(orf.Pro), 100)
		require.Len(t, orf.Hits, 1)
		assert.Equal(t, "vFam_1", orf.Hits[0].HMM)
		assert.Equal(t, 7, orf.Hits[0].Cluster)
		assert.Equal(t, []string{"RNA-dependent RNA polymerase"}, orf.Hits[0].Names)
		assert.InDelta(t, 1.2e-20, orf.Hits[0].FullE, 1e-30)
	}

	analysisPath := e.layout.AnalysisPath(a.SampleID, a.AnalysisID)
	for _, name := range []string{"assembly.fa", "orfs.fa", "hmm.tsv", "results.json"} {
		assert.FileExists(t, filepath.Join(analysisPath, name))
	}
	assert.NoDirExists(t, run.TempDir)
}

func TestNuVs_PairedSmallRNA(t *testing.T) {
	e := newEnv(t)
	a := workflowtest.SeedAnalysis(t, e.store, e.layout, models.TaskNuVs, workflowtest.SampleOptions{Paired: true, LibraryType: models.LibrarySRNA})
	e.runner.Contigs = []bio.Sequence{workflowtest.ViralContig("NODE_1")}

	var reunited []string
	e.runner.BeforeRun = func(cmd subprocess.Command) {
		if cmd.Name != "spades.py" {
			return
		}
		for _, p := range []string{"unmapped_1.fq", "unmapped_2.fq"} {
			data, err := os.ReadFile(filepath.Join(cmd.Dir, p))
			if assert.NoError(t, err) {
				reunited = append(reunited, string(data))
			}
		}
	}
	_, plan := e.newRun(t, models.TaskNuVs, a.Args())

	stage, err := execute(t, plan)
	require.NoError(t, err, stage)

	spades := e.runner.Calls()[2]
	assert.Contains(t, spades.Args, "17,21,23,25")
	assert.Contains(t, spades.Args, "-1")
	assert.Contains(t, spades.Args, "-2")
	require.Len(t, reunited, 2)
	assert.Equal(t, 20, strings.Count(reunited[0], "/1\n"))
	assert.Equal(t, 20, strings.Count(reunited[1], "/2\n"))
}

func TestNuVs_ContigLengthFloor(t *testing.T) {
	e := newEnv(t)
	a := workflowtest.SeedAnalysis(t, e.store, e.layout, models.TaskNuVs, workflowtest.SampleOptions{})
	e.runner.Contigs = []bio.Sequence{workflowtest.ShortContig("NODE_1"), workflowtest.ShortContig("NODE_2")}
	run, plan := e.newRun(t, models.TaskNuVs, a.Args())

	stage, err := execute(t, plan)
	require.NoError(t, err, stage)

	results := run.Analysis.(*workflow.NuVsResults)
	assert.Empty(t, results.Sequences)
	assert.NotContains(t, e.runner.Names(), "hmmscan")
}

func TestNuVs_DropsSequencesWithoutHits(t *testing.T) {
	e := newEnv(t)
	a := workflowtest.SeedAnalysis(t, e.store, e.layout, models.TaskNuVs, workflowtest.SampleOptions{})
	e.runner.Contigs = []bio.Sequence{workflowtest.ViralContig("NODE_1")}
	e.runner.NoHMMHits = true
	run, plan := e.newRun(t, models.TaskNuVs, a.Args())

	_, err := execute(t, plan)
	require.NoError(t, err)
	assert.Empty(t, run.Analysis.(*workflow.NuVsResults).Sequences)
}

func TestNuVs_AssemblerOutOfMemory(t *testing.T) {
	e := newEnv(t)
	a := workflowtest.SeedAnalysis(t, e.store, e.layout, models.TaskNuVs, workflowtest.SampleOptions{})
	e.runner.AssemblerOOM = true
	run, plan := e.newRun(t, models.TaskNuVs, a.Args())

	stage, err := execute(t, plan)
	assert.Equal(t, "assemble", stage)
	assert.ErrorIs(t, err, subprocess.ErrOutOfMemory)
	assert.Equal(t, models.ErrorKindOutOfMemory, pipeline.Classify(err, stage).Kind)
	assert.Nil(t, run.Analysis)
}

func TestNuVs_WithoutSubtraction(t *testing.T) {
	e := newEnv(t)
	a := workflowtest.SeedAnalysis(t, e.store, e.layout, models.TaskNuVs, workflowtest.SampleOptions{})
	a.SubtractionID = ""
	e.runner.Contigs = []bio.Sequence{workflowtest.ViralContig("NODE_1")}
	_, plan := e.newRun(t, models.TaskNuVs, a.Args())

	_, err := execute(t, plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"bowtie2", "spades.py", "hmmscan"}, e.runner.Names())
}

func TestNuVs_AnalysisDirMustNotExist(t *testing.T) {
	e := newEnv(t)
	a := workflowtest.SeedAnalysis(t, e.store, e.layout, models.TaskNuVs, workflowtest.SampleOptions{})
	require.NoError(t, os.MkdirAll(e.layout.AnalysisPath(a.SampleID, a.AnalysisID), 0o755))
	_, plan := e.newRun(t, models.TaskNuVs, a.Args())

	stage, err := execute(t, plan)
	assert.Equal(t, "make_analysis_dir", stage)
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestNuVs_ToolFailure(t *testing.T) {
	e := newEnv(t)
	a := workflowtest.SeedAnalysis(t, e.store, e.layout, models.TaskNuVs, workflowtest.SampleOptions{})
	e.runner.Fail = map[string]bool{"bowtie2": true}
	_, plan := e.newRun(t, models.TaskNuVs, a.Args())

	stage, err := execute(t, plan)
	assert.Equal(t, "eliminate_otus", stage)
	assert.Equal(t, models.ErrorKindSubprocess, pipeline.Classify(err, stage).Kind)
}

func pathoscopeSAM(index string) string {
	var b strings.Builder
	switch filepath.Base(index) {
	case "reference":
		for i := 0; i < 10; i++ {
			b.WriteString(workflowtest.SAMLine(readName(i), "seq1", 1, 40))
		}
	case "isolates":
		for i := 0; i < 10; i++ {
			b.WriteString(workflowtest.SAMLine(readName(i), "seq1", 1, 40))
			if i < 5 {
				b.WriteString(workflowtest.SAMLine(readName(i), "seq2", 1, 30))
			}
		}
	case "subtraction":
		b.WriteString(workflowtest.SAMLine(readName(9), "chr1", 100, 45))
		b.WriteString(workflowtest.SAMLine(readName(8), "chr1", 100, 10))
	}
	return b.String()
}

func readName(i int) string {
	return fmt.Sprintf("read%d", i)
}

func TestPathoscope_Complete(t *testing.T) {
	e := newEnv(t)
	a := workflowtest.SeedAnalysis(t, e.store, e.layout, models.TaskPathoscope, workflowtest.SampleOptions{})
	e.runner.SAM = pathoscopeSAM
	run, plan := e.newRun(t, models.TaskPathoscope, a.Args())

	var isolates string
	e.runner.BeforeRun = func(cmd subprocess.Command) {
		if cmd.Name == "bowtie2-build" {
			data, err := os.ReadFile(cmd.Args[len(cmd.Args)-2])
			if assert.NoError(t, err) {
				isolates = string(data)
			}
		}
	}

	stage, err := execute(t, plan)
	require.NoError(t, err, stage)

	assert.Equal(t, []string{"bowtie2", "bowtie2-build", "bowtie2", "bowtie2"}, e.runner.Names())
	assert.Contains(t, isolates, ">seq1\n")
	assert.Contains(t, isolates, ">seq2\n")
	assert.NotContains(t, isolates, ">seq3\n")

	results, ok := run.Analysis.(*workflow.PathoscopeResults)
	require.True(t, ok)
	assert.Equal(t, 9, results.ReadCount)
	assert.Equal(t, 1, results.SubtractedCount)
	require.Len(t, results.Hits, 2)

	top := results.Hits[0]
	assert.Equal(t, "seq1", top.ID)
	assert.Equal(t, "otu1", top.OTUID)
	assert.Equal(t, "iso1", top.IsolateID)
	assert.Equal(t, 9, top.Reads)
	assert.InDelta(t, 1.0, top.Best, 1e-9)
	assert.Greater(t, top.Pi, 0.99)
	assert.Equal(t, 200, top.Length)
	assert.InDelta(t, 0.1, top.Coverage, 1e-9)
	assert.InDelta(t, 0.9, top.Depth, 1e-9)

	assert.Equal(t, "seq2", results.Hits[1].ID)
	assert.Zero(t, results.Hits[1].Reads)

	assert.FileExists(t, filepath.Join(e.layout.AnalysisPath(a.SampleID, a.AnalysisID), "results.json"))
}

func TestPathoscope_NoOTUsHit(t *testing.T) {
	e := newEnv(t)
	a := workflowtest.SeedAnalysis(t, e.store, e.layout, models.TaskPathoscope, workflowtest.SampleOptions{})
	run, plan := e.newRun(t, models.TaskPathoscope, a.Args())

	_, err := execute(t, plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"bowtie2"}, e.runner.Names())
	results := run.Analysis.(*workflow.PathoscopeResults)
	assert.Zero(t, results.ReadCount)
	assert.Empty(t, results.Hits)
}

func TestPathoscope_SampleNotReady(t *testing.T) {
	e := newEnv(t)
	now := time.Now().UTC()
	require.NoError(t, e.store.CreateSample(context.Background(), &models.Sample{ID: "s1", Name: "S", UserID: "bob", LibraryType: models.LibraryNormal, CreatedAt: now, UpdatedAt: now}))
	_, plan := e.newRun(t, models.TaskPathoscope, map[string]any{"sample_id": "s1", "analysis_id": "a1", "index_id": "i", "reference_id": "r"})

	stage, err := execute(t, plan)
	assert.Equal(t, "prepare_reads", stage)
	assert.ErrorContains(t, err, "not ready")
}

func seedUploads(t *testing.T, e *env, ids ...string) {
	t.Helper()
	for i, id := range ids {
		require.NoError(t, e.store.CreateUpload(context.Background(), &models.Upload{ID: id, Name: id + ".fq.gz", UserID: "bob", Reserved: true, CreatedAt: time.Now().UTC()}))
		workflowtest.WriteReads(t, e.layout.UploadPath(id), i+1, 10)
	}
}

func TestCreateSample_Paired(t *testing.T) {
	e := newEnv(t)
	seedUploads(t, e, "u1", "u2")
	run, plan := e.newRun(t, models.TaskCreateSample, map[string]any{
		"sample_id": "s1", "files": []any{"u1", "u2"}, "paired": true,
	})

	stage, err := execute(t, plan)
	require.NoError(t, err, stage)

	assert.Equal(t, []string{"skewer", "fastqc"}, e.runner.Names())
	skewer := e.runner.Calls()[0]
	assert.Equal(t, "pe", skewer.Args[1])

	for _, name := range []string{"reads_1.fq.gz", "reads_2.fq.gz"} {
		assert.FileExists(t, filepath.Join(e.layout.SamplePath("s1"), name))
	}

	q := run.Quality
	require.NotNil(t, q)
	assert.Equal(t, 2000, q.Count)
	assert.Equal(t, "Sanger / Illumina 1.9", q.Encoding)
	assert.Equal(t, [2]int{36, 151}, q.Length)
	assert.Equal(t, 48.0, q.GC)
	require.Len(t, q.Bases, 3)
	assert.Equal(t, [6]float64{32.5, 34, 31, 34, 27, 34}, q.Bases[0])
	require.Len(t, q.Composition, 2)
	assert.Equal(t, 1980, q.Sequences[35])
}

func TestCreateSample_SmallRNATrimming(t *testing.T) {
	e := newEnv(t)
	seedUploads(t, e, "u1")
	run, plan := e.newRun(t, models.TaskCreateSample, map[string]any{
		"sample_id": "s1", "files": []any{"u1"}, "library_type": "srna",
	})

	_, err := execute(t, plan)
	require.NoError(t, err)
	args := e.runner.Calls()[0].Args
	assert.Contains(t, args, "-L")
	assert.Equal(t, "tail", args[1])
	assert.Equal(t, 1000, run.Quality.Count)
}

func TestCreateSample_MissingUpload(t *testing.T) {
	e := newEnv(t)
	_, plan := e.newRun(t, models.TaskCreateSample, map[string]any{"sample_id": "s1", "files": []any{"gone"}})

	stage, err := execute(t, plan)
	assert.Equal(t, "trim_reads", stage)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBuildIndex(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.CreateIndex(ctx, &models.Index{ID: "i2", ReferenceID: "ref1", Version: 2, CreatedAt: time.Now().UTC()}))
	workflowtest.SeedOTUs(t, e.store, "ref1")
	_, plan := e.newRun(t, models.TaskBuildIndex, map[string]any{"index_id": "i2", "reference_id": "ref1"})

	stage, err := execute(t, plan)
	require.NoError(t, err, stage)

	indexPath := e.layout.IndexPath("ref1", "i2")
	data, err := os.ReadFile(filepath.Join(indexPath, "ref.fa"))
	require.NoError(t, err)
	assert.Equal(t, ">seq1\n"+strings.Repeat("ACGT", 50)+"\n>seq3\n"+strings.Repeat("TTGA", 50)+"\n", string(data))
	assert.FileExists(t, filepath.Join(indexPath, "reference.1.bt2"))
}

func TestBuildIndex_WrongReference(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.CreateIndex(context.Background(), &models.Index{ID: "i2", ReferenceID: "other", CreatedAt: time.Now().UTC()}))
	_, plan := e.newRun(t, models.TaskBuildIndex, map[string]any{"index_id": "i2", "reference_id": "ref1"})

	stage, err := execute(t, plan)
	assert.Equal(t, "make_index_dir", stage)
	assert.Error(t, err)
}

func TestBuildIndex_NoDefaultSequences(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.CreateIndex(context.Background(), &models.Index{ID: "i2", ReferenceID: "empty", CreatedAt: time.Now().UTC()}))
	_, plan := e.newRun(t, models.TaskBuildIndex, map[string]any{"index_id": "i2", "reference_id": "empty"})

	stage, err := execute(t, plan)
	assert.Equal(t, "write_fasta", stage)
	assert.ErrorContains(t, err, "no default isolate")
}
