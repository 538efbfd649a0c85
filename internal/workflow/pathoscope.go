package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/virtool/jobrunner/internal/bio"
	"github.com/virtool/jobrunner/internal/pipeline"
	"github.com/virtool/jobrunner/internal/subprocess"
	"github.com/virtool/jobrunner/pkg/models"
)

// PathoscopeResults is the result document of a Pathoscope analysis.
type PathoscopeResults struct {
	ReadCount       int             `json:"read_count"`
	SubtractedCount int             `json:"subtracted_count"`
	Hits            []PathoscopeHit `json:"hits"`
}

// PathoscopeHit is the abundance estimate for one reference sequence.
type PathoscopeHit struct {
	ID        string  `json:"id"`
	OTUID     string  `json:"otu_id"`
	IsolateID string  `json:"isolate_id"`
	Pi        float64 `json:"pi"`
	Best      float64 `json:"best"`
	Reads     int     `json:"reads"`
	Length    int     `json:"length"`
	Coverage  float64 `json:"coverage"`
	Depth     float64 `json:"depth"`
}

var bowtieSensitive = []string{"--local", "--no-unal", "--score-min", "L,20,1.0", "-N", "0", "-L", "15"}

type pathoscope struct {
	analysisBase

	sequences  map[string]*models.OTUSequence
	otus       map[string]bool
	alignments []Alignment
	// bestScore is the best isolate alignment score of each read.
	bestScore  map[string]int
	hostScore  map[string]int
	subtracted int
	results    PathoscopeResults
}

func (w *pathoscope) plan() pipeline.Plan {
	return pipeline.Plan{
		Stages: []pipeline.Stage{
			{Name: "make_analysis_dir", Run: w.makeAnalysisDir},
			{Name: "prepare_reads", Run: w.prepareReads},
			{Name: "map_default_isolates", Run: w.mapDefaultIsolates},
			{Name: "generate_isolate_fasta", Run: w.generateIsolateFASTA},
			{Name: "build_isolate_index", Run: w.buildIsolateIndex},
			{Name: "map_isolates", Run: w.mapIsolates},
			{Name: "map_subtraction", Run: w.mapSubtraction},
			{Name: "subtract_mapping", Run: w.subtractMapping},
			{Name: "pathoscope", Run: w.reassign},
			{Name: "upload", Run: w.upload},
		},
		Cleanup: []pipeline.Stage{deleteTempDir(w.run)},
	}
}

func (w *pathoscope) bowtie(ctx context.Context, index string, extra []string, input, sam string) error {
	args := append([]string{"-p", w.run.proc()}, bowtieSensitive...)
	args = append(args, extra...)
	args = append(args, "-x", index, "-U", input, "-S", sam)
	return w.env.Runner.Run(ctx, subprocess.Command{Name: w.env.Tools.Bowtie2, Args: args, Dir: w.run.TempDir})
}

func readSAM(path string, fn func(samRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := parseSAM(f, fn); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// mapDefaultIsolates finds the OTUs the sample's reads hit in the
// reference index, which holds one default isolate per OTU.
func (w *pathoscope) mapDefaultIsolates(ctx context.Context, _ *pipeline.Token) error {
	sam := w.run.tempPath("default.sam")
	if err := w.bowtie(ctx, w.indexPrefix(), []string{"-k", "1"}, w.joinedReads(), sam); err != nil {
		return err
	}

	seqs, err := w.env.Store.ListOTUSequences(ctx, w.args.ReferenceID)
	if err != nil {
		return fmt.Errorf("list reference sequences: %w", err)
	}
	w.sequences = make(map[string]*models.OTUSequence, len(seqs))
	for _, s := range seqs {
		w.sequences[s.ID] = s
	}

	w.otus = map[string]bool{}
	return readSAM(sam, func(r samRecord) error {
		if s, ok := w.sequences[r.RName]; ok && r.mapped() {
			w.otus[s.OTUID] = true
		}
		return nil
	})
}

// generateIsolateFASTA writes every isolate sequence of the hit OTUs.
func (w *pathoscope) generateIsolateFASTA(_ context.Context, _ *pipeline.Token) error {
	var out []bio.Sequence
	for _, s := range w.sequences {
		if w.otus[s.OTUID] {
			out = append(out, bio.Sequence{Header: s.ID, Seq: s.Sequence})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Header < out[j].Header })

	f, err := os.Create(w.run.tempPath("isolates.fa"))
	if err != nil {
		return err
	}
	if err := bio.WriteFASTA(f, out); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (w *pathoscope) buildIsolateIndex(ctx context.Context, _ *pipeline.Token) error {
	if len(w.otus) == 0 {
		return nil
	}
	return w.env.Runner.Run(ctx, subprocess.Command{
		Name: w.env.Tools.Bowtie2Build,
		Args: []string{"--threads", w.run.proc(), w.run.tempPath("isolates.fa"), w.run.tempPath("isolates")},
		Dir:  w.run.TempDir,
	})
}

func (w *pathoscope) mapIsolates(ctx context.Context, _ *pipeline.Token) error {
	w.alignments = nil
	w.bestScore = map[string]int{}
	if len(w.otus) == 0 {
		return nil
	}
	sam := w.run.tempPath("isolates.sam")
	if err := w.bowtie(ctx, w.run.tempPath("isolates"), []string{"-k", "100"}, w.joinedReads(), sam); err != nil {
		return err
	}
	written := map[string]bool{}
	fq, err := os.Create(w.run.tempPath("mapped.fq"))
	if err != nil {
		return err
	}
	defer fq.Close()
	return readSAM(sam, func(r samRecord) error {
		if !r.mapped() {
			return nil
		}
		w.alignments = append(w.alignments, Alignment{Read: r.QName, Ref: r.RName, Pos: r.Pos, Length: len(r.Seq), Score: r.Score})
		if s, ok := w.bestScore[r.QName]; !ok || r.Score > s {
			w.bestScore[r.QName] = r.Score
		}
		// Secondary alignments may omit the sequence.
		if !written[r.QName] && r.Seq != "*" {
			written[r.QName] = true
			return bio.WriteRead(fq, bio.Read{Header: r.QName, Seq: r.Seq, Qual: r.Qual})
		}
		return nil
	})
}

// mapSubtraction aligns the isolate-mapped reads against the host.
func (w *pathoscope) mapSubtraction(ctx context.Context, _ *pipeline.Token) error {
	w.hostScore = map[string]int{}
	prefix, err := w.subtractionPrefix(ctx)
	if err != nil || prefix == "" || len(w.alignments) == 0 {
		return err
	}
	sam := w.run.tempPath("subtraction.sam")
	if err := w.bowtie(ctx, prefix, []string{"-k", "1"}, w.run.tempPath("mapped.fq"), sam); err != nil {
		return err
	}
	return readSAM(sam, func(r samRecord) error {
		if !r.mapped() {
			return nil
		}
		if s, ok := w.hostScore[r.QName]; !ok || r.Score > s {
			w.hostScore[r.QName] = r.Score
		}
		return nil
	})
}

// subtractMapping drops reads that align at least as well to the host as
// to any isolate.
func (w *pathoscope) subtractMapping(_ context.Context, _ *pipeline.Token) error {
	removed := map[string]bool{}
	for read, host := range w.hostScore {
		if best, ok := w.bestScore[read]; ok && host >= best {
			removed[read] = true
		}
	}
	kept := w.alignments[:0]
	for _, a := range w.alignments {
		if !removed[a.Read] {
			kept = append(kept, a)
		}
	}
	w.alignments = kept
	w.subtracted = len(removed)
	return nil
}

func (w *pathoscope) reassign(_ context.Context, tok *pipeline.Token) error {
	ra := Reassign(w.alignments, DefaultEMOptions)
	if err := tok.Check(); err != nil {
		return err
	}

	assigned := map[string][]Alignment{}
	for _, a := range ra.Assigned {
		assigned[a.Ref] = append(assigned[a.Ref], a)
	}

	hits := make([]PathoscopeHit, 0, len(ra.Refs))
	for _, ref := range ra.Refs {
		hit := PathoscopeHit{
			ID:    ref,
			Pi:    ra.Pi[ref],
			Best:  ra.Best[ref],
			Reads: ra.Reads[ref],
		}
		if s, ok := w.sequences[ref]; ok {
			hit.OTUID = s.OTUID
			hit.IsolateID = s.IsolateID
			hit.Length = len(s.Sequence)
		}
		hit.Coverage, hit.Depth = Coverage(assigned[ref], hit.Length)
		hits = append(hits, hit)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Pi != hits[j].Pi {
			return hits[i].Pi > hits[j].Pi
		}
		return hits[i].ID < hits[j].ID
	})

	w.results = PathoscopeResults{ReadCount: ra.ReadCount, SubtractedCount: w.subtracted, Hits: hits}
	w.run.log().Info("pathoscope reassignment done", "reads", ra.ReadCount, "hits", len(hits), "iterations", ra.Iterations)
	return nil
}

func (w *pathoscope) upload(_ context.Context, _ *pipeline.Token) error {
	if w.results.Hits == nil {
		w.results.Hits = []PathoscopeHit{}
	}
	if err := w.writeResults(w.results); err != nil {
		return err
	}
	w.run.Analysis = &w.results
	return nil
}
