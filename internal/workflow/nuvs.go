package workflow

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/virtool/jobrunner/internal/bio"
	"github.com/virtool/jobrunner/internal/pipeline"
	"github.com/virtool/jobrunner/internal/subprocess"
	"github.com/virtool/jobrunner/pkg/models"
)

// MinContigLength is the shortest assembled contig NuVs keeps.
const MinContigLength = 300

const (
	kmersDefault = "21,33,55,75"
	kmersSRNA    = "17,21,23,25"
)

// NuVsResults is the result document of a NuVs analysis.
type NuVsResults struct {
	Sequences []NuVsSequence `json:"sequences"`
}

// NuVsSequence is an assembled contig with its ORFs.
type NuVsSequence struct {
	Index    int       `json:"index"`
	Sequence string    `json:"sequence"`
	ORFs     []NuVsORF `json:"orfs"`
}

type NuVsORF struct {
	bio.ORF
	Index int      `json:"index"`
	Hits  []HMMHit `json:"hits"`
}

type nuvs struct {
	analysisBase

	assemblyReads []string
	profiles      string
	annotations   map[string]HMMAnnotation
	results       NuVsResults
}

func (w *nuvs) plan() pipeline.Plan {
	return pipeline.Plan{
		Stages: []pipeline.Stage{
			{Name: "make_analysis_dir", Run: w.makeAnalysisDir},
			{Name: "prepare_reads", Run: w.prepareReads},
			{Name: "eliminate_otus", Run: w.eliminateOTUs},
			{Name: "eliminate_subtraction", Run: w.eliminateSubtraction},
			{Name: "reunite_pairs", Run: w.reunitePairs},
			{Name: "assemble", Run: w.assemble},
			{Name: "process_fasta", Run: w.processFASTA},
			{Name: "prepare_hmm", Run: w.prepareHMM},
			{Name: "vfam", Run: w.vfam},
			{Name: "upload", Run: w.upload},
		},
		Cleanup: []pipeline.Stage{deleteTempDir(w.run)},
	}
}

func (w *nuvs) eliminateOTUs(ctx context.Context, _ *pipeline.Token) error {
	return w.env.Runner.Run(ctx, subprocess.Command{
		Name: w.env.Tools.Bowtie2,
		Args: []string{
			"-p", w.run.proc(),
			"--local", "--no-unal", "-k", "1",
			"-x", w.indexPrefix(),
			"-U", w.joinedReads(),
			"--un", w.run.tempPath("unmapped_otus.fq"),
			"-S", w.run.tempPath("otus.sam"),
		},
		Dir: w.run.TempDir,
	})
}

func (w *nuvs) eliminateSubtraction(ctx context.Context, _ *pipeline.Token) error {
	in, out := w.run.tempPath("unmapped_otus.fq"), w.run.tempPath("unmapped_hosts.fq")
	prefix, err := w.subtractionPrefix(ctx)
	if err != nil {
		return err
	}
	if prefix == "" {
		return os.Rename(in, out)
	}
	return w.env.Runner.Run(ctx, subprocess.Command{
		Name: w.env.Tools.Bowtie2,
		Args: []string{
			"-p", w.run.proc(),
			"--local", "--no-unal", "-k", "1",
			"-x", prefix,
			"-U", in,
			"--un", out,
			"-S", w.run.tempPath("hosts.sam"),
		},
		Dir: w.run.TempDir,
	})
}

// reunitePairs rebuilds paired files from the original reads for every
// read name that survived both eliminations.
func (w *nuvs) reunitePairs(ctx context.Context, tok *pipeline.Token) error {
	survivors := w.run.tempPath("unmapped_hosts.fq")
	if !w.sample.Paired {
		w.assemblyReads = []string{survivors}
		return nil
	}

	names := map[string]struct{}{}
	f, err := os.Open(survivors)
	if err != nil {
		return err
	}
	err = bio.EachRead(f, func(r bio.Read) error {
		names[bio.ReadName(r.Header)] = struct{}{}
		return nil
	})
	f.Close()
	if err != nil {
		return fmt.Errorf("read surviving reads: %w", err)
	}

	w.assemblyReads = nil
	for i, src := range w.reads {
		if err := tok.Check(); err != nil {
			return err
		}
		dst := w.run.tempPath(fmt.Sprintf("unmapped_%d.fq", i+1))
		if err := filterReads(src, dst, names); err != nil {
			return err
		}
		w.assemblyReads = append(w.assemblyReads, dst)
	}
	return nil
}

func filterReads(src, dst string, names map[string]struct{}) error {
	in, err := openReads(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(out)
	err = bio.EachRead(in, func(r bio.Read) error {
		if _, ok := names[bio.ReadName(r.Header)]; !ok {
			return nil
		}
		return bio.WriteRead(bw, r)
	})
	if err == nil {
		err = bw.Flush()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("reunite %s: %w", filepath.Base(src), err)
	}
	return nil
}

func (w *nuvs) assemble(ctx context.Context, _ *pipeline.Token) error {
	kmers := kmersDefault
	if w.sample.LibraryType == models.LibrarySRNA {
		kmers = kmersSRNA
	}
	outDir := w.run.tempPath("spades")
	args := []string{
		"-t", w.run.proc(),
		"-m", fmt.Sprint(w.run.Mem),
		"-k", kmers,
		"--only-assembler",
		"-o", outDir,
	}
	if len(w.assemblyReads) == 2 {
		args = append(args, "-1", w.assemblyReads[0], "-2", w.assemblyReads[1])
	} else {
		args = append(args, "-s", w.assemblyReads[0])
	}

	if err := w.env.Runner.Run(ctx, subprocess.Command{Name: w.env.Tools.Spades, Args: args, Dir: w.run.TempDir}); err != nil {
		log, _ := os.ReadFile(filepath.Join(outDir, "spades.log"))
		return fmt.Errorf("assemble: %w", subprocess.AsOutOfMemory(err, string(log)))
	}
	return copyFile(filepath.Join(outDir, "scaffolds.fasta"), filepath.Join(w.analysisPath, "assembly.fa"))
}

// processFASTA keeps contigs of at least MinContigLength with at least one
// ORF and writes the ORF proteins to orfs.fa as "<sequence>.<orf>".
func (w *nuvs) processFASTA(_ context.Context, _ *pipeline.Token) error {
	f, err := os.Open(filepath.Join(w.analysisPath, "assembly.fa"))
	if err != nil {
		return err
	}
	contigs, err := bio.ReadFASTA(f)
	f.Close()
	if err != nil {
		return err
	}

	var proteins []bio.Sequence
	w.results.Sequences = nil
	for _, c := range contigs {
		if len(c.Seq) < MinContigLength {
			continue
		}
		orfs := bio.FindORFs(c.Seq)
		if len(orfs) == 0 {
			continue
		}
		seq := NuVsSequence{Index: len(w.results.Sequences), Sequence: c.Seq}
		for i, o := range orfs {
			seq.ORFs = append(seq.ORFs, NuVsORF{ORF: o, Index: i})
			proteins = append(proteins, bio.Sequence{Header: fmt.Sprintf("%d.%d", seq.Index, i), Seq: o.Pro})
		}
		w.results.Sequences = append(w.results.Sequences, seq)
	}
	w.run.log().Info("processed assembly", "contigs", len(contigs), "sequences", len(w.results.Sequences))

	out, err := os.Create(filepath.Join(w.analysisPath, "orfs.fa"))
	if err != nil {
		return err
	}
	if err := bio.WriteFASTA(out, proteins); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (w *nuvs) prepareHMM(_ context.Context, _ *pipeline.Token) error {
	dir := w.env.Layout.HMMPath()
	w.profiles = filepath.Join(dir, "profiles.hmm")
	// hmmscan needs the hmmpress index next to the profiles.
	for _, p := range []string{w.profiles, w.profiles + ".h3m"} {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("hmm database: %w", err)
		}
	}
	ann, err := loadAnnotations(filepath.Join(dir, "annotations.json"))
	if err != nil {
		return err
	}
	w.annotations = ann
	return nil
}

// vfam searches the ORFs against the HMM profiles and drops sequences
// without a single hit.
func (w *nuvs) vfam(ctx context.Context, tok *pipeline.Token) error {
	if len(w.results.Sequences) == 0 {
		return nil
	}
	tblout := filepath.Join(w.analysisPath, "hmm.tsv")
	err := w.env.Runner.Run(ctx, subprocess.Command{
		Name: w.env.Tools.HMMScan,
		Args: []string{
			"--noali",
			"--cpu", w.run.proc(),
			"--tblout", tblout,
			w.profiles,
			filepath.Join(w.analysisPath, "orfs.fa"),
		},
		Dir: w.run.TempDir,
	})
	if err != nil {
		return err
	}

	f, err := os.Open(tblout)
	if err != nil {
		return err
	}
	hits, err := parseTblout(f)
	f.Close()
	if err != nil {
		return err
	}

	kept := w.results.Sequences[:0]
	for _, seq := range w.results.Sequences {
		if err := tok.Check(); err != nil {
			return err
		}
		hasHit := false
		for i := range seq.ORFs {
			orfHits := hits[fmt.Sprintf("%d.%d", seq.Index, seq.ORFs[i].Index)]
			for j := range orfHits {
				if a, ok := w.annotations[orfHits[j].HMM]; ok {
					orfHits[j].Cluster = a.Cluster
					orfHits[j].Names = a.Names
				}
			}
			seq.ORFs[i].Hits = orfHits
			hasHit = hasHit || len(orfHits) > 0
		}
		if hasHit {
			kept = append(kept, seq)
		}
	}
	w.results.Sequences = kept
	return nil
}

func (w *nuvs) upload(_ context.Context, _ *pipeline.Token) error {
	if w.results.Sequences == nil {
		w.results.Sequences = []NuVsSequence{}
	}
	for i := range w.results.Sequences {
		for j := range w.results.Sequences[i].ORFs {
			if w.results.Sequences[i].ORFs[j].Hits == nil {
				w.results.Sequences[i].ORFs[j].Hits = []HMMHit{}
			}
		}
	}
	if err := w.writeResults(w.results); err != nil {
		return err
	}
	w.run.Analysis = &w.results
	return nil
}
