package workflowtest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"github.com/virtool/jobrunner/internal/bio"
	"github.com/virtool/jobrunner/internal/files"
	"github.com/virtool/jobrunner/internal/store"
	"github.com/virtool/jobrunner/pkg/models"
)

// FastQCReport is a trimmed fastqc_data.txt with the modules the parser
// reads.
const FastQCReport = `##FastQC	0.11.9
>>Basic Statistics	pass
#Measure	Value
Filename	reads_1.fq.gz
File type	Conventional base calls
Encoding	Sanger / Illumina 1.9
Total Sequences	1000
Sequences flagged as poor quality	0
Sequence length	36-151
%GC	48
>>END_MODULE
>>Per base sequence quality	pass
#Base	Mean	Median	Lower Quartile	Upper Quartile	10th Percentile	90th Percentile
1	32.5	34.0	31.0	34.0	27.0	34.0
2	33.0	34.0	32.0	34.0	28.0	34.0
10-14	35.1	36.0	34.0	37.0	30.0	38.0
>>END_MODULE
>>Per sequence quality scores	pass
#Quality	Count
20	10.0
35	990.0
>>END_MODULE
>>Per base sequence content	pass
#Base	G	A	T	C
1	20.0	30.0	30.0	20.0
2	25.0	25.0	25.0	25.0
>>END_MODULE
`

// ViralContig returns a contig that carries a 121 residue ORF and is long
// enough to survive the contig length floor.
func ViralContig(name string) bio.Sequence {
	return bio.Sequence{Header: name, Seq: "ATG" + strings.Repeat("GCT", 120) + "TAA" + strings.Repeat("TTAA", 10)}
}

// ShortContig returns a contig below the length floor.
func ShortContig(name string) bio.Sequence {
	return bio.Sequence{Header: name, Seq: "ATG" + strings.Repeat("GCT", 80) + "TAA"}
}

// NoORFContig returns a long contig with a stop codon in every frame.
func NoORFContig(name string) bio.Sequence {
	return bio.Sequence{Header: name, Seq: strings.Repeat("TTAA", 150)}
}

// Analysis describes the documents SeedAnalysis creates.
type Analysis struct {
	SampleID      string
	AnalysisID    string
	IndexID       string
	ReferenceID   string
	SubtractionID string
	Workflow      models.Task
}

// Args returns the job arguments for the seeded analysis.
func (a Analysis) Args() map[string]any {
	args := map[string]any{
		"sample_id":    a.SampleID,
		"analysis_id":  a.AnalysisID,
		"index_id":     a.IndexID,
		"reference_id": a.ReferenceID,
	}
	if a.SubtractionID != "" {
		args["subtraction_id"] = a.SubtractionID
	}
	return args
}

// SampleOptions shape the sample SeedAnalysis creates.
type SampleOptions struct {
	Paired      bool
	LibraryType models.LibraryType
}

// SeedAnalysis creates a ready sample with read files, a ready index of a
// two-OTU reference, a subtraction, the HMM database and a pending analysis
// of workflow.
func SeedAnalysis(t testing.TB, s store.Store, layout files.Layout, workflow models.Task, opts SampleOptions) Analysis {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	a := Analysis{
		SampleID:      "sample1",
		AnalysisID:    "analysis1",
		IndexID:       "index1",
		ReferenceID:   "ref1",
		SubtractionID: "host1",
		Workflow:      workflow,
	}

	if opts.LibraryType == "" {
		opts.LibraryType = models.LibraryNormal
	}
	sample := &models.Sample{
		ID:          a.SampleID,
		Name:        "Sample 1",
		UserID:      "bob",
		LibraryType: opts.LibraryType,
		Paired:      opts.Paired,
		Ready:       true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.CreateSample(ctx, sample))
	for i, path := range layout.ReadPaths(sample) {
		WriteReads(t, path, i+1, 20)
	}

	require.NoError(t, s.CreateIndex(ctx, &models.Index{ID: a.IndexID, ReferenceID: a.ReferenceID, Version: 1, Ready: true, CreatedAt: now}))
	touchAll(t, filepath.Join(layout.IndexPath(a.ReferenceID, a.IndexID), "reference.1.bt2"))
	SeedOTUs(t, s, a.ReferenceID)

	require.NoError(t, s.CreateSubtraction(ctx, &models.Subtraction{ID: a.SubtractionID, Name: "Host", Ready: true, CreatedAt: now}))
	touchAll(t, layout.SubtractionIndexPath(a.SubtractionID)+".1.bt2")

	hmm := layout.HMMPath()
	touchAll(t, filepath.Join(hmm, "profiles.hmm"), filepath.Join(hmm, "profiles.hmm.h3m"))
	require.NoError(t, os.WriteFile(filepath.Join(hmm, "annotations.json"),
		[]byte(`{"vFam_1": {"cluster": 7, "names": ["RNA-dependent RNA polymerase"]}}`), 0o644))

	require.NoError(t, s.CreateAnalysis(ctx, &models.Analysis{
		ID:            a.AnalysisID,
		SampleID:      a.SampleID,
		Workflow:      workflow,
		IndexID:       a.IndexID,
		ReferenceID:   a.ReferenceID,
		SubtractionID: a.SubtractionID,
		UserID:        "bob",
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
	return a
}

// SeedOTUs creates two OTUs in reference: otu1 with a default isolate
// (seq1) and a second isolate (seq2), and otu2 with a default isolate
// (seq3).
func SeedOTUs(t testing.TB, s store.Store, referenceID string) {
	t.Helper()
	for _, seq := range []*models.OTUSequence{
		{ID: "seq1", ReferenceID: referenceID, OTUID: "otu1", IsolateID: "iso1", Default: true, Sequence: strings.Repeat("ACGT", 50)},
		{ID: "seq2", ReferenceID: referenceID, OTUID: "otu1", IsolateID: "iso2", Sequence: strings.Repeat("ACGA", 50)},
		{ID: "seq3", ReferenceID: referenceID, OTUID: "otu2", IsolateID: "iso3", Default: true, Sequence: strings.Repeat("TTGA", 50)},
	} {
		require.NoError(t, s.CreateOTUSequence(context.Background(), seq))
	}
}

// WriteReads writes n gzipped FASTQ reads named read<i>/<mate> to path.
func WriteReads(t testing.TB, path string, mate, n int) {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	for i := 0; i < n; i++ {
		require.NoError(t, bio.WriteRead(zw, bio.Read{
			Header: fmt.Sprintf("read%d/%d", i, mate),
			Seq:    "ACGTACGTACGTACGTACGT",
			Qual:   "IIIIIIIIIIIIIIIIIIII",
		}))
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// SAMLine formats one mapped alignment with an AS:i score.
func SAMLine(read, ref string, pos, score int) string {
	seq := "ACGTACGTACGTACGTACGT"
	return fmt.Sprintf("%s\t0\t%s\t%d\t42\t20M\t*\t0\t0\t%s\t%s\tAS:i:%d\n", read, ref, pos, seq, strings.Repeat("I", len(seq)), score)
}

func touchAll(t testing.TB, paths ...string) {
	t.Helper()
	for _, p := range paths {
		require.NoError(t, touch(p))
	}
}
