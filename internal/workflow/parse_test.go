package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/virtool/jobrunner/internal/workflow/workflowtest"
)

func TestParseTblout(t *testing.T) {
	in := `# target name  accession  query name ...
#
vFam_1   -  0.0  -  1.2e-20  75.3  0.1  2.5e-20  74.0  0.1  1.0 1 0 0 1 1 1 1 RdRp
vFam_9   -  0.0  -  3e-5  20.1  2.2  4e-5  19.0  2.0  1.0 1 0 0 1 1 1 1 -
vFam_2   -  1.3  -  1e-10  40  0  1e-10  40  0  1.0 1 0 0 1 1 1 1 CP
`
	hits, err := parseTblout(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, hits["0.0"], 2)
	assert.Equal(t, HMMHit{HMM: "vFam_1", FullE: 1.2e-20, FullScore: 75.3, FullBias: 0.1, BestE: 2.5e-20, BestScore: 74, BestBias: 0.1}, hits["0.0"][0])
	assert.Equal(t, "vFam_9", hits["0.0"][1].HMM)
	require.Len(t, hits["1.3"], 1)

	_, err = parseTblout(strings.NewReader("vFam_1 - 0.0 - x 1 2 3 4 5\n"))
	assert.ErrorContains(t, err, "line 1")
	_, err = parseTblout(strings.NewReader("vFam_1 - 0.0\n"))
	assert.Error(t, err)
}

func TestLoadAnnotations(t *testing.T) {
	dir := t.TempDir()
	ann, err := loadAnnotations(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, ann)

	path := filepath.Join(dir, "annotations.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"vFam_1": {"cluster": 3, "names": ["coat protein"]}}`), 0o644))
	ann, err = loadAnnotations(path)
	require.NoError(t, err)
	assert.Equal(t, HMMAnnotation{Cluster: 3, Names: []string{"coat protein"}}, ann["vFam_1"])
}

func TestParseSAM(t *testing.T) {
	in := "@HD\tVN:1.0\n" +
		workflowtest.SAMLine("r1", "seq1", 5, 38) +
		"r2\t4\t*\t0\t0\t*\t*\t0\t0\tACGT\tIIII\n" +
		"r3\t256\tseq2\t9\t1\t4M\t*\t0\t0\t*\t*\tXS:i:1\tAS:i:-6\n"

	var recs []samRecord
	require.NoError(t, parseSAM(strings.NewReader(in), func(r samRecord) error {
		recs = append(recs, r)
		return nil
	}))
	require.Len(t, recs, 3)
	assert.Equal(t, "r1", recs[0].QName)
	assert.Equal(t, "seq1", recs[0].RName)
	assert.Equal(t, 5, recs[0].Pos)
	assert.Equal(t, 38, recs[0].Score)
	assert.True(t, recs[0].mapped())
	assert.False(t, recs[1].mapped())
	assert.True(t, recs[2].mapped())
	assert.Equal(t, -6, recs[2].Score)

	err := parseSAM(strings.NewReader("r1\tx\tseq1\t1\t0\t4M\t*\t0\t0\tACGT\tIIII\n"), func(samRecord) error { return nil })
	assert.ErrorContains(t, err, "flag")

	stop := errors.New("stop")
	err = parseSAM(strings.NewReader(in), func(samRecord) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestParseFastQC(t *testing.T) {
	q, err := parseFastQC(strings.NewReader(workflowtest.FastQCReport))
	require.NoError(t, err)
	assert.Equal(t, 1000, q.Count)
	assert.Equal(t, "Sanger / Illumina 1.9", q.Encoding)
	assert.Equal(t, [2]int{36, 151}, q.Length)
	assert.Equal(t, 48.0, q.GC)
	require.Len(t, q.Bases, 3)
	assert.Equal(t, [6]float64{35.1, 36, 34, 37, 30, 38}, q.Bases[2])
	assert.Equal(t, [][4]float64{{20, 30, 30, 20}, {25, 25, 25, 25}}, q.Composition)
	require.Len(t, q.Sequences, 36)
	assert.Equal(t, 10, q.Sequences[20])
	assert.Equal(t, 990, q.Sequences[35])

	_, err = parseFastQC(strings.NewReader(">>Per sequence quality scores\tpass\n20\t1\n>>END_MODULE\n"))
	assert.ErrorContains(t, err, "basic statistics")
}

func TestMergeQuality(t *testing.T) {
	a := &Quality{
		Count: 10, Encoding: "Sanger", Length: [2]int{30, 100}, GC: 40,
		Bases:       [][6]float64{{30, 30, 30, 30, 30, 30}, {20, 20, 20, 20, 20, 20}},
		Composition: [][4]float64{{25, 25, 25, 25}},
		Sequences:   []int{0, 4},
	}
	b := &Quality{
		Count: 20, Encoding: "Sanger", Length: [2]int{20, 90}, GC: 50,
		Bases:       [][6]float64{{10, 10, 10, 10, 10, 10}},
		Composition: [][4]float64{{35, 15, 25, 25}, {10, 20, 30, 40}},
		Sequences:   []int{1, 2, 3},
	}
	m := mergeQuality(a, b)
	assert.Equal(t, 30, m.Count)
	assert.Equal(t, [2]int{20, 100}, m.Length)
	assert.Equal(t, 45.0, m.GC)
	assert.Equal(t, [][6]float64{{20, 20, 20, 20, 20, 20}, {20, 20, 20, 20, 20, 20}}, m.Bases)
	assert.Equal(t, [][4]float64{{30, 20, 25, 25}, {10, 20, 30, 40}}, m.Composition)
	assert.Equal(t, []int{1, 6, 3}, m.Sequences)
}

func TestReassign_UniqueReads(t *testing.T) {
	alns := []Alignment{
		{Read: "r1", Ref: "a", Score: 10},
		{Read: "r2", Ref: "a", Score: 10},
		{Read: "r3", Ref: "b", Score: 10},
	}
	ra := Reassign(alns, DefaultEMOptions)
	assert.Equal(t, 3, ra.ReadCount)
	assert.Equal(t, []string{"a", "b"}, ra.Refs)
	assert.InDelta(t, 2.0/3, ra.Pi["a"], 1e-9)
	assert.InDelta(t, 1.0/3, ra.Pi["b"], 1e-9)
	assert.Equal(t, 2, ra.Reads["a"])
	assert.InDelta(t, 2.0/3, ra.InitPi["a"], 1e-9)
	assert.Equal(t, 2, ra.Iterations)
}

func TestReassign_MultiMappedReadsFollowUniqueEvidence(t *testing.T) {
	var alns []Alignment
	for _, r := range []string{"u1", "u2", "u3", "u4"} {
		alns = append(alns, Alignment{Read: r, Ref: "a", Score: 20})
	}
	alns = append(alns, Alignment{Read: "u5", Ref: "b", Score: 20})
	// Ties between a and b are broken by the unique reads.
	for _, r := range []string{"m1", "m2"} {
		alns = append(alns, Alignment{Read: r, Ref: "a", Score: 20}, Alignment{Read: r, Ref: "b", Score: 20})
	}

	ra := Reassign(alns, DefaultEMOptions)
	assert.Equal(t, 7, ra.ReadCount)
	assert.Greater(t, ra.Pi["a"], ra.Pi["b"])
	assert.InDelta(t, 1.0, ra.Pi["a"]+ra.Pi["b"], 1e-9)
	assert.Equal(t, 6, ra.Reads["a"])
	assert.Equal(t, 1, ra.Reads["b"])
	assert.Equal(t, "a", ra.Assigned["m1"].Ref)
	assert.InDelta(t, 6.0/7, ra.Best["a"], 1e-9)
}

func TestReassign_KeepsBestAlignmentPerReference(t *testing.T) {
	ra := Reassign([]Alignment{
		{Read: "r1", Ref: "a", Pos: 1, Score: 5},
		{Read: "r1", Ref: "a", Pos: 50, Score: 9},
	}, DefaultEMOptions)
	assert.Equal(t, 50, ra.Assigned["r1"].Pos)
}

func TestReassign_Empty(t *testing.T) {
	ra := Reassign(nil, DefaultEMOptions)
	assert.Zero(t, ra.ReadCount)
	assert.Empty(t, ra.Refs)
}

func TestCoverage(t *testing.T) {
	cov, depth := Coverage([]Alignment{
		{Pos: 1, Length: 4},
		{Pos: 3, Length: 4},
		{Pos: 9, Length: 10},
	}, 10)
	assert.InDelta(t, 0.8, cov, 1e-9)
	assert.InDelta(t, 1.0, depth, 1e-9)

	cov, depth = Coverage(nil, 0)
	assert.Zero(t, cov)
	assert.Zero(t, depth)
}
