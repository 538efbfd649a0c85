package files_test

import (
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/virtool/jobrunner/internal/files"
	"github.com/virtool/jobrunner/pkg/models"
)

func TestLayout_Paths(t *testing.T) {
	l := files.Layout{DataPath: "/data", TempPath: "/tmp"}

	assert.Equal(t, "/data/samples/s1", l.SamplePath("s1"))
	assert.Equal(t, "/data/samples/s1/analysis/a1", l.AnalysisPath("s1", "a1"))
	assert.Equal(t, "/data/references/r1/i1", l.IndexPath("r1", "i1"))
	assert.Equal(t, "/data/subtractions/sub1/subtraction", l.SubtractionIndexPath("sub1"))
	assert.Equal(t, "/data/files/u1", l.UploadPath("u1"))
	assert.Equal(t, "/data/hmm", l.HMMPath())
	l.HMMDir = "/opt/hmm"
	assert.Equal(t, "/opt/hmm", l.HMMPath())

	id := uuid.MustParse("7a1e3b4c-0000-4000-8000-000000000001")
	assert.Equal(t, "/tmp/virtool-7a1e3b4c-0000-4000-8000-000000000001", l.TempDir(id))
}

func TestLayout_ReadPaths(t *testing.T) {
	l := files.Layout{DataPath: "/data"}

	assert.Equal(t, []string{"/data/samples/s1/reads_1.fq.gz"}, l.ReadPaths(&models.Sample{ID: "s1"}))
	assert.Equal(t, []string{
		"/data/samples/s2/reads_1.fq.gz",
		"/data/samples/s2/reads_2.fq.gz",
	}, l.ReadPaths(&models.Sample{ID: "s2", Paired: true}))
}

func TestLayout_AnalysisPathsAreUnique(t *testing.T) {
	l := files.Layout{DataPath: "/data"}
	seen := map[string]bool{}
	for _, s := range []string{"s1", "s2"} {
		for _, a := range []string{"a1", "a2"} {
			p := l.AnalysisPath(s, a)
			assert.False(t, seen[p])
			seen[p] = true
		}
	}
}

func TestMakeExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples", "s1", "analysis", "a1")
	require.NoError(t, files.MakeExclusive(path))
	assert.ErrorIs(t, files.MakeExclusive(path), fs.ErrExist)
}
