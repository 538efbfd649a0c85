// Package files maps documents to paths under the data and temp roots.
package files

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/virtool/jobrunner/pkg/models"
)

// Layout holds the two roots every path is derived from.
type Layout struct {
	DataPath string
	TempPath string
	// HMMDir overrides the location of the HMM database.
	HMMDir string
}

func (l Layout) SamplePath(sampleID string) string {
	return filepath.Join(l.DataPath, "samples", sampleID)
}

// ReadPaths returns the trimmed read files of a sample: reads_1.fq.gz and,
// for paired samples, reads_2.fq.gz.
func (l Layout) ReadPaths(s *models.Sample) []string {
	n := 1
	if s.Paired {
		n = 2
	}
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(l.SamplePath(s.ID), fmt.Sprintf("reads_%d.fq.gz", i+1))
	}
	return paths
}

func (l Layout) AnalysisPath(sampleID, analysisID string) string {
	return filepath.Join(l.SamplePath(sampleID), "analysis", analysisID)
}

// IndexPath is the directory of a reference index; the bowtie2 index prefix
// inside it is "reference".
func (l Layout) IndexPath(referenceID, indexID string) string {
	return filepath.Join(l.DataPath, "references", referenceID, indexID)
}

func (l Layout) SubtractionIndexPath(subtractionID string) string {
	return filepath.Join(l.DataPath, "subtractions", subtractionID, "subtraction")
}

func (l Layout) UploadPath(uploadID string) string {
	return filepath.Join(l.DataPath, "files", uploadID)
}

// HMMPath is the directory holding profiles.hmm and annotations.json.
func (l Layout) HMMPath() string {
	if l.HMMDir != "" {
		return l.HMMDir
	}
	return filepath.Join(l.DataPath, "hmm")
}

func (l Layout) TempDir(jobID uuid.UUID) string {
	return filepath.Join(l.TempPath, "virtool-"+jobID.String())
}

// MakeExclusive creates path and fails if it already exists. Parents are
// created as needed.
func MakeExclusive(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", path, err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return nil
}
