package workflow

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// HMMHit is one profile hit on an ORF from hmmscan's table output.
type HMMHit struct {
	HMM       string   `json:"hit"`
	Cluster   int      `json:"cluster,omitempty"`
	Names     []string `json:"names,omitempty"`
	FullE     float64  `json:"full_e"`
	FullScore float64  `json:"full_score"`
	FullBias  float64  `json:"full_bias"`
	BestE     float64  `json:"best_e"`
	BestScore float64  `json:"best_score"`
	BestBias  float64  `json:"best_bias"`
}

// HMMAnnotation describes a profile in the HMM database.
type HMMAnnotation struct {
	Cluster int      `json:"cluster"`
	Names   []string `json:"names"`
}

// parseTblout reads hmmscan --tblout output into hits keyed by query name.
func parseTblout(r io.Reader) (map[string][]HMMHit, error) {
	hits := map[string][]HMMHit{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		f := strings.Fields(text)
		if len(f) < 10 {
			return nil, fmt.Errorf("tblout line %d: expected at least 10 columns, got %d", line, len(f))
		}
		var vals [6]float64
		for i := range vals {
			v, err := strconv.ParseFloat(f[4+i], 64)
			if err != nil {
				return nil, fmt.Errorf("tblout line %d column %d: %w", line, 5+i, err)
			}
			vals[i] = v
		}
		hits[f[2]] = append(hits[f[2]], HMMHit{
			HMM:       f[0],
			FullE:     vals[0],
			FullScore: vals[1],
			FullBias:  vals[2],
			BestE:     vals[3],
			BestScore: vals[4],
			BestBias:  vals[5],
		})
	}
	return hits, sc.Err()
}

// loadAnnotations reads annotations.json. A missing file yields no
// annotations.
func loadAnnotations(path string) (map[string]HMMAnnotation, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]HMMAnnotation{}, nil
	}
	if err != nil {
		return nil, err
	}
	var ann map[string]HMMAnnotation
	if err := json.Unmarshal(data, &ann); err != nil {
		return nil, fmt.Errorf("decode hmm annotations: %w", err)
	}
	return ann, nil
}
