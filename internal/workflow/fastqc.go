package workflow

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Quality is the read quality report stored on a sample.
type Quality struct {
	Count    int     `json:"count"`
	Encoding string  `json:"encoding"`
	Length   [2]int  `json:"length"`
	GC       float64 `json:"gc"`
	// Bases holds, per position, the mean, median, lower quartile, upper
	// quartile, 10th and 90th percentile quality.
	Bases [][6]float64 `json:"bases"`
	// Composition holds, per position, the G, A, T and C percentages.
	Composition [][4]float64 `json:"composition"`
	// Sequences counts reads by mean quality, indexed by quality score.
	Sequences []int `json:"sequences"`
}

// parseFastQC reads a fastqc_data.txt report.
func parseFastQC(r io.Reader) (*Quality, error) {
	q := &Quality{}
	sc := bufio.NewScanner(r)
	module := ""
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		switch {
		case strings.HasPrefix(text, ">>END_MODULE"):
			module = ""
			continue
		case strings.HasPrefix(text, ">>"):
			module, _, _ = strings.Cut(text[2:], "\t")
			continue
		case text == "" || strings.HasPrefix(text, "#"):
			continue
		}

		f := strings.Split(text, "\t")
		var err error
		switch module {
		case "Basic Statistics":
			err = q.parseBasic(f)
		case "Per base sequence quality":
			err = q.parseBase(f)
		case "Per sequence quality scores":
			err = q.parseSequence(f)
		case "Per base sequence content":
			err = q.parseComposition(f)
		}
		if err != nil {
			return nil, fmt.Errorf("fastqc line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if q.Encoding == "" {
		return nil, fmt.Errorf("fastqc report has no basic statistics")
	}
	return q, nil
}

func (q *Quality) parseBasic(f []string) error {
	if len(f) < 2 {
		return fmt.Errorf("malformed statistic %q", strings.Join(f, "\t"))
	}
	var err error
	switch f[0] {
	case "Total Sequences":
		q.Count, err = strconv.Atoi(f[1])
	case "Encoding":
		q.Encoding = f[1]
	case "Sequence length":
		lo, hi, found := strings.Cut(f[1], "-")
		if q.Length[0], err = strconv.Atoi(lo); err != nil {
			return err
		}
		q.Length[1] = q.Length[0]
		if found {
			q.Length[1], err = strconv.Atoi(hi)
		}
	case "%GC":
		q.GC, err = strconv.ParseFloat(f[1], 64)
	}
	return err
}

func (q *Quality) parseBase(f []string) error {
	vals, err := floats(f, 7)
	if err != nil {
		return err
	}
	var row [6]float64
	copy(row[:], vals)
	q.Bases = append(q.Bases, row)
	return nil
}

func (q *Quality) parseSequence(f []string) error {
	vals, err := floats(f, 2)
	if err != nil {
		return err
	}
	score := int(vals[0])
	if score < 0 || score > 100 {
		return fmt.Errorf("quality score %d out of range", score)
	}
	for len(q.Sequences) <= score {
		q.Sequences = append(q.Sequences, 0)
	}
	q.Sequences[score] += int(math.Round(vals[1]))
	return nil
}

func (q *Quality) parseComposition(f []string) error {
	vals, err := floats(f, 5)
	if err != nil {
		return err
	}
	var row [4]float64
	copy(row[:], vals)
	q.Composition = append(q.Composition, row)
	return nil
}

// floats parses columns 1..n-1 of a row whose first column is a position
// or score. A position range such as "10-14" is reduced to its start.
func floats(f []string, n int) ([]float64, error) {
	if len(f) < n {
		return nil, fmt.Errorf("expected %d columns, got %d", n, len(f))
	}
	out := make([]float64, 0, n)
	first, _, _ := strings.Cut(f[0], "-")
	v, err := strconv.ParseFloat(first, 64)
	if err != nil {
		return nil, err
	}
	if n == 2 {
		out = append(out, v)
	}
	for _, s := range f[1:n] {
		x, err := strconv.ParseFloat(s, 64)
		if err != nil {
			if s == "NaN" {
				x = 0
			} else {
				return nil, err
			}
		}
		out = append(out, x)
	}
	return out, nil
}

// mergeQuality combines the reports of the two files of a paired sample.
// Counts add up; per-position values are averaged.
func mergeQuality(a, b *Quality) *Quality {
	m := &Quality{
		Count:    a.Count + b.Count,
		Encoding: a.Encoding,
		Length:   [2]int{min(a.Length[0], b.Length[0]), max(a.Length[1], b.Length[1])},
		GC:       (a.GC + b.GC) / 2,
	}
	m.Bases = make([][6]float64, max(len(a.Bases), len(b.Bases)))
	for i := range m.Bases {
		var ra, rb []float64
		if i < len(a.Bases) {
			ra = a.Bases[i][:]
		}
		if i < len(b.Bases) {
			rb = b.Bases[i][:]
		}
		average(m.Bases[i][:], ra, rb)
	}
	m.Composition = make([][4]float64, max(len(a.Composition), len(b.Composition)))
	for i := range m.Composition {
		var ra, rb []float64
		if i < len(a.Composition) {
			ra = a.Composition[i][:]
		}
		if i < len(b.Composition) {
			rb = b.Composition[i][:]
		}
		average(m.Composition[i][:], ra, rb)
	}
	m.Sequences = make([]int, max(len(a.Sequences), len(b.Sequences)))
	for i := range m.Sequences {
		if i < len(a.Sequences) {
			m.Sequences[i] += a.Sequences[i]
		}
		if i < len(b.Sequences) {
			m.Sequences[i] += b.Sequences[i]
		}
	}
	return m
}

// average writes into dst the mean of a and b, or whichever is present.
func average(dst, a, b []float64) {
	for k := range dst {
		switch {
		case a == nil:
			dst[k] = b[k]
		case b == nil:
			dst[k] = a[k]
		default:
			dst[k] = (a[k] + b[k]) / 2
		}
	}
}
