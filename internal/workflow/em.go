package workflow

import (
	"math"
	"sort"
)

// EMOptions tune the Pathoscope reassignment.
type EMOptions struct {
	MaxIterations int
	Epsilon       float64
	ThetaPrior    float64
	PiPrior       float64
}

// DefaultEMOptions are the parameters Pathoscope uses.
var DefaultEMOptions = EMOptions{MaxIterations: 30, Epsilon: 1e-7}

// Alignment is one read-to-reference alignment.
type Alignment struct {
	Read   string
	Ref    string
	Pos    int
	Length int
	Score  int
}

// Reassignment is the outcome of the EM over a set of alignments.
type Reassignment struct {
	Refs []string
	// InitPi is each reference's share of best initial hits.
	InitPi map[string]float64
	Pi     map[string]float64
	// Best is each reference's share of reads it wins after reassignment;
	// Reads is that count.
	Best  map[string]float64
	Reads map[string]int
	// Assigned maps each read to the alignment it was reassigned to.
	Assigned   map[string]Alignment
	ReadCount  int
	Iterations int
}

type multiRead struct {
	name  string
	refs  []int
	probs []float64
	alns  []Alignment
}

// Reassign distributes multi-mapping reads over their references with the
// Pathoscope EM. A read's alignments are weighted by exp(score - best) so
// only score differences matter.
func Reassign(alns []Alignment, opts EMOptions) Reassignment {
	refIdx := map[string]int{}
	var refs []string
	byRead := map[string]map[int]Alignment{}
	var order []string
	for _, a := range alns {
		g, ok := refIdx[a.Ref]
		if !ok {
			g = len(refs)
			refIdx[a.Ref] = g
			refs = append(refs, a.Ref)
		}
		m, ok := byRead[a.Read]
		if !ok {
			m = map[int]Alignment{}
			byRead[a.Read] = m
			order = append(order, a.Read)
		}
		if cur, ok := m[g]; !ok || a.Score > cur.Score {
			m[g] = a
		}
	}

	nRefs := len(refs)
	res := Reassignment{
		Refs:      refs,
		InitPi:    map[string]float64{},
		Pi:        map[string]float64{},
		Best:      map[string]float64{},
		Reads:     map[string]int{},
		Assigned:  map[string]Alignment{},
		ReadCount: len(order),
	}
	if nRefs == 0 {
		return res
	}

	reads := make([]multiRead, 0, len(order))
	for _, name := range order {
		m := byRead[name]
		gs := make([]int, 0, len(m))
		for g := range m {
			gs = append(gs, g)
		}
		sort.Ints(gs)
		best := math.Inf(-1)
		for _, g := range gs {
			best = math.Max(best, float64(m[g].Score))
		}
		r := multiRead{name: name, refs: gs}
		sum := 0.0
		for _, g := range gs {
			p := math.Exp(float64(m[g].Score) - best)
			r.probs = append(r.probs, p)
			r.alns = append(r.alns, m[g])
			sum += p
		}
		for i := range r.probs {
			r.probs[i] /= sum
		}
		reads = append(reads, r)
	}

	nReads := float64(len(reads))
	initPi := make([]float64, nRefs)
	unique := make([]float64, nRefs)
	var multi []int
	for i, r := range reads {
		initPi[r.refs[argmax(r.probs)]]++
		if len(r.refs) == 1 {
			unique[r.refs[0]]++
		} else {
			multi = append(multi, i)
		}
	}

	pi := uniform(nRefs)
	theta := uniform(nRefs)
	weights := make([][]float64, len(reads))
	for i, r := range reads {
		weights[i] = append([]float64(nil), r.probs...)
	}

	for res.Iterations < opts.MaxIterations {
		res.Iterations++
		piOld := append([]float64(nil), pi...)
		piSum := append([]float64(nil), unique...)
		thetaSum := make([]float64, nRefs)

		for _, i := range multi {
			r := reads[i]
			total := 0.0
			for k, g := range r.refs {
				weights[i][k] = pi[g] * theta[g] * r.probs[k]
				total += weights[i][k]
			}
			for k, g := range r.refs {
				if total > 0 {
					weights[i][k] /= total
				} else {
					weights[i][k] = 0
				}
				piSum[g] += weights[i][k]
				thetaSum[g] += weights[i][k]
			}
		}

		for g := range pi {
			pi[g] = (piSum[g] + opts.PiPrior) / (nReads + opts.PiPrior*float64(nRefs))
		}
		if len(multi) > 0 {
			nu := float64(len(multi))
			for g := range theta {
				theta[g] = (thetaSum[g] + opts.ThetaPrior) / (nu + opts.ThetaPrior*float64(nRefs))
			}
		}

		delta := 0.0
		for g := range pi {
			delta += math.Abs(pi[g] - piOld[g])
		}
		if delta < opts.Epsilon {
			break
		}
	}

	for i, r := range reads {
		k := argmax(weights[i])
		res.Assigned[r.name] = r.alns[k]
		res.Reads[refs[r.refs[k]]]++
	}
	for g, ref := range refs {
		res.InitPi[ref] = initPi[g] / nReads
		res.Pi[ref] = pi[g]
		res.Best[ref] = float64(res.Reads[ref]) / nReads
	}
	return res
}

// Coverage returns the fraction of a reference of the given length covered
// by alns and the mean depth over it.
func Coverage(alns []Alignment, length int) (coverage, depth float64) {
	if length <= 0 {
		return 0, 0
	}
	d := make([]int, length)
	for _, a := range alns {
		start := max(a.Pos-1, 0)
		end := min(start+a.Length, length)
		for i := start; i < end; i++ {
			d[i]++
		}
	}
	covered, total := 0, 0
	for _, v := range d {
		if v > 0 {
			covered++
		}
		total += v
	}
	return float64(covered) / float64(length), float64(total) / float64(length)
}

func argmax(xs []float64) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}

func uniform(n int) []float64 {
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = 1 / float64(n)
	}
	return xs
}
