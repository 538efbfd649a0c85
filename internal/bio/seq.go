// Package bio holds the sequence utilities used by the workflow stages.
package bio

import "strings"

// MinORFLength is the shortest ORF, in residues, FindORFs reports.
const MinORFLength = 100

var complement = map[byte]byte{
	'A': 'T', 'T': 'A', 'G': 'C', 'C': 'G',
	'R': 'Y', 'Y': 'R', 'K': 'M', 'M': 'K',
	'S': 'S', 'W': 'W', 'B': 'V', 'V': 'B',
	'D': 'H', 'H': 'D', 'N': 'N',
}

// ReverseComplement returns the reverse complement of a nucleotide
// sequence. Unknown characters complement to N.
func ReverseComplement(seq string) string {
	seq = strings.ToUpper(seq)
	out := make([]byte, len(seq))
	for i := 0; i < len(seq); i++ {
		c, ok := complement[seq[i]]
		if !ok {
			c = 'N'
		}
		out[len(seq)-1-i] = c
	}
	return string(out)
}

var codons = buildCodonTable()

func buildCodonTable() map[string]byte {
	const (
		bases = "TCAG"
		aas   = "FFLLSSSSYY**CC*WLLLLPPPPHHQQRRRRIIIMTTTTNNKKSSRRVVVVAAAADDEEGGGG"
	)
	table := make(map[string]byte, 64)
	i := 0
	for _, a := range []byte(bases) {
		for _, b := range []byte(bases) {
			for _, c := range []byte(bases) {
				table[string([]byte{a, b, c})] = aas[i]
				i++
			}
		}
	}
	return table
}

// Translate translates a nucleotide sequence with the standard code. Stop
// codons become '*', codons with ambiguous bases become 'X' and a trailing
// partial codon is dropped.
func Translate(seq string) string {
	seq = strings.ToUpper(strings.ReplaceAll(seq, "U", "T"))
	n := len(seq) / 3
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		aa, ok := codons[seq[i*3:i*3+3]]
		if !ok {
			aa = 'X'
		}
		b.WriteByte(aa)
	}
	return b.String()
}

// ORF is an open reading frame found in a nucleotide sequence. Pos is the
// half-open span on the forward strand.
type ORF struct {
	Pro    string `json:"pro"`
	Nuc    string `json:"nuc"`
	Frame  int    `json:"frame"`
	Strand int    `json:"strand"`
	Pos    [2]int `json:"pos"`
}

// FindORFs returns every stop-delimited stretch of at least MinORFLength
// residues in all six reading frames.
func FindORFs(seq string) []ORF {
	seq = strings.ToUpper(seq)
	n := len(seq)
	var orfs []ORF

	for _, strand := range []int{1, -1} {
		nuc := seq
		if strand == -1 {
			nuc = ReverseComplement(seq)
		}
		for frame := 0; frame < 3 && frame < n; frame++ {
			trans := Translate(nuc[frame:])
			start := 0
			for start < len(trans) {
				end := strings.IndexByte(trans[start:], '*')
				if end == -1 {
					end = len(trans)
				} else {
					end += start
				}
				if end-start >= MinORFLength {
					// Include the stop codon when there is one.
					lo := frame + start*3
					hi := min(n, frame+end*3+3)
					pos := [2]int{lo, hi}
					if strand == -1 {
						pos = [2]int{n - hi, n - lo}
					}
					orfs = append(orfs, ORF{
						Pro:    trans[start:end],
						Nuc:    nuc[lo:hi],
						Frame:  frame,
						Strand: strand,
						Pos:    pos,
					})
				}
				start = end + 1
			}
		}
	}
	return orfs
}
