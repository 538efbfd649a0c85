package bio

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Sequence is one FASTA record.
type Sequence struct {
	Header string
	Seq    string
}

// ID is the header up to the first whitespace.
func (s Sequence) ID() string {
	if i := strings.IndexAny(s.Header, " \t"); i >= 0 {
		return s.Header[:i]
	}
	return s.Header
}

// ReadFASTA parses every record in r. Sequence lines are joined.
func ReadFASTA(r io.Reader) ([]Sequence, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var (
		seqs []Sequence
		cur  *Sequence
		body strings.Builder
	)
	flush := func() {
		if cur != nil {
			cur.Seq = body.String()
			seqs = append(seqs, *cur)
			body.Reset()
		}
	}

	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, ">") {
			flush()
			cur = &Sequence{Header: strings.TrimSpace(text[1:])}
			continue
		}
		if cur == nil {
			return nil, fmt.Errorf("fasta line %d: sequence before first header", line)
		}
		body.WriteString(text)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read fasta: %w", err)
	}
	flush()
	return seqs, nil
}

// WriteFASTA writes seqs with unwrapped sequence lines.
func WriteFASTA(w io.Writer, seqs []Sequence) error {
	bw := bufio.NewWriter(w)
	for _, s := range seqs {
		if _, err := fmt.Fprintf(bw, ">%s\n%s\n", s.Header, s.Seq); err != nil {
			return err
		}
	}
	return bw.Flush()
}
