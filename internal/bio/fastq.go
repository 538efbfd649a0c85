package bio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Read is one FASTQ record.
type Read struct {
	Header string
	Seq    string
	Qual   string
}

// FASTQReader streams records from a FASTQ file.
type FASTQReader struct {
	sc   *bufio.Scanner
	line int
}

func NewFASTQReader(r io.Reader) *FASTQReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &FASTQReader{sc: sc}
}

// Read returns the next record, or io.EOF after the last one.
func (r *FASTQReader) Read() (Read, error) {
	var lines [4]string
	for i := range lines {
		if !r.sc.Scan() {
			if err := r.sc.Err(); err != nil {
				return Read{}, fmt.Errorf("read fastq: %w", err)
			}
			if i == 0 {
				return Read{}, io.EOF
			}
			return Read{}, fmt.Errorf("fastq line %d: truncated record", r.line)
		}
		r.line++
		lines[i] = strings.TrimRight(r.sc.Text(), "\r")
	}
	if !strings.HasPrefix(lines[0], "@") {
		return Read{}, fmt.Errorf("fastq line %d: header does not start with @", r.line-3)
	}
	if !strings.HasPrefix(lines[2], "+") {
		return Read{}, fmt.Errorf("fastq line %d: missing + separator", r.line-1)
	}
	if len(lines[1]) != len(lines[3]) {
		return Read{}, fmt.Errorf("fastq line %d: sequence and quality lengths differ", r.line)
	}
	return Read{Header: lines[0][1:], Seq: lines[1], Qual: lines[3]}, nil
}

// EachRead calls fn for every record in r.
func EachRead(r io.Reader, fn func(Read) error) error {
	fr := NewFASTQReader(r)
	for {
		rec, err := fr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// WriteRead writes a single FASTQ record.
func WriteRead(w io.Writer, r Read) error {
	_, err := fmt.Fprintf(w, "@%s\n%s\n+\n%s\n", r.Header, r.Seq, r.Qual)
	return err
}

// ReadName normalises a read header so both mates of a pair share it: the
// leading '@' or '>', anything after the first space and a trailing /1 or
// /2 mate suffix are removed.
func ReadName(header string) string {
	header = strings.TrimLeft(header, "@>")
	if i := strings.IndexAny(header, " \t"); i >= 0 {
		header = header[:i]
	}
	if n := len(header); n > 2 && header[n-2] == '/' && (header[n-1] == '1' || header[n-1] == '2') {
		header = header[:n-2]
	}
	return header
}
