package workflow

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const samFlagUnmapped = 0x4

// samRecord is the part of a SAM alignment line the workflows use.
type samRecord struct {
	QName string
	Flag  int
	RName string
	Pos   int
	Seq   string
	Qual  string
	// Score is the AS:i alignment score.
	Score int
}

func (r samRecord) mapped() bool { return r.Flag&samFlagUnmapped == 0 && r.RName != "*" }

// parseSAM calls fn for every alignment line in r. Header lines are skipped.
func parseSAM(r io.Reader, fn func(samRecord) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if text == "" || text[0] == '@' {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 11 {
			return fmt.Errorf("sam line %d: expected at least 11 fields, got %d", line, len(fields))
		}
		flag, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("sam line %d: flag: %w", line, err)
		}
		pos, err := strconv.Atoi(fields[3])
		if err != nil {
			return fmt.Errorf("sam line %d: pos: %w", line, err)
		}
		rec := samRecord{QName: fields[0], Flag: flag, RName: fields[2], Pos: pos, Seq: fields[9], Qual: fields[10]}
		for _, tag := range fields[11:] {
			if v, ok := strings.CutPrefix(tag, "AS:i:"); ok {
				if rec.Score, err = strconv.Atoi(v); err != nil {
					return fmt.Errorf("sam line %d: AS tag: %w", line, err)
				}
			}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return sc.Err()
}
