// Package workflowtest provides a fake tool runner and fixture data for
// exercising workflows without the bioinformatics tools installed.
package workflowtest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/virtool/jobrunner/internal/bio"
	"github.com/virtool/jobrunner/internal/config"
	"github.com/virtool/jobrunner/internal/subprocess"
)

// Tools names the fake executables the Runner recognises.
var Tools = config.ToolsConfig{
	Bowtie2:      "bowtie2",
	Bowtie2Build: "bowtie2-build",
	Spades:       "spades.py",
	HMMScan:      "hmmscan",
	Skewer:       "skewer",
	FastQC:       "fastqc",
}

// Runner imitates the tools by writing plausible outputs where the real
// ones would.
type Runner struct {
	// Contigs is what the assembler writes to scaffolds.fasta.
	Contigs []bio.Sequence
	// AssemblerOOM makes the assembler fail with an out-of-memory log.
	AssemblerOOM bool
	// NoHMMHits makes hmmscan report nothing.
	NoHMMHits bool
	// SAM, when set, produces the alignment lines written by bowtie2 for
	// the index named by -x.
	SAM func(index string) string
	// Fail makes the named tool exit with status 1.
	Fail map[string]bool
	// BeforeRun is called with every command before it runs.
	BeforeRun func(subprocess.Command)

	mu    sync.Mutex
	calls []subprocess.Command
}

// Calls returns the commands run so far.
func (r *Runner) Calls() []subprocess.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]subprocess.Command(nil), r.calls...)
}

// Names returns the tool names run so far, in order.
func (r *Runner) Names() []string {
	var names []string
	for _, c := range r.Calls() {
		names = append(names, c.Name)
	}
	return names
}

func (r *Runner) Run(ctx context.Context, cmd subprocess.Command) error {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()
	if r.BeforeRun != nil {
		r.BeforeRun(cmd)
	}
	if err := ctx.Err(); err != nil {
		return &subprocess.Error{Command: cmd.String(), ExitCode: -1, Err: err}
	}
	if r.Fail[cmd.Name] {
		return &subprocess.Error{Command: cmd.String(), ExitCode: 1, Stderr: "simulated failure"}
	}

	switch cmd.Name {
	case Tools.Bowtie2:
		return r.bowtie2(cmd)
	case Tools.Bowtie2Build:
		return touch(cmd.Args[len(cmd.Args)-1] + ".1.bt2")
	case Tools.Spades:
		return r.spades(cmd)
	case Tools.HMMScan:
		return r.hmmscan(cmd)
	case Tools.Skewer:
		return skewer(cmd)
	case Tools.FastQC:
		return fastqc(cmd)
	}
	return &subprocess.Error{Command: cmd.String(), ExitCode: 127, Stderr: "command not found"}
}

func flag(args []string, name string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == name {
			return args[i+1]
		}
	}
	return ""
}

func touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, nil, 0o644)
}

// bowtie2 reports every input read as unaligned and writes the SAM lines
// from r.SAM.
func (r *Runner) bowtie2(cmd subprocess.Command) error {
	if un := flag(cmd.Args, "--un"); un != "" {
		out, err := os.Create(un)
		if err != nil {
			return err
		}
		for _, in := range strings.Split(flag(cmd.Args, "-U"), ",") {
			if err := copyReads(out, in); err != nil {
				out.Close()
				return err
			}
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
	if sam := flag(cmd.Args, "-S"); sam != "" {
		body := "@HD\tVN:1.0\tSO:unsorted\n"
		if r.SAM != nil {
			body += r.SAM(flag(cmd.Args, "-x"))
		}
		return os.WriteFile(sam, []byte(body), 0o644)
	}
	return nil
}

func copyReads(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var src io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer zr.Close()
		src = zr
	}
	_, err = io.Copy(w, src)
	return err
}

func (r *Runner) spades(cmd subprocess.Command) error {
	out := flag(cmd.Args, "-o")
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}
	if r.AssemblerOOM {
		log := "== Error ==  system call for: spades-core failed\nError in malloc(): out of memory\n"
		if err := os.WriteFile(filepath.Join(out, "spades.log"), []byte(log), 0o644); err != nil {
			return err
		}
		return &subprocess.Error{Command: cmd.String(), ExitCode: 255, Stderr: "spades-core terminated"}
	}
	f, err := os.Create(filepath.Join(out, "scaffolds.fasta"))
	if err != nil {
		return err
	}
	if err := bio.WriteFASTA(f, r.Contigs); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// hmmscan reports one vFam_1 hit for every ORF query.
func (r *Runner) hmmscan(cmd subprocess.Command) error {
	f, err := os.Open(cmd.Args[len(cmd.Args)-1])
	if err != nil {
		return err
	}
	queries, err := bio.ReadFASTA(f)
	f.Close()
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("# target name  accession  query name  accession  E-value  score  bias  E-value  score  bias ...\n")
	if !r.NoHMMHits {
		for _, q := range queries {
			fmt.Fprintf(&b, "vFam_1 - %s - 1.2e-20 75.3 0.1 2.5e-20 74.0 0.1 1.0 1 0 0 1 1 1 1 RdRp\n", q.ID())
		}
	}
	return os.WriteFile(flag(cmd.Args, "--tblout"), []byte(b.String()), 0o644)
}

// skewer copies its inputs to the names skewer gives trimmed output.
func skewer(cmd subprocess.Command) error {
	prefix := flag(cmd.Args, "-o")
	if flag(cmd.Args, "-m") == "pe" {
		inputs := cmd.Args[len(cmd.Args)-2:]
		if err := copyFile(inputs[0], prefix+"-trimmed-pair1.fastq.gz"); err != nil {
			return err
		}
		return copyFile(inputs[1], prefix+"-trimmed-pair2.fastq.gz")
	}
	return copyFile(cmd.Args[len(cmd.Args)-1], prefix+"-trimmed.fastq.gz")
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// fastqc writes FastQCReport for every input file.
func fastqc(cmd subprocess.Command) error {
	out := flag(cmd.Args, "-o")
	start := 0
	for i, a := range cmd.Args {
		if a == "--extract" {
			start = i + 1
		}
	}
	for _, in := range cmd.Args[start:] {
		name := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(in), ".gz"), ".fq")
		dir := filepath.Join(out, name+"_fastqc")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "fastqc_data.txt"), []byte(FastQCReport), 0o644); err != nil {
			return err
		}
	}
	return nil
}
