package subprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const stderrTailSize = 4096

// ExecRunner runs commands with os/exec. Each command gets its own process
// group, which is killed as a whole when ctx is done.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after the
	// process group is killed.
	WaitDelay time.Duration
}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{WaitDelay: 5 * time.Second}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) error {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = r.WaitDelay

	tail := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = tail
	if c.LogPath != "" {
		f, err := os.Create(c.LogPath)
		if err != nil {
			return fmt.Errorf("create log for %s: %w", c.Name, err)
		}
		defer f.Close()
		cmd.Stderr = io.MultiWriter(tail, f)
	}

	start := time.Now()
	slog.Debug("running tool", "command", c.String(), "dir", c.Dir)
	err := cmd.Run()
	if err == nil {
		slog.Debug("tool finished", "command", c.Name, "duration_ms", time.Since(start).Milliseconds())
		return nil
	}

	serr := &Error{Command: c.String(), ExitCode: -1, Stderr: tail.String(), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		serr.ExitCode = exitErr.ExitCode()
	}
	serr.OutOfMemory = DetectOutOfMemory(serr.Stderr)
	return serr
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
