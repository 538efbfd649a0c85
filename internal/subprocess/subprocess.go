// Package subprocess runs the external bioinformatics tools a workflow
// stage depends on.
package subprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrOutOfMemory matches, via errors.Is, any *Error whose tool ran out of
// memory.
var ErrOutOfMemory = errors.New("out of memory")

// outOfMemoryMarkers are log lines emitted by tools that exhausted memory.
var outOfMemoryMarkers = []string{
	"Error in malloc(): out of memory",
	"std::bad_alloc",
	"Cannot allocate memory",
}

// Command is one tool invocation.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory. Empty means the worker's.
	Dir string
	// Env is appended to the worker's environment.
	Env []string
	// Stdout receives the tool's standard output when set. Tools that
	// write a result stream (aligners) use this.
	Stdout io.Writer
	// LogPath, when set, receives a copy of standard error.
	LogPath string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner runs commands to completion. A nonzero exit is reported as *Error.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// Error describes a failed tool invocation.
type Error struct {
	Command     string
	ExitCode    int
	Stderr      string
	OutOfMemory bool
	Err         error
}

func (e *Error) Error() string {
	if e.OutOfMemory {
		return fmt.Sprintf("%s: out of memory", e.Command)
	}
	if e.ExitCode >= 0 {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == ErrOutOfMemory && e.OutOfMemory
}

// DetectOutOfMemory reports whether a tool log shows memory exhaustion.
func DetectOutOfMemory(log string) bool {
	for _, m := range outOfMemoryMarkers {
		if strings.Contains(log, m) {
			return true
		}
	}
	return false
}

// AsOutOfMemory marks err as an out-of-memory failure when it is a *Error
// and log carries an out-of-memory marker. Tools that keep their own log
// file (the assembler) are checked this way after a failed run.
func AsOutOfMemory(err error, log string) error {
	var serr *Error
	if !errors.As(err, &serr) || !DetectOutOfMemory(log) {
		return err
	}
	c := *serr
	c.OutOfMemory = true
	return &c
}
