package shell

import (
	"errors"
	"fmt"
)

// errWouldBlock is returned by non-blocking pipe reads when no data is
// currently available. It never escapes the package.
var errWouldBlock = errors.New("no data available")

// PipeError reports a failure to create or configure one of the pipes backing
// a Shell. It always wraps the underlying OS error.
type PipeError struct {
	Op  string
	Err error
}

func (e *PipeError) Error() string { return fmt.Sprintf("%s: %s", e.Op, e.Err) }
func (e *PipeError) Unwrap() error { return e.Err }

// SpawnError reports that the platform failed to create the child process.
// It always wraps the underlying OS error.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %q: %s", e.Command, e.Err)
}
func (e *SpawnError) Unwrap() error { return e.Err }

// WriteError reports a failed write to the child's stdin, including writes to
// a child that has already exited. The caller may retry or abandon; the Shell
// does not retry internally.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("writing to process: %s", e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }
