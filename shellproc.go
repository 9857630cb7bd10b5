// Package shellproc defines the common surface of interactive shell
// sessions, implemented locally by the shell package and remotely by the
// agent package.
package shellproc

import "io"

// Session is an interactive shell session running a single child process.
// Bytes written go to the child's stdin, and the child's stdout and stderr
// accumulate until drained. Implementations must be safe for concurrent use.
type Session interface {
	io.Writer

	// DrainStdout removes and returns the stdout bytes accumulated since
	// the last drain, or nil if there are none.
	DrainStdout() []byte

	// DrainStderr removes and returns the stderr bytes accumulated since
	// the last drain, or nil if there are none.
	DrainStderr() []byte

	// HasExited reports whether the child's termination has been observed.
	HasExited() bool

	// ExitCode returns the child's latched exit code, or shell.StillRunning
	// until HasExited reports true.
	ExitCode() int

	// ForceExit terminates the child and latches exit code 1, even if a
	// different code was latched first.
	ForceExit()

	// Pid returns the child's OS process ID.
	Pid() int

	// Close tears the session down and releases its resources. It does not
	// wait for the child to exit. Safe to call more than once.
	Close() error
}
