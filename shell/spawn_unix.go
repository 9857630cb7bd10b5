//go:build !windows

package shell

import (
	"io"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"
)

// shellPath is a var so tests can point it at a dead path.
var shellPath = "/bin/sh"

// pipeFD owns one retained pipe end. close is idempotent so every control
// path can release it without tracking who closed first.
type pipeFD struct {
	mu sync.Mutex
	fd int
}

// read attempts one non-blocking read. It returns errWouldBlock when the pipe
// has no data, io.EOF when the write side is gone, and the OS error
// otherwise. The caller holds f.mu.
func (f *pipeFD) read(p []byte) (int, error) {
	if f.fd < 0 {
		return 0, io.EOF
	}
	n, err := unix.Read(f.fd, p)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, errWouldBlock
	}
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// write writes all of p, blocking as long as the pipe write blocks. It holds
// f.mu for the duration, so a close racing the write waits for it to finish
// and a write that lost the race fails instead of touching a reused fd.
func (f *pipeFD) write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fd < 0 {
		return 0, os.ErrClosed
	}
	total := 0
	for total < len(p) {
		n, err := unix.Write(f.fd, p[total:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (f *pipeFD) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return err
}

type osProc struct {
	pid    int
	stdin  pipeFD // write end
	stdout pipeFD // read end, non-blocking
	stderr pipeFD // read end, non-blocking
}

// startProc spawns `/bin/sh -c command` with all three standard streams
// redirected to private pipes. The child's pipe ends are closed in the parent
// immediately after the spawn, and the retained read ends are switched to
// non-blocking mode. Any failure releases everything acquired so far.
func startProc(command string) (*osProc, error) {
	var pipes [3][2]int
	fail := func(op string, err error) (*osProc, error) {
		for _, p := range pipes {
			for _, fd := range p {
				if fd > 0 {
					unix.Close(fd)
				}
			}
		}
		return nil, &PipeError{Op: op, Err: err}
	}

	for i := range pipes {
		if err := unix.Pipe(pipes[i][:]); err != nil {
			pipes[i] = [2]int{}
			return fail("creating pipes", err)
		}
	}

	stdinRead, stdinWrite := pipes[0][0], pipes[0][1]
	stdoutRead, stdoutWrite := pipes[1][0], pipes[1][1]
	stderrRead, stderrWrite := pipes[2][0], pipes[2][1]

	// The retained ends must not leak into other children.
	unix.CloseOnExec(stdinWrite)
	unix.CloseOnExec(stdoutRead)
	unix.CloseOnExec(stderrRead)

	if err := unix.SetNonblock(stdoutRead, true); err != nil {
		return fail("setting stdout non-blocking", err)
	}
	if err := unix.SetNonblock(stderrRead, true); err != nil {
		return fail("setting stderr non-blocking", err)
	}

	childStdin := os.NewFile(uintptr(stdinRead), "|0")
	childStdout := os.NewFile(uintptr(stdoutWrite), "|1")
	childStderr := os.NewFile(uintptr(stderrWrite), "|2")

	cmd := exec.Command(shellPath, "-c", command)
	cmd.Stdin = childStdin
	cmd.Stdout = childStdout
	cmd.Stderr = childStderr

	err := cmd.Start()

	// The child holds its own copies now (or was never created); the parent
	// copies close either way.
	childStdin.Close()
	childStdout.Close()
	childStderr.Close()

	if err != nil {
		unix.Close(stdinWrite)
		unix.Close(stdoutRead)
		unix.Close(stderrRead)
		return nil, &SpawnError{Command: command, Err: err}
	}

	return &osProc{
		pid:    cmd.Process.Pid,
		stdin:  pipeFD{fd: stdinWrite},
		stdout: pipeFD{fd: stdoutRead},
		stderr: pipeFD{fd: stderrRead},
	}, nil
}

// pollExit queries the child's status without waiting. A child that died
// abnormally (signal rather than a normal exit) reports code 1.
func (p *osProc) pollExit() (int, bool) {
	var status unix.WaitStatus
	for {
		wpid, err := unix.Wait4(p.pid, &status, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			// ECHILD: reaped out from under us, status is unknowable.
			return 1, true
		}
		if wpid != p.pid {
			return 0, false
		}
		if status.Exited() {
			return status.ExitStatus(), true
		}
		return 1, true
	}
}

func (p *osProc) terminate() error {
	return unix.Kill(p.pid, unix.SIGTERM)
}

func (p *osProc) closeHandles() error {
	var firstErr error
	for _, f := range []*pipeFD{&p.stdin, &p.stdout, &p.stderr} {
		if err := f.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
