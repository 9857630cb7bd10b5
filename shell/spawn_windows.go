//go:build windows

package shell

import (
	"io"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// shellPath is a var so tests can point it at a dead path.
var shellPath = "cmd.exe"

// GetExitCodeProcess reports this pseudo-code while the process runs. A child
// that deliberately exits with 259 is indistinguishable from a running one;
// that is a platform limitation.
const stillActive = 259

// pipeFD owns one retained pipe handle. close is idempotent so every control
// path can release it without tracking who closed first.
type pipeFD struct {
	mu sync.Mutex
	h  windows.Handle
}

// read attempts one non-blocking read by peeking for available bytes first.
// It returns errWouldBlock when the pipe is empty, io.EOF when the write side
// is gone, and the OS error otherwise. The caller holds f.mu.
func (f *pipeFD) read(p []byte) (int, error) {
	if f.h == 0 {
		return 0, io.EOF
	}
	var avail uint32
	if err := windows.PeekNamedPipe(f.h, nil, 0, nil, &avail, nil); err != nil {
		if err == windows.ERROR_BROKEN_PIPE {
			return 0, io.EOF
		}
		return 0, err
	}
	if avail == 0 {
		return 0, errWouldBlock
	}
	var n uint32
	if err := windows.ReadFile(f.h, p, &n, nil); err != nil {
		if err == windows.ERROR_BROKEN_PIPE {
			return 0, io.EOF
		}
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return int(n), nil
}

// write writes all of p, blocking as long as the pipe write blocks. It holds
// f.mu for the duration, so a close racing the write waits for it to finish
// and a write that lost the race fails instead of touching a reused handle.
func (f *pipeFD) write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.h == 0 {
		return 0, os.ErrClosed
	}
	total := 0
	for total < len(p) {
		var n uint32
		if err := windows.WriteFile(f.h, p[total:], &n, nil); err != nil {
			return total, err
		}
		total += int(n)
	}
	return total, nil
}

func (f *pipeFD) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.h == 0 {
		return nil
	}
	err := windows.CloseHandle(f.h)
	f.h = 0
	return err
}

type osProc struct {
	pid    int
	handle windows.Handle
	stdin  pipeFD // write end
	stdout pipeFD // read end
	stderr pipeFD // read end
}

// startProc spawns `cmd.exe /C command` with all three standard streams
// redirected to private pipes. The child-side pipe ends are inheritable; the
// retained ends are marked non-inheritable and the child's copies are closed
// in the parent right after the spawn. Any failure releases everything
// acquired so far.
func startProc(command string) (*osProc, error) {
	sa := &windows.SecurityAttributes{InheritHandle: 1}
	sa.Length = uint32(unsafe.Sizeof(*sa))

	var stdinRead, stdinWrite, stdoutRead, stdoutWrite, stderrRead, stderrWrite windows.Handle
	handles := []*windows.Handle{
		&stdinRead, &stdinWrite, &stdoutRead, &stdoutWrite, &stderrRead, &stderrWrite,
	}
	closeAll := func() {
		for _, h := range handles {
			if *h != 0 {
				windows.CloseHandle(*h)
				*h = 0
			}
		}
	}

	if err := windows.CreatePipe(&stdinRead, &stdinWrite, sa, 0); err != nil {
		return nil, &PipeError{Op: "creating pipes", Err: err}
	}
	if err := windows.CreatePipe(&stdoutRead, &stdoutWrite, sa, 0); err != nil {
		closeAll()
		return nil, &PipeError{Op: "creating pipes", Err: err}
	}
	if err := windows.CreatePipe(&stderrRead, &stderrWrite, sa, 0); err != nil {
		closeAll()
		return nil, &PipeError{Op: "creating pipes", Err: err}
	}

	// The retained ends must not leak into the child.
	for _, h := range []windows.Handle{stdinWrite, stdoutRead, stderrRead} {
		if err := windows.SetHandleInformation(h, windows.HANDLE_FLAG_INHERIT, 0); err != nil {
			closeAll()
			return nil, &PipeError{Op: "configuring pipe inheritance", Err: err}
		}
	}

	cmdline, err := windows.UTF16PtrFromString(shellPath + " /C " + command)
	if err != nil {
		closeAll()
		return nil, &SpawnError{Command: command, Err: err}
	}

	si := new(windows.StartupInfo)
	si.Cb = uint32(unsafe.Sizeof(*si))
	si.Flags = windows.STARTF_USESTDHANDLES
	si.StdInput = stdinRead
	si.StdOutput = stdoutWrite
	si.StdErr = stderrWrite

	pi := new(windows.ProcessInformation)
	err = windows.CreateProcess(nil, cmdline, nil, nil, true, windows.CREATE_NO_WINDOW, nil, nil, si, pi)

	// The child holds its own copies now (or was never created); the parent
	// copies close either way.
	windows.CloseHandle(stdinRead)
	windows.CloseHandle(stdoutWrite)
	windows.CloseHandle(stderrWrite)

	if err != nil {
		windows.CloseHandle(stdinWrite)
		windows.CloseHandle(stdoutRead)
		windows.CloseHandle(stderrRead)
		return nil, &SpawnError{Command: command, Err: err}
	}
	windows.CloseHandle(pi.Thread)

	return &osProc{
		pid:    int(pi.ProcessId),
		handle: pi.Process,
		stdin:  pipeFD{h: stdinWrite},
		stdout: pipeFD{h: stdoutRead},
		stderr: pipeFD{h: stderrRead},
	}, nil
}

// pollExit queries the child's status without waiting.
func (p *osProc) pollExit() (int, bool) {
	var code uint32
	if err := windows.GetExitCodeProcess(p.handle, &code); err != nil {
		return 1, true
	}
	if code == stillActive {
		return 0, false
	}
	return int(code), true
}

func (p *osProc) terminate() error {
	return windows.TerminateProcess(p.handle, 1)
}

func (p *osProc) closeHandles() error {
	var firstErr error
	for _, f := range []*pipeFD{&p.stdin, &p.stdout, &p.stderr} {
		if err := f.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.handle != 0 {
		if err := windows.CloseHandle(p.handle); err != nil && firstErr == nil {
			firstErr = err
		}
		p.handle = 0
	}
	return firstErr
}
