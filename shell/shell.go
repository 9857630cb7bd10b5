package shell

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/guseggert/shellproc/internal/drainbuf"
	"go.uber.org/zap"
)

// StillRunning is returned by ExitCode while the child has not exited yet.
// It is a sentinel, not a real exit code.
const StillRunning = -1

const (
	defaultPollInterval = 10 * time.Millisecond
	readChunkSize       = 4096
)

// Shell owns one child process spawned through the platform's command
// interpreter, with its stdin writable and its stdout/stderr continuously
// drained into in-memory buffers by two background goroutines.
//
// Drains, writes, and lifecycle queries may be issued from any goroutine.
// A Write that loses a race with Close fails with a *WriteError once the
// stdin handle is released.
type Shell struct {
	log          *zap.SugaredLogger
	pollInterval time.Duration

	proc *osProc

	stdoutBuf drainbuf.Buffer
	stderrBuf drainbuf.Buffer

	stop chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	exited   bool
	exitCode int

	closeOnce sync.Once
	closeErr  error
}

type Option func(s *Shell)

// WithLogger routes the Shell's debug logging to l. The default is a no-op
// logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Shell) { s.log = l.Named("shell").Sugar() }
}

// WithPollInterval sets how long a drainer sleeps when its pipe has no data.
// This also bounds Close latency.
func WithPollInterval(d time.Duration) Option {
	return func(s *Shell) { s.pollInterval = d }
}

// New spawns command through the platform's command interpreter with private
// stdin/stdout/stderr pipes and starts the two stream drainers. The command
// string is passed to the interpreter verbatim.
//
// On failure no process or pipe is left behind; the error is a *PipeError or
// *SpawnError wrapping the OS error.
func New(command string, opts ...Option) (*Shell, error) {
	if command == "" {
		return nil, errors.New("empty command")
	}

	s := &Shell{
		log:          zap.NewNop().Sugar(),
		pollInterval: defaultPollInterval,
		stop:         make(chan struct{}),
		exitCode:     StillRunning,
	}
	for _, o := range opts {
		o(s)
	}

	proc, err := startProc(command)
	if err != nil {
		return nil, err
	}
	s.proc = proc
	s.log.Debugf("spawned pid %d for command %q", proc.pid, command)

	s.wg.Add(2)
	go s.drainLoop(&proc.stdout, &s.stdoutBuf, "stdout")
	go s.drainLoop(&proc.stderr, &s.stderrBuf, "stderr")

	return s, nil
}

// drainLoop moves bytes from one pipe into its buffer until the pipe reports
// EOF or a hard error, or the stop signal is set. A burst is drained fully
// before sleeping.
func (s *Shell) drainLoop(ep *pipeFD, buf *drainbuf.Buffer, name string) {
	defer s.wg.Done()
	tmp := make([]byte, readChunkSize)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		n, err := readInto(ep, buf, tmp)
		if n > 0 {
			continue
		}
		if err == errWouldBlock {
			select {
			case <-s.stop:
				return
			case <-time.After(s.pollInterval):
			}
			continue
		}
		if err != nil && err != io.EOF {
			s.log.Debugf("%s drainer ended: %s", name, err)
		}
		return
	}
}

// readInto performs one non-blocking read and appends the result to buf while
// holding the endpoint's lock, so that the exit-checkpoint flush and the
// drainer goroutine cannot reorder bytes between each other.
func readInto(ep *pipeFD, buf *drainbuf.Buffer, tmp []byte) (int, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	n, err := ep.read(tmp)
	if n > 0 {
		buf.Append(tmp[:n])
	}
	return n, err
}

// DrainStdout returns all stdout bytes accumulated since the last drain and
// empties the buffer. It never blocks waiting for new output.
func (s *Shell) DrainStdout() []byte { return s.stdoutBuf.Drain() }

// DrainStderr returns all stderr bytes accumulated since the last drain and
// empties the buffer. It never blocks waiting for new output.
func (s *Shell) DrainStderr() []byte { return s.stderrBuf.Drain() }

// Write writes p to the child's stdin. It blocks only as long as the
// underlying pipe write blocks. A failed write, including one to a child that
// has already exited, returns a *WriteError.
func (s *Shell) Write(p []byte) (int, error) {
	n, err := s.proc.stdin.write(p)
	if err != nil {
		return n, &WriteError{Err: err}
	}
	return n, nil
}

// HasExited reports whether the child has terminated. The first call that
// observes termination latches the exit code (abnormal death latches 1) and
// synchronously flushes any bytes still sitting in the pipes into the drain
// buffers; later calls answer from the latched state without re-querying the
// OS.
func (s *Shell) HasExited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollExitLocked()
}

// ExitCode returns the latched exit code, polling for exit first if it has
// not been observed yet. While the child is still running it returns
// StillRunning.
func (s *Shell) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollExitLocked()
	return s.exitCode
}

func (s *Shell) pollExitLocked() bool {
	if s.exited {
		return true
	}
	code, exited := s.proc.pollExit()
	if !exited {
		return false
	}
	s.exited = true
	s.exitCode = code
	s.flushPipes()
	s.log.Debugf("pid %d exited with code %d", s.proc.pid, code)
	return true
}

// flushPipes synchronously drains whatever the pipes still hold into the
// buffers, so output enqueued before process death is drainable at the exit
// checkpoint.
func (s *Shell) flushPipes() {
	tmp := make([]byte, readChunkSize)
	for _, st := range []struct {
		ep  *pipeFD
		buf *drainbuf.Buffer
	}{
		{&s.proc.stdout, &s.stdoutBuf},
		{&s.proc.stderr, &s.stderrBuf},
	} {
		for {
			n, err := readInto(st.ep, st.buf, tmp)
			if n == 0 || err != nil {
				break
			}
		}
	}
}

// ForceExit requests platform termination of the child and latches the exit
// state to code 1. The latch is unconditional and irreversible: it happens
// even if the termination request fails or the child already exited with a
// different code.
func (s *Shell) ForceExit() {
	if err := s.proc.terminate(); err != nil {
		s.log.Debugf("terminate request for pid %d failed: %s", s.proc.pid, err)
	}
	s.mu.Lock()
	s.exited = true
	s.exitCode = 1
	s.mu.Unlock()
}

// Pid returns the OS process identifier of the child. It is stable for the
// lifetime of the Shell, including after exit.
func (s *Shell) Pid() int { return s.proc.pid }

// Close stops both drainers, waits for them, then releases every OS handle
// exactly once. It does not wait for the child to exit, and is safe to call
// more than once.
func (s *Shell) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.closeErr = s.proc.closeHandles()
	})
	return s.closeErr
}
