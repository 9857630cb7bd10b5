package shell

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startShell(t *testing.T, command string) *Shell {
	t.Helper()
	s, err := New(command)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitExited(t *testing.T, s *Shell) {
	t.Helper()
	require.Eventually(t, s.HasExited, 10*time.Second, 5*time.Millisecond)
}

// drainUntilExit collects drained stdout and stderr, interleaving drains with
// production, until the child exits and both streams are exhausted.
func drainUntilExit(t *testing.T, s *Shell) (stdout, stderr []byte) {
	t.Helper()
	var outBuf, errBuf bytes.Buffer
	for !s.HasExited() {
		outBuf.Write(s.DrainStdout())
		errBuf.Write(s.DrainStderr())
		time.Sleep(time.Millisecond)
	}
	// the exit checkpoint flushed anything left in the pipes
	outBuf.Write(s.DrainStdout())
	errBuf.Write(s.DrainStderr())
	return outBuf.Bytes(), errBuf.Bytes()
}

func TestEcho(t *testing.T) {
	s := startShell(t, "echo hi")

	stdout, stderr := drainUntilExit(t, s)
	assert.Equal(t, "hi\n", string(stdout))
	assert.Empty(t, stderr)
	assert.Equal(t, 0, s.ExitCode())
}

func TestStderrAndExitCode(t *testing.T) {
	s := startShell(t, "echo oops 1>&2; exit 2")

	stdout, stderr := drainUntilExit(t, s)
	assert.Empty(t, stdout)
	assert.Equal(t, "oops\n", string(stderr))
	assert.Equal(t, 2, s.ExitCode())
}

func TestInterleavedStreamsDoNotCorrupt(t *testing.T) {
	s := startShell(t, "for i in 1 2 3; do echo out$i; echo err$i 1>&2; done")

	stdout, stderr := drainUntilExit(t, s)
	assert.Equal(t, "out1\nout2\nout3\n", string(stdout))
	assert.Equal(t, "err1\nerr2\nerr3\n", string(stderr))
	assert.Equal(t, 0, s.ExitCode())
}

func TestNoBytesDroppedOrDuplicated(t *testing.T) {
	// more output than a pipe holds, so production overlaps draining
	const lines = 5000
	s := startShell(t, "yes hello | head -n 5000")

	stdout, stderr := drainUntilExit(t, s)
	assert.Equal(t, strings.Repeat("hello\n", lines), string(stdout))
	assert.Empty(t, stderr)
	assert.Equal(t, 0, s.ExitCode())
}

func TestDrainIdempotentExhaustion(t *testing.T) {
	s := startShell(t, "echo hi")
	waitExited(t, s)

	assert.Equal(t, "hi\n", string(s.DrainStdout()))
	assert.Empty(t, s.DrainStdout())
	assert.Empty(t, s.DrainStdout())
}

func TestWriteToChild(t *testing.T) {
	s := startShell(t, `read line && echo "got $line"`)

	_, err := s.Write([]byte("hello\n"))
	require.NoError(t, err)

	stdout, _ := drainUntilExit(t, s)
	assert.Equal(t, "got hello\n", string(stdout))
	assert.Equal(t, 0, s.ExitCode())
}

func TestWriteAfterExitFails(t *testing.T) {
	s := startShell(t, "true")
	waitExited(t, s)

	_, err := s.Write([]byte("anyone there?\n"))
	require.Error(t, err)
	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
}

func TestWriteAfterCloseFails(t *testing.T) {
	s, err := New("sleep 30")
	require.NoError(t, err)
	t.Cleanup(s.ForceExit)
	require.NoError(t, s.Close())

	_, err = s.Write([]byte("hello\n"))
	require.Error(t, err)
	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
}

func TestForceExit(t *testing.T) {
	s := startShell(t, "sleep 30")

	s.ForceExit()
	assert.True(t, s.HasExited())
	assert.Equal(t, 1, s.ExitCode())
}

func TestForceExitLatchesUnconditionally(t *testing.T) {
	// a force after a real exit still latches code 1
	s := startShell(t, "true")
	waitExited(t, s)
	assert.Equal(t, 0, s.ExitCode())

	s.ForceExit()
	assert.True(t, s.HasExited())
	assert.Equal(t, 1, s.ExitCode())
}

func TestExitCodeSentinelWhileRunning(t *testing.T) {
	s := startShell(t, "sleep 30")
	assert.Equal(t, StillRunning, s.ExitCode())

	s.ForceExit()
	assert.Equal(t, 1, s.ExitCode())
}

func TestEmptyCommand(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestPidStable(t *testing.T) {
	s := startShell(t, "echo hi")
	pid := s.Pid()
	assert.Greater(t, pid, 0)

	waitExited(t, s)
	assert.Equal(t, pid, s.Pid())
}

func TestCloseIdempotent(t *testing.T) {
	s := startShell(t, "echo hi")
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestCloseWhileChildRunning(t *testing.T) {
	s, err := New("sleep 30")
	require.NoError(t, err)
	t.Cleanup(s.ForceExit)

	// teardown must not wait for child exit
	done := make(chan error, 1)
	go func() { done <- s.Close() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a running child")
	}
}
