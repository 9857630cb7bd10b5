/*
Package shell runs a child command through the platform's command interpreter
(/bin/sh -c on POSIX, cmd.exe /C on Windows) and continuously drains its
stdout and stderr into in-memory buffers, so the caller can feed the child
input and collect its output at its own pace without ever blocking on a pipe.

Two background goroutines, one per output stream, repeatedly attempt a
non-blocking read and append whatever arrived to that stream's buffer; when a
pipe has nothing pending they sleep for a short fixed interval. DrainStdout
and DrainStderr atomically remove and return everything accumulated so far.
The buffers are unbounded: a chatty child that is never drained grows them
without limit. That is deliberate; the child is never throttled by a slow
reader.

Exit tracking is poll-based. HasExited asks the OS without waiting and, on
the first observation of termination, latches the exit code and flushes any
bytes still sitting in the pipes into the buffers; from then on it answers
from the latch. ForceExit requests termination and unconditionally latches
exit code 1, whether or not the request had any effect.

The Shell does not manage process trees, allocate a PTY, or interpret the
command string in any way.
*/
package shell
