package agent

// shellRequest is a session request message.
// Only the first message carries the Command; subsequent messages carry
// stdin bytes or a force-exit request.
type shellRequest struct {
	Command string

	Stdin []byte

	ForceExit bool
}

// shellResponse is a session response message.
// The first message of the stream reports the spawn outcome (Started with
// the session ID and pid, or Error). Messages after it may carry stdout or
// stderr chunks; the last one carries the exit information.
type shellResponse struct {
	Started   bool
	SessionID string
	Pid       int
	Error     string

	Stdout []byte
	Stderr []byte

	// Exited is true if the child exited. ExitCode must be provided in that case.
	Exited   bool
	ExitCode int
}

// RunRequest is the body of a one-shot POST /run call.
type RunRequest struct {
	Command   string
	Stdin     string
	TimeoutMS int64
}

// RunResponse is the body of a one-shot POST /run response.
type RunResponse struct {
	RunID    string
	Pid      int
	ExitCode int
	Stdout   string
	Stderr   string
}
