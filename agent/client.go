package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/shellproc/internal/drainbuf"
	"github.com/guseggert/shellproc/shell"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client talks to a remote shell agent.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("shellagent_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(log *zap.SugaredLogger, certs *Certs, ipAddr string, port int, opts ...ClientOption) (*Client, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	httpDialAddrPort := fmt.Sprintf("%s:%d", ipAddr, port)

	// Don't do DNS lookup for dialing.
	// The addr host is used for the host header but never resolved, since we
	// are not using public CAs; we just want authz and encryption.
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", httpDialAddrPort)
	}

	tlsConfig, err := ClientTLSConfig(certs.CA.CertPEMBytes, certs.Client.CertPEMBytes, certs.Client.KeyPEMBytes)
	if err != nil {
		return nil, fmt.Errorf("building client TLS config: %w", err)
	}

	c := &Client{
		Logger:       log.Named("shellagent_client"),
		baseURL:      fmt.Sprintf("https://shellagent:%d", port),
		waitInterval: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     dialCtx,
			MaxConnsPerHost: 0,
			TLSClientConfig: tlsConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()

	return c, nil
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	u := c.baseURL + "/heartbeat"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building heartbeat request: %w", err)
	}
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// Run executes command on the agent's host in one shot, waiting for it to
// finish and returning all of its output.
func (c *Client) Run(ctx context.Context, runReq RunRequest) (*RunResponse, error) {
	b, err := json.Marshal(runReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling run request: %w", err)
	}
	u := c.baseURL + "/run"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("building run request: %w", err)
	}
	httpReq.Header.Add("Content-Type", "application/json")
	httpReq.Close = true

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending run request: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		var body string
		rb, err := io.ReadAll(httpResp.Body)
		if err != nil {
			body = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			body = string(rb)
		}
		return nil, fmt.Errorf("non-200 HTTP status code %d received when running command: %s", httpResp.StatusCode, body)
	}

	var resp RunResponse
	dec := json.NewDecoder(httpResp.Body)
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding run response: %w", err)
	}
	return &resp, nil
}

// OpenShell starts an interactive shell session on the agent's host. The
// session lives until Close, the context's cancellation, or the death of the
// connection, any of which force-terminates the remote child.
func (c *Client) OpenShell(ctx context.Context, command string) (*RemoteShell, error) {
	u := c.baseURL + "/shell"
	c.Logger.Debugw("dialing WebSocket for shell", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn to shell: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(ctx)
	rs := &RemoteShell{
		log:      c.Logger.Named("shell_session"),
		conn:     wsConn,
		ctx:      ctx,
		cancel:   cancel,
		exitCode: shell.StillRunning,
	}

	err = wsjson.Write(ctx, wsConn, shellRequest{Command: command})
	if err != nil {
		rs.teardown()
		return nil, fmt.Errorf("writing first message: %w", err)
	}

	var resp shellResponse
	err = wsjson.Read(ctx, wsConn, &resp)
	if err != nil {
		rs.teardown()
		return nil, fmt.Errorf("reading first message: %w", err)
	}
	if !resp.Started {
		rs.teardown()
		return nil, fmt.Errorf("starting remote shell: %s", resp.Error)
	}

	rs.sessionID = resp.SessionID
	rs.pid = resp.Pid
	rs.log.Debugw("session started", "SessionID", rs.sessionID, "Pid", rs.pid)

	rs.wg.Add(1)
	go rs.readMessages()

	return rs, nil
}

// RemoteShell is an interactive shell session running on the agent's host.
// It mirrors the local engine's surface: writes go to the remote child's
// stdin, and pushed stdout/stderr chunks accumulate locally until drained.
type RemoteShell struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	sessionID string
	pid       int

	stdoutBuf drainbuf.Buffer
	stderrBuf drainbuf.Buffer

	mu       sync.Mutex
	exited   bool
	exitCode int

	wg            sync.WaitGroup
	closeConnOnce sync.Once
	closeOnce     sync.Once
}

func (r *RemoteShell) readMessages() {
	defer r.wg.Done()

	for {
		var msg shellResponse
		err := wsjson.Read(r.ctx, r.conn, &msg)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && r.ctx.Err() == nil {
				r.log.Debugf("message reader got error: %s", err)
			}
			return
		}
		r.stdoutBuf.Append(msg.Stdout)
		r.stderrBuf.Append(msg.Stderr)
		if msg.Exited {
			r.latch(msg.ExitCode)
			r.close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// latch records the first observed exit state. Only the server-pushed exit
// message goes through here; later observations are ignored, so it never
// clobbers a prior force-exit latch.
func (r *RemoteShell) latch(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.exited {
		r.exited = true
		r.exitCode = code
	}
}

// Write sends p to the remote child's stdin.
func (r *RemoteShell) Write(p []byte) (int, error) {
	err := wsjson.Write(r.ctx, r.conn, shellRequest{Stdin: p})
	if err != nil {
		return 0, &shell.WriteError{Err: err}
	}
	return len(p), nil
}

// DrainStdout returns the pushed stdout bytes accumulated since the last
// drain.
func (r *RemoteShell) DrainStdout() []byte { return r.stdoutBuf.Drain() }

// DrainStderr returns the pushed stderr bytes accumulated since the last
// drain.
func (r *RemoteShell) DrainStderr() []byte { return r.stderrBuf.Drain() }

// HasExited reports whether the session observed the child's termination.
// Exit is pushed by the server, so there is a propagation delay relative to
// the child's actual death.
func (r *RemoteShell) HasExited() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exited
}

// ExitCode returns the latched exit code, or shell.StillRunning before the
// exit has been observed.
func (r *RemoteShell) ExitCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode
}

// ForceExit asks the server to terminate the child and latches exit code 1
// locally. The latch is unconditional and irreversible: it happens even if
// the request could not be delivered or a different code was latched first.
func (r *RemoteShell) ForceExit() {
	err := wsjson.Write(r.ctx, r.conn, shellRequest{ForceExit: true})
	if err != nil {
		r.log.Debugf("error sending force-exit: %s", err)
	}
	r.mu.Lock()
	r.exited = true
	r.exitCode = 1
	r.mu.Unlock()
}

// Pid returns the remote child's OS process ID.
func (r *RemoteShell) Pid() int { return r.pid }

// SessionID returns the server-assigned session identifier.
func (r *RemoteShell) SessionID() string { return r.sessionID }

func (r *RemoteShell) close(code websocket.StatusCode, reason string) {
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	r.closeConnOnce.Do(func() {
		err := r.conn.Close(code, reason)
		if err != nil {
			r.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (r *RemoteShell) teardown() {
	r.close(websocket.StatusNormalClosure, "")
	r.cancel()
	r.wg.Wait()
}

// Close ends the session. The server force-terminates the child if it is
// still running. Safe to call more than once.
func (r *RemoteShell) Close() error {
	r.closeOnce.Do(r.teardown)
	return nil
}
