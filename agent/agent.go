package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/shellproc/shell"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
)

// ShellAgent is an HTTP agent that runs shell commands on its host.
// The agent requires mTLS for both traffic encryption and authz.
type ShellAgent struct {
	logger *zap.SugaredLogger

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string

	pumpInterval time.Duration

	httpServer *http.Server

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *ShellAgent)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *ShellAgent) {
		a.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *ShellAgent) {
		a.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(a *ShellAgent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *ShellAgent) {
		a.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *ShellAgent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithPumpInterval sets how often interactive sessions push drained output to
// the client.
func WithPumpInterval(d time.Duration) Option {
	return func(a *ShellAgent) {
		a.pumpInterval = d
	}
}

// HeartbeatFailureShutdown shuts down the host when the controller stops
// heartbeating.
func HeartbeatFailureShutdown() {
	fmt.Println("heartbeat failed, shutting down")
	sh, err := shell.New("shutdown now")
	if err != nil {
		fmt.Printf("unable to shutdown host: %s\n", err)
		return
	}
	defer sh.Close()
	for !sh.HasExited() {
		time.Sleep(100 * time.Millisecond)
	}
}

// HeartbeatFailureExit exits the process when the controller stops
// heartbeating.
func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

// NewShellAgent constructs a new shell agent.
func NewShellAgent(caCertPEM, certPEM, keyPEM []byte, opts ...Option) (*ShellAgent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &ShellAgent{
		logger:           logger.Named("shellagent").Sugar(),
		caCertPEM:        caCertPEM,
		certPEM:          certPEM,
		keyPEM:           keyPEM,
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8080",
		pumpInterval:     10 * time.Millisecond,
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// startHeartbeatCheck starts a goroutine that checks for a heartbeat timeout
// and invokes the failure handler when a timeout occurs.
func (a *ShellAgent) startHeartbeatCheck() {
	go func() {
		a.heartbeatMut.Lock()
		a.lastHeartbeat = time.Now()
		a.heartbeatMut.Unlock()

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				if a.heartbeatFailureHandler != nil {
					a.heartbeatFailureHandler()
				}
			}
		}
	}()
}

func (a *ShellAgent) runHTTPServer() error {
	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	tlsConfig, err := ServerTLSConfig(a.caCertPEM, a.certPEM, a.keyPEM)
	if err != nil {
		return fmt.Errorf("building server TLS config: %w", err)
	}

	tlsListener := tls.NewListener(tcpListener, tlsConfig)

	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/shell", a.shellWS)
	router.POST("/run", a.run)

	server := http.Server{Handler: router}
	a.httpServer = &server

	err = server.Serve(tlsListener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Run runs the shell agent and returns once the agent has stopped.
func (a *ShellAgent) Run() error {
	a.startHeartbeatCheck()
	return a.runHTTPServer()
}

func (a *ShellAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// shellWS runs an interactive shell session over a WebSocket connection.
func (a *ShellAgent) shellWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.logger.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	a.logger.Debug("accepted WebSocket conn")
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	runner := &sessionRunner{
		log:          a.logger.Named("session_runner"),
		conn:         wsConn,
		ctx:          ctx,
		cancel:       cancel,
		pumpInterval: a.pumpInterval,
	}
	runner.run()
}

// run is a simple one-shot runner which takes a stdin buffer and sends all of
// stdout and stderr in the response. This is much easier to curl and write
// simple clients against, but doesn't support streaming input & output.
func (a *ShellAgent) run(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req RunRequest
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(w, "request contained no command", http.StatusBadRequest)
		return
	}

	runID := uuid.New().String()
	log := a.logger.Named("run").With("RunID", runID)

	sh, err := shell.New(req.Command)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sh.Close()
	log.Debugw("spawned", "Pid", sh.Pid(), "Command", req.Command)

	if req.Stdin != "" {
		if _, err := sh.Write([]byte(req.Stdin)); err != nil {
			log.Debugf("stdin write failed: %s", err)
		}
	}

	ctx := r.Context()
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	// If the request is aborted or the timeout fires, the shell is forced.
	// In the normal case the child is already gone by then.
	var stdout, stderr bytes.Buffer
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for exited := false; !exited; {
		select {
		case <-ctx.Done():
			sh.ForceExit()
			exited = true
		case <-ticker.C:
			exited = sh.HasExited()
		}
		stdout.Write(sh.DrainStdout())
		stderr.Write(sh.DrainStderr())
	}

	resp := RunResponse{
		RunID:    runID,
		Pid:      sh.Pid(),
		ExitCode: sh.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	b, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(200)
	w.Write(b)
}

func (a *ShellAgent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Close()
}
