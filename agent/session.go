package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/shellproc/shell"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// sessionRunner drives one interactive shell session over an accepted
// WebSocket connection.
type sessionRunner struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	pumpInterval time.Duration

	sh        *shell.Shell
	sessionID string

	wg sync.WaitGroup

	closeConnOnce sync.Once
}

func (r *sessionRunner) run() {
	err := r.readFirstMessageAndStart()
	if err != nil {
		r.log.Debugf("error starting session: %s", err)
		r.close(websocket.StatusInternalError, fmt.Sprintf("starting session: %s", err))
		r.cancel()
		return
	}
	r.log.Debugw("session started", "SessionID", r.sessionID, "Pid", r.sh.Pid())

	r.wg.Add(2)
	go r.readMessages()
	go r.pumpOutput()

	r.wg.Wait()
}

func (r *sessionRunner) shutdown() {
	if r.sh != nil {
		r.sh.ForceExit()
		r.sh.Close()
	}
	r.cancel()
}

func (r *sessionRunner) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
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

func (r *sessionRunner) readFirstMessageAndStart() error {
	var req shellRequest
	err := wsjson.Read(r.ctx, r.conn, &req)
	if err != nil {
		return fmt.Errorf("reading first message: %w", err)
	}
	r.log.Debugw("got first message", "Command", req.Command)

	sh, err := shell.New(req.Command, shell.WithLogger(r.log.Desugar()))
	if err != nil {
		if writeErr := wsjson.Write(r.ctx, r.conn, shellResponse{Error: err.Error()}); writeErr != nil {
			r.log.Debugf("error sending spawn error: %s", writeErr)
		}
		return err
	}

	r.sh = sh
	r.sessionID = uuid.New().String()

	return wsjson.Write(r.ctx, r.conn, shellResponse{
		Started:   true,
		SessionID: r.sessionID,
		Pid:       sh.Pid(),
	})
}

func (r *sessionRunner) readMessages() {
	defer r.shutdown()
	defer r.wg.Done()

	for {
		var msg shellRequest
		err := wsjson.Read(r.ctx, r.conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			r.log.Debug("got normal closure from client, wrapping up")
			return
		}
		if err != nil {
			r.log.Debugf("message reader got error: %s", err)
			r.close(websocket.StatusInternalError, err.Error())
			return
		}
		if len(msg.Stdin) > 0 {
			if _, err := r.sh.Write(msg.Stdin); err != nil {
				r.log.Debugf("stdin write failed: %s", err)
			}
		}
		if msg.ForceExit {
			r.sh.ForceExit()
		}
	}
}

// pumpOutput periodically moves drained output to the client, and sends the
// exit message once the child is gone. Exit is checked before the drain so
// the final drains see the flushed pipes.
func (r *sessionRunner) pumpOutput() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}

		exited := r.sh.HasExited()
		if err := r.sendOutput(); err != nil {
			r.log.Debugf("error sending output: %s", err)
			return
		}
		if exited {
			err := wsjson.Write(r.ctx, r.conn, shellResponse{
				Exited:   true,
				ExitCode: r.sh.ExitCode(),
			})
			if err != nil {
				r.log.Debugf("error sending exit code: %s", err)
			}
			r.log.Debugw("session finished", "SessionID", r.sessionID, "ExitCode", r.sh.ExitCode())
			return
		}
	}
}

func (r *sessionRunner) sendOutput() error {
	for _, b := range chunked(r.sh.DrainStdout()) {
		if err := wsjson.Write(r.ctx, r.conn, shellResponse{Stdout: b}); err != nil {
			return err
		}
	}
	for _, b := range chunked(r.sh.DrainStderr()) {
		if err := wsjson.Write(r.ctx, r.conn, shellResponse{Stderr: b}); err != nil {
			return err
		}
	}
	return nil
}
