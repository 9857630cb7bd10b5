package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/guseggert/shellproc/internal/netutil"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

func startAgent(t *testing.T, certs *Certs) (*Client, int) {
	t.Helper()

	port, err := netutil.EphemeralTCPPort()
	require.NoError(t, err)

	agent, err := NewShellAgent(
		certs.CA.CertPEMBytes,
		certs.Server.CertPEMBytes,
		certs.Server.KeyPEMBytes,
		WithListenAddr(fmt.Sprintf("127.0.0.1:%d", port)),
	)
	require.NoError(t, err)

	go agent.Run()
	t.Cleanup(func() {
		require.NoError(t, agent.Stop())
	})

	client, err := NewClient(log, certs, "127.0.0.1", port)
	require.NoError(t, err)

	err = client.WaitForServer(context.Background())
	require.NoError(t, err)

	return client, port
}

func TestNegativeAuthz(t *testing.T) {
	// ensure that unauthorized clients are rejected
	serverCerts, err := GenerateCerts()
	require.NoError(t, err)

	port, err := netutil.EphemeralTCPPort()
	require.NoError(t, err)

	agent, err := NewShellAgent(
		serverCerts.CA.CertPEMBytes,
		serverCerts.Server.CertPEMBytes,
		serverCerts.Server.KeyPEMBytes,
		WithListenAddr(fmt.Sprintf("127.0.0.1:%d", port)),
	)
	require.NoError(t, err)

	go agent.Run()
	defer func() {
		require.NoError(t, agent.Stop())
	}()

	// generate some client certs with the same CA but with keys actually signed by some other CA
	// which should fail server-side validation
	clientCerts, err := GenerateCerts()
	require.NoError(t, err)
	clientCerts.CA = serverCerts.CA
	client, err := NewClient(log, clientCerts, "127.0.0.1", port, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)

	err = client.SendHeartbeat(context.Background())
	require.ErrorContains(t, err, "remote error: tls: bad certificate")
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	certs, err := GenerateCerts()
	require.NoError(t, err)
	client, _ := startAgent(t, certs)

	cases := []struct {
		name        string
		command     string
		stdin       string
		expStdout   string
		expStderr   string
		expExitCode int
	}{
		{
			name:      "happy case",
			command:   "echo hello",
			expStdout: "hello\n",
		},
		{
			name:      "stdout and stderr",
			command:   "printf foo; printf bar 1>&2",
			expStdout: "foo",
			expStderr: "bar",
		},
		{
			name:        "non-zero exit code",
			command:     "exit 3",
			expExitCode: 3,
		},
		{
			name:      "stdin to stdout",
			command:   "read line; echo $line bar",
			stdin:     "foo\n",
			expStdout: "foo bar\n",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp, err := client.Run(ctx, RunRequest{
				Command: c.command,
				Stdin:   c.stdin,
			})
			require.NoError(t, err)

			assert.NotEmpty(t, resp.RunID)
			assert.NotZero(t, resp.Pid)
			assert.Equal(t, c.expExitCode, resp.ExitCode)
			assert.Equal(t, c.expStdout, resp.Stdout)
			assert.Equal(t, c.expStderr, resp.Stderr)
		})
	}
}

func TestRunTimeout(t *testing.T) {
	ctx := context.Background()

	certs, err := GenerateCerts()
	require.NoError(t, err)
	client, _ := startAgent(t, certs)

	resp, err := client.Run(ctx, RunRequest{
		Command:   "sleep 30",
		TimeoutMS: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.ExitCode)
}

func TestOpenShell(t *testing.T) {
	ctx := context.Background()

	certs, err := GenerateCerts()
	require.NoError(t, err)
	client, _ := startAgent(t, certs)

	sh, err := client.OpenShell(ctx, `while read line; do echo "got $line"; done`)
	require.NoError(t, err)
	defer sh.Close()

	assert.NotEmpty(t, sh.SessionID())
	assert.NotZero(t, sh.Pid())

	_, err = sh.Write([]byte("hello\n"))
	require.NoError(t, err)

	var out []byte
	require.Eventually(t, func() bool {
		out = append(out, sh.DrainStdout()...)
		return string(out) == "got hello\n"
	}, 10*time.Second, 10*time.Millisecond)

	assert.False(t, sh.HasExited())

	// closing stdin server-side is not part of the protocol, so end the
	// session and verify the remote child is force-terminated
	sh.ForceExit()
	require.Eventually(t, sh.HasExited, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sh.ExitCode())
}

func TestOpenShellExitsOnItsOwn(t *testing.T) {
	ctx := context.Background()

	certs, err := GenerateCerts()
	require.NoError(t, err)
	client, _ := startAgent(t, certs)

	sh, err := client.OpenShell(ctx, "printf foo; printf bar 1>&2; exit 2")
	require.NoError(t, err)
	defer sh.Close()

	require.Eventually(t, sh.HasExited, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, sh.ExitCode())

	var stdout, stderr []byte
	require.Eventually(t, func() bool {
		stdout = append(stdout, sh.DrainStdout()...)
		stderr = append(stderr, sh.DrainStderr()...)
		return string(stdout) == "foo" && string(stderr) == "bar"
	}, 10*time.Second, 10*time.Millisecond)
}

func TestOpenShellForceExitLatchesUnconditionally(t *testing.T) {
	ctx := context.Background()

	certs, err := GenerateCerts()
	require.NoError(t, err)
	client, _ := startAgent(t, certs)

	// a force after a real exit still latches code 1
	sh, err := client.OpenShell(ctx, "true")
	require.NoError(t, err)
	defer sh.Close()

	require.Eventually(t, sh.HasExited, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, sh.ExitCode())

	sh.ForceExit()
	assert.True(t, sh.HasExited())
	assert.Equal(t, 1, sh.ExitCode())
}

func TestOpenShellSpawnFailure(t *testing.T) {
	ctx := context.Background()

	certs, err := GenerateCerts()
	require.NoError(t, err)
	client, _ := startAgent(t, certs)

	_, err = client.OpenShell(ctx, "")
	require.ErrorContains(t, err, "starting remote shell")
}
