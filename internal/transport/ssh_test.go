//go:build !windows

package transport

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podlink/cli/internal/model"
)

// fakeAgent accepts agent connections and reports when the client side hangs up.
func fakeAgent(t *testing.T) (string, <-chan struct{}) {
	t.Helper()
	dir, err := os.MkdirTemp("", "podlink-agent")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "agent.sock")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	hungUp := make(chan struct{})
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(io.Discard, conn)
		close(hungUp)
	}()
	t.Setenv("SSH_AUTH_SOCK", sock)
	return sock, hungUp
}

func waitHangUp(t *testing.T, hungUp <-chan struct{}) {
	t.Helper()
	select {
	case <-hungUp:
	case <-time.After(2 * time.Second):
		t.Fatal("agent connection was not closed")
	}
}

func agentOnlyConfig(t *testing.T) TunnelConfig {
	return TunnelConfig{
		Host:                  model.SSHHost{HostName: "10.1.1.1", User: "ops", Port: 22},
		Remote:                "/run/podman/podman.sock",
		IdentityFile:          filepath.Join(t.TempDir(), "missing_id"),
		InsecureIgnoreHostKey: true,
	}
}

func TestTunnelClose_ClosesAgentConnection(t *testing.T) {
	_, hungUp := fakeAgent(t)
	conf, agentConn, err := agentOnlyConfig(t).clientConfig()
	require.NoError(t, err)
	require.NotNil(t, agentConn)
	assert.Len(t, conf.Auth, 1)

	tun := &Tunnel{cfg: agentOnlyConfig(t), agent: agentConn}
	require.NoError(t, tun.Close())
	waitHangUp(t, hungUp)
}

func TestClientConfig_FailureClosesAgentConnection(t *testing.T) {
	_, hungUp := fakeAgent(t)
	cfg := agentOnlyConfig(t)
	cfg.InsecureIgnoreHostKey = false
	cfg.KnownHostsFile = filepath.Join(t.TempDir(), "missing_known_hosts")

	conf, agentConn, err := cfg.clientConfig()
	require.Error(t, err)
	assert.Nil(t, conf)
	assert.Nil(t, agentConn)
	waitHangUp(t, hungUp)
}

func TestClientConfig_NoAgentReturnsNilCloser(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	_, agentConn, err := agentOnlyConfig(t).clientConfig()
	require.Error(t, err)
	assert.Nil(t, agentConn)
}
