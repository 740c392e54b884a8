package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podlink/cli/internal/model"
)

func serveUnix(t *testing.T, handler http.Handler) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "podlink-sock")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "api.sock")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })
	return sock
}

func engineHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/_ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "OK")
	})
	mux.HandleFunc("/containers/json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"Id":"abc","all":"`+r.URL.Query().Get("all")+`"}]`)
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "starting")
	})
	return mux
}

func connection(host model.EngineHost, uri, relay, scope string) model.Connection {
	conn := model.Connection{
		ID:     model.DefaultConnectorID(host),
		Engine: host,
		Settings: model.EngineConnectorSettings{
			API: model.ApiSettings{BaseURL: "http://d", Connection: model.ApiConnection{URI: uri, Relay: relay}},
		},
	}
	if scope != "" {
		conn.Settings.Controller = &model.Controller{Program: model.Program{Path: "/usr/bin/ssh"}, Scope: scope}
	}
	return conn
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestResolve_DirectTargets(t *testing.T) {
	r := NewResolver()
	ctx := context.Background()

	target, err := r.Resolve(ctx, connection(model.PodmanNative, "unix:///run/user/1000/podman/podman.sock", "", ""))
	require.NoError(t, err)
	assert.Equal(t, KindSocket, target.Kind)
	assert.Equal(t, "/run/user/1000/podman/podman.sock", target.SocketPath)
	assert.False(t, target.Relayed())

	target, err = r.Resolve(ctx, connection(model.DockerVendor, "npipe:////./pipe/docker_engine", "", ""))
	require.NoError(t, err)
	assert.Equal(t, KindPipe, target.Kind)
	assert.Equal(t, `\\.\pipe\docker_engine`, target.NamedPipePath)

	_, err = r.Resolve(ctx, connection(model.DockerNative, "", "", ""))
	assert.True(t, errors.Is(err, model.ErrTransportResolution))
}

func TestResolve_RelayTargets(t *testing.T) {
	r := NewResolver(WithHostLookup(func(context.Context) []model.SSHHost {
		return []model.SSHHost{{Name: "builder", HostName: "10.0.0.5", User: "core", Port: 2222}}
	}))
	ctx := context.Background()

	target, err := r.Resolve(ctx, connection(model.PodmanRemote, "/tmp/relay.sock", "/run/podman/podman.sock", "builder"))
	require.NoError(t, err)
	assert.Equal(t, "ssh://core@10.0.0.5:2222/run/podman/podman.sock", target.RelayTarget)
	assert.Equal(t, "/tmp/relay.sock", target.SocketPath)

	wsl := connection(model.PodmanWSL, `\\.\pipe\podlink-wsl-relay-x`, "/run/podman/podman.sock", "Ubuntu")
	target, err = r.Resolve(ctx, wsl)
	require.NoError(t, err)
	assert.Equal(t, KindPipe, target.Kind)
	assert.Equal(t, "wsl://Ubuntu/run/podman/podman.sock", target.RelayTarget)

	_, err = r.Resolve(ctx, connection(model.PodmanRemote, "/tmp/relay.sock", "", "builder"))
	assert.True(t, errors.Is(err, model.ErrTransportResolution), "missing remote socket must not resolve")

	_, err = r.Resolve(ctx, connection(model.DockerWSL, "", "/var/run/docker.sock", "Ubuntu"))
	assert.True(t, errors.Is(err, model.ErrTransportResolution))
}

func TestSSHURLRoundTrip(t *testing.T) {
	raw := SSHURL(model.SSHHost{HostName: "example.com", User: "me"}, "/run/user/1000/podman/podman.sock")
	assert.Equal(t, "ssh://me@example.com:22/run/user/1000/podman/podman.sock", raw)
	host, remote, err := ParseSSHURL(raw)
	require.NoError(t, err)
	assert.Equal(t, "me", host.User)
	assert.Equal(t, 22, host.Port)
	assert.Equal(t, "/run/user/1000/podman/podman.sock", remote)

	_, _, err = ParseSSHURL("http://example.com")
	assert.Error(t, err)
}

func TestOpen_CachesTunnels(t *testing.T) {
	opened := 0
	closed := 0
	var got TunnelConfig
	r := NewResolver(withTunnelOpener(func(_ context.Context, cfg TunnelConfig) (io.Closer, error) {
		opened++
		got = cfg
		return closerFunc(func() error { closed++; return nil }), nil
	}), WithIdentityFile("/keys/id_ed25519"))
	conn := connection(model.DockerRemote, "/tmp/docker-relay.sock", "/var/run/docker.sock", "ops@10.1.1.1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Open(ctx, conn)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, opened)
	assert.Equal(t, "ops", got.Host.User)
	assert.Equal(t, "/var/run/docker.sock", got.Remote)
	assert.Equal(t, "/tmp/docker-relay.sock", got.Local)
	assert.Equal(t, "/keys/id_ed25519", got.IdentityFile)

	r.Release(ctx, conn)
	assert.Equal(t, 1, closed)
	_, err := r.Open(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 2, opened)
	require.NoError(t, r.Close())
	assert.Equal(t, 2, closed)
}

func TestOpen_DistinctTunnelsOpenInParallel(t *testing.T) {
	var opened atomic.Int32
	r := NewResolver(withTunnelOpener(func(context.Context, TunnelConfig) (io.Closer, error) {
		time.Sleep(300 * time.Millisecond)
		opened.Add(1)
		return closerFunc(func() error { return nil }), nil
	}))
	conns := []model.Connection{
		connection(model.PodmanRemote, "/tmp/podlink-a.sock", "/run/podman/podman.sock", "ops@10.1.1.1"),
		connection(model.DockerRemote, "/tmp/podlink-b.sock", "/var/run/docker.sock", "ops@10.1.1.2"),
	}

	started := time.Now()
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn model.Connection) {
			defer wg.Done()
			_, err := r.Open(context.Background(), conn)
			assert.NoError(t, err)
		}(conn)
	}
	wg.Wait()
	assert.Equal(t, int32(2), opened.Load())
	assert.Less(t, time.Since(started), 550*time.Millisecond)
}

func TestOpen_ConcurrentOpensShareOneTunnel(t *testing.T) {
	var opened atomic.Int32
	r := NewResolver(withTunnelOpener(func(context.Context, TunnelConfig) (io.Closer, error) {
		time.Sleep(100 * time.Millisecond)
		opened.Add(1)
		return closerFunc(func() error { return nil }), nil
	}))
	conn := connection(model.PodmanRemote, "/tmp/podlink-a.sock", "/run/podman/podman.sock", "ops@10.1.1.1")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Open(context.Background(), conn)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), opened.Load())
}

func TestOpen_TunnelFailureIsResolutionError(t *testing.T) {
	r := NewResolver(withTunnelOpener(func(context.Context, TunnelConfig) (io.Closer, error) {
		return nil, errors.New("connection refused")
	}))
	_, err := r.Open(context.Background(), connection(model.PodmanRemote, "/tmp/r.sock", "/run/podman/podman.sock", "host"))
	assert.True(t, errors.Is(err, model.ErrTransportResolution))
	check := r.Ping(context.Background(), connection(model.PodmanRemote, "/tmp/r.sock", "/run/podman/podman.sock", "host"))
	assert.False(t, check.Success)
}

func TestOpen_StartsWSLRelayOnce(t *testing.T) {
	var specs []RelaySpec
	r := NewResolver(withRelayStarter(func(_ context.Context, spec RelaySpec, _ string) (io.Closer, error) {
		specs = append(specs, spec)
		return closerFunc(func() error { return nil }), nil
	}))
	conn := connection(model.PodmanWSL, `\\.\pipe\podlink-wsl-relay-a`, "/run/podman/podman.sock", "Ubuntu-20.04")
	conn.Settings.Controller.Path = `C:\Windows\System32\wsl.exe`
	for i := 0; i < 2; i++ {
		_, err := r.Open(context.Background(), conn)
		require.NoError(t, err)
	}
	require.Len(t, specs, 1)
	assert.Equal(t, "Ubuntu-20.04", specs[0].Distribution)
	assert.Equal(t, `C:\Windows\System32\wsl.exe`, specs[0].WSL)
	assert.Equal(t, []string{"--pipe", `\\.\pipe\podlink-wsl-relay-a`, "--distribution", "Ubuntu-20.04", "--socket", "/run/podman/podman.sock", "--wsl", `C:\Windows\System32\wsl.exe`}, specs[0].Args())
}

func TestPing_UnixSocket(t *testing.T) {
	sock := serveUnix(t, engineHandler())
	r := NewResolver()
	check := r.Ping(context.Background(), connection(model.PodmanNative, sock, "", ""))
	assert.True(t, check.Success, check.Details)

	missing := r.Ping(context.Background(), connection(model.PodmanNative, sock+".missing", "", ""))
	assert.False(t, missing.Success)
}

func TestRequest_ProxiesToEngine(t *testing.T) {
	sock := serveUnix(t, engineHandler())
	r := NewResolver()
	conn := connection(model.DockerNative, sock, "", "")
	ctx := context.Background()

	resp, err := r.Request(ctx, conn, Request{Method: "get", URL: "/containers/json", Params: map[string]string{"all": "true"}})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.JSONEq(t, `[{"Id":"abc","all":"true"}]`, string(resp.Data))
	assert.Equal(t, "application/json", resp.Headers["content-type"])

	resp, err = r.Request(ctx, conn, Request{URL: "version"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, `"starting"`, string(resp.Data))
}

func TestRelaySpecValidation(t *testing.T) {
	err := ServeWSLRelay(context.Background(), RelaySpec{Pipe: `\\.\pipe\x`})
	assert.Error(t, err)
	_, err = (&RelayLauncher{}).Start(context.Background(), RelaySpec{}, "http://d")
	assert.Error(t, err)
}
