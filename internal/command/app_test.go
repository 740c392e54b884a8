package command

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"podlink/cli/internal/config"
	"podlink/cli/internal/connector"
	"podlink/cli/internal/engine"
	"podlink/cli/internal/model"
	"podlink/cli/internal/transport"
)

type fakeConnectors struct {
	calls   []string
	connect connector.ConnectOptions
}

func (f *fakeConnectors) GetConnectors(context.Context) ([]model.Connector, error) {
	f.calls = append(f.calls, "list")
	return []model.Connector{{Connection: model.Connection{ID: model.DefaultConnectorID(model.PodmanNative), Engine: model.PodmanNative}}}, nil
}

func (f *fakeConnectors) GetCurrentConnector(_ context.Context, id string) (model.Connector, error) {
	f.calls = append(f.calls, "current:"+id)
	return model.Connector{Connection: model.Connection{ID: id}}, nil
}

func (f *fakeConnectors) Connect(_ context.Context, conn model.Connection, opts connector.ConnectOptions) (model.Connector, error) {
	f.calls = append(f.calls, "connect:"+conn.ID)
	f.connect = opts
	return model.Connector{Connection: conn}, nil
}

func (f *fakeConnectors) ControllerScopes(_ context.Context, id string) ([]model.ControllerScope, error) {
	f.calls = append(f.calls, "scopes:"+id)
	return []model.ControllerScope{}, nil
}

func (f *fakeConnectors) StartScope(_ context.Context, id, scope string) (bool, error) {
	f.calls = append(f.calls, "start:"+id+":"+scope)
	return true, nil
}

func (f *fakeConnectors) StopScope(_ context.Context, id, scope string) (bool, error) {
	f.calls = append(f.calls, "stop:"+id+":"+scope)
	return true, nil
}

func (f *fakeConnectors) Refresh(_ context.Context, id string) (model.Connector, error) {
	f.calls = append(f.calls, "refresh:"+id)
	return model.Connector{Connection: model.Connection{ID: id}}, nil
}

func (f *fakeConnectors) SystemInfo(_ context.Context, id string) (engine.SystemInfo, error) {
	f.calls = append(f.calls, "info:"+id)
	return engine.NewSystemInfo(`{"version":{"Version":"5.0.0"}}`), nil
}

func newTestApp(t *testing.T, deps Deps) (*bytes.Buffer, func(args ...string) error) {
	t.Helper()
	if deps.LoadConfig == nil {
		deps.LoadConfig = func() config.Config { return config.Config{ListenPort: 4680} }
	}
	app := BuildApp(deps)
	out := &bytes.Buffer{}
	app.Writer = out
	app.ErrWriter = io.Discard
	return out, func(args ...string) error {
		return app.RunContext(context.Background(), append([]string{"podlink"}, args...))
	}
}

func TestBuildApp_DefaultCommandIsServe(t *testing.T) {
	serveCalled := 0
	var got ServeOptions
	_, run := newTestApp(t, Deps{
		RunServe: func(_ context.Context, cfg config.Config, opts ServeOptions) error {
			serveCalled++
			got = opts
			if cfg.ListenPort != 4680 {
				t.Fatalf("expected loaded config, got %+v", cfg)
			}
			return nil
		},
	})
	if err := run(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if err := run("serve", "--seed"); err != nil {
		t.Fatalf("run serve failed: %v", err)
	}
	if serveCalled != 2 || !got.SeedDefaults {
		t.Fatalf("unexpected serve calls=%d opts=%+v", serveCalled, got)
	}
}

func TestBuildApp_MigrateUpCommand(t *testing.T) {
	migrateCalled := 0
	_, run := newTestApp(t, Deps{
		RunMigrateUp: func(context.Context, config.Config) error {
			migrateCalled++
			return nil
		},
	})
	if err := run("migrate", "up"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if migrateCalled != 1 {
		t.Fatalf("expected migrate command called once, got %d", migrateCalled)
	}
}

func TestBuildApp_ConnectorCommandsPrintJSON(t *testing.T) {
	fake := &fakeConnectors{}
	released := 0
	out, run := newTestApp(t, Deps{
		OpenConnectors: func(context.Context, config.Config) (Connectors, func() error, error) {
			return fake, func() error { released++; return nil }, nil
		},
	})

	if err := run("connectors"); err != nil {
		t.Fatalf("connectors failed: %v", err)
	}
	var list []model.Connector
	if err := json.Unmarshal(out.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("unexpected connectors output %q: %v", out.String(), err)
	}

	out.Reset()
	if err := run("info", "engine.default.podman.native"); err != nil {
		t.Fatalf("info failed: %v", err)
	}
	if !strings.Contains(out.String(), `"5.0.0"`) {
		t.Fatalf("expected raw system info, got %q", out.String())
	}

	steps := [][]string{
		{"current", "engine.default.docker.native"},
		{"scopes", "engine.default.podman.virtualized.wsl"},
		{"scopes", "start", "engine.default.podman.virtualized.wsl", "Ubuntu"},
		{"scopes", "stop", "engine.default.podman.virtualized.wsl", "Ubuntu"},
		{"start-api", "engine.default.podman.native"},
		{"refresh", "engine.default.podman.native"},
	}
	for _, args := range steps {
		if err := run(args...); err != nil {
			t.Fatalf("%v failed: %v", args, err)
		}
	}
	want := []string{
		"list",
		"info:engine.default.podman.native",
		"current:engine.default.docker.native",
		"scopes:engine.default.podman.virtualized.wsl",
		"start:engine.default.podman.virtualized.wsl:Ubuntu",
		"stop:engine.default.podman.virtualized.wsl:Ubuntu",
		"connect:engine.default.podman.native",
		"refresh:engine.default.podman.native",
	}
	if strings.Join(fake.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected calls\n got %v\nwant %v", fake.calls, want)
	}
	if !fake.connect.StartAPI {
		t.Fatal("start-api must request the API")
	}
	if released != len(want) {
		t.Fatalf("expected registry released after every command, got %d", released)
	}
}

func TestBuildApp_MissingArgumentIsInvalid(t *testing.T) {
	_, run := newTestApp(t, Deps{
		OpenConnectors: func(context.Context, config.Config) (Connectors, func() error, error) {
			t.Fatal("registry must not open without an id")
			return nil, nil, nil
		},
	})
	err := run("info")
	if model.CodeOf(err) != model.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestBuildApp_DetectRelayAndWorker(t *testing.T) {
	var spec transport.RelaySpec
	var workerInput string
	out, run := newTestApp(t, Deps{
		FindProgram: func(_ context.Context, name string) model.Program {
			return model.Program{Name: name, Path: "/usr/bin/" + name}
		},
		RunRelay: func(_ context.Context, s transport.RelaySpec) error {
			spec = s
			return nil
		},
		RunWorker: func(_ context.Context, _ config.Config, in io.Reader, _ io.Writer) error {
			b, _ := io.ReadAll(in)
			workerInput = string(b)
			return nil
		},
	})

	if err := run("detect", "podman"); err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if !strings.Contains(out.String(), "/usr/bin/podman") {
		t.Fatalf("unexpected detect output %q", out.String())
	}

	if err := run("relay", "wsl", "--pipe", `\\.\pipe\podlink`, "--distribution", "Ubuntu", "--socket", "/run/podman/podman.sock"); err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	want := transport.RelaySpec{Pipe: `\\.\pipe\podlink`, Distribution: "Ubuntu", Socket: "/run/podman/podman.sock"}
	if spec != want {
		t.Fatalf("unexpected relay spec %+v", spec)
	}
	if err := run("relay", "wsl", "--pipe", "p"); err == nil {
		t.Fatal("relay without distribution and socket must fail")
	}

	app := BuildApp(Deps{RunWorker: func(_ context.Context, _ config.Config, in io.Reader, _ io.Writer) error {
		b, _ := io.ReadAll(in)
		workerInput = string(b)
		return nil
	}})
	app.Reader = strings.NewReader(`{"id":"rpc-1"}`)
	app.Writer = io.Discard
	if err := app.RunContext(context.Background(), []string{"podlink", "worker"}); err != nil {
		t.Fatalf("worker failed: %v", err)
	}
	if workerInput != `{"id":"rpc-1"}` {
		t.Fatalf("worker must read app input, got %q", workerInput)
	}
}

func TestBuildApp_UnconfiguredRunnersFail(t *testing.T) {
	_, run := newTestApp(t, Deps{})
	for _, args := range [][]string{{"serve"}, {"connectors"}, {"detect", "podman"}, {"migrate", "up"}} {
		if err := run(args...); err == nil {
			t.Fatalf("%v must fail without a runner", args)
		}
	}
}
