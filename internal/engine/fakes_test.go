package engine

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"podlink/cli/internal/model"
	"podlink/cli/internal/procrunner"
	"podlink/cli/internal/progdetector"
	"podlink/cli/internal/wrapper"
)

type fakeProcess struct {
	pid     int
	done    chan struct{}
	once    sync.Once
	stopped bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Wait() procrunner.Result {
	<-p.done
	return procrunner.Result{PID: p.pid, Code: -1}
}

func (p *fakeProcess) Stop() error {
	p.stopped = true
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *fakeProcess) Kill() error { return p.Stop() }

type FakeExec struct {
	mu      sync.Mutex
	Outputs map[string]procrunner.Result
	Calls   []string
	Started []string
	Proc    *fakeProcess
}

func (f *FakeExec) Run(_ context.Context, launcher string, args []string, opts procrunner.Options) procrunner.Result {
	launcher, args = wrapper.Apply(opts.Wrapper, launcher, args)
	cmd := strings.Join(append([]string{launcher}, args...), " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, cmd)
	if res, ok := f.Outputs[cmd]; ok {
		if res.PID == 0 {
			res.PID = 100
		}
		res.Command = cmd
		return res
	}
	return procrunner.Result{PID: 100, Code: 1, Command: cmd}
}

func (f *FakeExec) Start(_ context.Context, launcher string, args []string, _ procrunner.Options) (procrunner.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Started = append(f.Started, strings.Join(append([]string{launcher}, args...), " "))
	if f.Proc == nil {
		return nil, errors.New("start not configured")
	}
	return f.Proc, nil
}

func (f *FakeExec) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

func (f *FakeExec) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Started...)
}

func ok(stdout string) procrunner.Result {
	return procrunner.Result{Success: true, Stdout: stdout}
}

type fakeProber struct {
	mu      sync.Mutex
	calls   int
	succeed func(call int) bool
}

func (p *fakeProber) Ping(context.Context, model.Connection) model.AvailabilityCheck {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	if p.succeed != nil && p.succeed(call) {
		return model.Available("Api is reachable")
	}
	return model.Unavailable("API is not reachable")
}

func (p *fakeProber) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeStore map[string]*model.EngineConnectorSettings

func (s fakeStore) ConnectorSettings(id string) (*model.EngineConnectorSettings, error) {
	return s[id], nil
}

type fakeInfo struct {
	mode fs.FileMode
	dir  bool
}

func (i fakeInfo) Name() string       { return "x" }
func (i fakeInfo) Size() int64        { return 0 }
func (i fakeInfo) Mode() fs.FileMode  { return i.mode }
func (i fakeInfo) ModTime() time.Time { return time.Time{} }
func (i fakeInfo) IsDir() bool        { return i.dir }
func (i fakeInfo) Sys() any           { return nil }

func statFrom(files map[string]fakeInfo) func(string) (os.FileInfo, error) {
	return func(p string) (os.FileInfo, error) {
		if info, ok := files[p]; ok {
			return info, nil
		}
		return nil, os.ErrNotExist
	}
}

type fixture struct {
	exec   *FakeExec
	prober *fakeProber
	store  fakeStore
	env    Environment
	dirs   []string
}

func newFixture(osType model.OperatingSystem, outputs map[string]procrunner.Result, files map[string]fakeInfo) *fixture {
	return &fixture{
		exec:   &FakeExec{Outputs: outputs},
		prober: &fakeProber{},
		store:  fakeStore{},
		env: Environment{
			OS:      osType,
			HomeDir: "/home/tester",
			UID:     1000,
			Getenv:  func(string) string { return "" },
			Stat:    statFrom(files),
		},
	}
}

func (f *fixture) client(t *testing.T, host model.EngineHost) *Client {
	t.Helper()
	v, found := LookupVariant(host)
	if !found {
		t.Fatalf("unknown variant %s", host)
	}
	detector := progdetector.New(f.exec, f.env.OS, progdetector.WithStat(f.env.Stat))
	return NewClient(v, "", Deps{
		Exec:     f.exec,
		Detector: detector,
		Env:      f.env,
		Settings: f.store,
		Prober:   f.prober,
		Retry:    procrunner.Retry{Count: 5, Wait: 5 * time.Millisecond},
		ReadFile: func(string) ([]byte, error) { return nil, os.ErrNotExist },
		MkdirAll: func(dir string, _ os.FileMode) error {
			f.dirs = append(f.dirs, dir)
			return nil
		},
	})
}
