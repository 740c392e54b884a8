package progdetector

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"podlink/cli/internal/model"
	"podlink/cli/internal/procrunner"
	"podlink/cli/internal/wrapper"
)

type FakeExec struct {
	mu      sync.Mutex
	Outputs map[string]procrunner.Result
	Calls   []string
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
		return res
	}
	return procrunner.Result{PID: 100, Code: 1, Command: cmd}
}

func (f *FakeExec) Start(context.Context, string, []string, procrunner.Options) (procrunner.Process, error) {
	return nil, errors.New("not supported")
}

func ok(stdout string) procrunner.Result {
	return procrunner.Result{Success: true, Stdout: stdout}
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

func TestFindProgramPath_NotFoundReturnsFalseOnEveryOS(t *testing.T) {
	for _, osType := range []model.OperatingSystem{model.OSLinux, model.OSMacOS, model.OSWindows} {
		d := New(&FakeExec{}, osType, WithStat(statFrom(nil)))
		got, found := d.FindProgramPath(context.Background(), "podman", LookupOptions{})
		if found || got != "" {
			t.Fatalf("%s: expected not found, got %q found=%v", osType, got, found)
		}
	}
}

func TestFindProgramPath_EmptyWhichOutputIsNotFound(t *testing.T) {
	fake := &FakeExec{Outputs: map[string]procrunner.Result{
		"which podman":   ok("  \n"),
		"whereis podman": ok("podman:\n"),
	}}
	d := New(fake, model.OSLinux, WithStat(statFrom(nil)))
	if got, found := d.FindProgramPath(context.Background(), "podman", LookupOptions{}); found || got != "" {
		t.Fatalf("expected not found, got %q", got)
	}
}

func TestFindProgramPath_WhichValidatesExecutable(t *testing.T) {
	fake := &FakeExec{Outputs: map[string]procrunner.Result{
		"which podman":   ok("/usr/local/bin/podman\n"),
		"whereis podman": ok("podman: /usr/share/man/man1/podman.1.gz /usr/bin/podman\n"),
	}}
	d := New(fake, model.OSLinux, WithStat(statFrom(map[string]fakeInfo{
		"/usr/local/bin/podman":           {mode: 0o644},
		"/usr/share/man/man1/podman.1.gz": {mode: 0o644},
		"/usr/bin/podman":                 {mode: 0o755},
	})))
	got, found := d.FindProgramPath(context.Background(), "podman", LookupOptions{})
	if !found || got != "/usr/bin/podman" {
		t.Fatalf("expected /usr/bin/podman, got %q found=%v", got, found)
	}
}

func TestFindProgramPath_ScopedUsesStatThroughWrapper(t *testing.T) {
	fake := &FakeExec{Outputs: map[string]procrunner.Result{
		"wsl -d Ubuntu -- which podman":               ok("/usr/bin/podman\n"),
		"wsl -d Ubuntu -- stat -c %A /usr/bin/podman": ok("-rwxr-xr-x\n"),
	}}
	d := New(fake, model.OSWindows)
	got, found := d.FindProgramPath(context.Background(), "podman", LookupOptions{OSType: model.OSLinux, Wrapper: wrapper.WSL("Ubuntu")})
	if !found || got != "/usr/bin/podman" {
		t.Fatalf("expected scoped podman, got %q found=%v calls=%v", got, found, fake.Calls)
	}
}

func TestFindProgramPath_WindowsPrefersRegistryThenWhere(t *testing.T) {
	script := `Get-ChildItem "HKLM:\SOFTWARE\Red Hat\Podman*" | % { Get-ItemProperty $_.PsPath } | Select DisplayName,InstallLocation | Sort-Object Displayname -Descending | ConvertTo-JSON -Compress`
	fake := &FakeExec{Outputs: map[string]procrunner.Result{
		"powershell -NoProfile -Command " + script: ok(`{"DisplayName":"Podman","InstallLocation":"C:\\Program Files\\RedHat\\Podman\\"}`),
	}}
	d := New(fake, model.OSWindows)
	got, found := d.FindProgramPath(context.Background(), "podman", LookupOptions{})
	if !found || got != `C:\Program Files\RedHat\Podman\resources\bin\podman.exe` {
		t.Fatalf("unexpected registry path %q found=%v", got, found)
	}

	fake = &FakeExec{Outputs: map[string]procrunner.Result{
		"where limactl": ok("C:\\tools\\limactl\r\nC:\\tools\\limactl.exe\r\n"),
	}}
	d = New(fake, model.OSWindows)
	got, found = d.FindProgramPath(context.Background(), "limactl", LookupOptions{})
	if !found || got != `C:\tools\limactl.exe` {
		t.Fatalf("expected .exe entry, got %q", got)
	}
}

func TestFindProgramVersion(t *testing.T) {
	fake := &FakeExec{Outputs: map[string]procrunner.Result{
		"/usr/bin/podman --version": ok("podman version 4.9.3\n"),
		"/usr/bin/docker --version": ok("Docker version 24.0.7, build afdd53b\n"),
		"/usr/bin/ssh -V":           {Success: true, Stderr: "OpenSSH_9.6p1, OpenSSL 3.0.13\n"},
	}}
	d := New(fake, model.OSLinux)
	ctx := context.Background()
	if got := d.FindProgramVersion(ctx, "/usr/bin/podman", LookupOptions{}); got != "4.9.3" {
		t.Fatalf("unexpected podman version %q", got)
	}
	if got := d.FindProgramVersion(ctx, "/usr/bin/docker", LookupOptions{}); got != "24.0.7" {
		t.Fatalf("unexpected docker version %q", got)
	}
	if got := d.FindProgramVersion(ctx, "/usr/bin/ssh", LookupOptions{}); got != "OpenSSH_9.6p1, OpenSSL 3.0.13" {
		t.Fatalf("unexpected ssh version %q", got)
	}

	calls := len(fake.Calls)
	if got := d.FindProgramVersion(ctx, `C:\Windows\System32\wsl.exe`, LookupOptions{}); got != WSLVersion {
		t.Fatalf("unexpected wsl version %q", got)
	}
	if len(fake.Calls) != calls {
		t.Fatal("expected wsl version lookup not to execute anything")
	}
}

func TestParseProgramVersion_ShortOutput(t *testing.T) {
	if got := ParseProgramVersion("podman"); got != "" {
		t.Fatalf("expected empty version, got %q", got)
	}
}

func TestFindProgram_BuildsNewValue(t *testing.T) {
	fake := &FakeExec{Outputs: map[string]procrunner.Result{
		"which docker":              ok("/usr/bin/docker\n"),
		"/usr/bin/docker --version": ok("Docker version 25.0.1, build 29cf629\n"),
	}}
	d := New(fake, model.OSLinux, WithStat(statFrom(map[string]fakeInfo{"/usr/bin/docker": {mode: 0o755}})))
	p := d.FindProgram(context.Background(), "docker", LookupOptions{})
	if p.Path != "/usr/bin/docker" || p.Version != "25.0.1" || p.Title != "Docker" {
		t.Fatalf("unexpected program: %+v", p)
	}
}

func TestSSHHosts_ReadsConfig(t *testing.T) {
	home := t.TempDir()
	if err := os.MkdirAll(filepath.Join(home, ".ssh"), 0o700); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	cfg := "Host builder\n  HostName 10.0.0.5\n  User core\n  Port 2222\n  IdentityFile ~/.ssh/builder\n\nHost *.lan\n  User pi\n\nHost bare\n"
	if err := os.WriteFile(filepath.Join(home, ".ssh", "config"), []byte(cfg), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	d := New(&FakeExec{}, model.OSLinux, WithHomeDir(func() (string, error) { return home, nil }))
	hosts := d.SSHHosts(context.Background())
	if len(hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %+v", hosts)
	}
	if hosts[0].Name != "builder" || hosts[0].HostName != "10.0.0.5" || hosts[0].User != "core" || hosts[0].Port != 2222 {
		t.Fatalf("unexpected builder host: %+v", hosts[0])
	}
	if hosts[0].IdentityFile != filepath.Join(home, ".ssh", "builder") {
		t.Fatalf("unexpected identity file: %s", hosts[0].IdentityFile)
	}
	if hosts[1].Name != "bare" || hosts[1].HostName != "bare" || hosts[1].Port != 22 {
		t.Fatalf("unexpected bare host: %+v", hosts[1])
	}
}
