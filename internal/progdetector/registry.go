package progdetector

import (
	"path"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const (
	PodmanProgram = "podman"
	DockerProgram = "docker"
	WSLProgram    = "wsl"
	WSLVersion    = "2"
	LIMAProgram   = "limactl"
	LIMAVersion   = "current"
	SSHProgram    = "ssh"
	SSHVersion    = "current"
)

const (
	dockerRegistryKey = `HKLM:\SOFTWARE\Microsoft\Windows\CurrentVersion\Uninstall\Docker Desktop`
	podmanRegistryKey = `HKLM:\SOFTWARE\Red Hat\Podman`
)

type Registry struct {
	mu    sync.RWMutex
	byID  map[string]ProgramSpec
	order []string
}

func NewRegistry() *Registry {
	return &Registry{
		byID:  map[string]ProgramSpec{},
		order: []string{},
	}
}

// NewBuiltinRegistry knows the engine and controller programs.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(ProgramSpec{Name: PodmanProgram, Title: "Podman", Homepage: "https://podman.io", RegistryKey: podmanRegistryKey})
	r.MustRegister(ProgramSpec{Name: DockerProgram, Title: "Docker", Homepage: "https://www.docker.com", RegistryKey: dockerRegistryKey})
	r.MustRegister(ProgramSpec{Name: WSLProgram, Title: "Windows Subsystem for Linux", Homepage: "https://learn.microsoft.com/windows/wsl", StaticVersion: WSLVersion})
	r.MustRegister(ProgramSpec{Name: LIMAProgram, Title: "Lima", Homepage: "https://lima-vm.io"})
	r.MustRegister(ProgramSpec{Name: SSHProgram, Title: "OpenSSH", Homepage: "https://www.openssh.com", VersionFlag: "-V", VersionFromStderr: true})
	return r
}

func (r *Registry) Register(spec ProgramSpec) error {
	if r == nil {
		return errors.New("registry is nil")
	}
	id := strings.TrimSpace(spec.ProgramID())
	if id == "" {
		return errors.New("program name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; exists {
		return errors.Errorf("program %q already registered", id)
	}
	r.byID[id] = spec
	r.order = append(r.order, id)
	return nil
}

func (r *Registry) MustRegister(spec ProgramSpec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (ProgramSpec, bool) {
	if r == nil {
		return ProgramSpec{}, false
	}
	id := strings.TrimSpace(name)
	if id == "" {
		return ProgramSpec{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.byID[id]
	return spec, ok
}

// Lookup resolves a program spec by name or by a path to its binary, e.g. C:\Windows\System32\wsl.exe.
func (r *Registry) Lookup(nameOrPath string) (ProgramSpec, bool) {
	if spec, ok := r.Get(nameOrPath); ok {
		return spec, true
	}
	return r.Get(ProgramBaseName(nameOrPath))
}

func (r *Registry) List() []ProgramSpec {
	if r == nil {
		return []ProgramSpec{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProgramSpec, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// ProgramBaseName strips directories and the .exe suffix from both path styles.
func ProgramBaseName(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	base := strings.ToLower(path.Base(p))
	return strings.TrimSuffix(base, ".exe")
}
