package wrapper

import (
	"os"
	"strings"
)

const (
	flatpakSpawn      = "flatpak-spawn"
	flatpakHostPrefix = "/var/run/host"
	flatpakInfoPath   = "/.flatpak-info"
)

// Kind names the scope a command is routed through.
type Kind string

const (
	KindNone          Kind = ""
	KindWSL           Kind = "wsl"
	KindLIMA          Kind = "lima"
	KindSSH           Kind = "ssh"
	KindPodmanMachine Kind = "podman.machine"
)

// Wrapper is a launcher prefix. Applying it turns `launcher args...` into
// `w.Launcher w.Args... launcher args...`.
type Wrapper struct {
	Launcher string   `json:"launcher"`
	Args     []string `json:"args"`
}

func (w *Wrapper) IsZero() bool {
	return w == nil || strings.TrimSpace(w.Launcher) == ""
}

func Apply(w *Wrapper, launcher string, args []string) (string, []string) {
	if w.IsZero() {
		return launcher, append([]string{}, args...)
	}
	out := make([]string, 0, len(w.Args)+1+len(args))
	out = append(out, w.Args...)
	out = append(out, launcher)
	out = append(out, args...)
	return w.Launcher, out
}

func WSL(distribution string) *Wrapper {
	return &Wrapper{Launcher: "wsl", Args: []string{"-d", distribution, "--"}}
}

func LIMA(instance string) *Wrapper {
	return &Wrapper{Launcher: "limactl", Args: []string{"shell", instance}}
}

func SSH(host string) *Wrapper {
	return &Wrapper{Launcher: "ssh", Args: []string{host, "--"}}
}

// PodmanMachine routes through `podman machine ssh`, controller is the podman binary on the host.
func PodmanMachine(controller, machine string) *Wrapper {
	if strings.TrimSpace(controller) == "" {
		controller = "podman"
	}
	return &Wrapper{Launcher: controller, Args: []string{"machine", "ssh", machine, "-o", "LogLevel=ERROR"}}
}

// ForScope returns the scope wrapper for kind, nil for KindNone or an empty name.
func ForScope(kind Kind, name string) *Wrapper {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	switch kind {
	case KindWSL:
		return WSL(name)
	case KindLIMA:
		return LIMA(name)
	case KindSSH:
		return SSH(name)
	case KindPodmanMachine:
		return PodmanMachine("", name)
	default:
		return nil
	}
}

// EscapeSandbox prefixes the host-escape launcher and strips the sandbox view of host paths.
func EscapeSandbox(launcher string, args []string) (string, []string) {
	return Apply(&Wrapper{Launcher: flatpakSpawn, Args: []string{"--host"}}, StripSandboxPrefix(launcher), args)
}

func StripSandboxPrefix(launcher string) string {
	if strings.HasPrefix(launcher, flatpakHostPrefix+"/") {
		return strings.TrimPrefix(launcher, flatpakHostPrefix)
	}
	return launcher
}

// Router composes scope routing with sandbox escape. The sandbox escape is always outermost.
type Router struct {
	Sandboxed bool
}

func NewRouter() Router {
	return Router{Sandboxed: DetectSandbox()}
}

func (r Router) Wrap(launcher string, args []string, kind Kind, scope string) (string, []string) {
	launcher, args = Apply(ForScope(kind, scope), launcher, args)
	if r.Sandboxed {
		return EscapeSandbox(launcher, args)
	}
	return launcher, args
}

// WrapWith applies an explicit wrapper then the sandbox escape.
func (r Router) WrapWith(w *Wrapper, launcher string, args []string) (string, []string) {
	launcher, args = Apply(w, launcher, args)
	if r.Sandboxed {
		return EscapeSandbox(launcher, args)
	}
	return launcher, args
}

func DetectSandbox() bool {
	if strings.TrimSpace(os.Getenv("FLATPAK_ID")) != "" {
		return true
	}
	_, err := os.Stat(flatpakInfoPath)
	return err == nil
}
