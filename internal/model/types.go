package model

import "strings"

// OperatingSystem values match runtime.GOOS.
type OperatingSystem string

const (
	OSLinux   OperatingSystem = "linux"
	OSMacOS   OperatingSystem = "darwin"
	OSWindows OperatingSystem = "windows"
	OSUnknown OperatingSystem = "unknown"
)

func ParseOperatingSystem(goos string) OperatingSystem {
	switch strings.ToLower(strings.TrimSpace(goos)) {
	case "linux":
		return OSLinux
	case "darwin", "macos":
		return OSMacOS
	case "windows", "windows_nt":
		return OSWindows
	default:
		return OSUnknown
	}
}

type ContainerRuntime string

const (
	RuntimePodman ContainerRuntime = "podman"
	RuntimeDocker ContainerRuntime = "docker"
)

// HostKind is the runtime-independent part of an engine host.
type HostKind string

const (
	HostNative HostKind = "native"
	HostVendor HostKind = "virtualized.vendor"
	HostWSL    HostKind = "virtualized.wsl"
	HostLIMA   HostKind = "virtualized.lima"
	HostRemote HostKind = "remote"
)

const hostKindPrefix = "."

// EngineHost identifies one runtime x host combination, e.g. "podman.virtualized.wsl".
type EngineHost string

const (
	PodmanNative EngineHost = "podman.native"
	PodmanVendor EngineHost = "podman.virtualized.vendor"
	PodmanWSL    EngineHost = "podman.virtualized.wsl"
	PodmanLIMA   EngineHost = "podman.virtualized.lima"
	PodmanRemote EngineHost = "podman.remote"
	DockerNative EngineHost = "docker.native"
	DockerVendor EngineHost = "docker.virtualized.vendor"
	DockerWSL    EngineHost = "docker.virtualized.wsl"
	DockerLIMA   EngineHost = "docker.virtualized.lima"
	DockerRemote EngineHost = "docker.remote"
)

func NewEngineHost(runtime ContainerRuntime, kind HostKind) EngineHost {
	return EngineHost(string(runtime) + hostKindPrefix + string(kind))
}

func (h EngineHost) Runtime() ContainerRuntime {
	s := string(h)
	if i := strings.Index(s, hostKindPrefix); i > 0 {
		return ContainerRuntime(s[:i])
	}
	return ContainerRuntime(s)
}

func (h EngineHost) Kind() HostKind {
	s := string(h)
	if i := strings.Index(s, hostKindPrefix); i > 0 {
		return HostKind(s[i+1:])
	}
	return ""
}

// Scoped reports whether commands for this host run through a controller scope.
func (h EngineHost) Scoped() bool {
	switch h.Kind() {
	case HostVendor:
		return h.Runtime() == RuntimePodman
	case HostWSL, HostLIMA, HostRemote:
		return true
	default:
		return false
	}
}

type Program struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Version  string `json:"version,omitempty"`
	Title    string `json:"title,omitempty"`
	Homepage string `json:"homepage,omitempty"`
}

// Found reports whether detection produced a usable path.
func (p Program) Found() bool {
	return strings.TrimSpace(p.Path) != ""
}

type Controller struct {
	Program
	Scope string `json:"scope,omitempty"`
}

type ApiConnection struct {
	URI   string `json:"uri"`
	Relay string `json:"relay"`
}

type ApiSettings struct {
	BaseURL    string        `json:"baseURL"`
	Connection ApiConnection `json:"connection"`
	AutoStart  bool          `json:"autoStart,omitempty"`
}

const (
	ModeAutomatic = "mode.automatic"
	ModeManual    = "mode.manual"
)

type EngineConnectorSettings struct {
	API        ApiSettings `json:"api"`
	Program    Program     `json:"program"`
	Controller *Controller `json:"controller,omitempty"`
	Rootfull   bool        `json:"rootfull"`
	Mode       string      `json:"mode"`
}

// Clone returns a deep copy so callers never share the controller pointer.
func (s EngineConnectorSettings) Clone() EngineConnectorSettings {
	out := s
	if s.Controller != nil {
		c := *s.Controller
		out.Controller = &c
	}
	return out
}

// SettingsMap holds every layer of a connector's settings, as shown to the UI.
type SettingsMap struct {
	Expected EngineConnectorSettings  `json:"expected"`
	Detected EngineConnectorSettings  `json:"detected"`
	User     *EngineConnectorSettings `json:"user,omitempty"`
	Current  EngineConnectorSettings  `json:"current"`
}

type AvailabilityReport struct {
	Engine          string `json:"engine"`
	API             string `json:"api"`
	Program         string `json:"program"`
	Controller      string `json:"controller,omitempty"`
	ControllerScope string `json:"controllerScope,omitempty"`
}

type EngineConnectorAvailability struct {
	Enabled         bool               `json:"enabled"`
	Engine          bool               `json:"engine"`
	API             bool               `json:"api"`
	Program         bool               `json:"program"`
	Controller      *bool              `json:"controller,omitempty"`
	ControllerScope *bool              `json:"controllerScope,omitempty"`
	Report          AvailabilityReport `json:"report"`
}

// Usable is true only when every required component is available.
// The API is not required, a connector can be usable before its API is started.
func (a EngineConnectorAvailability) Usable() bool {
	if !a.Engine || !a.Program {
		return false
	}
	if a.Controller != nil && !*a.Controller {
		return false
	}
	if a.ControllerScope != nil && !*a.ControllerScope {
		return false
	}
	return true
}

type AvailabilityCheck struct {
	Success bool   `json:"success"`
	Details string `json:"details,omitempty"`
}

func Available(details string) AvailabilityCheck {
	return AvailabilityCheck{Success: true, Details: details}
}

func Unavailable(details string) AvailabilityCheck {
	return AvailabilityCheck{Success: false, Details: details}
}

type Connection struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Label       string                  `json:"label"`
	Description string                  `json:"description,omitempty"`
	Runtime     ContainerRuntime        `json:"runtime"`
	Engine      EngineHost              `json:"engine"`
	Disabled    bool                    `json:"disabled,omitempty"`
	Readonly    bool                    `json:"readonly,omitempty"`
	Settings    EngineConnectorSettings `json:"settings"`
}

type Connector struct {
	Connection
	ConnectionID string                      `json:"connectionId"`
	Notes        string                      `json:"notes,omitempty"`
	Scopes       []ControllerScope           `json:"scopes,omitempty"`
	Availability EngineConnectorAvailability `json:"availability"`
}

// DefaultConnectorID builds the id of the built-in connector for a host.
func DefaultConnectorID(host EngineHost) string {
	return ConnectorID("default", host)
}

func ConnectorID(instance string, host EngineHost) string {
	return "engine." + instance + "." + string(host)
}

type StartupStatus string

const (
	StartupStarted StartupStatus = "started"
	StartupRunning StartupStatus = "running"
	StartupStopped StartupStatus = "stopped"
	StartupError   StartupStatus = "error"
)
