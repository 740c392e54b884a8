package engine

import (
	"context"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"podlink/cli/internal/model"
	"podlink/cli/internal/progdetector"
	"podlink/cli/internal/wrapper"
)

const (
	podmanBaseURL       = "http://d"
	podmanMachineScope  = "podman-machine-default"
	podmanRootfulSocket = "/run/podman/podman.sock"
	podmanLIMAScope     = "podman"
)

func podmanVariants() []*Variant {
	return []*Variant{
		{
			Host:               model.PodmanNative,
			Label:              "Podman native",
			Description:        "Podman installed on the host",
			Program:            progdetector.PodmanProgram,
			SupportedOS:        []model.OperatingSystem{model.OSLinux},
			BaseURL:            podmanBaseURL,
			InfoFormat:         "json",
			CanReset:           true,
			expectedConnection: podmanNativeConnection,
			detectConnection:   detectPodmanNativeConnection,
			apiCommand:         podmanServiceCommand,
		},
		{
			Host:               model.PodmanVendor,
			Label:              "Podman machine",
			Description:        "Podman machine managed by the podman vendor tooling",
			Notes:              "The machine is started with `podman machine start`.",
			Program:            progdetector.PodmanProgram,
			Controller:         progdetector.PodmanProgram,
			ScopeKind:          wrapper.KindPodmanMachine,
			DefaultScope:       podmanMachineScope,
			BaseURL:            podmanBaseURL,
			InfoFormat:         "json",
			CanReset:           true,
			expectedConnection: podmanMachineConnection,
			detectConnection:   detectPodmanMachineConnection,
			apiCommand:         controllerCommand("machine", "start"),
			stopCommand:        controllerStopCommand("machine", "stop"),
		},
		{
			Host:               model.PodmanWSL,
			Label:              "Podman WSL",
			Description:        "Podman installed inside a WSL distribution",
			Program:            progdetector.PodmanProgram,
			Controller:         progdetector.WSLProgram,
			ScopeKind:          wrapper.KindWSL,
			SupportedOS:        []model.OperatingSystem{model.OSWindows},
			BaseURL:            podmanBaseURL,
			InfoFormat:         "json",
			ProgramInScope:     true,
			CanReset:           true,
			expectedConnection: relayConnection("wsl", podmanRootfulSocket),
			detectConnection:   detectRelayFromSystemInfo,
			apiCommand:         podmanScopedServiceCommand,
		},
		{
			Host:               model.PodmanLIMA,
			Label:              "Podman LIMA",
			Description:        "Podman inside a LIMA instance",
			Program:            progdetector.PodmanProgram,
			Controller:         progdetector.LIMAProgram,
			ScopeKind:          wrapper.KindLIMA,
			DefaultScope:       podmanLIMAScope,
			SupportedOS:        []model.OperatingSystem{model.OSMacOS},
			BaseURL:            podmanBaseURL,
			InfoFormat:         "json",
			ProgramInScope:     true,
			CanReset:           true,
			expectedConnection: limaConnection,
			detectConnection:   detectLIMAConnection,
			apiCommand:         controllerCommand("start"),
			stopCommand:        controllerStopCommand("stop"),
		},
		{
			Host:               model.PodmanRemote,
			Label:              "Podman remote",
			Description:        "Podman on a remote host reached over SSH",
			Program:            progdetector.PodmanProgram,
			Controller:         progdetector.SSHProgram,
			ScopeKind:          wrapper.KindSSH,
			BaseURL:            podmanBaseURL,
			InfoFormat:         "json",
			ProgramInScope:     true,
			StartNotRequired:   true,
			CanReset:           true,
			expectedConnection: relayConnection("ssh", podmanRootfulSocket),
			detectConnection:   detectRelayFromSystemInfo,
		},
	}
}

func podmanNativeConnection(env Environment, _, _ string, rootfull bool) model.ApiConnection {
	if rootfull {
		return model.ApiConnection{URI: podmanRootfulSocket}
	}
	return model.ApiConnection{URI: path.Join(env.RuntimeDir(), "podman", "podman.sock")}
}

func detectPodmanNativeConnection(ctx context.Context, c *Client, s model.EngineConnectorSettings) model.ApiConnection {
	uri := c.env.env("PODMAN_HOST")
	if uri == "" {
		// podman is often exposed through the docker variable
		uri = c.env.env("DOCKER_HOST")
	}
	if info, err := c.SystemInfo(ctx, s); err == nil {
		if p := info.RemoteSocketPath(); p != "" {
			uri = p
		}
	}
	return model.ApiConnection{URI: stripUnixScheme(uri)}
}

func podmanMachinePipe(scope string) string {
	if strings.HasPrefix(scope, "podman-") {
		return PipePath(scope)
	}
	return PipePath("podman-" + scope)
}

func podmanMachineConnection(env Environment, _, scope string, _ bool) model.ApiConnection {
	if scope == "" {
		scope = podmanMachineScope
	}
	if env.OS == model.OSWindows {
		return model.ApiConnection{URI: podmanMachinePipe(scope)}
	}
	return model.ApiConnection{URI: path.Join(env.HomeDir, ".local", "share", "containers", "podman", "machine", scope, "podman.sock")}
}

func detectPodmanMachineConnection(ctx context.Context, c *Client, s model.EngineConnectorSettings) model.ApiConnection {
	var conn model.ApiConnection
	if inspect, ok := c.MachineInspect(ctx, s); ok {
		if p := inspect.Get("ConnectionInfo.PodmanPipe.Path").String(); p != "" && c.env.OS == model.OSWindows {
			conn.URI = p
		} else {
			conn.URI = stripUnixScheme(inspect.Get("ConnectionInfo.PodmanSocket.Path").String())
		}
	}
	conn.Relay = c.APIRelay(ctx, s)
	return conn
}

// MachineInspect returns the `podman machine inspect` entry of the current scope.
func (c *Client) MachineInspect(ctx context.Context, s model.EngineConnectorSettings) (gjson.Result, bool) {
	ctrl := controllerPath(s)
	scope := controllerScope(s)
	if ctrl == "" || scope == "" {
		log.WithField("connector", c.id).Debug("machine inspect skipped, controller or scope not set")
		return gjson.Result{}, false
	}
	res := c.run(ctx, nil, ctrl, "machine", "inspect", scope)
	if !res.Success || !gjson.Valid(res.Stdout) {
		log.WithFields(log.Fields{"connector": c.id, "stderr": strings.TrimSpace(res.Stderr)}).Warn("unable to inspect machine")
		return gjson.Result{}, false
	}
	for _, item := range gjson.Parse(res.Stdout).Array() {
		if strings.EqualFold(item.Get("Name").String(), scope) {
			return item, true
		}
	}
	return gjson.Result{}, false
}

// DefaultMachine reads `system connection list` and returns the default machine connection name.
func (c *Client) DefaultMachine(ctx context.Context, s model.EngineConnectorSettings) string {
	ctrl := controllerPath(s)
	if ctrl == "" {
		ctrl = c.variant.Controller
	}
	res := c.run(ctx, nil, ctrl, "system", "connection", "list", "--format", "json")
	if !res.Success || !gjson.Valid(res.Stdout) {
		return ""
	}
	items := gjson.Parse(res.Stdout).Array()
	for _, it := range items {
		if it.Get("Default").Bool() && it.Get("IsMachine").Bool() {
			return it.Get("Name").String()
		}
	}
	if len(items) > 0 {
		return items[0].Get("Name").String()
	}
	return ""
}

func podmanServiceCommand(_ context.Context, c *Client, s model.EngineConnectorSettings) *command {
	socket := stripUnixScheme(s.API.Connection.URI)
	if socket == "" {
		return nil
	}
	// podman does not create the parent directory of the listening socket
	if err := c.mkdirAll(path.Dir(socket)); err != nil {
		log.WithError(err).WithField("dir", path.Dir(socket)).Warn("unable to create socket directory")
	}
	return &command{
		Launcher: programPath(s.Program),
		Args:     serviceArgs(socket),
	}
}

func podmanScopedServiceCommand(ctx context.Context, c *Client, s model.EngineConnectorSettings) *command {
	scope := controllerScope(s)
	relay := stripUnixScheme(s.API.Connection.Relay)
	if scope == "" || relay == "" {
		return nil
	}
	if res, err := c.RunScopeCommand(ctx, s, "mkdir", []string{"-p", path.Dir(relay)}, scope); err != nil || !res.Success {
		log.WithFields(log.Fields{"connector": c.id, "dir": path.Dir(relay)}).Warn("relay directory not created")
	}
	return &command{
		Launcher: programPath(s.Program),
		Args:     serviceArgs(relay),
		Wrapper:  c.scopeWrapper(s, scope),
	}
}

func serviceArgs(socket string) []string {
	return []string{"system", "service", "--time=0", "unix://" + socket, "--log-level=debug"}
}

// controllerCommand runs `<controller> args... <scope>`, it needs a scope.
func controllerCommand(args ...string) func(context.Context, *Client, model.EngineConnectorSettings) *command {
	return func(_ context.Context, c *Client, s model.EngineConnectorSettings) *command {
		return scopeControllerCommand(c, s, args)
	}
}

func controllerStopCommand(args ...string) func(*Client, model.EngineConnectorSettings) *command {
	return func(c *Client, s model.EngineConnectorSettings) *command {
		return scopeControllerCommand(c, s, args)
	}
}

func scopeControllerCommand(c *Client, s model.EngineConnectorSettings, args []string) *command {
	scope := controllerScope(s)
	ctrl := controllerPath(s)
	if scope == "" || ctrl == "" {
		log.WithField("connector", c.id).Warn("controller scope is not available")
		return nil
	}
	return &command{Launcher: ctrl, Args: append(append([]string{}, args...), scope)}
}
