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
	dockerBaseURL      = "http://localhost"
	dockerSocket       = "/var/run/docker.sock"
	dockerEnginePipe   = "docker_engine"
	dockerDesktopPipe  = "dockerDesktopLinuxEngine"
	dockerLIMAScope    = "docker"
	dockerInfoTemplate = "{{ json . }}"
)

func dockerVariants() []*Variant {
	return []*Variant{
		{
			Host:               model.DockerNative,
			Label:              "Docker native",
			Description:        "Docker engine installed on the host",
			Notes:              "The docker daemon must be started by the system.",
			Program:            progdetector.DockerProgram,
			SupportedOS:        []model.OperatingSystem{model.OSLinux},
			BaseURL:            dockerBaseURL,
			InfoFormat:         dockerInfoTemplate,
			expectedConnection: dockerNativeConnection,
			detectConnection:   detectDockerHostConnection,
		},
		{
			Host:               model.DockerVendor,
			Label:              "Docker Desktop",
			Description:        "Docker engine managed by Docker Desktop",
			Notes:              "Docker Desktop must be running.",
			Program:            progdetector.DockerProgram,
			SupportedOS:        []model.OperatingSystem{model.OSMacOS, model.OSWindows},
			BaseURL:            dockerBaseURL,
			InfoFormat:         dockerInfoTemplate,
			expectedConnection: dockerDesktopConnection,
			detectConnection:   detectDockerDesktopConnection,
		},
		{
			Host:               model.DockerWSL,
			Label:              "Docker WSL",
			Description:        "Docker engine installed inside a WSL distribution",
			Program:            progdetector.DockerProgram,
			Controller:         progdetector.WSLProgram,
			ScopeKind:          wrapper.KindWSL,
			SupportedOS:        []model.OperatingSystem{model.OSWindows},
			BaseURL:            dockerBaseURL,
			InfoFormat:         dockerInfoTemplate,
			ProgramInScope:     true,
			StartNotRequired:   true,
			expectedConnection: relayConnection("wsl", dockerSocket),
			detectConnection:   detectDockerScopeConnection,
		},
		{
			Host:               model.DockerLIMA,
			Label:              "Docker LIMA",
			Description:        "Docker engine inside a LIMA instance",
			Program:            progdetector.DockerProgram,
			Controller:         progdetector.LIMAProgram,
			ScopeKind:          wrapper.KindLIMA,
			DefaultScope:       dockerLIMAScope,
			SupportedOS:        []model.OperatingSystem{model.OSMacOS},
			BaseURL:            dockerBaseURL,
			InfoFormat:         dockerInfoTemplate,
			ProgramInScope:     true,
			expectedConnection: limaConnection,
			detectConnection:   detectLIMAConnection,
			apiCommand:         controllerCommand("start"),
			stopCommand:        controllerStopCommand("stop"),
		},
		{
			Host:               model.DockerRemote,
			Label:              "Docker remote",
			Description:        "Docker engine on a remote host reached over SSH",
			Program:            progdetector.DockerProgram,
			Controller:         progdetector.SSHProgram,
			ScopeKind:          wrapper.KindSSH,
			BaseURL:            dockerBaseURL,
			InfoFormat:         dockerInfoTemplate,
			ProgramInScope:     true,
			StartNotRequired:   true,
			expectedConnection: relayConnection("ssh", dockerSocket),
			detectConnection:   detectDockerScopeConnection,
		},
	}
}

func dockerNativeConnection(env Environment, _, _ string, _ bool) model.ApiConnection {
	if env.OS == model.OSWindows {
		return model.ApiConnection{URI: PipePath(dockerEnginePipe)}
	}
	return model.ApiConnection{URI: dockerSocket}
}

func dockerDesktopConnection(env Environment, _, _ string, _ bool) model.ApiConnection {
	switch env.OS {
	case model.OSWindows:
		return model.ApiConnection{URI: PipePath(dockerDesktopPipe)}
	case model.OSMacOS:
		return model.ApiConnection{URI: path.Join(env.HomeDir, ".docker", "run", "docker.sock")}
	default:
		return model.ApiConnection{URI: path.Join(env.HomeDir, ".docker", "desktop", "docker.sock")}
	}
}

func detectDockerHostConnection(_ context.Context, c *Client, _ model.EngineConnectorSettings) model.ApiConnection {
	return model.ApiConnection{URI: stripUnixScheme(c.env.env("DOCKER_HOST"))}
}

// detectDockerDesktopConnection falls back to the legacy engine pipe when the
// desktop pipe is missing.
func detectDockerDesktopConnection(ctx context.Context, c *Client, s model.EngineConnectorSettings) model.ApiConnection {
	host := strings.TrimSpace(c.env.env("DOCKER_HOST"))
	if c.env.OS == model.OSWindows {
		if host != "" {
			return model.ApiConnection{URI: host}
		}
		pipe := PipePath(dockerDesktopPipe)
		if !c.env.exists(pipe) {
			pipe = PipePath(dockerEnginePipe)
		}
		return model.ApiConnection{URI: pipe}
	}
	uri := host
	if ctxHost := c.ContextHost(ctx, s); ctxHost != "" {
		uri = ctxHost
	}
	return model.ApiConnection{URI: stripUnixScheme(uri)}
}

func detectDockerScopeConnection(ctx context.Context, c *Client, s model.EngineConnectorSettings) model.ApiConnection {
	relay := c.ScopeEnvironmentVariable(ctx, s, controllerScope(s), "DOCKER_HOST")
	if ctxHost := c.ContextHost(ctx, s); ctxHost != "" {
		relay = ctxHost
	}
	return model.ApiConnection{Relay: stripUnixScheme(relay)}
}

// ContextHost reads Endpoints.docker.Host of the active docker context.
func (c *Client) ContextHost(ctx context.Context, s model.EngineConnectorSettings) string {
	res, err := c.RunEngineCommand(ctx, s, "context", "inspect", "--format", "json")
	if err != nil || !res.Success || !gjson.Valid(res.Stdout) {
		log.WithField("connector", c.id).Debug("unable to inspect docker context")
		return ""
	}
	return gjson.Get(res.Stdout, "0.Endpoints.docker.Host").String()
}
