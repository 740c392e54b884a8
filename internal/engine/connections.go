package engine

import (
	"context"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"podlink/cli/internal/model"
)

// RelayPipeName names the local endpoint a relay serves for a connector.
func RelayPipeName(kind, id string) string {
	return "podlink-" + kind + "-relay-" + id
}

// relayConnection is used by hosts whose socket lives in a scope. The URI is
// the local endpoint of the relay, Relay the socket path inside the scope.
func relayConnection(kind, relay string) func(Environment, string, string, bool) model.ApiConnection {
	return func(env Environment, id, _ string, _ bool) model.ApiConnection {
		if env.OS == model.OSWindows {
			return model.ApiConnection{URI: PipePath(RelayPipeName(kind, id)), Relay: relay}
		}
		if kind == "wsl" {
			return model.ApiConnection{Relay: relay}
		}
		return model.ApiConnection{URI: path.Join(env.DataDir(), "podlink", "relay", id+".sock"), Relay: relay}
	}
}

func detectRelayFromSystemInfo(ctx context.Context, c *Client, s model.EngineConnectorSettings) model.ApiConnection {
	return model.ApiConnection{Relay: c.APIRelay(ctx, s)}
}

func limaSocketPath(home, scope string) string {
	return path.Join(home, ".lima", scope, "sock", scope+".sock")
}

func limaConnection(env Environment, _, scope string, _ bool) model.ApiConnection {
	if scope == "" {
		return model.ApiConnection{}
	}
	return model.ApiConnection{URI: limaSocketPath(env.HomeDir, scope)}
}

type limaConfig struct {
	PortForwards []struct {
		GuestSocket string `yaml:"guestSocket"`
		HostSocket  string `yaml:"hostSocket"`
	} `yaml:"portForwards"`
}

// detectLIMAConnection reads the forwarded host socket from the instance lima.yaml.
func detectLIMAConnection(_ context.Context, c *Client, s model.EngineConnectorSettings) model.ApiConnection {
	scope := controllerScope(s)
	if scope == "" {
		return model.ApiConnection{}
	}
	dir := path.Join(c.env.HomeDir, ".lima", scope)
	raw, err := c.readFile(path.Join(dir, "lima.yaml"))
	if err != nil {
		log.WithError(err).WithField("instance", scope).Debug("lima.yaml not readable")
		return model.ApiConnection{}
	}
	socket, guest := ParseLIMASocket(raw, string(c.variant.Runtime()), dir, c.env.HomeDir, scope)
	if socket == "" {
		return model.ApiConnection{}
	}
	return model.ApiConnection{URI: socket, Relay: guest}
}

// ParseLIMASocket returns the host socket forwarded for runtime and its guest
// path. Guest paths that still contain templates are returned empty.
func ParseLIMASocket(raw []byte, runtime, dir, home, name string) (string, string) {
	var cfg limaConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		log.WithError(err).Debug("unable to decode lima.yaml")
		return "", ""
	}
	expand := strings.NewReplacer("{{.Dir}}", dir, "{{.Home}}", home, "{{.Name}}", name)
	var host, guest string
	for _, pf := range cfg.PortForwards {
		if strings.TrimSpace(pf.HostSocket) == "" {
			continue
		}
		if host == "" || strings.Contains(pf.HostSocket, runtime) {
			host = expand.Replace(pf.HostSocket)
			guest = pf.GuestSocket
			if strings.Contains(pf.HostSocket, runtime) {
				break
			}
		}
	}
	if strings.Contains(guest, "{{") {
		guest = ""
	}
	return host, guest
}
