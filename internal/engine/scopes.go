package engine

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"podlink/cli/internal/model"
	"podlink/cli/internal/wrapper"
)

// Scopes lists the controller scopes of a scoped host. Hosts without a
// controller, or whose engine cannot run here, have none.
func (c *Client) Scopes(ctx context.Context, s model.EngineConnectorSettings) []model.ControllerScope {
	if !c.variant.Scoped() || !c.IsEngineAvailable().Success {
		return []model.ControllerScope{}
	}
	ctrl := controllerPath(s)
	if ctrl == "" {
		return []model.ControllerScope{}
	}
	d := c.deps.Detector
	var out []model.ControllerScope
	switch c.variant.ScopeKind {
	case wrapper.KindPodmanMachine:
		for _, m := range d.PodmanMachines(ctx, ctrl) {
			out = append(out, model.MachineScope(m))
		}
	case wrapper.KindWSL:
		for _, it := range d.WSLDistributions(ctx) {
			out = append(out, model.WSLScope(it))
		}
	case wrapper.KindLIMA:
		for _, it := range d.LIMAInstances(ctx, ctrl) {
			out = append(out, model.LIMAScope(it))
		}
	case wrapper.KindSSH:
		for _, it := range d.SSHHosts(ctx) {
			out = append(out, model.SSHScope(it))
		}
	}
	if out == nil {
		out = []model.ControllerScope{}
	}
	return out
}

// pickScope keeps preferred when it exists, otherwise takes the default entry,
// the first usable one, and finally the first one.
func pickScope(scopes []model.ControllerScope, preferred string) string {
	preferred = strings.TrimSpace(preferred)
	if len(scopes) == 0 {
		return preferred
	}
	if preferred != "" {
		if _, ok := model.FindScope(scopes, preferred); ok {
			return preferred
		}
	}
	for _, it := range scopes {
		if (it.Machine != nil && it.Machine.Active) || (it.WSL != nil && it.WSL.Default) {
			return it.Name
		}
	}
	for _, it := range scopes {
		if it.Usable {
			return it.Name
		}
	}
	return scopes[0].Name
}

// StartScope starts a machine, instance or distribution. SSH hosts are
// started by running a no-op command through the connection.
func (c *Client) StartScope(ctx context.Context, s model.EngineConnectorSettings, name string) (bool, error) {
	if !c.variant.Scoped() {
		log.WithField("connector", c.id).Warn("scope is not supported in native mode")
		return false, nil
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return false, model.NewError(model.CodeInvalidArgument, "scope name is required", nil)
	}
	ctrl := controllerPath(s)
	switch c.variant.ScopeKind {
	case wrapper.KindPodmanMachine:
		return c.run(ctx, nil, ctrl, "machine", "start", name).Success, nil
	case wrapper.KindLIMA:
		return c.run(ctx, nil, ctrl, "start", name).Success, nil
	default:
		res, err := c.RunScopeCommand(ctx, s, "echo", []string{"started"}, name)
		if err != nil {
			return false, err
		}
		return res.Success && strings.HasSuffix(strings.TrimSpace(res.Stdout), "started"), nil
	}
}

func (c *Client) StopScope(ctx context.Context, s model.EngineConnectorSettings, name string) (bool, error) {
	if !c.variant.Scoped() {
		log.WithField("connector", c.id).Warn("scope is not supported in native mode")
		return false, nil
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return false, model.NewError(model.CodeInvalidArgument, "scope name is required", nil)
	}
	ctrl := controllerPath(s)
	switch c.variant.ScopeKind {
	case wrapper.KindPodmanMachine:
		return c.run(ctx, nil, ctrl, "machine", "stop", name).Success, nil
	case wrapper.KindLIMA:
		return c.run(ctx, nil, ctrl, "stop", name).Success, nil
	case wrapper.KindWSL:
		return c.run(ctx, nil, ctrl, "--terminate", name).Success, nil
	default:
		// ssh sessions are per command, the tunnel is owned by the transport
		return true, nil
	}
}
