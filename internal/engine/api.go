package engine

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"podlink/cli/internal/model"
	"podlink/cli/internal/procrunner"
)

type StartOptions struct {
	// Retry overrides the client retry budget when non-zero.
	Retry    procrunner.Retry
	Observer func(procrunner.Event)
}

// StartAPI makes the API reachable. It reports true when the API was already
// running or became ready, and false when this host cannot start it.
func (c *Client) StartAPI(ctx context.Context, s model.EngineConnectorSettings, opts StartOptions) (bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.IsAPIRunning(ctx, s).Success {
		log.WithField("connector", c.id).Debug("API is already running")
		return true, nil
	}
	if !c.IsEngineAvailable().Success {
		return false, nil
	}
	v := c.variant
	if v.StartNotRequired {
		log.WithField("connector", c.id).Debug("start API skipped, not required")
		return true, nil
	}
	if v.apiCommand == nil {
		log.WithField("connector", c.id).Warn("start API failed, engine must be started manually")
		return false, nil
	}
	cmd := v.apiCommand(ctx, c, s)
	if cmd == nil || strings.TrimSpace(cmd.Launcher) == "" {
		log.WithField("connector", c.id).Warn("start API failed, no start command available")
		return false, nil
	}

	retry := c.deps.Retry
	if opts.Retry.Count > 0 {
		retry = opts.Retry
	}
	launcher, args := c.deps.Router.WrapWith(cmd.Wrapper, cmd.Launcher, cmd.Args)
	log.WithFields(log.Fields{
		"connector": c.id,
		"command":   procrunner.CommandLine(launcher, args),
	}).Info("starting API")
	svc := procrunner.RunService(ctx, c.deps.Exec, launcher, args, procrunner.ServiceOptions{
		CheckStatus: func(ctx context.Context) bool { return c.IsAPIRunning(ctx, s).Success },
		Retry:       retry,
		Observer:    opts.Observer,
	})
	state, err := svc.Wait(ctx)
	started := state == procrunner.StateReady
	c.mu.Lock()
	c.service = svc
	c.apiStarted = started
	c.mu.Unlock()
	log.WithFields(log.Fields{"connector": c.id, "state": state}).Info("start API complete")
	return started, err
}

// StopAPI only stops what StartAPI started here.
func (c *Client) StopAPI(ctx context.Context, s model.EngineConnectorSettings) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	svc, started := c.service, c.apiStarted
	c.service, c.apiStarted = nil, false
	c.mu.Unlock()
	if !started {
		log.WithField("connector", c.id).Debug("stopping API skipped, not started here")
		return false
	}
	if c.variant.stopCommand != nil {
		if cmd := c.variant.stopCommand(c, s); cmd != nil {
			return c.run(ctx, cmd.Wrapper, cmd.Launcher, cmd.Args...).Success
		}
		return false
	}
	if svc == nil {
		return false
	}
	if err := svc.Stop(); err != nil {
		log.WithError(err).WithField("connector", c.id).Warn("unable to stop API service")
		return false
	}
	return true
}

// APIStarted reports whether this client owns a running API service.
func (c *Client) APIStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiStarted
}
