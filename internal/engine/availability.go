package engine

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"podlink/cli/internal/model"
)

const (
	reportNotChecked     = "Not checked"
	reportNoEngine       = "Not checked - engine not available"
	reportNoController   = "Not checked - controller not available"
	reportNoScope        = "Not checked - controller scope not available"
	reportPathNotSet     = "Path not set"
	reportNotInPath      = "Not present in path"
	reportProgramFound   = "Program is available"
	reportControllerOK   = "Controller is available"
	reportScopeNotSet    = "Scope not set"
	reportScopeMissing   = "Scope not found"
	reportScopeNotUsable = "Scope is not running"
	reportScopeOK        = "Scope is available"
	reportAPIRunning     = "API is running"
	reportAPIStopped     = "API is not running"
)

// Availability runs the availability cascade for s. Each step is only checked
// when the previous one succeeded.
func (c *Client) Availability(ctx context.Context, s model.EngineConnectorSettings) model.EngineConnectorAvailability {
	var scopes []model.ControllerScope
	if c.variant.Scoped() && c.IsEngineAvailable().Success {
		scopes = c.Scopes(ctx, s)
	}
	return c.availability(ctx, s, scopes)
}

func (c *Client) availability(ctx context.Context, s model.EngineConnectorSettings, scopes []model.ControllerScope) model.EngineConnectorAvailability {
	engine := c.IsEngineAvailable()
	a := model.EngineConnectorAvailability{
		Enabled: engine.Success,
		Engine:  engine.Success,
		Report: model.AvailabilityReport{
			Engine:  engine.Details,
			API:     reportNotChecked,
			Program: reportNotChecked,
		},
	}

	programGate := a.Engine
	if c.variant.Scoped() {
		controller, scope := false, false
		a.Controller, a.ControllerScope = &controller, &scope
		if a.Engine {
			check := c.IsControllerAvailable(s)
			controller = check.Success
			a.Report.Controller = check.Details
		} else {
			a.Report.Controller = reportNoEngine
		}
		if controller {
			check := c.IsControllerScopeAvailable(s, scopes)
			scope = check.Success
			a.Report.ControllerScope = check.Details
		} else {
			a.Report.ControllerScope = reportNoController
		}
		programGate = scope
		if !scope {
			a.Report.Program = reportNoScope
		}
	} else if !a.Engine {
		a.Report.Program = reportNoEngine
	}
	if programGate {
		check := c.IsProgramAvailable(ctx, s)
		a.Program = check.Success
		a.Report.Program = check.Details
	}

	if !a.Engine {
		a.Report.API = reportNoEngine
	} else if api := c.IsAPIRunning(ctx, s); api.Success {
		a.API = true
		a.Report.API = reportAPIRunning
	} else {
		a.Report.API = reportAPIStopped
	}
	log.WithFields(log.Fields{
		"connector": c.id,
		"engine":    a.Engine,
		"program":   a.Program,
		"api":       a.API,
	}).Debug("availability computed")
	return a
}

func (c *Client) IsControllerAvailable(s model.EngineConnectorSettings) model.AvailabilityCheck {
	p := ""
	if s.Controller != nil {
		p = strings.TrimSpace(s.Controller.Path)
	}
	if p == "" {
		return model.Unavailable(reportPathNotSet)
	}
	if !c.env.executable(p) {
		return model.Unavailable(reportNotInPath)
	}
	return model.Available(reportControllerOK)
}

func (c *Client) IsControllerScopeAvailable(s model.EngineConnectorSettings, scopes []model.ControllerScope) model.AvailabilityCheck {
	name := controllerScope(s)
	if name == "" {
		return model.Unavailable(reportScopeNotSet)
	}
	scope, ok := model.FindScope(scopes, name)
	if !ok {
		return model.Unavailable(reportScopeMissing)
	}
	if !scope.Usable {
		return model.Unavailable(reportScopeNotUsable)
	}
	return model.Available(reportScopeOK)
}

// IsProgramAvailable validates the configured program path. Paths inside a
// scope are checked there with `test -x`.
func (c *Client) IsProgramAvailable(ctx context.Context, s model.EngineConnectorSettings) model.AvailabilityCheck {
	p := strings.TrimSpace(s.Program.Path)
	if p == "" {
		return model.Unavailable(reportPathNotSet)
	}
	if c.variant.Scoped() && c.variant.ProgramInScope {
		res, err := c.RunScopeCommand(ctx, s, "test", []string{"-x", p}, controllerScope(s))
		if err != nil || !res.Success {
			return model.Unavailable(reportNotInPath)
		}
		return model.Available(reportProgramFound)
	}
	if !c.env.executable(p) {
		return model.Unavailable(reportNotInPath)
	}
	return model.Available(reportProgramFound)
}

// IsAPIAvailable only validates the configuration, nothing is contacted.
func (c *Client) IsAPIAvailable(s model.EngineConnectorSettings) model.AvailabilityCheck {
	if strings.TrimSpace(s.API.BaseURL) == "" {
		return model.Unavailable("API base URL is not set")
	}
	if strings.TrimSpace(s.API.Connection.URI) == "" && strings.TrimSpace(s.API.Connection.Relay) == "" {
		return model.Unavailable("API connection string is not set")
	}
	return model.Available("API is configured")
}

// IsAPIRunning pings the API and records the outcome.
func (c *Client) IsAPIRunning(ctx context.Context, s model.EngineConnectorSettings) model.AvailabilityCheck {
	check := c.IsAPIAvailable(s)
	if check.Success {
		if c.deps.Prober == nil {
			check = model.Unavailable("API ping is not configured")
		} else {
			check = c.deps.Prober.Ping(ctx, c.Connection(s))
		}
	}
	c.mu.Lock()
	c.lastAPI = check
	c.mu.Unlock()
	return check
}

// LastAPICheck is the outcome of the most recent ping.
func (c *Client) LastAPICheck() model.AvailabilityCheck {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAPI
}
