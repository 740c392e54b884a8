package connector

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"podlink/cli/internal/engine"
	"podlink/cli/internal/model"
	"podlink/cli/internal/procrunner"
	"podlink/cli/internal/transport"
)

type ConnectOptions struct {
	// StartAPI starts the engine API when it is not reachable yet.
	StartAPI bool
	Retry    procrunner.Retry
	Observer func(procrunner.Event)
}

type DisconnectOptions struct {
	// StopAPI stops an API service this process started.
	StopAPI bool
}

// Connect makes conn the current connector. Settings carried by conn are
// overlaid on the client's current settings for this call.
func (r *Registry) Connect(ctx context.Context, conn model.Connection, opts ConnectOptions) (model.Connector, error) {
	c, err := r.Client(ctx, conn.ID)
	if err != nil {
		return model.Connector{}, err
	}
	current := c.CurrentSettings(ctx)
	settings := engine.MergeSettings(&current, &conn.Settings)
	logger := log.WithFields(log.Fields{"connector": conn.ID, "startApi": opts.StartAPI})

	if opts.StartAPI || settings.API.AutoStart {
		started, err := c.StartAPI(ctx, settings, engine.StartOptions{Retry: opts.Retry, Observer: opts.Observer})
		if err != nil {
			logger.WithError(err).Warn("unable to start API")
			return model.Connector{}, err
		}
		if !started {
			logger.Warn("API was not started")
		}
	}
	if r.transport != nil && c.IsEngineAvailable().Success {
		if _, err := r.transport.Open(ctx, c.Connection(settings)); err != nil {
			logger.WithError(err).Warn("transport is not available")
		}
	}

	// availability follows the overlaid settings, not the stored ones
	out := c.ConnectorWith(ctx, settings)
	r.setCurrent(out)
	logger.WithField("api", out.Availability.API).Info("connected")
	return out, nil
}

// Disconnect releases conn's transport and clears it as current.
func (r *Registry) Disconnect(ctx context.Context, conn model.Connection, opts DisconnectOptions) (bool, error) {
	c, err := r.Client(ctx, conn.ID)
	if err != nil {
		return false, err
	}
	settings := c.CurrentSettings(ctx)
	if opts.StopAPI {
		c.StopAPI(ctx, settings)
	}
	if r.transport != nil {
		r.transport.Release(ctx, c.Connection(settings))
	}
	if cur := r.current.Load(); cur != nil && cur.ID == conn.ID {
		r.current.CompareAndSwap(cur, nil)
	}
	log.WithField("connector", conn.ID).Info("disconnected")
	return true, nil
}

type APIRequestOptions struct {
	// ConnectorID selects the connector, the current one when empty.
	ConnectorID string
	Request     transport.Request
}

// CreateAPIRequest sends an engine API call through the connector's transport.
func (r *Registry) CreateAPIRequest(ctx context.Context, opts APIRequestOptions) (transport.Response, error) {
	if r.transport == nil {
		return transport.Response{}, model.NewError(model.CodeTransportResolve, "transport is not configured", nil)
	}
	conn, err := r.requestConnection(ctx, strings.TrimSpace(opts.ConnectorID))
	if err != nil {
		return transport.Response{}, err
	}
	return r.transport.Request(ctx, conn, opts.Request)
}

func (r *Registry) requestConnection(ctx context.Context, id string) (model.Connection, error) {
	if id == "" {
		if cur := r.current.Load(); cur != nil {
			return cur.Connection, nil
		}
		cur, err := r.GetCurrentConnector(ctx, "")
		if err != nil {
			return model.Connection{}, err
		}
		return cur.Connection, nil
	}
	if cur := r.current.Load(); cur != nil && cur.ID == id {
		return cur.Connection, nil
	}
	c, err := r.Client(ctx, id)
	if err != nil {
		return model.Connection{}, err
	}
	return c.Connection(c.CurrentSettings(ctx)), nil
}

// ControllerScopes lists the scopes of a connector.
func (r *Registry) ControllerScopes(ctx context.Context, id string) ([]model.ControllerScope, error) {
	c, err := r.Client(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Scopes(ctx, c.CurrentSettings(ctx)), nil
}

func (r *Registry) StartScope(ctx context.Context, id, scope string) (bool, error) {
	c, err := r.Client(ctx, id)
	if err != nil {
		return false, err
	}
	return c.StartScope(ctx, c.CurrentSettings(ctx), scope)
}

func (r *Registry) StopScope(ctx context.Context, id, scope string) (bool, error) {
	c, err := r.Client(ctx, id)
	if err != nil {
		return false, err
	}
	return c.StopScope(ctx, c.CurrentSettings(ctx), scope)
}

// FindProgram looks a program up on the host, or inside the connector's
// scope when inScope is set.
func (r *Registry) FindProgram(ctx context.Context, id, program string, inScope bool) (model.Program, error) {
	c, err := r.Client(ctx, id)
	if err != nil {
		return model.Program{}, err
	}
	if inScope {
		return c.FindScopeProgram(ctx, c.CurrentSettings(ctx), program), nil
	}
	return c.FindHostProgram(ctx, program), nil
}

// Refresh drops cached detection of one connector.
func (r *Registry) Refresh(ctx context.Context, id string) (model.Connector, error) {
	c, err := r.Client(ctx, id)
	if err != nil {
		return model.Connector{}, err
	}
	c.Refresh(ctx)
	return c.Connector(ctx), nil
}

// SystemInfo reads `system info` of a connector.
func (r *Registry) SystemInfo(ctx context.Context, id string) (engine.SystemInfo, error) {
	c, err := r.Client(ctx, id)
	if err != nil {
		return engine.SystemInfo{}, err
	}
	return c.SystemInfo(ctx, c.CurrentSettings(ctx))
}
