package connector

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"podlink/cli/internal/engine"
	"podlink/cli/internal/model"
	"podlink/cli/internal/transport"
)

// DefaultConnectorKey is the user settings key of the preferred connector id.
const DefaultConnectorKey = "connector.default"

// Preferences is the user default collaborator.
type Preferences interface {
	DefaultConnector() string
}

// ConnectionStore lists user-defined connections.
type ConnectionStore interface {
	ListConnections(ctx context.Context) ([]model.Connection, error)
}

// Transport resolves, opens and releases connection transports.
type Transport interface {
	engine.Prober
	Open(ctx context.Context, conn model.Connection) (transport.Target, error)
	Release(ctx context.Context, conn model.Connection)
	Request(ctx context.Context, conn model.Connection, req transport.Request) (transport.Response, error)
}

type Options struct {
	Deps        engine.Deps
	Preferences Preferences
	Connections ConnectionStore
	Transport   Transport
	// Limit bounds concurrent connector detection, 0 means one goroutine per client.
	Limit int
}

// Registry enumerates connectors and holds the current one.
type Registry struct {
	deps        engine.Deps
	prefs       Preferences
	connections ConnectionStore
	transport   Transport
	limit       int

	mu       sync.Mutex
	defaults []*engine.Client
	custom   map[string]*engine.Client

	current atomic.Pointer[model.Connector]
}

func New(opts Options) *Registry {
	deps := opts.Deps
	if deps.Prober == nil && opts.Transport != nil {
		deps.Prober = opts.Transport
	}
	return &Registry{
		deps:        deps,
		prefs:       opts.Preferences,
		connections: opts.Connections,
		transport:   opts.Transport,
		limit:       opts.Limit,
		custom:      map[string]*engine.Client{},
	}
}

// canonicalDefault is podman native on Linux and the podman machine elsewhere.
func canonicalDefault(osType model.OperatingSystem) string {
	if osType == model.OSLinux {
		return model.DefaultConnectorID(model.PodmanNative)
	}
	return model.DefaultConnectorID(model.PodmanVendor)
}

// Clients returns the built-in client of every variant followed by one
// client per user-defined connection.
func (r *Registry) Clients(ctx context.Context) []*engine.Client {
	r.mu.Lock()
	if r.defaults == nil {
		r.defaults = engine.NewClients(r.deps)
	}
	out := append([]*engine.Client(nil), r.defaults...)
	r.mu.Unlock()

	if r.connections == nil {
		return out
	}
	conns, err := r.connections.ListConnections(ctx)
	if err != nil {
		log.WithError(err).Warn("unable to list user connections")
		return out
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool, len(conns))
	for _, conn := range conns {
		if conn.Disabled {
			continue
		}
		v, ok := engine.LookupVariant(conn.Engine)
		if !ok {
			log.WithFields(log.Fields{"connection": conn.ID, "engine": conn.Engine}).Warn("connection names an unknown engine")
			continue
		}
		seen[conn.ID] = true
		c, ok := r.custom[conn.ID]
		if !ok || c.Host() != conn.Engine {
			deps := r.deps
			deps.Settings = connectionSettings{conn: conn, next: r.deps.Settings}
			c = engine.NewClient(v, conn.ID, deps)
			r.custom[conn.ID] = c
		}
		out = append(out, c)
	}
	for id := range r.custom {
		if !seen[id] {
			delete(r.custom, id)
		}
	}
	return out
}

// connectionSettings serves a user connection's own settings as its user layer.
type connectionSettings struct {
	conn model.Connection
	next engine.SettingsStore
}

func (s connectionSettings) ConnectorSettings(id string) (*model.EngineConnectorSettings, error) {
	if id == s.conn.ID {
		settings := s.conn.Settings.Clone()
		return &settings, nil
	}
	if s.next == nil {
		return nil, nil
	}
	return s.next.ConnectorSettings(id)
}

// Client returns the client behind a connector id.
func (r *Registry) Client(ctx context.Context, id string) (*engine.Client, error) {
	for _, c := range r.Clients(ctx) {
		if c.ID() == id {
			return c, nil
		}
	}
	return nil, model.NewError(model.CodeConnectorNotFound, "no connector with id "+id, nil)
}

// GetConnectors describes every client concurrently. A failing client is logged
// and left out, it never aborts the others.
func (r *Registry) GetConnectors(ctx context.Context) ([]model.Connector, error) {
	clients := r.Clients(ctx)
	results := make([]*model.Connector, len(clients))
	var g errgroup.Group
	if r.limit > 0 {
		g.SetLimit(r.limit)
	}
	for i, c := range clients {
		g.Go(func() error {
			conn, err := describe(ctx, c)
			if err != nil {
				log.WithError(err).WithField("connector", c.ID()).Error("unable to build connector")
				return nil
			}
			results[i] = &conn
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]model.Connector, 0, len(results))
	for _, it := range results {
		if it != nil {
			out = append(out, *it)
		}
	}
	return out, nil
}

func describe(ctx context.Context, c *engine.Client) (conn model.Connector, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("connector detection panicked: %v\n%s", p, debug.Stack())
		}
	}()
	return c.Connector(ctx), nil
}

// SelectConnector applies the preference order to list. It is total for a
// non-empty list.
func SelectConnector(list []model.Connector, preferredID, userDefault string, osType model.OperatingSystem) (model.Connector, bool) {
	if len(list) == 0 {
		return model.Connector{}, false
	}
	for _, id := range []string{preferredID, userDefault, canonicalDefault(osType)} {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		for _, it := range list {
			if it.ID == id {
				return it, true
			}
		}
	}
	return list[0], true
}

func (r *Registry) userDefault() string {
	if r.prefs == nil {
		return ""
	}
	return r.prefs.DefaultConnector()
}

// GetCurrentConnector picks and stores the current connector.
func (r *Registry) GetCurrentConnector(ctx context.Context, preferredID string) (model.Connector, error) {
	list, err := r.GetConnectors(ctx)
	if err != nil {
		return model.Connector{}, err
	}
	picked, ok := SelectConnector(list, preferredID, r.userDefault(), r.osType())
	if !ok {
		return model.Connector{}, model.NewError(model.CodeConnectorNotFound, "no connectors available", nil)
	}
	r.setCurrent(picked)
	return picked, nil
}

func (r *Registry) osType() model.OperatingSystem {
	if r.deps.Env.OS != "" {
		return r.deps.Env.OS
	}
	return engine.CurrentEnvironment().OS
}

// Current is the last selected connector, nil before any selection.
func (r *Registry) Current() *model.Connector {
	return r.current.Load()
}

func (r *Registry) setCurrent(c model.Connector) {
	r.current.Store(&c)
}
