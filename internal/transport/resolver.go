package transport

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"podlink/cli/internal/model"
	"podlink/cli/internal/procrunner"
)

// HostLookup lists the SSH host aliases a remote scope can name.
type HostLookup func(ctx context.Context) []model.SSHHost

type tunnelOpener func(ctx context.Context, cfg TunnelConfig) (io.Closer, error)

type relayStarter func(ctx context.Context, spec RelaySpec, baseURL string) (io.Closer, error)

// Resolver maps connections to dialable targets and owns the relays and
// tunnels those targets need.
type Resolver struct {
	hosts        HostLookup
	openTunnel   tunnelOpener
	startRelay   relayStarter
	identityFile string
	insecureKeys bool

	opening singleflight.Group
	mu      sync.Mutex
	tunnels map[string]io.Closer
	relays  map[string]io.Closer
	clients map[string]*http.Client
}

type Option func(*Resolver)

func WithHostLookup(fn HostLookup) Option {
	return func(r *Resolver) { r.hosts = fn }
}

// WithRelayLauncher enables WSL relays.
func WithRelayLauncher(l *RelayLauncher) Option {
	return func(r *Resolver) {
		r.startRelay = func(ctx context.Context, spec RelaySpec, baseURL string) (io.Closer, error) {
			svc, err := l.Start(ctx, spec, baseURL)
			if err != nil {
				return nil, err
			}
			return serviceCloser{svc}, nil
		}
	}
}

func WithIdentityFile(p string) Option {
	return func(r *Resolver) { r.identityFile = p }
}

func WithInsecureHostKeys(insecure bool) Option {
	return func(r *Resolver) { r.insecureKeys = insecure }
}

func withTunnelOpener(fn tunnelOpener) Option {
	return func(r *Resolver) { r.openTunnel = fn }
}

func withRelayStarter(fn relayStarter) Option {
	return func(r *Resolver) { r.startRelay = fn }
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		tunnels: map[string]io.Closer{},
		relays:  map[string]io.Closer{},
		clients: map[string]*http.Client{},
		openTunnel: func(ctx context.Context, cfg TunnelConfig) (io.Closer, error) {
			return OpenTunnel(ctx, cfg)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type serviceCloser struct{ svc *procrunner.Service }

func (s serviceCloser) Close() error { return s.svc.Stop() }

func scopeOf(conn model.Connection) string {
	if conn.Settings.Controller == nil {
		return ""
	}
	return strings.TrimSpace(conn.Settings.Controller.Scope)
}

// Resolve maps conn to its target without starting anything.
func (r *Resolver) Resolve(ctx context.Context, conn model.Connection) (Target, error) {
	api := conn.Settings.API
	switch conn.Engine.Kind() {
	case model.HostWSL:
		relay := stripScheme(api.Connection.Relay)
		if relay == "" {
			return Target{}, model.NewError(model.CodeTransportResolve, "remote socket path is not known for "+conn.ID, nil)
		}
		if !IsPipePath(api.Connection.URI) {
			return Target{}, model.NewError(model.CodeTransportResolve, "wsl relay needs a named pipe endpoint", nil)
		}
		t, err := localTarget(api.BaseURL, api.Connection.URI)
		if err != nil {
			return Target{}, err
		}
		t.RelayTarget = "wsl://" + scopeOf(conn) + relay
		return t, nil
	case model.HostRemote:
		relay := stripScheme(api.Connection.Relay)
		if relay == "" {
			return Target{}, model.NewError(model.CodeTransportResolve, "remote socket path is not known for "+conn.ID, nil)
		}
		host, err := r.lookupHost(ctx, scopeOf(conn))
		if err != nil {
			return Target{}, err
		}
		t, err := localTarget(api.BaseURL, api.Connection.URI)
		if err != nil {
			return Target{}, err
		}
		t.RelayTarget = SSHURL(host, relay)
		return t, nil
	default:
		return localTarget(api.BaseURL, api.Connection.URI)
	}
}

func (r *Resolver) lookupHost(ctx context.Context, alias string) (model.SSHHost, error) {
	if alias == "" {
		return model.SSHHost{}, model.NewError(model.CodeTransportResolve, "ssh host is not set", nil)
	}
	if strings.HasPrefix(alias, "ssh://") {
		h, _, err := ParseSSHURL(alias)
		return h, err
	}
	if r.hosts != nil {
		for _, h := range r.hosts(ctx) {
			if h.Name == alias {
				return h, nil
			}
		}
	}
	h := model.SSHHost{Name: alias, Host: alias, HostName: alias, Port: 22}
	if at := strings.LastIndex(alias, "@"); at > 0 {
		h.User = alias[:at]
		h.Host, h.HostName = alias[at+1:], alias[at+1:]
	}
	return h, nil
}

// Open resolves conn and makes sure its relay or tunnel is running. Opens of
// the same target share one attempt, different targets open in parallel.
func (r *Resolver) Open(ctx context.Context, conn model.Connection) (Target, error) {
	t, err := r.Resolve(ctx, conn)
	if err != nil {
		return Target{}, err
	}
	if !t.Relayed() {
		return t, nil
	}
	switch conn.Engine.Kind() {
	case model.HostWSL:
		if r.startRelay == nil {
			return Target{}, model.NewError(model.CodeTransportResolve, "wsl relay is not configured", nil)
		}
		err = r.ensure(r.relays, "relay:"+t.Address(), t.Address(), func() (io.Closer, error) {
			spec := RelaySpec{Pipe: t.NamedPipePath, Distribution: scopeOf(conn), Socket: stripScheme(conn.Settings.API.Connection.Relay)}
			if conn.Settings.Controller != nil {
				spec.WSL = conn.Settings.Controller.Path
			}
			relay, err := r.startRelay(ctx, spec, t.BaseURL)
			if err != nil {
				return nil, model.NewError(model.CodeTransportResolve, "unable to start wsl relay", err)
			}
			return relay, nil
		})
	case model.HostRemote:
		err = r.ensure(r.tunnels, "tunnel:"+t.RelayTarget, t.RelayTarget, func() (io.Closer, error) {
			host, remote, err := ParseSSHURL(t.RelayTarget)
			if err != nil {
				return nil, err
			}
			if h, err := r.lookupHost(ctx, scopeOf(conn)); err == nil {
				host.IdentityFile = h.IdentityFile
			}
			tunnel, err := r.openTunnel(ctx, TunnelConfig{
				Host:                  host,
				Remote:                remote,
				Local:                 t.Address(),
				IdentityFile:          firstNonEmpty(host.IdentityFile, r.identityFile),
				InsecureIgnoreHostKey: r.insecureKeys,
			})
			if err != nil {
				return nil, model.NewError(model.CodeTransportResolve, "unable to open ssh tunnel", err)
			}
			return tunnel, nil
		})
	}
	if err != nil {
		return Target{}, err
	}
	return t, nil
}

// ensure runs start once per key unless pool already holds key. r.mu is
// never held while start runs.
func (r *Resolver) ensure(pool map[string]io.Closer, flight, key string, start func() (io.Closer, error)) error {
	if r.has(pool, key) {
		return nil
	}
	_, err, _ := r.opening.Do(flight, func() (any, error) {
		if r.has(pool, key) {
			return nil, nil
		}
		c, err := start()
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		pool[key] = c
		r.mu.Unlock()
		return nil, nil
	})
	return err
}

func (r *Resolver) has(pool map[string]io.Closer, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := pool[key]
	return ok
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Client returns the cached HTTP client of a target.
func (r *Resolver) Client(t Target) *http.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(t.Kind) + ":" + t.Address()
	if c, ok := r.clients[key]; ok {
		return c
	}
	c := HTTPClient(t)
	r.clients[key] = c
	return c
}

// Ping opens conn and pings its API.
func (r *Resolver) Ping(ctx context.Context, conn model.Connection) model.AvailabilityCheck {
	t, err := r.Open(ctx, conn)
	if err != nil {
		return model.Unavailable(err.Error())
	}
	if err := PingTarget(ctx, r.Client(t), t); err != nil {
		log.WithError(err).WithField("connector", conn.ID).Debug("api ping failed")
		return model.Unavailable("API is not reachable")
	}
	return model.Available("API is reachable")
}

// Request sends one API call for conn.
func (r *Resolver) Request(ctx context.Context, conn model.Connection, req Request) (Response, error) {
	t, err := r.Open(ctx, conn)
	if err != nil {
		return Response{}, err
	}
	return Do(ctx, r.Client(t), t, req)
}

// Release tears down the relay or tunnel of conn, if any.
func (r *Resolver) Release(ctx context.Context, conn model.Connection) {
	t, err := r.Resolve(ctx, conn)
	if err != nil || !t.Relayed() {
		return
	}
	r.mu.Lock()
	var closer io.Closer
	if c, ok := r.tunnels[t.RelayTarget]; ok {
		closer = c
		delete(r.tunnels, t.RelayTarget)
	} else if c, ok := r.relays[t.Address()]; ok {
		closer = c
		delete(r.relays, t.Address())
	}
	delete(r.clients, string(t.Kind)+":"+t.Address())
	r.mu.Unlock()
	if closer != nil {
		if err := closer.Close(); err != nil {
			log.WithError(err).WithField("target", t.String()).Warn("unable to release transport")
		}
	}
}

// Close releases every relay and tunnel.
func (r *Resolver) Close() error {
	r.mu.Lock()
	closers := make([]io.Closer, 0, len(r.tunnels)+len(r.relays))
	for k, c := range r.tunnels {
		closers = append(closers, c)
		delete(r.tunnels, k)
	}
	for k, c := range r.relays {
		closers = append(closers, c)
		delete(r.relays, k)
	}
	r.clients = map[string]*http.Client{}
	r.mu.Unlock()
	var first error
	for _, c := range closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
