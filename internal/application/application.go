package application

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"podlink/cli/internal/appserver"
	"podlink/cli/internal/bridge"
	"podlink/cli/internal/config"
	"podlink/cli/internal/connector"
	"podlink/cli/internal/db"
	"podlink/cli/internal/engine"
	"podlink/cli/internal/lifecycle"
	"podlink/cli/internal/logging"
	"podlink/cli/internal/metrics"
	"podlink/cli/internal/model"
	"podlink/cli/internal/procrunner"
	"podlink/cli/internal/progdetector"
	"podlink/cli/internal/rpc"
	"podlink/cli/internal/transport"
	"podlink/cli/internal/usersettings"
)

// SettingsChangedOp is published to websocket clients after settings.json
// was edited on disk.
const SettingsChangedOp = "settings.changed"

type Application struct {
	cfg         config.Config
	listener    net.Listener
	connectors  *connector.Registry
	detector    *progdetector.Detector
	connections *db.ConnectionStore
	settings    *usersettings.Store
	gateway     *rpc.Gateway
	server      *appserver.Server
	mgr         *lifecycle.Manager
	closers     []closer
}

type closer struct {
	name  string
	close func() error
}

// addCloser registers fn once, both Shutdown and the manager may call it.
func (a *Application) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, close: sync.OnceValue(fn)})
}

// StartApplication assembles the serve runtime. Nothing runs until Run.
func StartApplication(_ context.Context, opts StartOptions) (*Application, error) {
	cfg := opts.Config
	if strings.TrimSpace(cfg.DBPath) == "" {
		return nil, model.NewError(model.CodeInvalidArgument, "db path is required", nil)
	}
	if strings.TrimSpace(cfg.SettingsPath) == "" {
		return nil, model.NewError(model.CodeInvalidArgument, "settings path is required", nil)
	}
	app := &Application{cfg: cfg}
	if err := app.bootstrap(opts); err != nil {
		_ = app.close()
		return nil, err
	}
	return app, nil
}

func (a *Application) bootstrap(opts StartOptions) error {
	cfg := a.cfg
	gdb, err := db.Open(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return errors.Wrap(err, "database handle")
	}
	a.addCloser("close-database", sqlDB.Close)
	a.connections, err = db.NewConnectionStore(gdb)
	if err != nil {
		return err
	}
	a.settings, err = usersettings.Open(cfg.SettingsPath)
	if err != nil {
		return err
	}
	a.applyLogLevel()

	env := opts.Env
	if env.OS == "" {
		env = engine.CurrentEnvironment()
	}
	exec := opts.Exec
	if exec == nil {
		exec = &procrunner.RealExec{}
	}
	retry := procrunner.Retry{Count: cfg.RetryCount, Wait: cfg.RetryWait}
	detector := progdetector.New(exec, env.OS, progdetector.WithHomeDir(func() (string, error) {
		if env.HomeDir == "" {
			return "", errors.New("home dir is not known")
		}
		return env.HomeDir, nil
	}))

	relayProgram := opts.RelayProgram
	if relayProgram == "" {
		if self, err := os.Executable(); err == nil {
			relayProgram = self
		}
	}
	resolverOpts := []transport.Option{transport.WithHostLookup(detector.SSHHosts)}
	if relayProgram != "" {
		resolverOpts = append(resolverOpts, transport.WithRelayLauncher(&transport.RelayLauncher{
			Exec:    exec,
			Program: relayProgram,
			Prefix:  []string{"relay", "wsl"},
			Retry:   retry,
		}))
	}
	resolver := transport.NewResolver(resolverOpts...)
	a.addCloser("close-transport", resolver.Close)

	a.connectors = connector.New(connector.Options{
		Deps: engine.Deps{
			Exec:     exec,
			Detector: detector,
			Env:      env,
			Settings: a.settings,
			Retry:    retry,
		},
		Preferences: a.settings,
		Connections: a.connections,
		Transport:   resolver,
	})
	a.detector = detector
	if opts.Headless {
		return nil
	}

	m := metrics.New()
	worker := opts.Worker
	if worker == nil {
		worker = rpc.InProcess(WorkerMux(a.workerStack).Serve)
	}
	a.gateway = rpc.NewGateway(rpc.GatewayOptions{
		Factory:          worker,
		MaxExecutionTime: cfg.RPCTimeout,
		Observer:         m.ObserveCall,
	})
	a.addCloser("close-rpc-gateway", a.gateway.Close)

	handler := bridge.NewHandler(bridge.Services{
		Connectors:  a.connectors,
		Connections: a.connections,
		Settings:    a.settings,
		RPC:         a.gateway,
		Observe:     m.ObserveOp,
	})
	a.server = appserver.NewServer(appserver.Deps{
		Bridge:     handler,
		Connectors: a.connectors,
		Metrics:    m,
	})

	a.listener = opts.Listener
	if a.listener == nil {
		addr := fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort)
		a.listener, err = net.Listen("tcp", addr)
		if err != nil {
			return errors.Wrapf(err, "listen on %s", addr)
		}
	}

	a.mgr = lifecycle.NewManager()
	a.mgr.AddRun("http-server", func(ctx context.Context) error {
		return a.server.Serve(ctx, a.listener)
	})
	a.mgr.AddRun("settings-watch", func(ctx context.Context) error {
		return a.settings.Watch(ctx, func() {
			a.applyLogLevel()
			a.server.Hub().Publish(SettingsChangedOp, map[string]string{"path": a.settings.StoragePath()})
		})
	})
	if opts.SeedDefaults {
		a.mgr.AddRun("seed-connections", func(ctx context.Context) error {
			_, err := a.SeedConnections(ctx)
			if err != nil {
				log.WithError(err).Warn("unable to seed default connections")
			}
			return nil
		})
	}
	for _, c := range a.closers {
		a.mgr.AddShutdown(c.name, func(context.Context) error { return c.close() })
	}
	return nil
}

// workerStack hands in-process workers the application's own registry.
func (a *Application) workerStack(context.Context, WorkerContext) (Stack, error) {
	return a.connectors, nil
}

// applyLogLevel lets the logging.level user setting override the config level.
func (a *Application) applyLogLevel() {
	if lvl := a.settings.GetString(usersettings.KeyLogLevel, ""); lvl != "" {
		logging.SetLevel(lvl)
	}
}

// SeedConnections stores the first available podman and docker connector as
// user connections, once per database.
func (a *Application) SeedConnections(ctx context.Context) (bool, error) {
	list, err := a.connectors.GetConnectors(ctx)
	if err != nil {
		return false, err
	}
	seeded, err := a.connections.SeedDefaults(ctx, defaultConnections(list))
	if seeded {
		log.Info("default connections seeded")
	}
	return seeded, err
}

func defaultConnections(list []model.Connector) []model.Connection {
	picked := map[model.ContainerRuntime]bool{}
	out := []model.Connection{}
	for _, c := range list {
		rt := c.Engine.Runtime()
		if picked[rt] || !c.Availability.Engine || !c.Availability.Program {
			continue
		}
		if c.ID != model.DefaultConnectorID(c.Engine) {
			continue
		}
		picked[rt] = true
		conn := c.Connection
		conn.ID = ""
		conn.Readonly = false
		conn.Disabled = false
		if conn.Name == "" {
			conn.Name = string(rt)
		}
		out = append(out, conn)
	}
	return out
}

func (a *Application) Addr() string {
	if a == nil || a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *Application) BaseURL() string {
	if addr := a.Addr(); addr != "" {
		return "http://" + addr
	}
	return ""
}

func (a *Application) Connectors() *connector.Registry { return a.connectors }

func (a *Application) Connections() *db.ConnectionStore { return a.connections }

func (a *Application) Detector() *progdetector.Detector { return a.detector }

// Run serves until ctx is done. A headless application has nothing to run.
func (a *Application) Run(ctx context.Context) error {
	if a == nil || a.mgr == nil {
		return nil
	}
	log.WithField("addr", a.Addr()).Info("podlink is serving")
	return a.mgr.StartAndWait(ctx)
}

// Shutdown releases what bootstrap acquired without running the manager,
// e.g. when Run was never called.
func (a *Application) Shutdown(context.Context) error {
	if a == nil {
		return nil
	}
	if a.listener != nil {
		_ = a.listener.Close()
	}
	return a.close()
}

func (a *Application) close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
