package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"podlink/cli/internal/model"
	"podlink/cli/internal/procrunner"
	"podlink/cli/internal/progdetector"
	"podlink/cli/internal/wrapper"
)

// SettingsStore returns the user layer of a connector's settings, nil when unset.
type SettingsStore interface {
	ConnectorSettings(id string) (*model.EngineConnectorSettings, error)
}

// Prober pings the API of a connection.
type Prober interface {
	Ping(ctx context.Context, conn model.Connection) model.AvailabilityCheck
}

type Deps struct {
	Exec     procrunner.Exec
	Detector *progdetector.Detector
	Router   wrapper.Router
	Env      Environment
	Settings SettingsStore
	Prober   Prober
	Retry    procrunner.Retry
	ReadFile func(string) ([]byte, error)
	MkdirAll func(string, os.FileMode) error
}

// Client is the engine client of one variant. Operations on one client are
// serialized, different clients run independently.
type Client struct {
	variant *Variant
	id      string
	deps    Deps
	env     Environment

	opMu       sync.Mutex
	mu         sync.Mutex
	detected   *model.EngineConnectorSettings
	service    *procrunner.Service
	apiStarted bool
	lastAPI    model.AvailabilityCheck
}

func NewClient(v *Variant, id string, deps Deps) *Client {
	if strings.TrimSpace(id) == "" {
		id = model.DefaultConnectorID(v.Host)
	}
	if deps.Exec == nil {
		deps.Exec = &procrunner.RealExec{}
	}
	env := deps.Env.normalized()
	if deps.Detector == nil {
		deps.Detector = progdetector.New(deps.Exec, env.OS, progdetector.WithRouter(deps.Router))
	}
	if deps.ReadFile == nil {
		deps.ReadFile = os.ReadFile
	}
	if deps.MkdirAll == nil {
		deps.MkdirAll = os.MkdirAll
	}
	return &Client{
		variant: v,
		id:      id,
		deps:    deps,
		env:     env,
		lastAPI: model.Unavailable("Not checked"),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Variant() *Variant { return c.variant }

func (c *Client) Host() model.EngineHost { return c.variant.Host }

func (c *Client) OSType() model.OperatingSystem { return c.env.OS }

func (c *Client) readFile(p string) ([]byte, error) { return c.deps.ReadFile(p) }

func (c *Client) mkdirAll(dir string) error { return c.deps.MkdirAll(dir, 0o700) }

func (c *Client) run(ctx context.Context, w *wrapper.Wrapper, launcher string, args ...string) procrunner.Result {
	launcher, args = c.deps.Router.WrapWith(w, launcher, args)
	res := c.deps.Exec.Run(ctx, launcher, args, procrunner.Options{})
	log.WithFields(log.Fields{
		"connector": c.id,
		"command":   res.Command,
		"code":      res.Code,
		"success":   res.Success,
	}).Debug("engine command finished")
	return res
}

// IsEngineAvailable is an OS gate, nothing is spawned.
func (c *Client) IsEngineAvailable() model.AvailabilityCheck {
	if !c.variant.supports(c.env.OS) {
		return model.Unavailable(fmt.Sprintf("Engine is not available on %s", c.env.OS))
	}
	return model.Available("Engine is available")
}

// ExpectedSettings are the compiled defaults for the current OS.
func (c *Client) ExpectedSettings() model.EngineConnectorSettings {
	return c.expectedSettings(c.variant.DefaultScope, false)
}

func (c *Client) expectedSettings(scope string, rootfull bool) model.EngineConnectorSettings {
	v := c.variant
	s := model.EngineConnectorSettings{
		API:     model.ApiSettings{BaseURL: v.BaseURL},
		Program: model.Program{Name: v.Program, Path: v.Program},
		Mode:    model.ModeAutomatic,
	}
	if spec, ok := c.deps.Detector.Programs().Get(v.Program); ok {
		s.Program.Title = spec.Title
		s.Program.Homepage = spec.Homepage
	}
	if v.Scoped() {
		s.Controller = &model.Controller{
			Program: model.Program{Name: v.Controller, Path: v.Controller},
			Scope:   scope,
		}
	}
	if v.expectedConnection != nil {
		s.API.Connection = v.expectedConnection(c.env, c.id, scope, rootfull)
	}
	return s
}

// UserSettings is nil when the engine is unavailable, user overrides are only
// applied to engines that can run on this OS.
func (c *Client) UserSettings() *model.EngineConnectorSettings {
	if c.deps.Settings == nil || !c.IsEngineAvailable().Success {
		return nil
	}
	user, err := c.deps.Settings.ConnectorSettings(c.id)
	if err != nil {
		log.WithError(err).WithField("connector", c.id).Warn("unable to read connector settings")
		return nil
	}
	return user
}

// DetectedSettings returns the cached detection, running it on first use.
func (c *Client) DetectedSettings(ctx context.Context) model.EngineConnectorSettings {
	c.mu.Lock()
	cached := c.detected
	c.mu.Unlock()
	if cached != nil {
		return cached.Clone()
	}
	return c.Refresh(ctx)
}

// Refresh re-runs detection and replaces the cache.
func (c *Client) Refresh(ctx context.Context) model.EngineConnectorSettings {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	detected := c.detect(ctx)
	c.mu.Lock()
	c.detected = &detected
	c.mu.Unlock()
	return detected.Clone()
}

func (c *Client) detect(ctx context.Context) model.EngineConnectorSettings {
	v := c.variant
	detected := model.EngineConnectorSettings{Program: model.Program{Name: v.Program}}
	if !c.IsEngineAvailable().Success {
		log.WithField("connector", c.id).Debug("engine is not available, detection skipped")
		return detected
	}
	user := c.UserSettings()
	base := c.baseSettings(user)

	if v.Scoped() {
		ctrl := c.deps.Detector.FindProgram(ctx, v.Controller, progdetector.LookupOptions{})
		detected.Controller = &model.Controller{Program: ctrl}
		working := MergeSettings(&base, &detected, user)
		scopes := c.Scopes(ctx, working)
		detected.Controller.Scope = pickScope(scopes, controllerScope(working))
		if v.ScopeKind == wrapper.KindPodmanMachine && len(scopes) > 0 {
			if _, ok := model.FindScope(scopes, controllerScope(working)); !ok {
				if name := c.DefaultMachine(ctx, working); name != "" {
					detected.Controller.Scope = pickScope(scopes, name)
				}
			}
		}
	}
	working := MergeSettings(&base, &detected, user)
	switch {
	case v.Scoped() && v.ProgramInScope:
		if scope := controllerScope(working); scope != "" {
			detected.Program = c.FindScopeProgram(ctx, working, v.Program)
		}
	default:
		detected.Program = c.FindHostProgram(ctx, v.Program)
	}
	if detected.Program.Name == "" {
		detected.Program.Name = v.Program
	}

	working = MergeSettings(&base, &detected, user)
	if v.detectConnection != nil {
		conn := v.detectConnection(ctx, c, working)
		detected.API.Connection = conn
	}
	log.WithFields(log.Fields{
		"connector": c.id,
		"program":   detected.Program.Path,
		"uri":       detected.API.Connection.URI,
		"relay":     detected.API.Connection.Relay,
	}).Debug("detection complete")
	return detected
}

// baseSettings are the expected settings rebuilt for the user's scope and rootfull choice.
func (c *Client) baseSettings(user *model.EngineConnectorSettings) model.EngineConnectorSettings {
	scope := c.variant.DefaultScope
	rootfull := false
	if user != nil {
		if us := controllerScope(*user); us != "" {
			scope = us
		}
		rootfull = user.Rootfull
	}
	return c.expectedSettings(scope, rootfull)
}

// Settings returns every layer plus their merge, expected < detected < user.
func (c *Client) Settings(ctx context.Context) model.SettingsMap {
	user := c.UserSettings()
	expected := c.baseSettings(user)
	detected := c.DetectedSettings(ctx)
	return model.SettingsMap{
		Expected: expected,
		Detected: detected,
		User:     user,
		Current:  MergeSettings(&expected, &detected, user),
	}
}

func (c *Client) CurrentSettings(ctx context.Context) model.EngineConnectorSettings {
	return c.Settings(ctx).Current
}

// Connection describes this client with the given settings.
func (c *Client) Connection(s model.EngineConnectorSettings) model.Connection {
	return model.Connection{
		ID:          c.id,
		Name:        c.variant.Label,
		Label:       c.variant.Label,
		Description: c.variant.Description,
		Runtime:     c.variant.Runtime(),
		Engine:      c.variant.Host,
		Settings:    s,
	}
}

// Connector computes settings, scopes and availability in one pass.
func (c *Client) Connector(ctx context.Context) model.Connector {
	return c.ConnectorWith(ctx, c.Settings(ctx).Current)
}

// ConnectorWith describes the connector as if s were its current settings.
func (c *Client) ConnectorWith(ctx context.Context, s model.EngineConnectorSettings) model.Connector {
	var scopes []model.ControllerScope
	if c.variant.Scoped() && c.IsEngineAvailable().Success {
		scopes = c.Scopes(ctx, s)
	}
	return model.Connector{
		Connection:   c.Connection(s),
		ConnectionID: c.id,
		Notes:        c.variant.Notes,
		Scopes:       scopes,
		Availability: c.availability(ctx, s, scopes),
	}
}

// RunHostCommand runs a program on the host.
func (c *Client) RunHostCommand(ctx context.Context, program string, args ...string) procrunner.Result {
	return c.run(ctx, nil, program, args...)
}

// RunScopeCommand runs program inside the named scope of a scoped host.
func (c *Client) RunScopeCommand(ctx context.Context, s model.EngineConnectorSettings, program string, args []string, scope string) (procrunner.Result, error) {
	if !c.variant.Scoped() {
		return procrunner.Result{}, model.NewError(model.CodeInvalidArgument, "scope is not supported in native mode", nil)
	}
	if strings.TrimSpace(scope) == "" {
		scope = controllerScope(s)
	}
	if scope == "" {
		return procrunner.Result{}, model.NewError(model.CodeInvalidArgument, "unable to build scoped command, scope is not set", nil)
	}
	return c.run(ctx, c.scopeWrapper(s, scope), program, args...), nil
}

// RunEngineCommand runs the engine program where it lives, in the scope for scoped hosts.
func (c *Client) RunEngineCommand(ctx context.Context, s model.EngineConnectorSettings, args ...string) (procrunner.Result, error) {
	program := programPath(s.Program)
	if program == "" {
		return procrunner.Result{}, model.NewError(model.CodeInvalidArgument, "program path is not set", nil)
	}
	if c.variant.Scoped() {
		if !c.variant.ProgramInScope {
			// the host path of the program means nothing inside the machine
			program = c.variant.Program
		}
		return c.RunScopeCommand(ctx, s, program, args, controllerScope(s))
	}
	return c.run(ctx, nil, program, args...), nil
}

func (c *Client) scopeWrapper(s model.EngineConnectorSettings, scope string) *wrapper.Wrapper {
	w := wrapper.ForScope(c.variant.ScopeKind, scope)
	if w == nil {
		return nil
	}
	if ctrl := controllerPath(s); ctrl != "" {
		w.Launcher = ctrl
	}
	return w
}

// ScopeEnvironmentVariable reads a variable inside the scope, or from the host
// environment for unscoped hosts.
func (c *Client) ScopeEnvironmentVariable(ctx context.Context, s model.EngineConnectorSettings, scope, name string) string {
	if !c.variant.Scoped() {
		return c.env.env(name)
	}
	res, err := c.RunScopeCommand(ctx, s, "printenv", []string{name}, scope)
	if err != nil || !res.Success {
		log.WithFields(log.Fields{"connector": c.id, "variable": name}).Debug("scoped environment variable could not be read")
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

// ConnectionDataDir is the XDG data dir where the engine runs.
func (c *Client) ConnectionDataDir(ctx context.Context, s model.EngineConnectorSettings) string {
	if !c.variant.Scoped() {
		return c.env.DataDir()
	}
	scope := controllerScope(s)
	if dir := c.ScopeEnvironmentVariable(ctx, s, scope, "XDG_DATA_HOME"); dir != "" {
		return dir
	}
	if home := c.ScopeEnvironmentVariable(ctx, s, scope, "HOME"); home != "" {
		return strings.TrimRight(home, "/") + "/.local/share"
	}
	return ""
}

func (c *Client) FindHostProgram(ctx context.Context, name string) model.Program {
	return c.deps.Detector.FindProgram(ctx, name, progdetector.LookupOptions{})
}

// FindScopeProgram looks the program up inside the current scope, scopes are always POSIX.
func (c *Client) FindScopeProgram(ctx context.Context, s model.EngineConnectorSettings, name string) model.Program {
	scope := controllerScope(s)
	if !c.variant.Scoped() || scope == "" {
		return model.Program{Name: name}
	}
	return c.deps.Detector.FindProgram(ctx, name, progdetector.LookupOptions{
		OSType:  model.OSLinux,
		Wrapper: c.scopeWrapper(s, scope),
	})
}
