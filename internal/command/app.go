package command

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/urfave/cli/v2"

	"podlink/cli/internal/config"
	"podlink/cli/internal/connector"
	"podlink/cli/internal/engine"
	"podlink/cli/internal/model"
	"podlink/cli/internal/transport"
)

// Connectors is what the one-shot commands need from the connector registry.
type Connectors interface {
	GetConnectors(ctx context.Context) ([]model.Connector, error)
	GetCurrentConnector(ctx context.Context, preferredID string) (model.Connector, error)
	Connect(ctx context.Context, conn model.Connection, opts connector.ConnectOptions) (model.Connector, error)
	ControllerScopes(ctx context.Context, id string) ([]model.ControllerScope, error)
	StartScope(ctx context.Context, id, scope string) (bool, error)
	StopScope(ctx context.Context, id, scope string) (bool, error)
	Refresh(ctx context.Context, id string) (model.Connector, error)
	SystemInfo(ctx context.Context, id string) (engine.SystemInfo, error)
}

type ServeOptions struct {
	SeedDefaults bool
}

type Deps struct {
	LoadConfig   func() config.Config
	RunServe     func(context.Context, config.Config, ServeOptions) error
	RunMigrateUp func(context.Context, config.Config) error
	// OpenConnectors returns the registry and its release func.
	OpenConnectors func(context.Context, config.Config) (Connectors, func() error, error)
	FindProgram    func(ctx context.Context, name string) model.Program
	RunRelay       func(context.Context, transport.RelaySpec) error
	RunWorker      func(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) error
}

func BuildApp(deps Deps) *cli.App {
	serveFlags := []cli.Flag{
		&cli.BoolFlag{Name: "seed", Usage: "store the first available podman and docker connector as connections"},
	}
	return &cli.App{
		Name:  config.AppName,
		Usage: "podman and docker engine connector",
		Flags: serveFlags,
		Action: func(c *cli.Context) error {
			return runServe(c, deps)
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "start the bridge server",
				Flags:  serveFlags,
				Action: func(c *cli.Context) error { return runServe(c, deps) },
			},
			{
				Name:  "connectors",
				Usage: "list every connector with its availability",
				Action: func(c *cli.Context) error {
					return withConnectors(c, deps, func(r Connectors) (any, error) {
						return r.GetConnectors(c.Context)
					})
				},
			},
			{
				Name:      "current",
				Usage:     "print the connector in use",
				ArgsUsage: "[preferred-id]",
				Action: func(c *cli.Context) error {
					return withConnectors(c, deps, func(r Connectors) (any, error) {
						return r.GetCurrentConnector(c.Context, c.Args().First())
					})
				},
			},
			{
				Name:      "detect",
				Usage:     "find a program on this host",
				ArgsUsage: "<program>",
				Action: func(c *cli.Context) error {
					name, err := requireArg(c, 0, "program")
					if err != nil {
						return err
					}
					if deps.FindProgram == nil {
						return errors.New("program detection is not configured")
					}
					return writeJSON(c.App.Writer, deps.FindProgram(c.Context, name))
				},
			},
			{
				Name:      "scopes",
				Usage:     "list the controller scopes of a connector",
				ArgsUsage: "<connector-id>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, 0, "connector id")
					if err != nil {
						return err
					}
					return withConnectors(c, deps, func(r Connectors) (any, error) {
						return r.ControllerScopes(c.Context, id)
					})
				},
				Subcommands: []*cli.Command{
					scopeCommand(deps, "start", func(ctx context.Context, r Connectors, id, scope string) (bool, error) {
						return r.StartScope(ctx, id, scope)
					}),
					scopeCommand(deps, "stop", func(ctx context.Context, r Connectors, id, scope string) (bool, error) {
						return r.StopScope(ctx, id, scope)
					}),
				},
			},
			{
				Name:      "start-api",
				Usage:     "connect and start the engine API of a connector",
				ArgsUsage: "<connector-id>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, 0, "connector id")
					if err != nil {
						return err
					}
					return withConnectors(c, deps, func(r Connectors) (any, error) {
						return r.Connect(c.Context, model.Connection{ID: id}, connector.ConnectOptions{StartAPI: true})
					})
				},
			},
			{
				Name:      "info",
				Usage:     "print the engine system info of a connector",
				ArgsUsage: "<connector-id>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, 0, "connector id")
					if err != nil {
						return err
					}
					return withConnectors(c, deps, func(r Connectors) (any, error) {
						return r.SystemInfo(c.Context, id)
					})
				},
			},
			{
				Name:      "refresh",
				Usage:     "drop cached detection of a connector",
				ArgsUsage: "<connector-id>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, 0, "connector id")
					if err != nil {
						return err
					}
					return withConnectors(c, deps, func(r Connectors) (any, error) {
						return r.Refresh(c.Context, id)
					})
				},
			},
			{
				Name:  "migrate",
				Usage: "run database migration",
				Subcommands: []*cli.Command{
					{
						Name:  "up",
						Usage: "apply pending migrations",
						Action: func(c *cli.Context) error {
							if deps.RunMigrateUp == nil {
								return errors.New("migrate up runner is not configured")
							}
							return deps.RunMigrateUp(c.Context, loadConfig(deps))
						},
					},
				},
			},
			{
				Name:   "relay",
				Usage:  "internal relays started by the server",
				Hidden: true,
				Subcommands: []*cli.Command{
					{
						Name:  "wsl",
						Usage: "forward a named pipe to a unix socket inside a WSL distribution",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "pipe", Required: true},
							&cli.StringFlag{Name: "distribution", Required: true},
							&cli.StringFlag{Name: "socket", Required: true},
							&cli.StringFlag{Name: "wsl", Usage: "wsl.exe path"},
						},
						Action: func(c *cli.Context) error {
							if deps.RunRelay == nil {
								return errors.New("relay runner is not configured")
							}
							return deps.RunRelay(c.Context, transport.RelaySpec{
								Pipe:         c.String("pipe"),
								Distribution: c.String("distribution"),
								Socket:       c.String("socket"),
								WSL:          c.String("wsl"),
							})
						},
					},
				},
			},
			{
				Name:   "worker",
				Usage:  "serve rpc requests on stdin and stdout",
				Hidden: true,
				Action: func(c *cli.Context) error {
					if deps.RunWorker == nil {
						return errors.New("worker runner is not configured")
					}
					in := c.App.Reader
					if in == nil {
						return errors.New("worker has no input")
					}
					return deps.RunWorker(c.Context, loadConfig(deps), in, c.App.Writer)
				},
			},
		},
	}
}

func scopeCommand(deps Deps, name string, fn func(context.Context, Connectors, string, string) (bool, error)) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     name + " a controller scope",
		ArgsUsage: "<connector-id> <scope>",
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, 0, "connector id")
			if err != nil {
				return err
			}
			scope, err := requireArg(c, 1, "scope")
			if err != nil {
				return err
			}
			return withConnectors(c, deps, func(r Connectors) (any, error) {
				ok, err := fn(c.Context, r, id, scope)
				return map[string]bool{"ok": ok}, err
			})
		},
	}
}

func loadConfig(deps Deps) config.Config {
	if deps.LoadConfig != nil {
		return deps.LoadConfig()
	}
	return config.LoadConfig()
}

func runServe(c *cli.Context, deps Deps) error {
	if deps.RunServe == nil {
		return errors.New("serve runner is not configured")
	}
	return deps.RunServe(c.Context, loadConfig(deps), ServeOptions{SeedDefaults: c.Bool("seed")})
}

func withConnectors(c *cli.Context, deps Deps, fn func(Connectors) (any, error)) error {
	if deps.OpenConnectors == nil {
		return errors.New("connectors are not configured")
	}
	r, release, err := deps.OpenConnectors(c.Context, loadConfig(deps))
	if err != nil {
		return err
	}
	if release != nil {
		defer release()
	}
	out, err := fn(r)
	if err != nil {
		return err
	}
	return writeJSON(c.App.Writer, out)
}

func requireArg(c *cli.Context, i int, name string) (string, error) {
	v := strings.TrimSpace(c.Args().Get(i))
	if v == "" {
		return "", model.NewError(model.CodeInvalidArgument, name+" is required", nil)
	}
	return v, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
