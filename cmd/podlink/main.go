package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"podlink/cli/internal/application"
	"podlink/cli/internal/command"
	"podlink/cli/internal/config"
	"podlink/cli/internal/db"
	"podlink/cli/internal/engine"
	"podlink/cli/internal/logging"
	"podlink/cli/internal/model"
	"podlink/cli/internal/procrunner"
	"podlink/cli/internal/progdetector"
	"podlink/cli/internal/rpc"
	"podlink/cli/internal/transport"
)

// workerModeEnv selects child process rpc workers when set to "process".
const workerModeEnv = "PODLINK_RPC_WORKER"

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig:     loadConfig,
		RunServe:       runServe,
		RunMigrateUp:   runMigrateUp,
		OpenConnectors: openConnectors,
		FindProgram: func(ctx context.Context, name string) model.Program {
			detector := progdetector.New(&procrunner.RealExec{}, engine.CurrentEnvironment().OS)
			return detector.FindProgram(ctx, name, progdetector.LookupOptions{})
		},
		RunRelay:  transport.ServeWSLRelay,
		RunWorker: runWorker,
	})
	if err := app.RunContext(rootCtx, os.Args); err != nil {
		log.WithError(err).Error("podlink failed")
		os.Exit(1)
	}
}

func loadConfig() config.Config {
	cfg := config.LoadConfig()
	logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	return cfg
}

func runServe(ctx context.Context, cfg config.Config, opts command.ServeOptions) error {
	if _, err := config.NewFileStore(cfg.ConfigDir).LoadOrInit(); err != nil {
		log.WithError(err).Warn("unable to write default config file")
	}
	startOpts := application.StartOptions{Config: cfg, SeedDefaults: opts.SeedDefaults}
	if strings.EqualFold(os.Getenv(workerModeEnv), "process") {
		if self, err := os.Executable(); err == nil {
			startOpts.Worker = rpc.Subprocess(self, "worker")
		}
	}
	app, err := application.StartApplication(ctx, startOpts)
	if err != nil {
		return err
	}
	defer app.Shutdown(context.Background())
	return app.Run(ctx)
}

// runWorker serves rpc calls on stdio. Connector methods run on a headless
// stack built on the first such call.
func runWorker(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) error {
	open, release := application.HeadlessStacks(application.StartOptions{Config: cfg})
	defer func() {
		if err := release(); err != nil {
			log.WithError(err).Warn("unable to release worker connector stack")
		}
	}()
	return rpc.ServeWorker(ctx, in, out, application.WorkerMux(open).Serve)
}

func runMigrateUp(_ context.Context, cfg config.Config) error {
	gdb, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	log.WithField("db", cfg.DBPath).Info("migrations applied")
	return sqlDB.Close()
}

func openConnectors(ctx context.Context, cfg config.Config) (command.Connectors, func() error, error) {
	app, err := application.StartApplication(ctx, application.StartOptions{Config: cfg, Headless: true})
	if err != nil {
		return nil, nil, err
	}
	return app.Connectors(), func() error { return app.Shutdown(context.Background()) }, nil
}
