package application

import (
	"net"

	"podlink/cli/internal/config"
	"podlink/cli/internal/engine"
	"podlink/cli/internal/procrunner"
	"podlink/cli/internal/rpc"
)

// StartOptions defines the inputs of the serve runtime. Zero values fall back
// to the real host.
type StartOptions struct {
	Config config.Config
	// Env replaces engine.CurrentEnvironment when its OS is set.
	Env  engine.Environment
	Exec procrunner.Exec
	// Listener is used instead of listening on Config.ListenHost:ListenPort.
	Listener net.Listener
	// SeedDefaults copies the first available podman and docker connector
	// into the connection store once per database.
	SeedDefaults bool
	// Worker creates rpc workers, in-process workers serving WorkerMux when nil.
	Worker rpc.WorkerFactory
	// Headless assembles the connector stack only, for one-shot commands.
	Headless bool
	// RelayProgram is the executable started for WSL relays, os.Executable when empty.
	RelayProgram string
}
