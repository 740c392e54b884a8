package transport

import (
	"context"
	"net"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"podlink/cli/internal/procrunner"
)

// RelaySpec is one WSL relay: a named pipe on the host forwarded to a unix
// socket inside a distribution.
type RelaySpec struct {
	Pipe         string
	Distribution string
	Socket       string
	// WSL is the wsl.exe path, "wsl" when empty.
	WSL string
}

func (s RelaySpec) validate() error {
	switch {
	case strings.TrimSpace(s.Pipe) == "":
		return errors.New("relay pipe is not set")
	case strings.TrimSpace(s.Distribution) == "":
		return errors.New("relay distribution is not set")
	case strings.TrimSpace(s.Socket) == "":
		return errors.New("relay socket is not set")
	}
	return nil
}

// Args are the `relay wsl` flags understood by ServeWSLRelay's command.
func (s RelaySpec) Args() []string {
	args := []string{"--pipe", s.Pipe, "--distribution", s.Distribution, "--socket", s.Socket}
	if s.WSL != "" {
		args = append(args, "--wsl", s.WSL)
	}
	return args
}

// RelayLauncher runs relays as background services of this executable.
type RelayLauncher struct {
	Exec    procrunner.Exec
	Program string
	// Prefix is prepended to RelaySpec.Args, e.g. the `relay wsl` subcommand.
	Prefix []string
	Retry  procrunner.Retry
}

// Start launches the relay and polls the pipe until it answers a ping.
func (l *RelayLauncher) Start(ctx context.Context, spec RelaySpec, baseURL string) (*procrunner.Service, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	target := Target{BaseURL: baseURL, Kind: KindPipe, NamedPipePath: normalizePipe(spec.Pipe)}
	client := HTTPClient(target)
	args := append(append([]string{}, l.Prefix...), spec.Args()...)
	log.WithFields(log.Fields{"pipe": spec.Pipe, "distribution": spec.Distribution, "socket": spec.Socket}).Info("starting wsl relay")
	svc := procrunner.RunService(ctx, l.Exec, l.Program, args, procrunner.ServiceOptions{
		CheckStatus: func(ctx context.Context) bool { return PingTarget(ctx, client, target) == nil },
		Retry:       l.Retry,
	})
	state, err := svc.Wait(ctx)
	if state != procrunner.StateReady {
		_ = svc.Stop()
		if err == nil {
			err = errors.Errorf("relay %s did not become ready", spec.Pipe)
		}
		return nil, errors.Wrap(err, "start wsl relay")
	}
	return svc, nil
}

// ServeWSLRelay accepts on the pipe and bridges every connection to the socket
// inside the distribution through `socat`.
func ServeWSLRelay(ctx context.Context, spec RelaySpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	wsl := spec.WSL
	if wsl == "" {
		wsl = "wsl"
	}
	listener, err := listenPipe(normalizePipe(spec.Pipe))
	if err != nil {
		return errors.Wrapf(err, "listen on %s", spec.Pipe)
	}
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	log.WithFields(log.Fields{"pipe": spec.Pipe, "distribution": spec.Distribution}).Info("wsl relay listening")

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept relay connection")
		}
		wg.Add(1)
		go func(conn net.Conn) {
			defer wg.Done()
			bridgeToDistribution(ctx, conn, wsl, spec)
		}(conn)
	}
}

func bridgeToDistribution(ctx context.Context, conn net.Conn, wsl string, spec RelaySpec) {
	defer conn.Close()
	cmd := exec.CommandContext(ctx, wsl, "-d", spec.Distribution, "--exec", "socat", "-", "UNIX-CONNECT:"+spec.Socket)
	cmd.Stdin = conn
	cmd.Stdout = conn
	if err := cmd.Run(); err != nil && ctx.Err() == nil {
		log.WithError(err).WithField("distribution", spec.Distribution).Debug("relay connection closed with error")
	}
}
