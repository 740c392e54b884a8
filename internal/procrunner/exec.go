package procrunner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"podlink/cli/internal/wrapper"
)

// Result describes one finished child process. A failed command is reported here, never as an error.
type Result struct {
	PID     int    `json:"pid"`
	Code    int    `json:"code"`
	Success bool   `json:"success"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Command string `json:"command"`
}

type Options struct {
	Wrapper *wrapper.Wrapper
	Env     []string
	Dir     string
	Stdin   io.Reader
}

// Process is a started child that has not been waited for yet.
type Process interface {
	PID() int
	Wait() Result
	Stop() error
	Kill() error
}

type Exec interface {
	Run(ctx context.Context, launcher string, args []string, opts Options) Result
	Start(ctx context.Context, launcher string, args []string, opts Options) (Process, error)
}

type RealExec struct{}

func (r *RealExec) Run(ctx context.Context, launcher string, args []string, opts Options) Result {
	launcher, args = wrapper.Apply(opts.Wrapper, launcher, args)
	cmd := buildCommand(ctx, launcher, args, opts)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Command: CommandLine(launcher, args),
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	finishResult(&res, cmd, err)
	log.WithFields(log.Fields{"command": res.Command, "code": res.Code, "success": res.Success}).Debug("command finished")
	return res
}

func (r *RealExec) Start(ctx context.Context, launcher string, args []string, opts Options) (Process, error) {
	launcher, args = wrapper.Apply(opts.Wrapper, launcher, args)
	// Services outlive the call that started them, ctx only bounds the spawn.
	cmd := buildCommand(context.WithoutCancel(ctx), launcher, args, opts)
	setSysProcAttr(cmd)
	p := &realProcess{cmd: cmd, command: CommandLine(launcher, args)}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", p.command)
	}
	log.WithFields(log.Fields{"command": p.command, "pid": cmd.Process.Pid}).Debug("service process started")
	return p, nil
}

func buildCommand(ctx context.Context, launcher string, args []string, opts Options) *exec.Cmd {
	cmd := exec.CommandContext(ctx, launcher, args...)
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Dir = opts.Dir
	cmd.Stdin = opts.Stdin
	return cmd
}

func finishResult(res *Result, cmd *exec.Cmd, err error) {
	if cmd.Process != nil {
		res.PID = cmd.Process.Pid
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Code = exitErr.ExitCode()
		} else {
			res.Code = -1
			msg := strings.TrimSpace(res.Stderr)
			if msg != "" {
				res.Stderr = fmt.Sprintf("%s\n%v", msg, err)
			} else {
				res.Stderr = err.Error()
			}
		}
	}
	res.Success = res.PID > 0 && res.Code == 0 && err == nil
}

// lockedBuffer lets the service poller read output while the child is still writing it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type realProcess struct {
	cmd     *exec.Cmd
	command string
	stdout  lockedBuffer
	stderr  lockedBuffer

	waitOnce sync.Once
	result   Result
}

func (p *realProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *realProcess) Wait() Result {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		res := Result{Command: p.command, Stdout: p.stdout.String(), Stderr: p.stderr.String()}
		finishResult(&res, p.cmd, err)
		p.result = res
	})
	return p.result
}

func (p *realProcess) Stop() error {
	return terminateProcess(p.cmd)
}

func (p *realProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return killTree(p.cmd.Process.Pid)
}

// CommandLine renders launcher and args the way they appear in logs and results.
func CommandLine(launcher string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, launcher)
	for _, arg := range args {
		if arg == "" || strings.ContainsAny(arg, " \t\"") {
			parts = append(parts, fmt.Sprintf("%q", arg))
			continue
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}
