package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"podlink/cli/internal/model"
)

// processWorker runs requests in a child process speaking JSON lines over
// stdin and stdout. Terminate kills the child.
type processWorker struct {
	id  string
	cmd *exec.Cmd

	mu   sync.Mutex
	enc  *json.Encoder
	in   io.WriteCloser
	out  chan Response
	done chan struct{}

	once sync.Once
}

// Subprocess returns a factory of child process workers. The child must run
// ServeWorker on its stdio, e.g. `podlink worker`.
func Subprocess(program string, args ...string) WorkerFactory {
	return func(id string) (Worker, error) {
		cmd := exec.Command(program, args...)
		cmd.Env = append(cmd.Environ(), "PODLINK_WORKER_ID="+id)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, errors.Wrap(err, "worker stdin")
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, errors.Wrap(err, "worker stdout")
		}
		if err := cmd.Start(); err != nil {
			return nil, errors.Wrapf(err, "start worker %s", program)
		}
		w := &processWorker{
			id:   id,
			cmd:  cmd,
			enc:  json.NewEncoder(stdin),
			in:   stdin,
			out:  make(chan Response, 1),
			done: make(chan struct{}),
		}
		go w.read(stdout)
		log.WithFields(log.Fields{"worker": id, "pid": cmd.Process.Pid}).Debug("rpc worker process started")
		return w, nil
	}
}

func (w *processWorker) ID() string { return w.id }

func (w *processWorker) Send(req Request) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(req)
}

func (w *processWorker) Responses() <-chan Response { return w.out }

func (w *processWorker) read(stdout io.Reader) {
	defer close(w.out)
	dec := json.NewDecoder(bufio.NewReader(stdout))
	for {
		var resp Response
		if err := dec.Decode(&resp); err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithError(err).WithField("worker", w.id).Debug("worker stream closed")
			}
			return
		}
		select {
		case w.out <- resp:
		case <-w.done:
			return
		}
	}
}

func (w *processWorker) Terminate() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		_ = w.in.Close()
		if w.cmd.Process != nil {
			err = w.cmd.Process.Kill()
		}
		go func() { _ = w.cmd.Wait() }()
	})
	return err
}

// ServeWorker is the child side of Subprocess. Requests are served one at a
// time until r is closed or ctx is done.
func ServeWorker(ctx context.Context, r io.Reader, w io.Writer, handler Handler) error {
	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return model.NewError(model.CodeRPCWorkerFault, "unable to decode request", err)
		}
		if err := enc.Encode(serve(ctx, handler, req)); err != nil {
			return errors.Wrap(err, "write response")
		}
	}
}
