package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"podlink/cli/internal/model"
)

// Worker is an isolated execution context. Send posts one request, results
// arrive on Responses until the worker is terminated.
type Worker interface {
	ID() string
	Send(req Request) error
	Responses() <-chan Response
	Terminate() error
}

// WorkerFactory creates a worker with the given identity.
type WorkerFactory func(id string) (Worker, error)

// Handler serves one request inside a worker.
type Handler func(ctx context.Context, req Request) (json.RawMessage, error)

// goroutineWorker runs requests on its own goroutine and context. Terminate
// cancels the context, panics come back as faults.
type goroutineWorker struct {
	id      string
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	in      chan Request
	out     chan Response

	once sync.Once
}

// InProcess returns a factory of goroutine workers serving handler.
func InProcess(handler Handler) WorkerFactory {
	return func(id string) (Worker, error) {
		ctx, cancel := context.WithCancel(context.Background())
		w := &goroutineWorker{
			id:      id,
			handler: handler,
			ctx:     ctx,
			cancel:  cancel,
			in:      make(chan Request, 1),
			out:     make(chan Response, 1),
		}
		go w.loop()
		return w, nil
	}
}

func (w *goroutineWorker) ID() string { return w.id }

func (w *goroutineWorker) Send(req Request) error {
	select {
	case <-w.ctx.Done():
		return model.NewError(model.CodeRPCWorkerFault, "worker is terminated", nil)
	case w.in <- req:
		return nil
	}
}

func (w *goroutineWorker) Responses() <-chan Response { return w.out }

func (w *goroutineWorker) Terminate() error {
	w.once.Do(w.cancel)
	return nil
}

func (w *goroutineWorker) loop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case req := <-w.in:
			resp := serve(w.ctx, w.handler, req)
			select {
			case w.out <- resp:
			case <-w.ctx.Done():
				return
			}
		}
	}
}

// serve runs handler and converts errors and panics into faults.
func serve(ctx context.Context, handler Handler, req Request) (resp Response) {
	resp.ID = req.ID
	defer func() {
		if p := recover(); p != nil {
			log.WithField("call", req.ID).Errorf("worker handler panicked: %v", p)
			resp.Result = nil
			resp.Fault = &Fault{Message: fmt.Sprint(p), Code: string(model.CodeRPCWorkerFault)}
		}
	}()
	result, err := handler(ctx, req)
	if err != nil {
		code := model.CodeOf(err)
		resp.Fault = &Fault{Message: faultMessage(err, code), Code: string(code)}
		return resp
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	resp.Result = result
	return resp
}

// faultMessage drops the leading code, Fault.Error adds it back.
func faultMessage(err error, code model.ErrorCode) string {
	msg := err.Error()
	if code != "" {
		msg = strings.TrimPrefix(msg, string(code)+": ")
	}
	return msg
}
