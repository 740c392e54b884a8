package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"podlink/cli/internal/model"
)

const DefaultMaxExecutionTime = 60 * time.Second

type InvokeOptions struct {
	// MaxExecutionTime bounds the call, DefaultMaxExecutionTime when zero.
	MaxExecutionTime time.Duration
	// KeepAlive reuses the worker for the next call.
	KeepAlive bool
}

type GatewayOptions struct {
	Factory WorkerFactory
	// MaxExecutionTime replaces DefaultMaxExecutionTime for calls without one.
	MaxExecutionTime time.Duration
	// Observer sees every state transition of every call.
	Observer func(Call)
}

// Gateway dispatches invocations to at most one worker at a time.
type Gateway struct {
	factory  WorkerFactory
	observer func(Call)
	budget   time.Duration

	slot    chan struct{}
	mu      sync.Mutex
	worker  Worker
	spawned atomic.Int64
	closed  atomic.Bool
}

func NewGateway(opts GatewayOptions) *Gateway {
	budget := opts.MaxExecutionTime
	if budget <= 0 {
		budget = DefaultMaxExecutionTime
	}
	return &Gateway{
		factory:  opts.Factory,
		observer: opts.Observer,
		budget:   budget,
		slot:     make(chan struct{}, 1),
	}
}

// Spawned counts the workers created so far.
func (g *Gateway) Spawned() int64 { return g.spawned.Load() }

// WorkerID is the identity of the live worker, "" when there is none.
func (g *Gateway) WorkerID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.worker == nil {
		return ""
	}
	return g.worker.ID()
}

func (g *Gateway) acquire(ctx context.Context) error {
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) release() { <-g.slot }

func (g *Gateway) ensureWorker() (Worker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.worker != nil {
		return g.worker, nil
	}
	if g.factory == nil {
		return nil, model.NewError(model.CodeRPCWorkerFault, "worker factory is not configured", nil)
	}
	w, err := g.factory("worker-" + uuid.NewString())
	if err != nil {
		return nil, model.NewError(model.CodeRPCWorkerFault, "unable to create worker", err)
	}
	g.spawned.Add(1)
	g.worker = w
	log.WithField("worker", w.ID()).Debug("rpc worker created")
	return w, nil
}

func (g *Gateway) terminate(w Worker) {
	g.mu.Lock()
	if g.worker == w {
		g.worker = nil
	}
	g.mu.Unlock()
	if err := w.Terminate(); err != nil {
		log.WithError(err).WithField("worker", w.ID()).Warn("unable to terminate rpc worker")
	}
}

func (g *Gateway) emit(c Call) {
	if g.observer != nil {
		g.observer(c)
	}
}

// Invoke posts payload to the worker and waits for its answer. A timeout
// terminates the worker, the next call gets a fresh one.
func (g *Gateway) Invoke(ctx context.Context, payload, callContext json.RawMessage, opts InvokeOptions) (json.RawMessage, error) {
	if g.closed.Load() {
		return nil, model.NewError(model.CodeRPCWorkerFault, "gateway is closed", nil)
	}
	budget := opts.MaxExecutionTime
	if budget <= 0 {
		budget = g.budget
	}
	// queued calls wait under the caller's ctx, the budget starts once posted
	if err := g.acquire(ctx); err != nil {
		return nil, model.NewError(model.CodeRPCTimeout, "Worker communication timeout", err)
	}
	defer g.release()
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	call := Call{ID: "rpc-" + uuid.NewString(), State: StateCreated, Started: time.Now()}
	g.emit(call)
	w, err := g.ensureWorker()
	if err != nil {
		call.State = StateWorkerError
		g.emit(call)
		return nil, err
	}
	call.WorkerID = w.ID()
	logger := log.WithFields(log.Fields{"call": call.ID, "worker": w.ID()})

	if err := w.Send(Request{ID: call.ID, Payload: payload, Context: callContext}); err != nil {
		g.terminate(w)
		call.State = StateWorkerError
		call.Duration = time.Since(call.Started)
		g.emit(call)
		return nil, model.NewError(model.CodeRPCWorkerFault, "unable to post to worker", err)
	}
	call.State = StateSent
	g.emit(call)

	for {
		select {
		case <-ctx.Done():
			logger.WithField("budget", budget).Warn("rpc call timed out, terminating worker")
			g.terminate(w)
			call.State = StateTimedOut
			call.Duration = time.Since(call.Started)
			g.emit(call)
			return nil, model.NewError(model.CodeRPCTimeout, "Worker communication timeout", ctx.Err())
		case resp, ok := <-w.Responses():
			if !ok {
				g.terminate(w)
				call.State = StateWorkerError
				call.Duration = time.Since(call.Started)
				g.emit(call)
				return nil, model.NewError(model.CodeRPCWorkerFault, "worker exited", nil)
			}
			if resp.ID != call.ID {
				// answer of an abandoned call
				logger.WithField("stale", resp.ID).Debug("dropping stale rpc response")
				continue
			}
			if !opts.KeepAlive {
				g.terminate(w)
			}
			call.Duration = time.Since(call.Started)
			if resp.Fault != nil {
				call.State = StateWorkerError
				g.emit(call)
				return nil, model.NewError(model.CodeRPCWorkerFault, "worker fault", resp.Fault)
			}
			call.State = StateResolved
			g.emit(call)
			return resp.Result, nil
		}
	}
}

// Close terminates the live worker and refuses further calls.
func (g *Gateway) Close() error {
	g.closed.Store(true)
	g.mu.Lock()
	w := g.worker
	g.worker = nil
	g.mu.Unlock()
	if w != nil {
		return w.Terminate()
	}
	return nil
}
