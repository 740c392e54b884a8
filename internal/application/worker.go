package application

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"podlink/cli/internal/connector"
	"podlink/cli/internal/engine"
	"podlink/cli/internal/model"
	"podlink/cli/internal/rpc"
	"podlink/cli/internal/transport"
)

// WorkerIDEnv carries the worker id into `podlink worker` children.
const WorkerIDEnv = "PODLINK_WORKER_ID"

// Stack is the connector surface rpc worker methods call into.
type Stack interface {
	GetConnectors(ctx context.Context) ([]model.Connector, error)
	GetCurrentConnector(ctx context.Context, preferredID string) (model.Connector, error)
	Connect(ctx context.Context, conn model.Connection, opts connector.ConnectOptions) (model.Connector, error)
	Refresh(ctx context.Context, id string) (model.Connector, error)
	ControllerScopes(ctx context.Context, id string) ([]model.ControllerScope, error)
	StartScope(ctx context.Context, id, scope string) (bool, error)
	StopScope(ctx context.Context, id, scope string) (bool, error)
	FindProgram(ctx context.Context, id, program string, inScope bool) (model.Program, error)
	CreateAPIRequest(ctx context.Context, opts connector.APIRequestOptions) (transport.Response, error)
	SystemInfo(ctx context.Context, id string) (engine.SystemInfo, error)
}

// WorkerContext is the call context a caller may send with a worker call.
type WorkerContext struct {
	// OSType selects the host OS of stacks built by the factory.
	OSType model.OperatingSystem `json:"osType,omitempty"`
	// CurrentConnector is used when a method's params carry no id.
	CurrentConnector string `json:"currentConnector,omitempty"`
}

// StackFactory builds the connector stack of a worker. It is called on the
// first connector method and the stack is reused for the life of the mux,
// which is the life of the process for `podlink worker`.
type StackFactory func(ctx context.Context, wc WorkerContext) (Stack, error)

type pingResult struct {
	Pong     bool   `json:"pong"`
	Worker   string `json:"worker,omitempty"`
	PID      int    `json:"pid"`
	OS       string `json:"os"`
	UnixTime int64  `json:"time"`
}

// WorkerMux is the method table of rpc workers, shared by in-process workers
// and the `worker` command. A nil open leaves only the built-in methods usable.
func WorkerMux(open StackFactory) *rpc.Mux {
	mux := rpc.NewMux()
	mux.Handle("ping", func(context.Context, json.RawMessage, json.RawMessage) (any, error) {
		return pingResult{
			Pong:     true,
			Worker:   os.Getenv(WorkerIDEnv),
			PID:      os.Getpid(),
			OS:       runtime.GOOS,
			UnixTime: time.Now().Unix(),
		}, nil
	})
	mux.Handle("echo", func(_ context.Context, params, _ json.RawMessage) (any, error) {
		if len(params) == 0 {
			return json.RawMessage("null"), nil
		}
		return params, nil
	})
	mux.Handle("context", func(_ context.Context, _, callContext json.RawMessage) (any, error) {
		if len(callContext) == 0 {
			return json.RawMessage("null"), nil
		}
		return callContext, nil
	})
	mux.Handle("sleep", func(ctx context.Context, params, _ json.RawMessage) (any, error) {
		var in struct {
			MS int `json:"ms"`
		}
		if err := decodeParams(params, &in); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(in.MS) * time.Millisecond):
		}
		return map[string]int{"slept": in.MS}, nil
	})
	registerStackMethods(mux, &stackCache{open: open})
	return mux
}

type stackCache struct {
	open  StackFactory
	mu    sync.Mutex
	stack Stack
}

// get decodes the call context and returns the worker's stack, building it
// on first use. A failed build is retried by the next call.
func (c *stackCache) get(ctx context.Context, callContext json.RawMessage) (Stack, WorkerContext, error) {
	var wc WorkerContext
	if err := decodeParams(callContext, &wc); err != nil {
		return nil, wc, model.NewError(model.CodeInvalidArgument, "call context is not a worker context", err)
	}
	if c.open == nil {
		return nil, wc, model.NewError(model.CodeInvalidArgument, "connectors are not available in this worker", nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stack == nil {
		stack, err := c.open(ctx, wc)
		if err != nil {
			return nil, wc, err
		}
		c.stack = stack
		log.WithField("osType", wc.OSType).Debug("worker connector stack ready")
	}
	return c.stack, wc, nil
}

type stackMethod func(ctx context.Context, s Stack, wc WorkerContext, params json.RawMessage) (any, error)

func registerStackMethods(mux *rpc.Mux, cache *stackCache) {
	handle := func(method string, fn stackMethod) {
		mux.Handle(method, func(ctx context.Context, params, callContext json.RawMessage) (any, error) {
			s, wc, err := cache.get(ctx, callContext)
			if err != nil {
				return nil, err
			}
			return fn(ctx, s, wc, params)
		})
	}

	handle("connector.list", func(ctx context.Context, s Stack, _ WorkerContext, _ json.RawMessage) (any, error) {
		return s.GetConnectors(ctx)
	})
	handle("connector.current", func(ctx context.Context, s Stack, wc WorkerContext, params json.RawMessage) (any, error) {
		var p idParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.GetCurrentConnector(ctx, p.or(wc))
	})
	handle("connector.connect", func(ctx context.Context, s Stack, wc WorkerContext, params json.RawMessage) (any, error) {
		var p struct {
			idParams
			Settings   *model.EngineConnectorSettings `json:"settings"`
			StartAPI   bool                           `json:"startApi"`
			RetryCount int                            `json:"retryCount"`
			RetryWait  int                            `json:"retryWaitMs"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		id, err := p.require(wc)
		if err != nil {
			return nil, err
		}
		conn := model.Connection{ID: id}
		if p.Settings != nil {
			conn.Settings = *p.Settings
		}
		opts := connector.ConnectOptions{StartAPI: p.StartAPI}
		if p.RetryCount > 0 {
			opts.Retry.Count = p.RetryCount
			opts.Retry.Wait = time.Duration(p.RetryWait) * time.Millisecond
		}
		return s.Connect(ctx, conn, opts)
	})
	handle("connector.refresh", func(ctx context.Context, s Stack, wc WorkerContext, params json.RawMessage) (any, error) {
		var p idParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		id, err := p.require(wc)
		if err != nil {
			return nil, err
		}
		return s.Refresh(ctx, id)
	})
	handle("scope.list", func(ctx context.Context, s Stack, wc WorkerContext, params json.RawMessage) (any, error) {
		var p idParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		id, err := p.require(wc)
		if err != nil {
			return nil, err
		}
		return s.ControllerScopes(ctx, id)
	})
	scopeAction := func(start bool) stackMethod {
		return func(ctx context.Context, s Stack, wc WorkerContext, params json.RawMessage) (any, error) {
			var p struct {
				idParams
				Scope string `json:"scope"`
			}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			id, err := p.require(wc)
			if err != nil {
				return nil, err
			}
			var ok bool
			if start {
				ok, err = s.StartScope(ctx, id, p.Scope)
			} else {
				ok, err = s.StopScope(ctx, id, p.Scope)
			}
			return map[string]bool{"success": ok}, err
		}
	}
	handle("scope.start", scopeAction(true))
	handle("scope.stop", scopeAction(false))
	handle("program.find", func(ctx context.Context, s Stack, wc WorkerContext, params json.RawMessage) (any, error) {
		var p struct {
			idParams
			Program string `json:"program"`
			InScope bool   `json:"insideScope"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		id, err := p.require(wc)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Program) == "" {
			return nil, model.NewError(model.CodeInvalidArgument, "program is required", nil)
		}
		return s.FindProgram(ctx, id, p.Program, p.InScope)
	})
	handle("api.request", func(ctx context.Context, s Stack, wc WorkerContext, params json.RawMessage) (any, error) {
		var p struct {
			idParams
			transport.Request
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.CreateAPIRequest(ctx, connector.APIRequestOptions{ConnectorID: p.or(wc), Request: p.Request})
	})
	handle("system.info", func(ctx context.Context, s Stack, wc WorkerContext, params json.RawMessage) (any, error) {
		var p idParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		id, err := p.require(wc)
		if err != nil {
			return nil, err
		}
		return s.SystemInfo(ctx, id)
	})
}

type idParams struct {
	ID string `json:"id"`
}

// or falls back to the call context's current connector.
func (p idParams) or(wc WorkerContext) string {
	if id := strings.TrimSpace(p.ID); id != "" {
		return id
	}
	return strings.TrimSpace(wc.CurrentConnector)
}

func (p idParams) require(wc WorkerContext) (string, error) {
	id := p.or(wc)
	if id == "" {
		return "", model.NewError(model.CodeInvalidArgument, "id is required", nil)
	}
	return id, nil
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return model.NewError(model.CodeInvalidArgument, "bad params", err)
	}
	return nil
}

// HeadlessStacks builds worker stacks as headless applications from base.
// release shuts down every application open built.
func HeadlessStacks(base StartOptions) (open StackFactory, release func() error) {
	var mu sync.Mutex
	var apps []*Application
	open = func(ctx context.Context, wc WorkerContext) (Stack, error) {
		opts := base
		opts.Headless = true
		if opts.Env.OS == "" {
			opts.Env = engine.CurrentEnvironment()
		}
		if wc.OSType != "" {
			opts.Env.OS = wc.OSType
		}
		app, err := StartApplication(ctx, opts)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		apps = append(apps, app)
		mu.Unlock()
		return app.Connectors(), nil
	}
	release = func() error {
		mu.Lock()
		built := apps
		apps = nil
		mu.Unlock()
		var first error
		for _, app := range built {
			if err := app.Shutdown(context.Background()); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	return open, release
}
