package rpc

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"podlink/cli/internal/model"
)

// MethodFunc serves one method. params may be empty.
type MethodFunc func(ctx context.Context, params, callContext json.RawMessage) (any, error)

// Mux routes Envelope payloads to methods.
type Mux struct {
	mu      sync.RWMutex
	methods map[string]MethodFunc
}

func NewMux() *Mux {
	return &Mux{methods: map[string]MethodFunc{}}
}

func (m *Mux) Handle(method string, fn MethodFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[method] = fn
}

func (m *Mux) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.methods))
	for k := range m.methods {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Serve is a Handler.
func (m *Mux) Serve(ctx context.Context, req Request) (json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(req.Payload, &env); err != nil {
		return nil, model.NewError(model.CodeInvalidArgument, "payload is not an rpc envelope", err)
	}
	m.mu.RLock()
	fn, ok := m.methods[env.Method]
	m.mu.RUnlock()
	if !ok {
		return nil, model.NewError(model.CodeInvalidArgument, "unknown method "+env.Method, nil)
	}
	out, err := fn(ctx, env.Params, req.Context)
	if err != nil {
		return nil, err
	}
	if raw, ok := out.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(out)
}
