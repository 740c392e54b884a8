package rpc

import (
	"encoding/json"
	"fmt"
	"time"
)

// CallState tracks one invocation across the worker boundary.
type CallState string

const (
	StateCreated     CallState = "created"
	StateSent        CallState = "sent"
	StateResolved    CallState = "resolved"
	StateTimedOut    CallState = "timed_out"
	StateWorkerError CallState = "worker_error"
)

// Request is posted to the worker.
type Request struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
	Context json.RawMessage `json:"context,omitempty"`
}

// Response is posted back by the worker, exactly one of Result or Fault is set.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Fault  *Fault          `json:"fault,omitempty"`
}

// Fault is a worker-side failure in serialized form.
type Fault struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (f *Fault) Error() string {
	if f.Code != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Message)
	}
	return f.Message
}

// Call is what observers see of an invocation.
type Call struct {
	ID       string
	WorkerID string
	State    CallState
	Started  time.Time
	Duration time.Duration
}

// Envelope is the payload understood by Mux.
type Envelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func NewEnvelope(method string, params any) (json.RawMessage, error) {
	env := Envelope{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		env.Params = raw
	}
	return json.Marshal(env)
}
