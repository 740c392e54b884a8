package protocol

import (
	"encoding/json"

	"podlink/cli/internal/model"
)

const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

type Message struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload"`
	Error   *ErrPayload     `json:"error,omitempty"`
}

type ErrPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func MustRaw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// Reply answers req with payload.
func Reply(req Message, payload any) Message {
	return Message{ID: req.ID, Type: TypeResponse, Op: req.Op, Payload: MustRaw(payload)}
}

// Fail answers req with err. Typed errors keep their code.
func Fail(req Message, err error) Message {
	code := string(model.CodeOf(err))
	if code == "" {
		code = "internal"
	}
	return Message{ID: req.ID, Type: TypeResponse, Op: req.Op, Error: &ErrPayload{Code: code, Message: err.Error()}}
}

// Event is a server push without a request.
func Event(op string, payload any) Message {
	return Message{Type: TypeEvent, Op: op, Payload: MustRaw(payload)}
}
