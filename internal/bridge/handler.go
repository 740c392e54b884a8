package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"podlink/cli/internal/connector"
	"podlink/cli/internal/model"
	"podlink/cli/internal/protocol"
	"podlink/cli/internal/rpc"
	"podlink/cli/internal/transport"
)

type ConnectorService interface {
	GetConnectors(ctx context.Context) ([]model.Connector, error)
	GetCurrentConnector(ctx context.Context, preferredID string) (model.Connector, error)
	Connect(ctx context.Context, conn model.Connection, opts connector.ConnectOptions) (model.Connector, error)
	Disconnect(ctx context.Context, conn model.Connection, opts connector.DisconnectOptions) (bool, error)
	ControllerScopes(ctx context.Context, id string) ([]model.ControllerScope, error)
	StartScope(ctx context.Context, id, scope string) (bool, error)
	StopScope(ctx context.Context, id, scope string) (bool, error)
	FindProgram(ctx context.Context, id, program string, inScope bool) (model.Program, error)
	Refresh(ctx context.Context, id string) (model.Connector, error)
	CreateAPIRequest(ctx context.Context, opts connector.APIRequestOptions) (transport.Response, error)
}

type ConnectionService interface {
	ListConnections(ctx context.Context) ([]model.Connection, error)
	CreateConnection(ctx context.Context, conn model.Connection) (model.Connection, error)
	UpdateConnection(ctx context.Context, conn model.Connection) (model.Connection, error)
	RemoveConnection(ctx context.Context, id string) error
}

type SettingsService interface {
	ConnectorSettings(id string) (*model.EngineConnectorSettings, error)
	SetConnectorSettings(id string, settings model.EngineConnectorSettings) error
	StartAPI() bool
}

type Invoker interface {
	Invoke(ctx context.Context, payload, callContext json.RawMessage, opts rpc.InvokeOptions) (json.RawMessage, error)
}

type Services struct {
	Connectors  ConnectorService
	Connections ConnectionService
	Settings    SettingsService
	RPC         Invoker
	// Observe sees every handled op, e.g. for metrics.
	Observe func(op string, err error)
}

type Handler struct {
	svc Services
}

func NewHandler(svc Services) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Handle(ctx context.Context, msg protocol.Message) protocol.Message {
	out, err := h.dispatch(ctx, msg)
	if h.svc.Observe != nil {
		h.svc.Observe(msg.Op, err)
	}
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"op": msg.Op, "id": msg.ID}).Debug("bridge op failed")
		return protocol.Fail(msg, err)
	}
	return protocol.Reply(msg, out)
}

func errUnavailable(what string) error {
	return model.NewError(model.CodeInvalidArgument, what+" is not available", nil)
}

func (h *Handler) dispatch(ctx context.Context, msg protocol.Message) (any, error) {
	group, _, _ := strings.Cut(msg.Op, ".")
	switch group {
	case "connector", "scope", "program", "api":
		if h.svc.Connectors == nil && !strings.HasPrefix(msg.Op, "connector.settings.") {
			return nil, errUnavailable("connectors")
		}
	case "connection":
		if h.svc.Connections == nil {
			return nil, errUnavailable("connections")
		}
	case "rpc":
		if h.svc.RPC == nil {
			return nil, errUnavailable("rpc")
		}
	}

	switch msg.Op {
	case "connector.list":
		return h.svc.Connectors.GetConnectors(ctx)
	case "connector.current":
		var p struct {
			ID string `json:"id"`
		}
		if err := decode(msg, &p, false); err != nil {
			return nil, err
		}
		return h.svc.Connectors.GetCurrentConnector(ctx, p.ID)
	case "connector.refresh":
		var p struct {
			ID string `json:"id"`
		}
		if err := decode(msg, &p, true); err != nil {
			return nil, err
		}
		return h.svc.Connectors.Refresh(ctx, p.ID)
	case "connector.connect":
		var p struct {
			ID         string                         `json:"id"`
			Settings   *model.EngineConnectorSettings `json:"settings"`
			StartAPI   *bool                          `json:"startApi"`
			RetryCount int                            `json:"retryCount"`
			RetryWait  int                            `json:"retryWaitMs"`
		}
		if err := decode(msg, &p, true); err != nil {
			return nil, err
		}
		conn := model.Connection{ID: p.ID}
		if p.Settings != nil {
			conn.Settings = *p.Settings
		}
		opts := connector.ConnectOptions{}
		if p.StartAPI != nil {
			opts.StartAPI = *p.StartAPI
		} else if h.svc.Settings != nil {
			opts.StartAPI = h.svc.Settings.StartAPI()
		}
		if p.RetryCount > 0 {
			opts.Retry.Count = p.RetryCount
			opts.Retry.Wait = time.Duration(p.RetryWait) * time.Millisecond
		}
		return h.svc.Connectors.Connect(ctx, conn, opts)
	case "connector.disconnect":
		var p struct {
			ID      string `json:"id"`
			StopAPI bool   `json:"stopApi"`
		}
		if err := decode(msg, &p, true); err != nil {
			return nil, err
		}
		ok, err := h.svc.Connectors.Disconnect(ctx, model.Connection{ID: p.ID}, connector.DisconnectOptions{StopAPI: p.StopAPI})
		return map[string]bool{"disconnected": ok}, err
	case "connector.settings.get":
		if h.svc.Settings == nil {
			return nil, errUnavailable("settings")
		}
		var p struct {
			ID string `json:"id"`
		}
		if err := decode(msg, &p, true); err != nil {
			return nil, err
		}
		return h.svc.Settings.ConnectorSettings(p.ID)
	case "connector.settings.set":
		if h.svc.Settings == nil {
			return nil, errUnavailable("settings")
		}
		var p struct {
			ID       string                        `json:"id"`
			Settings model.EngineConnectorSettings `json:"settings"`
		}
		if err := decode(msg, &p, true); err != nil {
			return nil, err
		}
		if err := h.svc.Settings.SetConnectorSettings(p.ID, p.Settings); err != nil {
			return nil, err
		}
		if h.svc.Connectors != nil {
			return h.svc.Connectors.Refresh(ctx, p.ID)
		}
		return p.Settings, nil
	case "connection.list":
		return h.svc.Connections.ListConnections(ctx)
	case "connection.create":
		var conn model.Connection
		if err := decode(msg, &conn, false); err != nil {
			return nil, err
		}
		return h.svc.Connections.CreateConnection(ctx, conn)
	case "connection.update":
		var conn model.Connection
		if err := decode(msg, &conn, false); err != nil {
			return nil, err
		}
		if strings.TrimSpace(conn.ID) == "" {
			return nil, model.NewError(model.CodeInvalidArgument, "id is required", nil)
		}
		return h.svc.Connections.UpdateConnection(ctx, conn)
	case "connection.remove":
		var p struct {
			ID string `json:"id"`
		}
		if err := decode(msg, &p, true); err != nil {
			return nil, err
		}
		if err := h.svc.Connections.RemoveConnection(ctx, p.ID); err != nil {
			return nil, err
		}
		return map[string]bool{"removed": true}, nil
	case "scope.list":
		var p struct {
			ID string `json:"id"`
		}
		if err := decode(msg, &p, true); err != nil {
			return nil, err
		}
		return h.svc.Connectors.ControllerScopes(ctx, p.ID)
	case "scope.start", "scope.stop":
		var p struct {
			ID    string `json:"id"`
			Scope string `json:"scope"`
		}
		if err := decode(msg, &p, true); err != nil {
			return nil, err
		}
		var ok bool
		var err error
		if msg.Op == "scope.start" {
			ok, err = h.svc.Connectors.StartScope(ctx, p.ID, p.Scope)
		} else {
			ok, err = h.svc.Connectors.StopScope(ctx, p.ID, p.Scope)
		}
		return map[string]bool{"success": ok}, err
	case "program.find":
		var p struct {
			ID      string `json:"id"`
			Program string `json:"program"`
			InScope bool   `json:"insideScope"`
		}
		if err := decode(msg, &p, true); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Program) == "" {
			return nil, model.NewError(model.CodeInvalidArgument, "program is required", nil)
		}
		return h.svc.Connectors.FindProgram(ctx, p.ID, p.Program, p.InScope)
	case "api.request":
		var p struct {
			ConnectorID string `json:"id"`
			transport.Request
		}
		if err := decode(msg, &p, false); err != nil {
			return nil, err
		}
		return h.svc.Connectors.CreateAPIRequest(ctx, connector.APIRequestOptions{ConnectorID: p.ConnectorID, Request: p.Request})
	case "rpc.invoke":
		var p struct {
			Payload          json.RawMessage `json:"payload"`
			Context          json.RawMessage `json:"context"`
			MaxExecutionTime int             `json:"maxExecutionTime"`
			KeepAlive        bool            `json:"keepAlive"`
		}
		if err := decode(msg, &p, false); err != nil {
			return nil, err
		}
		return h.svc.RPC.Invoke(ctx, p.Payload, p.Context, rpc.InvokeOptions{
			MaxExecutionTime: time.Duration(p.MaxExecutionTime) * time.Millisecond,
			KeepAlive:        p.KeepAlive,
		})
	default:
		return nil, &model.Error{Code: "UNKNOWN_OP", Message: "unsupported op " + msg.Op}
	}
}

// decode reads msg's payload into v. needID rejects payloads without an "id".
func decode(msg protocol.Message, v any, needID bool) error {
	if len(msg.Payload) > 0 && string(msg.Payload) != "null" {
		if err := json.Unmarshal(msg.Payload, v); err != nil {
			return model.NewError(model.CodeInvalidArgument, "bad payload for "+msg.Op, err)
		}
	}
	if needID {
		var withID struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(msg.Payload, &withID)
		if strings.TrimSpace(withID.ID) == "" {
			return model.NewError(model.CodeInvalidArgument, "id is required", nil)
		}
	}
	return nil
}
