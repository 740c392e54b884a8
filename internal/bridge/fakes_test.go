package bridge

import (
	"context"
	"encoding/json"

	"podlink/cli/internal/connector"
	"podlink/cli/internal/model"
	"podlink/cli/internal/rpc"
	"podlink/cli/internal/transport"
)

type FakeConnectors struct {
	List        []model.Connector
	Connected   model.Connection
	ConnectOpts connector.ConnectOptions
	Disconnects []string
	ScopeCalls  []string
	Programs    map[string]model.Program
	Requests    []connector.APIRequestOptions
	Refreshed   []string
	Err         error
}

func (f *FakeConnectors) GetConnectors(context.Context) ([]model.Connector, error) {
	return f.List, f.Err
}

func (f *FakeConnectors) GetCurrentConnector(_ context.Context, preferredID string) (model.Connector, error) {
	for _, c := range f.List {
		if c.ID == preferredID {
			return c, nil
		}
	}
	if len(f.List) == 0 {
		return model.Connector{}, model.NewError(model.CodeConnectorNotFound, "no connectors", nil)
	}
	return f.List[0], nil
}

func (f *FakeConnectors) Connect(_ context.Context, conn model.Connection, opts connector.ConnectOptions) (model.Connector, error) {
	f.Connected = conn
	f.ConnectOpts = opts
	return model.Connector{Connection: conn}, f.Err
}

func (f *FakeConnectors) Disconnect(_ context.Context, conn model.Connection, _ connector.DisconnectOptions) (bool, error) {
	f.Disconnects = append(f.Disconnects, conn.ID)
	return true, f.Err
}

func (f *FakeConnectors) ControllerScopes(context.Context, string) ([]model.ControllerScope, error) {
	return []model.ControllerScope{{Type: model.ScopeWSLDistribution, Name: "Ubuntu-20.04", Usable: true}}, f.Err
}

func (f *FakeConnectors) StartScope(_ context.Context, id, scope string) (bool, error) {
	f.ScopeCalls = append(f.ScopeCalls, "start:"+id+":"+scope)
	return true, f.Err
}

func (f *FakeConnectors) StopScope(_ context.Context, id, scope string) (bool, error) {
	f.ScopeCalls = append(f.ScopeCalls, "stop:"+id+":"+scope)
	return true, f.Err
}

func (f *FakeConnectors) FindProgram(_ context.Context, _ string, program string, inScope bool) (model.Program, error) {
	key := program
	if inScope {
		key = "scope:" + program
	}
	p, ok := f.Programs[key]
	if !ok {
		return model.Program{Name: program}, nil
	}
	return p, nil
}

func (f *FakeConnectors) Refresh(_ context.Context, id string) (model.Connector, error) {
	f.Refreshed = append(f.Refreshed, id)
	return model.Connector{Connection: model.Connection{ID: id}}, f.Err
}

func (f *FakeConnectors) CreateAPIRequest(_ context.Context, opts connector.APIRequestOptions) (transport.Response, error) {
	f.Requests = append(f.Requests, opts)
	return transport.Response{OK: true, Status: 200, StatusText: "OK", Data: json.RawMessage(`[]`)}, f.Err
}

type FakeConnections struct {
	Rows []model.Connection
}

func (f *FakeConnections) ListConnections(context.Context) ([]model.Connection, error) {
	return f.Rows, nil
}

func (f *FakeConnections) CreateConnection(_ context.Context, conn model.Connection) (model.Connection, error) {
	conn.ID = model.ConnectorID("host.test", conn.Engine)
	f.Rows = append(f.Rows, conn)
	return conn, nil
}

func (f *FakeConnections) UpdateConnection(_ context.Context, conn model.Connection) (model.Connection, error) {
	for i := range f.Rows {
		if f.Rows[i].ID == conn.ID {
			f.Rows[i] = conn
			return conn, nil
		}
	}
	return model.Connection{}, model.NewError(model.CodeConnectorNotFound, "no connection "+conn.ID, nil)
}

func (f *FakeConnections) RemoveConnection(_ context.Context, id string) error {
	for i := range f.Rows {
		if f.Rows[i].ID == id {
			f.Rows = append(f.Rows[:i], f.Rows[i+1:]...)
			return nil
		}
	}
	return model.NewError(model.CodeConnectorNotFound, "no connection "+id, nil)
}

type FakeSettings struct {
	Values   map[string]model.EngineConnectorSettings
	StartAll bool
}

func (f *FakeSettings) ConnectorSettings(id string) (*model.EngineConnectorSettings, error) {
	s, ok := f.Values[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *FakeSettings) SetConnectorSettings(id string, s model.EngineConnectorSettings) error {
	if f.Values == nil {
		f.Values = map[string]model.EngineConnectorSettings{}
	}
	f.Values[id] = s
	return nil
}

func (f *FakeSettings) StartAPI() bool { return f.StartAll }

type FakeInvoker struct {
	Last rpc.InvokeOptions
	Err  error
}

func (f *FakeInvoker) Invoke(_ context.Context, payload, _ json.RawMessage, opts rpc.InvokeOptions) (json.RawMessage, error) {
	f.Last = opts
	return payload, f.Err
}
