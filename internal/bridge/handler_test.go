package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"podlink/cli/internal/model"
	"podlink/cli/internal/protocol"
)

func newHandler() (*Handler, *FakeConnectors, *FakeConnections, *FakeSettings, *FakeInvoker) {
	conns := &FakeConnectors{List: []model.Connector{
		{Connection: model.Connection{ID: "engine.default.podman.native", Engine: model.PodmanNative}},
		{Connection: model.Connection{ID: "engine.default.docker.native", Engine: model.DockerNative}},
	}}
	store := &FakeConnections{}
	settings := &FakeSettings{}
	inv := &FakeInvoker{}
	h := NewHandler(Services{Connectors: conns, Connections: store, Settings: settings, RPC: inv})
	return h, conns, store, settings, inv
}

func req(op string, payload any) protocol.Message {
	return protocol.Message{ID: "req_" + op, Type: protocol.TypeRequest, Op: op, Payload: protocol.MustRaw(payload)}
}

func TestHandle_ConnectorList(t *testing.T) {
	h, _, _, _, _ := newHandler()
	var ops []string
	h.svc.Observe = func(op string, err error) { ops = append(ops, op) }

	resp := h.Handle(context.Background(), protocol.Message{ID: "1", Type: "req", Op: "connector.list"})
	if resp.Type != "res" || resp.Op != "connector.list" || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	var list []model.Connector
	if err := json.Unmarshal(resp.Payload, &list); err != nil {
		t.Fatalf("unmarshal payload failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 connectors, got %d", len(list))
	}
	if len(ops) != 1 || ops[0] != "connector.list" {
		t.Fatalf("observer not called: %v", ops)
	}
}

func TestHandle_ConnectorCurrentHonoursPreference(t *testing.T) {
	h, _, _, _, _ := newHandler()
	resp := h.Handle(context.Background(), req("connector.current", map[string]string{"id": "engine.default.docker.native"}))
	var cur model.Connector
	if err := json.Unmarshal(resp.Payload, &cur); err != nil {
		t.Fatal(err)
	}
	if cur.ID != "engine.default.docker.native" {
		t.Fatalf("unexpected current connector: %s", cur.ID)
	}
}

func TestHandle_ConnectUsesGlobalStartAPIWhenUnset(t *testing.T) {
	h, conns, _, settings, _ := newHandler()
	settings.StartAll = true
	resp := h.Handle(context.Background(), req("connector.connect", map[string]any{
		"id":          "engine.default.podman.native",
		"retryCount":  2,
		"retryWaitMs": 5,
	}))
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if conns.Connected.ID != "engine.default.podman.native" {
		t.Fatalf("unexpected connection: %+v", conns.Connected)
	}
	if !conns.ConnectOpts.StartAPI {
		t.Fatal("startApi setting should apply")
	}
	if conns.ConnectOpts.Retry.Count != 2 || conns.ConnectOpts.Retry.Wait != 5*time.Millisecond {
		t.Fatalf("unexpected retry: %+v", conns.ConnectOpts.Retry)
	}

	h.Handle(context.Background(), req("connector.connect", map[string]any{"id": "engine.default.podman.native", "startApi": false}))
	if conns.ConnectOpts.StartAPI {
		t.Fatal("explicit startApi=false should win over settings")
	}
}

func TestHandle_MissingIDIsInvalidArgument(t *testing.T) {
	h, _, _, _, _ := newHandler()
	for _, op := range []string{"connector.connect", "connector.disconnect", "scope.list", "program.find", "connection.remove"} {
		resp := h.Handle(context.Background(), req(op, map[string]string{}))
		if resp.Error == nil || resp.Error.Code != string(model.CodeInvalidArgument) {
			t.Fatalf("%s: expected invalid argument, got %+v", op, resp.Error)
		}
	}
}

func TestHandle_SettingsSetRefreshesConnector(t *testing.T) {
	h, conns, _, settings, _ := newHandler()
	id := "engine.default.podman.native"
	resp := h.Handle(context.Background(), req("connector.settings.set", map[string]any{
		"id":       id,
		"settings": map[string]any{"program": map[string]string{"path": "/opt/podman"}},
	}))
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if settings.Values[id].Program.Path != "/opt/podman" {
		t.Fatalf("settings not stored: %+v", settings.Values)
	}
	if len(conns.Refreshed) != 1 || conns.Refreshed[0] != id {
		t.Fatalf("connector should be refreshed: %v", conns.Refreshed)
	}

	resp = h.Handle(context.Background(), req("connector.settings.get", map[string]string{"id": id}))
	var got model.EngineConnectorSettings
	if err := json.Unmarshal(resp.Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.Program.Path != "/opt/podman" {
		t.Fatalf("unexpected settings: %+v", got)
	}
}

func TestHandle_ConnectionCRUD(t *testing.T) {
	h, _, store, _, _ := newHandler()
	ctx := context.Background()

	resp := h.Handle(ctx, req("connection.create", model.Connection{Name: "remote", Engine: model.PodmanRemote}))
	if resp.Error != nil {
		t.Fatalf("create failed: %+v", resp.Error)
	}
	var created model.Connection
	_ = json.Unmarshal(resp.Payload, &created)
	if created.ID == "" || len(store.Rows) != 1 {
		t.Fatalf("unexpected create result: %+v", created)
	}

	created.Label = "Remote"
	if resp := h.Handle(ctx, req("connection.update", created)); resp.Error != nil {
		t.Fatalf("update failed: %+v", resp.Error)
	}
	if store.Rows[0].Label != "Remote" {
		t.Fatalf("update not applied: %+v", store.Rows[0])
	}
	if resp := h.Handle(ctx, req("connection.remove", map[string]string{"id": created.ID})); resp.Error != nil {
		t.Fatalf("remove failed: %+v", resp.Error)
	}
	resp = h.Handle(ctx, req("connection.remove", map[string]string{"id": created.ID}))
	if resp.Error == nil || resp.Error.Code != string(model.CodeConnectorNotFound) {
		t.Fatalf("expected not found, got %+v", resp.Error)
	}
}

func TestHandle_ScopesAndPrograms(t *testing.T) {
	h, conns, _, _, _ := newHandler()
	conns.Programs = map[string]model.Program{"scope:podman": {Name: "podman", Path: "/usr/bin/podman"}}
	ctx := context.Background()
	id := "engine.default.podman.virtualized.wsl"

	resp := h.Handle(ctx, req("scope.list", map[string]string{"id": id}))
	var scopes []model.ControllerScope
	_ = json.Unmarshal(resp.Payload, &scopes)
	if len(scopes) != 1 || scopes[0].Name != "Ubuntu-20.04" {
		t.Fatalf("unexpected scopes: %+v", scopes)
	}
	h.Handle(ctx, req("scope.start", map[string]string{"id": id, "scope": "Ubuntu-20.04"}))
	h.Handle(ctx, req("scope.stop", map[string]string{"id": id, "scope": "Ubuntu-20.04"}))
	if len(conns.ScopeCalls) != 2 || conns.ScopeCalls[0] != "start:"+id+":Ubuntu-20.04" || conns.ScopeCalls[1] != "stop:"+id+":Ubuntu-20.04" {
		t.Fatalf("unexpected scope calls: %v", conns.ScopeCalls)
	}

	resp = h.Handle(ctx, req("program.find", map[string]any{"id": id, "program": "podman", "insideScope": true}))
	var p model.Program
	_ = json.Unmarshal(resp.Payload, &p)
	if p.Path != "/usr/bin/podman" {
		t.Fatalf("unexpected program: %+v", p)
	}
}

func TestHandle_APIRequestDefaultsToCurrentConnector(t *testing.T) {
	h, conns, _, _, _ := newHandler()
	resp := h.Handle(context.Background(), req("api.request", map[string]any{"method": "GET", "url": "/containers/json"}))
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if len(conns.Requests) != 1 || conns.Requests[0].ConnectorID != "" || conns.Requests[0].Request.URL != "/containers/json" {
		t.Fatalf("unexpected request: %+v", conns.Requests)
	}
	var out struct {
		OK     bool `json:"ok"`
		Status int  `json:"status"`
	}
	_ = json.Unmarshal(resp.Payload, &out)
	if !out.OK || out.Status != 200 {
		t.Fatalf("unexpected response payload: %s", resp.Payload)
	}
}

func TestHandle_RPCInvokePassesOptions(t *testing.T) {
	h, _, _, _, inv := newHandler()
	resp := h.Handle(context.Background(), req("rpc.invoke", map[string]any{
		"payload":          map[string]any{"method": "ping"},
		"maxExecutionTime": 50,
		"keepAlive":        true,
	}))
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if inv.Last.MaxExecutionTime != 50*time.Millisecond || !inv.Last.KeepAlive {
		t.Fatalf("unexpected options: %+v", inv.Last)
	}
	if string(resp.Payload) != `{"method":"ping"}` {
		t.Fatalf("unexpected payload: %s", resp.Payload)
	}

	inv.Err = model.NewError(model.CodeRPCTimeout, "Worker communication timeout", nil)
	resp = h.Handle(context.Background(), req("rpc.invoke", map[string]any{"payload": 1}))
	if resp.Error == nil || resp.Error.Code != string(model.CodeRPCTimeout) {
		t.Fatalf("expected rpc timeout, got %+v", resp.Error)
	}
}

func TestHandle_UnknownOp(t *testing.T) {
	h, _, _, _, _ := newHandler()
	resp := h.Handle(context.Background(), protocol.Message{ID: "x", Type: "req", Op: "image.list"})
	if resp.Error == nil || resp.Error.Code != "UNKNOWN_OP" {
		t.Fatalf("expected UNKNOWN_OP, got %+v", resp.Error)
	}
}

func TestHandle_MissingServiceIsReported(t *testing.T) {
	h := NewHandler(Services{})
	resp := h.Handle(context.Background(), protocol.Message{ID: "x", Type: "req", Op: "rpc.invoke"})
	if resp.Error == nil || resp.Error.Code != string(model.CodeInvalidArgument) {
		t.Fatalf("expected unavailable error, got %+v", resp.Error)
	}
}
