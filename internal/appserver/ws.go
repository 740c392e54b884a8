package appserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"podlink/cli/internal/bridge"
	"podlink/cli/internal/model"
	"podlink/cli/internal/protocol"
)

const wsReadLimitBytes int64 = 4 << 20 // 4 MiB

type peerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Hub serves bridge requests over websocket. Requests of one client are
// handled concurrently, answers carry the request id.
type Hub struct {
	handler *bridge.Handler

	mu    sync.Mutex
	peers map[*peerConn]struct{}
}

func NewHub(h *bridge.Handler) *Hub {
	return &Hub{handler: h, peers: map[*peerConn]struct{}{}}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimitBytes)
	defer conn.CloseNow()
	peer := &peerConn{conn: conn}
	h.attach(peer)
	defer h.detach(peer)

	var inflight sync.WaitGroup
	defer inflight.Wait()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.write(peer, protocol.Fail(protocol.Message{Type: protocol.TypeRequest}, model.NewError(model.CodeInvalidArgument, "bad message", err)))
			continue
		}
		if msg.Type != protocol.TypeRequest {
			continue
		}
		if h.handler == nil {
			h.write(peer, protocol.Fail(msg, model.NewError(model.CodeInvalidArgument, "bridge is not available", nil)))
			continue
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			h.write(peer, h.handler.Handle(ctx, msg))
		}()
	}
}

func (h *Hub) attach(p *peerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p] = struct{}{}
}

func (h *Hub) detach(p *peerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, p)
}

func (h *Hub) snapshot() []*peerConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*peerConn, 0, len(h.peers))
	for p := range h.peers {
		out = append(out, p)
	}
	return out
}

func (h *Hub) write(target *peerConn, msg protocol.Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		log.WithError(err).WithField("op", msg.Op).Warn("unable to encode bridge message")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	target.writeMu.Lock()
	defer target.writeMu.Unlock()
	_ = target.conn.Write(ctx, websocket.MessageText, raw)
}

// Publish pushes an event to every connected client.
func (h *Hub) Publish(op string, payload any) {
	if h == nil {
		return
	}
	msg := protocol.Event(op, payload)
	for _, p := range h.snapshot() {
		h.write(p, msg)
	}
}

// Clients counts connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *Hub) CloseAll() {
	for _, p := range h.snapshot() {
		_ = p.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
