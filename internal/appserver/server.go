package appserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"podlink/cli/internal/bridge"
	"podlink/cli/internal/metrics"
	"podlink/cli/internal/model"
)

type ConnectorLister interface {
	GetConnectors(ctx context.Context) ([]model.Connector, error)
	GetCurrentConnector(ctx context.Context, preferredID string) (model.Connector, error)
}

type Deps struct {
	Bridge     *bridge.Handler
	Connectors ConnectorLister
	Metrics    *metrics.Metrics
}

type Server struct {
	deps   Deps
	engine *gin.Engine
	hub    *Hub
}

func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{deps: deps, engine: gin.New(), hub: NewHub(deps.Bridge)}
	s.engine.Use(gin.Recovery())
	if deps.Metrics != nil {
		s.engine.Use(deps.Metrics.Middleware())
		s.engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "data": gin.H{"service": "podlink", "status": "ok"}})
	})
	api := s.engine.Group("/api/v1")
	api.GET("/connectors", s.listConnectors)
	api.GET("/connectors/current", s.currentConnector)
	s.engine.GET("/ws", gin.WrapH(s.hub))
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Hub is the websocket hub, used to push events to every client.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) listConnectors(c *gin.Context) {
	if s.deps.Connectors == nil {
		writeError(c, http.StatusServiceUnavailable, model.NewError(model.CodeInvalidArgument, "connectors are not available", nil))
		return
	}
	list, err := s.deps.Connectors.GetConnectors(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveConnectors(list)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": list})
}

func (s *Server) currentConnector(c *gin.Context) {
	if s.deps.Connectors == nil {
		writeError(c, http.StatusServiceUnavailable, model.NewError(model.CodeInvalidArgument, "connectors are not available", nil))
		return
	}
	cur, err := s.deps.Connectors.GetCurrentConnector(c.Request.Context(), c.Query("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, model.ErrConnectorNotFound) {
			status = http.StatusNotFound
		}
		writeError(c, status, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": cur})
}

func writeError(c *gin.Context, status int, err error) {
	code := string(model.CodeOf(err))
	if code == "" {
		code = "internal"
	}
	c.JSON(status, gin.H{"ok": false, "error": gin.H{"code": code, "message": err.Error()}})
}

// Serve runs the server on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.WithField("addr", ln.Addr().String()).Info("bridge server listening")
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
