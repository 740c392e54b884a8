package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"podlink/cli/internal/model"
	"podlink/cli/internal/rpc"
)

const namespace = "podlink"

// Metrics owns one registry so tests and servers never share collectors.
type Metrics struct {
	Registry *prometheus.Registry

	rpcCalls         *prometheus.CounterVec
	rpcDuration      prometheus.Histogram
	connectorUp      *prometheus.GaugeVec
	bridgeOps        *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDurationSecs *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "RPC calls by final state",
		}, []string{"state"}),
		rpcDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_call_duration_seconds",
			Help:      "Duration of finished RPC calls",
			Buckets:   prometheus.DefBuckets,
		}),
		connectorUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connector_available",
			Help:      "Availability of each connector layer, 1 when available",
		}, []string{"connector", "engine", "layer"}),
		bridgeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_ops_total",
			Help:      "Bridge operations by result",
		}, []string{"op", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed",
		}, []string{"method", "path", "status"}),
		httpDurationSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	m.Registry.MustRegister(
		m.rpcCalls, m.rpcDuration, m.connectorUp, m.bridgeOps, m.httpRequests, m.httpDurationSecs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveCall is an rpc.Gateway observer. Only final states are counted.
func (m *Metrics) ObserveCall(c rpc.Call) {
	switch c.State {
	case rpc.StateResolved, rpc.StateTimedOut, rpc.StateWorkerError:
		m.rpcCalls.WithLabelValues(string(c.State)).Inc()
		m.rpcDuration.Observe(c.Duration.Seconds())
	}
}

func (m *Metrics) ObserveConnectors(list []model.Connector) {
	m.connectorUp.Reset()
	for _, c := range list {
		a := c.Availability
		engine := string(c.Engine)
		m.connectorUp.WithLabelValues(c.ID, engine, "engine").Set(boolValue(a.Engine))
		m.connectorUp.WithLabelValues(c.ID, engine, "program").Set(boolValue(a.Program))
		m.connectorUp.WithLabelValues(c.ID, engine, "api").Set(boolValue(a.API))
	}
}

func (m *Metrics) ObserveOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.bridgeOps.WithLabelValues(op, result).Inc()
}

// Middleware records request count and latency per route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDurationSecs.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func boolValue(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
