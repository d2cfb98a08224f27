package nodex

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/david-hosier/node.x/internal/pool"
)

var (
	clientRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodex_client_requests_total",
			Help: "Total number of client requests by final status",
		},
		[]string{"method", "status"},
	)

	clientPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nodex_client_pool_connections",
			Help: "Pooled client connections by state",
		},
		[]string{"state"},
	)

	clientPoolWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nodex_client_pool_waiters",
			Help: "Requests waiting for a pooled connection",
		},
	)

	clientDialFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nodex_client_dial_failures_total",
			Help: "Total number of failed connection attempts",
		},
	)

	serverRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodex_server_requests_total",
			Help: "Total number of server requests by response status",
		},
		[]string{"method", "status"},
	)

	serverRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nodex_server_request_duration_seconds",
			Help:    "Time from request head to response end in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	serverConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nodex_server_connections",
			Help: "Open server connections",
		},
	)

	websocketFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodex_websocket_frames_total",
			Help: "Websocket data frames by direction and opcode",
		},
		[]string{"direction", "opcode"},
	)
)

// poolGauges folds the occupancy of one pool into the shared gauges. Each
// pool reports absolute numbers, so only the difference is applied.
type poolGauges struct {
	mu   sync.Mutex
	last pool.Stats
}

func (g *poolGauges) observe(s pool.Stats) {
	g.mu.Lock()
	defer g.mu.Unlock()
	clientPoolConnections.WithLabelValues("in_use").Add(float64(s.InUse - g.last.InUse))
	clientPoolConnections.WithLabelValues("idle").Add(float64(s.Idle - g.last.Idle))
	clientPoolWaiters.Add(float64(s.Waiting - g.last.Waiting))
	g.last = s
}

func (g *poolGauges) reset() {
	g.observe(pool.Stats{})
}

func statusLabel(code int) string {
	if code == 0 {
		return "error"
	}
	return strconv.Itoa(code)
}

// MetricsHandler serves the metrics collected by gatherer in the Prometheus
// text format. A nil gatherer selects prometheus.DefaultGatherer.
func MetricsHandler(gatherer prometheus.Gatherer) RequestHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	return func(req *ServerRequest) {
		resp := req.Response()
		families, err := gatherer.Gather()
		if err != nil {
			req.conn.logger.Warn("gather metrics", zap.Error(err))
		}
		buf := bytebufferpool.Get()
		defer bytebufferpool.Put(buf)
		enc := expfmt.NewEncoder(buf, format)
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				_ = resp.SetStatusCode(500).EndWithString(err.Error())
				return
			}
		}
		_ = resp.PutHeader("Content-Type", string(format)).EndWith(buf.B)
	}
}
