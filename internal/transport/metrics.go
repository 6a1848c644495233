package transport

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the HTTP metrics.
//
//   - syncflow_http_requests_total{route, status}
//   - syncflow_http_request_duration_seconds{route}
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics returns the process-wide HTTP metrics, registering them on
// first use.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "syncflow_http_requests_total",
				Help: "HTTP requests by route and status code.",
			}, []string{"route", "status"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "syncflow_http_request_duration_seconds",
				Help:    "HTTP request latency by route, including time spent waiting for rules to respond.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			}, []string{"route"}),
		}
	})
	return globalMetrics
}

// observe records one request. route is the matched route pattern, not
// the raw path, so label cardinality stays bounded.
func (m *Metrics) observe(route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}
