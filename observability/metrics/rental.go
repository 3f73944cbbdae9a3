package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RentalMetrics tracks the escrow RPC surface: request counts, failures by
// reason code and handler latency.
type RentalMetrics struct {
	requests  *prometheus.CounterVec
	failures  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	instances prometheus.Gauge
	tokenSend prometheus.Counter
}

var (
	rentalOnce     sync.Once
	rentalRegistry *RentalMetrics
)

func Rental() *RentalMetrics {
	rentalOnce.Do(func() {
		rentalRegistry = &RentalMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rental_rpc_requests_total",
				Help: "Count of JSON-RPC requests by method.",
			}, []string{"method"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rental_rpc_failures_total",
				Help: "Count of failed JSON-RPC requests by method and reason code.",
			}, []string{"method", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "rental_rpc_duration_seconds",
				Help:    "JSON-RPC handler latency by method.",
				Buckets: prometheus.DefBuckets,
			}, []string{"method"}),
			instances: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rental_instances_total",
				Help: "Number of escrow instances known to the store.",
			}),
			tokenSend: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rental_token_sends_total",
				Help: "Count of outbound token transfer instructions issued.",
			}),
		}
		prometheus.MustRegister(
			rentalRegistry.requests,
			rentalRegistry.failures,
			rentalRegistry.latency,
			rentalRegistry.instances,
			rentalRegistry.tokenSend,
		)
	})
	return rentalRegistry
}

func (m *RentalMetrics) ObserveRequest(method string, start time.Time) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	m.requests.WithLabelValues(method).Inc()
	m.latency.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func (m *RentalMetrics) ObserveFailure(method, reason string) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	m.failures.WithLabelValues(method, reason).Inc()
}

func (m *RentalMetrics) SetInstanceCount(n int) {
	if m == nil {
		return
	}
	m.instances.Set(float64(n))
}

func (m *RentalMetrics) ObserveTokenSend() {
	if m == nil {
		return
	}
	m.tokenSend.Inc()
}
