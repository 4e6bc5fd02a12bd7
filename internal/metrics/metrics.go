package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder counts account operations and HTTP requests on its own registry.
type Recorder struct {
	registry        *prometheus.Registry
	operations      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewRecorder registers the participa collectors plus the Go and process collectors.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	recorder := &Recorder{
		registry: registry,
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "participa_account_operations_total",
				Help: "Account operations by operation and result.",
			},
			[]string{"operation", "result"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "participa_http_request_duration_seconds",
				Help:    "HTTP request latency by route, method and status class.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
	}
	registry.MustRegister(
		recorder.operations,
		recorder.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return recorder
}

// Record counts one outcome of an account operation.
func (r *Recorder) Record(operation, result string) {
	r.operations.WithLabelValues(operation, result).Inc()
}

// ObserveRequest records the latency of one HTTP request.
func (r *Recorder) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	r.requestDuration.WithLabelValues(route, method, statusClass(status)).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
