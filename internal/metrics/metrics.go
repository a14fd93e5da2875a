// Package metrics exposes ledger and HTTP counters in Prometheus format.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Recorder struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	entries    *prometheus.CounterVec
	breaches   prometheus.Counter
	batches    prometheus.Gauge
	headIndex  prometheus.Gauge
	exports    *prometheus.CounterVec
	requests   *prometheus.HistogramVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coldchain",
			Name:      "operations_total",
			Help:      "Ledger operations by name and outcome.",
		}, []string{"op", "outcome"}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coldchain",
			Name:      "audit_entries_total",
			Help:      "Audit entries appended, by kind.",
		}, []string{"kind"}),
		breaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coldchain",
			Name:      "breaches_total",
			Help:      "Readings above the safety threshold.",
		}),
		batches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coldchain",
			Name:      "batches",
			Help:      "Batches registered on the ledger.",
		}),
		headIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coldchain",
			Name:      "audit_head_index",
			Help:      "Index of the latest audit entry.",
		}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coldchain",
			Name:      "audit_exports_total",
			Help:      "Audit export attempts by outcome.",
		}, []string{"outcome"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coldchain",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.operations, r.entries, r.breaches, r.batches, r.headIndex, r.exports, r.requests,
	)
	return r
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Operation counts one ledger call; outcome is "ok" or the error code.
func (r *Recorder) Operation(op, outcome string) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(op, outcome).Inc()
}

func (r *Recorder) Entry(kind string) {
	if r == nil {
		return
	}
	r.entries.WithLabelValues(kind).Inc()
}

func (r *Recorder) Breach() {
	if r == nil {
		return
	}
	r.breaches.Inc()
}

// Ledger records the current batch count and audit head.
func (r *Recorder) Ledger(batches uint64, head int64) {
	if r == nil {
		return
	}
	r.batches.Set(float64(batches))
	r.headIndex.Set(float64(head))
}

func (r *Recorder) Export(outcome string) {
	if r == nil {
		return
	}
	r.exports.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Request(method, route string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
