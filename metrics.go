package xenblk

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xenblk/xenblk/internal/interfaces"
)

// Observer is the per-request accounting hook a Device's engine calls into;
// re-exported from internal/interfaces so callers never need to import it
// directly to implement a custom one.
type Observer = interfaces.Observer

// Metrics backs a Device's Observer with real Prometheus collectors, one
// registry per device so a process serving several devices can scrape them
// independently (or merge them — they're all plain *prometheus.Registry).
type Metrics struct {
	registry *prometheus.Registry

	requests   *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	queueDepth prometheus.Gauge
}

// NewMetrics creates a registered metrics set labeled with deviceID, so
// requests_total{device="3",op="read",result="ok"} etc. identify the
// device that produced it once scraped alongside others.
func NewMetrics(deviceID uint32) *Metrics {
	labels := prometheus.Labels{"device": fmt.Sprintf("%d", deviceID)}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "xenblk",
			Name:        "requests_total",
			Help:        "Ring requests completed, by operation and result.",
			ConstLabels: labels,
		}, []string{"op", "result"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "xenblk",
			Name:        "bytes_total",
			Help:        "Bytes transferred by successful requests, by operation.",
			ConstLabels: labels,
		}, []string{"op"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "xenblk",
			Name:        "request_latency_seconds",
			Help:        "Request latency from submit to completion, by operation.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1e-6, 10, 8), // 1us .. 10s
		}, []string{"op"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "xenblk",
			Name:        "queue_depth",
			Help:        "Most recently observed in-flight request count.",
			ConstLabels: labels,
		}),
	}
	m.registry.MustRegister(m.requests, m.bytes, m.latency, m.queueDepth)
	return m
}

// Registry returns this device's collector registry, for a caller to serve
// over promhttp or merge into a process-wide registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) record(op string, n uint64, latencyNs uint64, success bool) {
	result := "ok"
	if !success {
		result = "error"
	}
	m.requests.WithLabelValues(op, result).Inc()
	if success && n > 0 {
		m.bytes.WithLabelValues(op).Add(float64(n))
	}
	m.latency.WithLabelValues(op).Observe(float64(latencyNs) / 1e9)
}

func (m *Metrics) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	m.record("read", bytes, latencyNs, success)
}

func (m *Metrics) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	m.record("write", bytes, latencyNs, success)
}

func (m *Metrics) ObserveDiscard(bytes uint64, latencyNs uint64, success bool) {
	m.record("discard", bytes, latencyNs, success)
}

func (m *Metrics) ObserveFlush(latencyNs uint64, success bool) {
	m.record("flush", 0, latencyNs, success)
}

func (m *Metrics) ObserveQueueDepth(depth uint32) {
	m.queueDepth.Set(float64(depth))
}

// NoOpObserver discards every observation; pass it as Options.Observer
// to disable accounting.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)    {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool)   {}
func (NoOpObserver) ObserveDiscard(uint64, uint64, bool) {}
func (NoOpObserver) ObserveFlush(uint64, bool)           {}
func (NoOpObserver) ObserveQueueDepth(uint32)            {}

var (
	_ Observer = (*Metrics)(nil)
	_ Observer = NoOpObserver{}
)
