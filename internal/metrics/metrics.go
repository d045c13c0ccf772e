// Package metrics exposes the store's Prometheus instrumentation:
// queue depth, poller batch size, operation latency, and hit/miss/error
// counters per storage tier (pmem, disk, remote).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Tier names used to label the hit/miss/error counters and latency
// histograms below.
const (
	TierPmem   = "pmem"
	TierDisk   = "disk"
	TierRemote = "remote"
)

// Set is the full collection of metrics one Store registers. A Set is
// safe for concurrent use by every poller, the DHT client/server, and
// the façade.
type Set struct {
	Hits    *prometheus.CounterVec
	Misses  *prometheus.CounterVec
	Errors  *prometheus.CounterVec
	Latency *prometheus.HistogramVec

	QueueDepth *prometheus.GaugeVec
	BatchSize  *prometheus.HistogramVec

	OffloadMaxLBA prometheus.Gauge
	ReadyQueueLen prometheus.Gauge
}

// NewSet builds a Set and registers it against reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the default
// registry; pass prometheus.DefaultRegisterer in production.
func NewSet(reg prometheus.Registerer, namespace string) *Set {
	s := &Set{
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "hits_total", Help: "Successful lookups per storage tier.",
		}, []string{"tier"}),
		Misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "misses_total", Help: "Key-not-found lookups per storage tier.",
		}, []string{"tier"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total", Help: "Non-OK, non-KeyNotFound completions per operation.",
		}, []string{"op"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "op_latency_seconds", Help: "Operation latency by op and tier.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "tier"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth", Help: "Pending requests per poller ring.",
		}, []string{"poller"}),
		BatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "poller_batch_size", Help: "Items drained per poller tick.",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		}, []string{"poller"}),
		OffloadMaxLBA: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "offload_max_lba", Help: "Offload free-list high-water mark.",
		}),
		ReadyQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ready_queue_len", Help: "Primary-key ready queue depth.",
		}),
	}
	reg.MustRegister(s.Hits, s.Misses, s.Errors, s.Latency, s.QueueDepth, s.BatchSize, s.OffloadMaxLBA, s.ReadyQueueLen)
	return s
}

// ObserveLatency records d against op/tier.
func (s *Set) ObserveLatency(op, tier string, d time.Duration) {
	s.Latency.WithLabelValues(op, tier).Observe(d.Seconds())
}

// RecordHit increments the tier's hit counter.
func (s *Set) RecordHit(tier string) { s.Hits.WithLabelValues(tier).Inc() }

// RecordMiss increments the tier's miss counter.
func (s *Set) RecordMiss(tier string) { s.Misses.WithLabelValues(tier).Inc() }

// RecordError increments op's error counter.
func (s *Set) RecordError(op string) { s.Errors.WithLabelValues(op).Inc() }

// SetQueueDepth updates the gauge for poller.
func (s *Set) SetQueueDepth(poller string, n int) {
	s.QueueDepth.WithLabelValues(poller).Set(float64(n))
}

// ObserveBatch records a poller tick's batch size.
func (s *Set) ObserveBatch(poller string, n int) {
	s.BatchSize.WithLabelValues(poller).Observe(float64(n))
}
