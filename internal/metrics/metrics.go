// Package metrics exposes Prometheus instrumentation for the store.
//
// A Metrics value is always usable. Collectors are only registered when a
// Registerer is supplied, so tests and library users pay nothing for them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "buildcas"

// Metrics groups every collector used by the store.
type Metrics struct {
	LocalReads      *prometheus.CounterVec
	LocalWrites     *prometheus.CounterVec
	LocalBytes      *prometheus.GaugeVec
	Corruptions     *prometheus.CounterVec
	RemoteRequests  *prometheus.CounterVec
	RemoteDuration  *prometheus.HistogramVec
	RemoteBytes     *prometheus.CounterVec
	RemoteRetries   prometheus.Counter
	FlightJoins     prometheus.Counter
	GCRuns          *prometheus.CounterVec
	GCEvictedBytes  prometheus.Counter
	GCEvictedBlobs  prometheus.Counter
	QuotaRejections prometheus.Counter
}

// New creates the collectors and registers them with reg when reg is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LocalReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "local", Name: "reads_total",
			Help: "Local store lookups by result (hit, miss, corrupt).",
		}, []string{"result"}),
		LocalWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "local", Name: "writes_total",
			Help: "Local store writes by result (stored, exists, rejected).",
		}, []string{"result"}),
		LocalBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "local", Name: "bytes",
			Help: "Bytes of content held per shard.",
		}, []string{"shard"}),
		Corruptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "corruptions_total",
			Help: "Digest verification failures by tier.",
		}, []string{"tier"}),
		RemoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "remote", Name: "requests_total",
			Help: "Remote attempts by operation and outcome.",
		}, []string{"op", "outcome"}),
		RemoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "remote", Name: "request_duration_seconds",
			Help:    "Duration of single remote attempts.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 1, 2.5, 10, 30},
		}, []string{"op"}),
		RemoteBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "remote", Name: "bytes_total",
			Help: "Bytes transferred by direction (download, upload).",
		}, []string{"direction"}),
		RemoteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "remote", Name: "retries_total",
			Help: "Remote attempts that were retried after a transient error.",
		}),
		FlightJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "flight_joins_total",
			Help: "Requests served by joining a fetch already in flight.",
		}),
		GCRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gc", Name: "runs_total",
			Help: "Eviction runs by trigger (admission, background, manual).",
		}, []string{"trigger"}),
		GCEvictedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gc", Name: "evicted_bytes_total",
			Help: "Bytes reclaimed by eviction.",
		}),
		GCEvictedBlobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gc", Name: "evicted_blobs_total",
			Help: "Blobs removed by eviction.",
		}),
		QuotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gc", Name: "quota_rejections_total",
			Help: "Writes rejected because no room could be made.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.LocalReads, m.LocalWrites, m.LocalBytes, m.Corruptions,
			m.RemoteRequests, m.RemoteDuration, m.RemoteBytes, m.RemoteRetries,
			m.FlightJoins, m.GCRuns, m.GCEvictedBytes, m.GCEvictedBlobs, m.QuotaRejections,
		)
	}
	return m
}

// OrDiscard returns m, or an unregistered instance when m is nil.
func OrDiscard(m *Metrics) *Metrics {
	if m == nil {
		return New(nil)
	}
	return m
}

// Handler serves the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
