// Package metrics exposes the query-serving core's Prometheus
// instrumentation, grounded on the teacher's api/grpc/middleware package,
// which registered counters and histograms around every RPC. Here the same
// client_golang primitives are used, but registration happens against an
// injected *prometheus.Registry rather than the teacher's package-level
// prometheus.MustRegister against the global default registry — the core
// has no control-plane singleton left to justify a global registry, and an
// injected one lets tests build disposable Metrics instances without
// colliding on global registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every gauge, counter, and histogram the core records.
type Metrics struct {
	QueriesTotal   *prometheus.CounterVec
	ResponseRcodes *prometheus.CounterVec
	RRLActions     *prometheus.CounterVec

	SnapshotSwapSeconds prometheus.Histogram
	GraceWaitSeconds    prometheus.Histogram

	QUICTableOccupancy prometheus.Gauge
	QUICHandshakes     *prometheus.CounterVec

	WorkerBatchSize prometheus.Histogram

	NotifyAttempts *prometheus.CounterVec
}

// New builds a Metrics bundle and registers every collector against reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dnsscienced_queries_total",
			Help: "Total queries processed, labeled by transport and query type.",
		}, []string{"transport", "qtype"}),

		ResponseRcodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dnsscienced_response_rcodes_total",
			Help: "Total responses sent, labeled by RCODE.",
		}, []string{"rcode"}),

		RRLActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dnsscienced_rrl_actions_total",
			Help: "Response Rate Limiting decisions, labeled by action.",
		}, []string{"action"}),

		SnapshotSwapSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dnsscienced_snapshot_swap_seconds",
			Help:    "Wall-clock time for a zone.Store.Publish call, including its grace wait.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),

		GraceWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dnsscienced_grace_wait_seconds",
			Help:    "Portion of a snapshot swap spent waiting for outstanding leases to release.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),

		QUICTableOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dnsscienced_quic_dcid_table_occupancy",
			Help: "Number of live entries in the QUIC DCID demultiplexer table.",
		}),

		QUICHandshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dnsscienced_quic_handshakes_total",
			Help: "QUIC handshake attempts, labeled by outcome.",
		}, []string{"outcome"}),

		WorkerBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dnsscienced_udp_batch_size",
			Help:    "Number of datagrams returned per ReadBatch syscall.",
			Buckets: prometheus.LinearBuckets(1, 4, 10),
		}),

		NotifyAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dnsscienced_notify_attempts_total",
			Help: "Outbound NOTIFY attempts, labeled by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.QueriesTotal, m.ResponseRcodes, m.RRLActions,
		m.SnapshotSwapSeconds, m.GraceWaitSeconds,
		m.QUICTableOccupancy, m.QUICHandshakes,
		m.WorkerBatchSize, m.NotifyAttempts,
	)
	return m
}
