// Package metrics exposes the daemon's Prometheus instrumentation:
// keepalive staleness, fence invocations, migrations, placement
// decisions, and coordination-store commit latency (spec §6
// "Observability", Ambient Stack). Grounds on pkg/metrics/metrics.go's
// gauge/counter/histogram layout and metrics.NewTimer() pattern,
// re-pointed from container/service/ingress concerns to the VM
// cluster's own.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quorumhv_nodes_total",
			Help: "Total number of nodes by daemon state",
		},
		[]string{"state"},
	)

	DomainsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quorumhv_domains_total",
			Help: "Total number of VMs by domain state",
		},
		[]string{"state"},
	)

	FaultsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quorumhv_faults_total",
			Help: "Total number of outstanding faults by status",
		},
		[]string{"status"},
	)

	// Coordination-store (raft) metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quorumhv_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quorumhv_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quorumhv_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quorumhv_coordstore_commit_duration_seconds",
			Help:    "Time taken for a coordination-store write to commit through raft",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Keepalive / primary election metrics
	KeepaliveStalenessSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quorumhv_keepalive_staleness_seconds",
			Help: "Seconds since a peer's last observed keepalive heartbeat",
		},
		[]string{"node"},
	)

	PrimaryTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quorumhv_primary_transitions_total",
			Help: "Total number of times this node has taken over as primary coordinator",
		},
	)

	// Fence metrics
	FenceInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorumhv_fence_invocations_total",
			Help: "Total number of fence operations by outcome",
		},
		[]string{"outcome"}, // reset, aborted-recovered, maintenance-skipped
	)

	FenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quorumhv_fence_duration_seconds",
			Help:    "Time taken to complete a fence operation, including the saving-throw wait",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
	)

	// Migration metrics
	MigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorumhv_migrations_total",
			Help: "Total number of live migrations by result",
		},
		[]string{"result"}, // success, failed
	)

	MigrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quorumhv_migration_duration_seconds",
			Help:    "Time taken to complete a live migration",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// Placement metrics
	PlacementDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorumhv_placement_decisions_total",
			Help: "Total number of placement selections by metric and outcome",
		},
		[]string{"metric", "outcome"}, // outcome: selected, no-candidate
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(DomainsTotal)
	prometheus.MustRegister(FaultsTotal)

	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(CommitDuration)

	prometheus.MustRegister(KeepaliveStalenessSeconds)
	prometheus.MustRegister(PrimaryTransitionsTotal)

	prometheus.MustRegister(FenceInvocationsTotal)
	prometheus.MustRegister(FenceDuration)

	prometheus.MustRegister(MigrationsTotal)
	prometheus.MustRegister(MigrationDuration)

	prometheus.MustRegister(PlacementDecisionsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
