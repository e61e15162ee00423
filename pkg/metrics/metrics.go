// Package metrics exposes the coordinator's Prometheus counters, gauges,
// and histograms, plus a small Timer helper for recording durations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RPC surface metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmd_requests_total",
			Help: "Total number of RPC requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swarmd_request_duration_seconds",
			Help:    "RPC request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Agent registry metrics
	AgentsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swarmd_agents",
			Help: "Number of registered agents by status",
		},
		[]string{"status"},
	)

	AgentHeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swarmd_agent_heartbeats_total",
			Help: "Total number of agent heartbeats received",
		},
	)

	AgentsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swarmd_agents_reaped_total",
			Help: "Total number of agents reaped for missing heartbeats",
		},
	)

	// Scheduler metrics
	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swarmd_tasks",
			Help: "Number of tasks by status",
		},
		[]string{"status"},
	)

	TaskSchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "swarmd_task_scheduling_latency_seconds",
			Help:    "Time from task submission to assignment",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swarmd_tasks_retried_total",
			Help: "Total number of task retry attempts",
		},
	)

	TasksTimedOutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swarmd_tasks_timed_out_total",
			Help: "Total number of tasks that exceeded their timeout",
		},
	)

	// Topology metrics
	TopologyNodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swarmd_topology_nodes",
			Help: "Number of topology nodes by status",
		},
		[]string{"status"},
	)

	LeaderElectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swarmd_leader_elections_total",
			Help: "Total number of leader election rounds run",
		},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmd_is_leader",
			Help: "Whether this node currently holds a leader role (1) or not (0)",
		},
	)

	// Consensus metrics
	ConsensusProposedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmd_consensus_proposed_total",
			Help: "Total number of consensus proposals submitted, by algorithm",
		},
		[]string{"algorithm"},
	)

	ConsensusCommittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmd_consensus_committed_total",
			Help: "Total number of consensus proposals committed, by algorithm",
		},
		[]string{"algorithm"},
	)

	ConsensusAbortedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmd_consensus_aborted_total",
			Help: "Total number of consensus proposals aborted, by algorithm",
		},
		[]string{"algorithm"},
	)

	ConsensusCommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swarmd_consensus_commit_duration_seconds",
			Help:    "Time from proposal to commit, by algorithm",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"algorithm"},
	)

	// Rate limiter metrics
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmd_rate_limit_rejected_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	// Connection pool metrics
	PoolConnectionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmd_pool_connections_total",
			Help: "Total number of connections held by the pool",
		},
	)

	PoolConnectionsIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmd_pool_connections_idle",
			Help: "Number of idle connections in the pool",
		},
	)

	PoolConnectionsBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmd_pool_connections_busy",
			Help: "Number of in-use connections in the pool",
		},
	)

	PoolWaitersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmd_pool_waiters_total",
			Help: "Number of callers currently waiting for a pool connection",
		},
	)

	// RPC session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmd_sessions_active",
			Help: "Number of active RPC sessions",
		},
	)

	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmd_subscriptions_active",
			Help: "Number of active subscriptions across all sessions",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		AgentsByStatus,
		AgentHeartbeatsTotal,
		AgentsReapedTotal,
		TasksByStatus,
		TaskSchedulingLatency,
		TasksRetriedTotal,
		TasksTimedOutTotal,
		TopologyNodesTotal,
		LeaderElectionsTotal,
		IsLeader,
		ConsensusProposedTotal,
		ConsensusCommittedTotal,
		ConsensusAbortedTotal,
		ConsensusCommitDuration,
		RateLimitRejectedTotal,
		PoolConnectionsTotal,
		PoolConnectionsIdle,
		PoolConnectionsBusy,
		PoolWaitersTotal,
		SessionsActive,
		SubscriptionsActive,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for recording into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records elapsed time into a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
