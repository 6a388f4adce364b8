// Package metrics exposes the prometheus collectors for every SPEAR
// component. Collectors are package-level vars registered once in init, in
// the same style every caller in this repo already uses: increment/observe
// at the call site, never thread a registry handle through constructors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// KV store metrics (C1)
	KVOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spear_kv_ops_total",
			Help: "Total KV operations by backend, op, and result",
		},
		[]string{"backend", "op", "result"},
	)

	KVOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spear_kv_op_duration_seconds",
			Help:    "KV operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// Task event bus metrics (C2)
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spear_events_published_total",
			Help: "Total task events published by kind",
		},
		[]string{"kind"},
	)

	EventsReplayedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spear_events_replayed_total",
			Help: "Total task events returned by replay_since",
		},
	)

	EventSubscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spear_event_subscribers_active",
			Help: "Currently active task event subscriptions",
		},
	)

	EventSubscribersLaggedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spear_event_subscribers_lagged_total",
			Help: "Total subscribers dropped for lagging and sent a resync signal",
		},
	)

	// Node registry metrics (C3)
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spear_nodes_total",
			Help: "Total number of registered nodes by status",
		},
		[]string{"status"},
	)

	NodeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spear_node_transitions_total",
			Help: "Total node status transitions by from/to state",
		},
		[]string{"from", "to"},
	)

	// Resource service metrics (C4)
	ResourcesStaleCleanedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spear_resources_stale_cleaned_total",
			Help: "Total stale resource entries removed by the TTL sweeper",
		},
	)

	// Task service metrics (C5)
	TasksRegisteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spear_tasks_registered_total",
			Help: "Total register_task calls (creates and updates)",
		},
	)

	// Placement metrics (C6)
	PlacementDecisionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spear_placement_decisions_total",
			Help: "Total placement decisions recorded",
		},
	)

	PlacementCandidatesReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spear_placement_candidates_returned",
			Help:    "Number of candidates returned per placement decision",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		},
	)

	PlacementOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spear_placement_outcomes_total",
			Help: "Total reported invocation outcomes by class",
		},
		[]string{"class"},
	)

	NodesBlockedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spear_placement_nodes_blocked",
			Help: "Nodes currently within a penalty backoff window",
		},
	)

	// Runtime manager / runtimes (C7, C8)
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spear_instances_total",
			Help: "Total instances by runtime type and status",
		},
		[]string{"runtime_type", "status"},
	)

	RuntimeExecuteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spear_runtime_execute_duration_seconds",
			Help:    "Runtime execute() duration in seconds by runtime type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"runtime_type"},
	)

	WasmHostCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spear_wasm_host_calls_total",
			Help: "Total WASM host-call ABI invocations by function and result",
		},
		[]string{"function", "result"},
	)

	WasmModuleCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spear_wasm_module_cache_hits_total",
			Help: "Total module-cache hits by content hash",
		},
	)

	WasmModuleCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spear_wasm_module_cache_misses_total",
			Help: "Total module-cache misses by content hash",
		},
	)

	// Task Execution Manager (C10)
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spear_executions_total",
			Help: "Total executions submitted by final status",
		},
		[]string{"status"},
	)

	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spear_execution_duration_seconds",
			Help:    "Execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TEMCleanupEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spear_tem_cleanup_evictions_total",
			Help: "Total entities evicted by the TEM cleanup loop by kind",
		},
		[]string{"kind"},
	)

	// Admin invocation flow (C11)
	AdminInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spear_admin_invocations_total",
			Help: "Total admin invocation attempts by outcome class",
		},
		[]string{"outcome"},
	)

	AdminSpillbackDepth = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spear_admin_spillback_depth",
			Help:    "Number of candidates attempted before success or exhaustion",
			Buckets: []float64{1, 2, 3, 5, 10},
		},
	)
)

func init() {
	prometheus.MustRegister(
		KVOpsTotal, KVOpDuration,
		EventsPublishedTotal, EventsReplayedTotal, EventSubscribersActive, EventSubscribersLaggedTotal,
		NodesTotal, NodeTransitionsTotal,
		ResourcesStaleCleanedTotal,
		TasksRegisteredTotal,
		PlacementDecisionsTotal, PlacementCandidatesReturned, PlacementOutcomesTotal, NodesBlockedGauge,
		InstancesTotal, RuntimeExecuteDuration,
		WasmHostCallsTotal, WasmModuleCacheHitsTotal, WasmModuleCacheMissesTotal,
		ExecutionsTotal, ExecutionDuration, TEMCleanupEvictionsTotal,
		AdminInvocationsTotal, AdminSpillbackDepth,
	)
}

// Handler returns the prometheus HTTP handler for the admin metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an in-flight operation for later histogram observation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
