package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Batch metrics
	BatchesOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "manifold_batches_opened_total",
			Help: "Total number of batches opened by manifest",
		},
	)

	BatchesClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manifold_batches_closed_total",
			Help: "Total number of batches closed",
		},
		[]string{"outcome"}, // full, partial, failed
	)

	BatchesOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "manifold_batches_open",
			Help: "Number of batches currently open or finalizing",
		},
	)

	FinalizeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "manifold_finalize_duration_seconds",
			Help:    "Finalization duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FinalizeRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "manifold_finalize_retries_total",
			Help: "Total number of finalize retry attempts",
		},
	)

	// Ingest metrics
	ArtifactsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manifold_artifacts_ingested_total",
			Help: "Total number of artifacts ingested",
		},
		[]string{"kind"}, // expected, extra, duplicate, buffered
	)

	OrphanArtifacts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "manifold_orphan_artifacts_total",
			Help: "Artifacts discarded after the grace window with no manifest",
		},
	)

	LateArtifacts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "manifold_late_artifacts_total",
			Help: "Artifacts discarded because their batch was already closed",
		},
	)

	GraceBufferSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "manifold_grace_buffer_size",
			Help: "Artifacts currently buffered awaiting a manifest",
		},
	)

	// Dispatch metrics
	TasksDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manifold_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to workers",
		},
		[]string{"status"}, // ok, error
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "manifold_dispatch_duration_seconds",
			Help:    "Task dispatch duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// Router metrics
	RouterDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manifold_router_decisions_total",
			Help: "Total number of routing decisions",
		},
		[]string{"source"}, // llm, fallback, error
	)

	RouterLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "manifold_router_latency_seconds",
			Help:    "Routing decision latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Registry metrics
	RegistryAgents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "manifold_registry_agents",
			Help: "Number of agents currently registered",
		},
	)

	HeartbeatsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "manifold_heartbeats_received_total",
			Help: "Total number of agent heartbeats received",
		},
	)

	StaleAgentsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "manifold_stale_agents_removed_total",
			Help: "Agents removed for missing heartbeats",
		},
	)

	// Event metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manifold_events_published_total",
			Help: "Total number of lifecycle events published",
		},
		[]string{"type"},
	)
)

// RecordBatchClosed records a batch close with its outcome and finalize duration.
func RecordBatchClosed(outcome string, durationSeconds float64) {
	BatchesClosed.WithLabelValues(outcome).Inc()
	if durationSeconds > 0 {
		FinalizeDuration.Observe(durationSeconds)
	}
}

// RecordRouterDecision records a routing decision and its latency.
func RecordRouterDecision(source string, durationSeconds float64) {
	RouterDecisions.WithLabelValues(source).Inc()
	if durationSeconds > 0 {
		RouterLatency.Observe(durationSeconds)
	}
}
