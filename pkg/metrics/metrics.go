// Package metrics provides Prometheus metrics for the fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueryExecutionsTotal tracks single argument-set executions by status
	QueryExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "queries",
			Name:      "executions_total",
			Help:      "Total number of query executions by status",
		},
		[]string{"query", "status"},
	)

	// QueryExecutionDuration tracks how long query bodies run
	QueryExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "queries",
			Name:      "execution_duration_seconds",
			Help:      "Duration of query body executions in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"query"},
	)

	// DatasetCacheHits tracks executions answered from an existing dataset
	DatasetCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "queries",
			Name:      "dataset_cache_hits_total",
			Help:      "Total number of executions served from a cached dataset",
		},
		[]string{"query"},
	)

	// MatrixRunsTotal tracks matrix executions by status
	MatrixRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "queries",
			Name:      "matrix_runs_total",
			Help:      "Total number of matrix executions by status",
		},
		[]string{"status"},
	)

	// DatasetsPruned tracks datasets removed after a matrix run
	DatasetsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "queries",
			Name:      "datasets_pruned_total",
			Help:      "Total number of stale datasets pruned",
		},
	)

	// DocumentsRenderedTotal tracks report document renders by status
	DocumentsRenderedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "reports",
			Name:      "documents_rendered_total",
			Help:      "Total number of report document renders by status",
		},
		[]string{"processor", "status"},
	)

	// RenderDuration tracks how long formatter renders take
	RenderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "reports",
			Name:      "render_duration_seconds",
			Help:      "Duration of formatter renders in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"processor"},
	)

	// LockAcquisitions tracks lock attempts by result
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "locks",
			Name:      "acquisitions_total",
			Help:      "Total number of lock acquisition attempts by result",
		},
		[]string{"kind", "result"},
	)

	// TasksTotal tracks task state transitions
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "tasks",
			Name:      "transitions_total",
			Help:      "Total number of task state transitions",
		},
		[]string{"kind", "state"},
	)

	// TasksInFlight tracks tasks currently being run by this worker
	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "tasks",
			Name:      "in_flight",
			Help:      "Number of tasks currently being run",
		},
	)

	// MarkersReconciled tracks revoked markers removed by reconciliation
	MarkersReconciled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "tasks",
			Name:      "markers_reconciled_total",
			Help:      "Total number of stale revoked markers removed",
		},
	)

	// DLQTasksTotal tracks tasks sent to the dead letter queue
	DLQTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "dlq",
			Name:      "tasks_total",
			Help:      "Total number of tasks sent to dead letter queue",
		},
		[]string{"kind", "reason"},
	)

	// SchedulerReportsQueued tracks reports queued by the scheduler
	SchedulerReportsQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "scheduler",
			Name:      "reports_queued_total",
			Help:      "Total number of scheduled reports queued",
		},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)
)

// RecordQueryExecution records one argument-set execution
func RecordQueryExecution(query, status string, durationSeconds float64) {
	QueryExecutionsTotal.WithLabelValues(query, status).Inc()
	QueryExecutionDuration.WithLabelValues(query).Observe(durationSeconds)
}

func RecordCacheHit(query string) {
	DatasetCacheHits.WithLabelValues(query).Inc()
}

func RecordMatrixRun(status string, pruned int) {
	MatrixRunsTotal.WithLabelValues(status).Inc()
	DatasetsPruned.Add(float64(pruned))
}

// RecordRender records one formatter render
func RecordRender(processor, status string, durationSeconds float64) {
	DocumentsRenderedTotal.WithLabelValues(processor, status).Inc()
	RenderDuration.WithLabelValues(processor).Observe(durationSeconds)
}

func RecordLock(kind, result string) {
	LockAcquisitions.WithLabelValues(kind, result).Inc()
}

func RecordTask(kind, state string) {
	TasksTotal.WithLabelValues(kind, state).Inc()
}

// RecordDLQTask records a dead letter queue task
func RecordDLQTask(kind, reason string) {
	DLQTasksTotal.WithLabelValues(kind, reason).Inc()
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}
