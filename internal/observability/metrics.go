package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PoolLedger.
type Metrics struct {
	// --- Core processing ---
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec

	// --- Request queue ---
	QueueProcessedUpTo  prometheus.Gauge
	QueueBacklog        prometheus.Gauge
	ReconcileDuplicates prometheus.Counter

	// --- Channel backpressure ---
	ProjectionDrops prometheus.Counter
	PublishDrops    prometheus.Counter

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec
	ParseErrors    *prometheus.CounterVec
	PriceUpdates   *prometheus.CounterVec
	PriceStale     prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistBatchSize     prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Projection ---
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_core_ops_applied_total",
			Help: "Operations successfully applied by the core",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_core_ops_rejected_total",
			Help: "Operations rejected (validation, pause, ordering)",
		}, []string{"op"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_core_op_duration_seconds",
			Help:    "Time to apply a single operation in the core",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		QueueProcessedUpTo: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pool_queue_processed_up_to",
			Help: "Last reconciled queue sequence",
		}),

		QueueBacklog: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pool_queue_backlog",
			Help: "Outstanding entries awaiting reconciliation",
		}),

		ReconcileDuplicates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pool_reconcile_duplicates_total",
			Help: "Duplicate venue responses dropped",
		}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pool_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pool_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		IngestMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_ingest_messages_total",
			Help: "NATS messages received",
		}, []string{"subject"}),

		ParseErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_ingest_parse_errors_total",
			Help: "Malformed ingest payloads",
		}, []string{"subject"}),

		PriceUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_price_updates_total",
			Help: "Venue price updates accepted",
		}, []string{"token"}),

		PriceStale: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pool_price_stale_total",
			Help: "Price updates rejected as stale",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pool_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_persist_batch_size",
			Help:    "Outputs per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pool_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pool_persist_last_sequence",
			Help: "Last persisted event sequence",
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pool_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pool_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
