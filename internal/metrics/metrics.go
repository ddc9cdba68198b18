package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync metrics
	lastSyncedBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dexindexer_last_synced_block",
			Help: "The last block number durably checkpointed per event stream",
		},
		[]string{"stream"},
	)

	batchesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dexindexer_batches_processed_total",
			Help: "Total number of block batches fully processed",
		},
	)

	batchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dexindexer_batch_retries_total",
			Help: "Total number of batch-level retries of the same block range",
		},
	)

	batchProcessingTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dexindexer_batch_processing_duration_seconds",
			Help:    "Time taken to process one batch of blocks",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Event metrics
	logsSeen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dexindexer_logs_seen_total",
			Help: "Total number of contract logs seen, including non-pair logs",
		},
		[]string{"event"},
	)

	recordsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dexindexer_records_persisted_total",
			Help: "Total number of pair-matching records persisted",
		},
		[]string{"stream"},
	)

	anomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dexindexer_record_anomalies_total",
			Help: "Total number of records excluded due to data anomalies",
		},
		[]string{"reason"},
	)

	// RPC metrics
	rpcRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dexindexer_rpc_retries_total",
			Help: "Total number of RPC call retries",
		},
		[]string{"operation"},
	)

	// Database metrics
	dbErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dexindexer_db_errors_total",
			Help: "Total number of database errors",
		},
		[]string{"operation"},
	)

	// System metrics
	uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dexindexer_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)

	goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dexindexer_goroutines",
			Help: "Number of active goroutines",
		},
	)

	memoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dexindexer_memory_usage_bytes",
			Help: "Memory usage statistics",
		},
		[]string{"type"},
	)

	startTime = time.Now()
)

func LastSyncedBlockSet(stream string, blockNum uint64) {
	lastSyncedBlock.WithLabelValues(stream).Set(float64(blockNum))
}

func BatchesProcessedInc() {
	batchesProcessed.Inc()
}

func BatchRetriesInc() {
	batchRetries.Inc()
}

func BatchProcessingTimeLog(duration time.Duration) {
	batchProcessingTime.Observe(duration.Seconds())
}

func LogsSeenInc(event string, count int) {
	logsSeen.WithLabelValues(event).Add(float64(count))
}

func RecordsPersistedInc(stream string, count int64) {
	recordsPersisted.WithLabelValues(stream).Add(float64(count))
}

func AnomaliesInc(reason string) {
	anomalies.WithLabelValues(reason).Inc()
}

func RPCRetryInc(operation string) {
	rpcRetries.WithLabelValues(operation).Inc()
}

func DBErrorsInc(operation string) {
	dbErrors.WithLabelValues(operation).Inc()
}

// UpdateSystemMetrics updates runtime system metrics.
// This should be called periodically (e.g., every 15 seconds).
func UpdateSystemMetrics() {
	uptime.Set(time.Since(startTime).Seconds())
	goroutines.Set(float64(runtime.NumGoroutine()))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	memoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	memoryUsage.WithLabelValues("total_alloc").Set(float64(m.TotalAlloc))
	memoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	memoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}
