// Package metrics exposes the Prometheus counters and histograms for
// journal, transaction, budget-key cache, NoSQL, checkpoint, and retry
// activity across the budget core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JournalAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbs_journal_appends_total",
			Help: "Total number of journal append calls",
		},
		[]string{"status"}, // status: ok/error
	)

	JournalAppendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pbs_journal_append_latency_seconds",
			Help:    "Journal append latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	JournalRecoverDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pbs_journal_recover_duration_seconds",
			Help:    "Duration of a full journal Recover pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	JournalRecordsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pbs_journal_records_recovered_total",
			Help: "Total number of records replayed during Recover",
		},
	)

	TransactionsCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbs_transactions_committed_total",
			Help: "Total number of consume-budget commits",
		},
		[]string{"result"}, // result: success/insufficient_budget/conflict
	)

	TransactionsNotified = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pbs_transactions_notified_total",
			Help: "Total number of consume-budget notifications",
		},
	)

	TransactionsAborted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pbs_transactions_aborted_total",
			Help: "Total number of consume-budget aborts",
		},
	)

	BatchTransactionSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pbs_batch_transaction_size",
			Help:    "Number of budget consumptions per batch transaction",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	BudgetKeyCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pbs_budget_key_cache_hits_total",
			Help: "Total number of Budget Key Provider cache hits",
		},
	)

	BudgetKeyCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pbs_budget_key_cache_misses_total",
			Help: "Total number of Budget Key Provider cache misses",
		},
	)

	BudgetKeyCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pbs_budget_key_cache_evictions_total",
			Help: "Total number of Budget Keys evicted from the provider cache",
		},
	)

	BudgetKeysLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pbs_budget_keys_loaded",
			Help: "Current number of Budget Keys loaded in the provider cache",
		},
	)

	TimeframeGroupsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pbs_timeframe_groups_loaded",
			Help: "Current number of timeframe groups loaded across all Budget Keys",
		},
	)

	NoSQLRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbs_nosql_requests_total",
			Help: "Total number of NoSQL provider requests",
		},
		[]string{"operation", "status"}, // operation: get_item/upsert_item
	)

	NoSQLRequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pbs_nosql_request_latency_seconds",
			Help:    "NoSQL provider request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CheckpointCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbs_checkpoint_cycles_total",
			Help: "Total number of checkpoint cycles run",
		},
		[]string{"status"}, // status: ok/error
	)

	CheckpointDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pbs_checkpoint_duration_seconds",
			Help:    "Duration of a checkpoint cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckpointBudgetKeysProcessed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pbs_checkpoint_budget_keys_processed",
			Help:    "Number of Budget Keys checkpointed per cycle",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
		},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbs_retry_attempts_total",
			Help: "Total number of retry attempts for retryable operations",
		},
		[]string{"operation"},
	)

	RetryExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbs_retry_exhausted_total",
			Help: "Total number of operations that exhausted all retry attempts",
		},
		[]string{"operation"},
	)
)

// RecordJournalAppend records the outcome of a single journal Append call.
func RecordJournalAppend(status string, durationSeconds float64) {
	JournalAppends.WithLabelValues(status).Inc()
	JournalAppendLatency.Observe(durationSeconds)
}

// RecordCommit records the outcome of a consume-budget commit.
func RecordCommit(result string) {
	TransactionsCommitted.WithLabelValues(result).Inc()
}

// RecordNoSQLRequest records the outcome and latency of a NoSQL provider call.
func RecordNoSQLRequest(operation, status string, durationSeconds float64) {
	NoSQLRequests.WithLabelValues(operation, status).Inc()
	NoSQLRequestLatency.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordCheckpointCycle records the outcome and duration of a checkpoint cycle.
func RecordCheckpointCycle(status string, durationSeconds float64, keysProcessed int) {
	CheckpointCycles.WithLabelValues(status).Inc()
	CheckpointDuration.Observe(durationSeconds)
	CheckpointBudgetKeysProcessed.Observe(float64(keysProcessed))
}

// RecordRetryAttempt records one retry attempt for a named operation.
func RecordRetryAttempt(operation string) {
	RetryAttempts.WithLabelValues(operation).Inc()
}

// RecordRetryExhausted records that a named operation exhausted its retry budget.
func RecordRetryExhausted(operation string) {
	RetryExhausted.WithLabelValues(operation).Inc()
}
