// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

// Package metrics holds the Prometheus instruments for Archivist.
//
// Instruments are package-level and registered with the default registry
// through promauto; the admin router exposes them at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "archivist"

var (
	// Store Metrics
	StoreBusyRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_busy_retries_total",
			Help:      "Retries performed after the store reported busy or locked",
		},
	)

	StoreBusyExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_busy_exhausted_total",
			Help:      "Operations that failed after exhausting busy retries",
		},
	)

	StoreTransactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_transaction_duration_seconds",
			Help:      "Duration of write transactions including retries",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"result"},
	)

	StoreHalted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_halted",
			Help:      "1 when the store refuses writes after a fatal integrity condition",
		},
	)

	IntegrityAnomalies = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "integrity_anomalies",
			Help:      "Anomalies found by the most recent integrity verification",
		},
		[]string{"kind"},
	)

	// Migration Metrics
	MigrationsApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_applied_total",
			Help:      "Schema migrations applied by this process",
		},
	)

	SchemaVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schema_version",
			Help:      "Highest applied migration id",
		},
	)

	// Hashing Metrics
	FilesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_recorded_total",
			Help:      "Files passed through the hash identity layer by outcome",
		},
		[]string{"status"}, // "new", "exact_duplicate"
	)

	HashDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hash_duration_seconds",
			Help:      "Time spent computing fingerprints",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"algorithm"},
	)

	// Sorting Metrics
	CategoryAssignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "category_assignments_total",
			Help:      "Category assignments by deciding rule",
		},
		[]string{"source"}, // "label", "rule", "neighbors", "default", "manual"
	)

	// Queue Metrics
	QueueTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_transitions_total",
			Help:      "Forward queue state transitions",
		},
		[]string{"from", "to"},
	)

	QueueClaimBatch = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_claim_batch_size",
			Help:      "Items claimed per dequeue batch",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)

	QueueLeaseReclaims = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_lease_reclaims_total",
			Help:      "In-flight items reclaimed after their lease expired",
		},
	)

	// Delivery Metrics
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by destination and result",
		},
		[]string{"destination", "result"}, // result: delivered, failed, released
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of transport send calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"destination"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per destination (0=closed, 1=half-open, 2=open)",
		},
		[]string{"destination"},
	)

	// Event Metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published to the bus by topic and result",
		},
		[]string{"topic", "result"},
	)

	// Ingest Metrics
	SpoolFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spool_files_total",
			Help:      "Spool directory files processed by result",
		},
		[]string{"result"},
	)

	// Backup Metrics
	Backups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Store snapshots taken by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	BackupBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backup_last_size_bytes",
			Help:      "Size of the most recent snapshot archive",
		},
	)

	BackupsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_pruned_total",
			Help:      "Snapshot archives removed by the retention policy",
		},
	)

	// Cache Metrics
	LookupCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookup_cache_total",
			Help:      "File record lookups served from memory (hit) or the store (miss)",
		},
		[]string{"result"},
	)

	// Admin HTTP Metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Admin HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Admin HTTP request latency",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"method", "route"},
	)
)

// RecordTransaction records the duration and result of a write transaction.
func RecordTransaction(duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	StoreTransactionDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// SetStoreHalted reflects the halt flag.
func SetStoreHalted(halted bool) {
	if halted {
		StoreHalted.Set(1)
		return
	}
	StoreHalted.Set(0)
}

// RecordIntegrityAnomalies replaces the anomaly gauges with counts by kind.
func RecordIntegrityAnomalies(counts map[string]int) {
	IntegrityAnomalies.Reset()
	for kind, n := range counts {
		IntegrityAnomalies.WithLabelValues(kind).Set(float64(n))
	}
}

// RecordFileRecorded counts a record() outcome.
func RecordFileRecorded(status string) {
	FilesRecorded.WithLabelValues(status).Inc()
}

// RecordHashDuration observes fingerprint computation time.
func RecordHashDuration(algorithm string, d time.Duration) {
	HashDuration.WithLabelValues(algorithm).Observe(d.Seconds())
}

// RecordQueueTransition counts a validated state transition.
func RecordQueueTransition(from, to string) {
	QueueTransitions.WithLabelValues(from, to).Inc()
}

// RecordDelivery counts a delivery attempt and its send duration.
func RecordDelivery(destination, result string, d time.Duration) {
	Deliveries.WithLabelValues(destination, result).Inc()
	if d > 0 {
		DeliveryDuration.WithLabelValues(destination).Observe(d.Seconds())
	}
}

// SetCircuitBreakerState records a breaker state by name (closed, half-open, open).
func SetCircuitBreakerState(destination, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	CircuitBreakerState.WithLabelValues(destination).Set(v)
}

// RecordEventPublish counts an event publish outcome.
func RecordEventPublish(topic string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	EventsPublished.WithLabelValues(topic, result).Inc()
}

// RecordHTTPRequest records an admin HTTP request.
func RecordHTTPRequest(method, route, status string, d time.Duration) {
	HTTPRequests.WithLabelValues(method, route, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordBackup counts a snapshot attempt.
func RecordBackup(trigger string, size int64, err error) {
	if err != nil {
		Backups.WithLabelValues(trigger, "error").Inc()
		return
	}
	Backups.WithLabelValues(trigger, "ok").Inc()
	BackupBytes.Set(float64(size))
}

// RecordLookupCache counts a file record cache hit or miss.
func RecordLookupCache(hit bool) {
	if hit {
		LookupCache.WithLabelValues("hit").Inc()
		return
	}
	LookupCache.WithLabelValues("miss").Inc()
}
