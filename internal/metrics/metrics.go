// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package metrics exposes the Prometheus instrumentation for Canopy.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Database Metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canopy_duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_duckdb_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	// Aggregation Metrics
	RecomputeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canopy_recompute_duration_seconds",
			Help:    "Duration of land cover recomputes in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	RecomputeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_recompute_total",
			Help: "Total number of recomputes by outcome",
		},
		[]string{"outcome"}, // ok, persist_failed, index_unavailable, cancelled
	)

	SummaryPersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_summary_persist_failures_total",
			Help: "Total number of summary writes that failed after a recompute",
		},
	)

	StaleFetchDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_stale_fetch_discarded_total",
			Help: "Total number of detection fetches dropped because a newer fetch was issued",
		},
	)

	// Geometry Metrics
	GeometryCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_geometry_cache_requests_total",
			Help: "Total number of geometry cache lookups",
		},
		[]string{"result"}, // hit, miss
	)

	GeometryParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_geometry_parse_errors_total",
			Help: "Total number of land cover geometries that failed to parse",
		},
	)

	// Ingestion Metrics
	DetectionsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_detections_ingested_total",
			Help: "Total number of detector outputs by storage result",
		},
		[]string{"result"}, // inserted, duplicate
	)

	DetectorRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canopy_detector_request_duration_seconds",
			Help:    "Duration of calls to the detection model service",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// Map Session Metrics
	MapSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopy_map_sessions_active",
			Help: "Current number of open map sessions",
		},
	)

	// Event Metrics
	RegionEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_region_events_published_total",
			Help: "Total number of region change events published",
		},
		[]string{"type"},
	)

	// API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canopy_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopy_http_active_requests",
			Help: "Current number of in-flight HTTP requests",
		},
	)

	// WebSocket Metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopy_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WSMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_websocket_messages_sent_total",
			Help: "Total number of WebSocket messages sent",
		},
	)

	WSMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_websocket_messages_dropped_total",
			Help: "Total number of WebSocket broadcasts dropped because a buffer was full",
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canopy_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_circuit_breaker_requests_total",
			Help: "Total number of requests through a circuit breaker by result",
		},
		[]string{"name", "result"}, // success, failure, rejected
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

// RecordDBQuery records a database query metric.
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// RecordRecompute records one aggregation pass.
func RecordRecompute(outcome string, duration time.Duration) {
	RecomputeTotal.WithLabelValues(outcome).Inc()
	RecomputeDuration.Observe(duration.Seconds())
}

// RecordIngest records the storage outcome of a detector run.
func RecordIngest(inserted, duplicates int) {
	DetectionsIngested.WithLabelValues("inserted").Add(float64(inserted))
	DetectionsIngested.WithLabelValues("duplicate").Add(float64(duplicates))
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, path, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// TrackActiveRequest tracks in-flight API requests.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}
