// Package metrics defines Prometheus instrumentation for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_events_ingested_total",
		Help: "Total number of raw inputs accepted onto the ingest queue.",
	}, []string{"source_type"})

	EventsShed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_events_shed_total",
		Help: "Total number of inputs rejected because the ingest queue was full.",
	})

	EventsQuarantined = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_events_quarantined_total",
		Help: "Total number of malformed inputs sent to quarantine.",
	}, []string{"source_type"})

	EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_events_processed_total",
		Help: "Total number of events fully processed by the pipeline.",
	})

	RulePredicateErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_rule_predicate_errors_total",
		Help: "Total number of rule predicate evaluation errors, by rule.",
	}, []string{"rule_id"})

	ViolationsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_violations_detected_total",
		Help: "Total number of rule violations, by rule and severity.",
	}, []string{"rule_id", "severity"})

	AnomalySignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_anomaly_signals_total",
		Help: "Total number of anomaly signals emitted, by metric.",
	}, []string{"metric"})

	AlertsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_alerts_emitted_total",
		Help: "Total number of alerts emitted, by severity.",
	}, []string{"severity"})

	AlertsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_alerts_suppressed_total",
		Help: "Total number of alerts dropped inside a suppression window.",
	})

	AlertDeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_alert_delivery_failures_total",
		Help: "Total number of failed alert sink deliveries (before retry).",
	})

	AuditDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_audit_duplicates_total",
		Help: "Total number of audit inserts discarded by the idempotency key.",
	})

	StateReinits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_risk_state_reinits_total",
		Help: "Total number of entity risk states rebuilt from the audit trail.",
	})

	ProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kestrel_event_processing_duration_ms",
		Help:    "End-to-end event processing latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	IngestQueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_ingest_queue_utilization_ratio",
		Help: "Current ingest queue utilization (0-1).",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_http_requests_total",
		Help: "Total number of HTTP requests, by method, route pattern, and status.",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kestrel_http_request_duration_ms",
		Help:    "HTTP request latency in milliseconds, by route pattern.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"route"})

	TenantsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_http_tenants_rejected_total",
		Help: "Total number of requests rejected for a missing or invalid tenant ID.",
	})
)
