package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dirsync"

var (
	OperationTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operation_transitions_total",
		Help:      "Operation status transitions by source and destination status.",
	}, []string{"from", "to"})

	Attempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operation_attempts_total",
		Help:      "Settled execution attempts by outcome and failure kind.",
	}, []string{"outcome", "error_kind"})

	InFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "operations_in_flight",
		Help:      "Operations currently executing per connector.",
	}, []string{"connector_id"})

	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciliation_runs_total",
		Help:      "Finished reconciliation runs by mode and status.",
	}, []string{"connector_id", "mode", "status"})

	DiscrepanciesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "discrepancies_detected_total",
		Help:      "Discrepancies emitted by reconciliation runs.",
	}, []string{"connector_id", "type"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
