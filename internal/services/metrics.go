// Package services – Prometheus collectors.
//
// This file exposes the reminder engine's operational metrics. Label sets
// are kept small and closed (outcome enums, not identifiers) so that
// cardinality stays bounded. All collectors are safe for concurrent use.
package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// tickRuns counts orchestrator passes by result: "ok", "lock_busy",
	// or "error".
	tickRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminder_ticks_total",
			Help: "Total number of tick orchestrator runs.",
		},
		[]string{"result"},
	)

	// tickDuration records how long a full tick pass takes.
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reminder_tick_duration_seconds",
			Help:    "Duration of tick orchestrator runs in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// tickEvents counts per-occurrence decisions made during ticks:
	// "dispatched", "duplicate", "backfilled", "stale_failed".
	tickEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminder_tick_events_total",
			Help: "Total per-occurrence decisions made by the tick orchestrator.",
		},
		[]string{"event"},
	)

	// deliveryOutcomes counts terminal executor outcomes by status.
	deliveryOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminder_delivery_outcomes_total",
			Help: "Total terminal delivery outcomes recorded by the executor.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(tickRuns, tickDuration, tickEvents, deliveryOutcomes)
}
