// Package metrics holds the Prometheus collectors shared by the kiosk
// services. Collectors register with the default registry and are exposed
// at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MatcherCompares counts compare calls by result: above, below, failed, skipped.
	MatcherCompares = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_matcher_compares_total",
		Help: "Template comparisons issued by the matcher, by result.",
	}, []string{"result"})

	// MatchDecisions counts workflow outcomes after a capture.
	MatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_match_decisions_total",
		Help: "Identification outcomes: matched, pending_approval, not_found, error.",
	}, []string{"outcome"})

	ScannerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_scanner_errors_total",
		Help: "Capture service failures by kind.",
	}, []string{"kind"})

	RegistryTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_registry_transitions_total",
		Help: "Credential lifecycle writes: registered, approved, rejected.",
	}, []string{"transition"})

	PickupEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_pickup_events_total",
		Help: "Pickup and drop-off events recorded, by action.",
	}, []string{"action"})

	MatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kiosk_match_duration_seconds",
		Help:    "Wall time of one linear candidate scan.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_http_requests_total",
		Help: "API requests by route and status code.",
	}, []string{"method", "route", "status"})

	// QueueMessages counts messages handled by the worker.
	QueueMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_queue_messages_total",
		Help: "Queue messages processed by the worker, by type and result.",
	}, []string{"type", "result"})
)
