package licmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts provider webhook requests by event name and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Name:      "webhook_requests_total",
		Help:      "Total provider webhook requests by event name and HTTP status.",
	}, []string{"event_name", "status"})

	// WebhookDuration tracks provider webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "licensed",
		Name:      "webhook_duration_seconds",
		Help:      "Provider webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_name"})

	// RedemptionsTotal counts license key redemption attempts by outcome.
	RedemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Name:      "redemptions_total",
		Help:      "License key redemption attempts by outcome.",
	}, []string{"outcome"})

	// SeatAssignmentsTotal counts seat assignment attempts by outcome.
	SeatAssignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Name:      "seat_assignments_total",
		Help:      "Seat assignment attempts by outcome.",
	}, []string{"outcome"})

	// AccountLockTransitions counts lock state transitions by direction.
	AccountLockTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Name:      "account_lock_transitions_total",
		Help:      "Account lock/unlock transitions applied during reconciliation.",
	}, []string{"direction"})
)
