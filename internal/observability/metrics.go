package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "taxi"

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status code.",
	}, []string{"route", "method", "code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	MatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "match_attempts_total",
		Help:      "Driver matching attempts by result (matched, no_driver, error).",
	}, []string{"result"})

	ReassignEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "reassign_events_total",
		Help:      "Ride reassignments by reason and result.",
	}, []string{"reason", "result"})

	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "ride_status_transitions_total",
		Help:      "Ride status transitions.",
	}, []string{"from", "to"})

	TimeoutsReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "timeouts_reaped_total",
		Help:      "Stale rides processed by the reaper, by stage and result.",
	}, []string{"stage", "result"})

	ETAPickupAbsErrMin = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "eta_pickup_abs_error_minutes",
		Help:      "Absolute error between predicted and observed pickup ETA.",
		Buckets:   []float64{0.5, 1, 2, 3, 5, 8, 13, 21, 34},
	})

	LedgerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "ledger_calls_total",
		Help:      "Internal ledger calls by operation and result (ok, err, skipped_cb_open).",
	}, []string{"op", "result"})

	WalletEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "wallet_events_total",
		Help:      "Wallet operations by type and result.",
	}, []string{"operation", "result"})

	OutboxDrained = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "settlement_outbox_drained_total",
		Help:      "Settlement outbox intents processed by result (done, retry, escalated).",
	}, []string{"result"})

	RideEventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "ride_events_published_total",
		Help:      "Ride events published to the broadcast topic, by result.",
	}, []string{"result"})
)
