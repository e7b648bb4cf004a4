package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdmissionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_operations_total",
			Help: "Admission controller operations by kind and outcome",
		},
		[]string{"op", "outcome"},
	)

	CASRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_cas_retries_total",
			Help: "Compare-and-swap retries due to version conflicts",
		},
	)

	TxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "admission_tx_seconds",
			Help:    "Duration of ledger store transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	SweepReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_sweep_released_total",
			Help: "Reservations released by the expiry sweep",
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "admission_outbox_lag_seconds",
			Help: "Age of the oldest unpublished outbox record",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_rate_limit_exceeded_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)
