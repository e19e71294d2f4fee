package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RateLimitDecisions tracks limiter verdicts per tier
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resguardo_ratelimit_decisions_total",
			Help: "Total number of rate limit decisions",
		},
		[]string{"tier", "outcome"},
	)

	// RateLimitDegraded tracks requests decided while the counter store was unreachable
	RateLimitDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resguardo_ratelimit_degraded_total",
			Help: "Total number of rate limit decisions taken in degraded mode",
		},
		[]string{"tier", "mode"},
	)

	// CounterStoreLatency tracks counter store round trip latency
	CounterStoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resguardo_counter_store_latency_seconds",
			Help:    "Counter store round trip latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// BreakerTransitions tracks state transitions per dependency
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resguardo_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"dependency", "from", "to"},
	)

	// BreakerState tracks current state per dependency (0=closed, 1=open, 2=half_open)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resguardo_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"dependency"},
	)

	// BreakerShortCircuits tracks calls rejected without invoking the dependency
	BreakerShortCircuits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resguardo_breaker_short_circuits_total",
			Help: "Total number of calls rejected by an open circuit",
		},
		[]string{"dependency"},
	)

	// RetryAttempts tracks individual attempts per operation category
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resguardo_retry_attempts_total",
			Help: "Total number of attempts made by the retry executor",
		},
		[]string{"category", "result"},
	)

	// RetryExhausted tracks operations that ran out of attempts
	RetryExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resguardo_retry_exhausted_total",
			Help: "Total number of operations that exhausted their retry budget",
		},
		[]string{"category"},
	)

	// ErrorsClassified tracks classifier verdicts
	ErrorsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resguardo_errors_classified_total",
			Help: "Total number of errors classified",
		},
		[]string{"kind", "severity"},
	)

	// DLQEnqueued tracks operations parked in the dead letter queue
	DLQEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resguardo_dlq_enqueued_total",
			Help: "Total number of operations added to the dead letter queue",
		},
		[]string{"operation_type"},
	)

	// DLQReplayed tracks replay outcomes
	DLQReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resguardo_dlq_replayed_total",
			Help: "Total number of dead letter replays",
		},
		[]string{"operation_type", "result"},
	)

	// DLQPending tracks the current number of queued operations
	DLQPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resguardo_dlq_pending",
			Help: "Current number of pending dead letter operations",
		},
	)

	// DBConnectionPoolUsage tracks connection pool saturation
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resguardo_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
