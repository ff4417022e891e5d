package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IterationsTotal tracks evaluated attempts by outcome
	IterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_iterations_total",
			Help: "Total number of evaluated loop iterations",
		},
		[]string{"outcome"},
	)

	// SessionsTotal tracks finished sessions by terminal state
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_sessions_total",
			Help: "Total number of finished loop sessions",
		},
		[]string{"result"},
	)

	// EscalationsTotal tracks escalations by reason
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_escalations_total",
			Help: "Total number of escalations to a human",
		},
		[]string{"reason"},
	)

	// FixerRunsTotal tracks fixer invocations
	FixerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_fixer_runs_total",
			Help: "Total number of fixer invocations",
		},
		[]string{"category", "result"},
	)

	// FixerDuration tracks how long fixers run
	FixerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remedy_fixer_duration_seconds",
			Help:    "Fixer run time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"category"},
	)

	// PollWaitSeconds tracks time spent waiting on the external status source
	PollWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remedy_poll_wait_seconds",
			Help:    "Time spent polling the status source per attempt",
			Buckets: []float64{1, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
	)

	// PollChecksTotal tracks individual status checks by returned kind
	PollChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_poll_checks_total",
			Help: "Total number of status source checks",
		},
		[]string{"kind"},
	)

	// ActiveSessions tracks sessions currently running in this process
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remedy_active_sessions",
			Help: "Number of loop sessions currently running",
		},
	)

	// RollbacksTotal tracks rollbacks by result
	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_rollbacks_total",
			Help: "Total number of workspace rollbacks",
		},
		[]string{"result"},
	)

	// StorePoolUsage tracks database connection pool usage percentage
	StorePoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remedy_store_pool_usage_percent",
			Help: "Session store connection pool usage percentage",
		},
	)

	// SessionsPruned tracks sessions removed by retention
	SessionsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remedy_sessions_pruned_total",
			Help: "Total number of finished sessions removed by retention",
		},
	)
)
