package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gradebox_executions_total",
			Help: "Total number of sandboxed executions",
		},
		[]string{"language", "mode", "outcome"}, // outcome: "ok", "failed", "timeout", "error"
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gradebox_execution_duration_ms",
			Help:    "Wall time from launch to exit in milliseconds",
			Buckets: []float64{250, 500, 1000, 2500, 5000, 10000, 20000, 30000, 60000},
		},
		[]string{"language", "mode"},
	)

	ForcedKills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gradebox_forced_kills_total",
			Help: "Sandboxes terminated before exiting on their own",
		},
		[]string{"reason"}, // reason: "timeout", "disconnect", "stderr", "canceled", "shutdown"
	)

	ActiveTerminals = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gradebox_active_terminals",
			Help: "Number of open interactive terminal sessions",
		},
	)

	Scores = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gradebox_scores_total",
			Help: "Graded submissions by result",
		},
		[]string{"result"}, // result: "correct", "wrong"
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gradebox_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)

// Mode labels.
const (
	ModeGraded      = "graded"
	ModeInteractive = "interactive"
)
