package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PushSends counts per-token provider send attempts by outcome
	// (delivered|transient|permanent).
	PushSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saegim_push_sends_total",
			Help: "Total number of push provider send attempts",
		},
		[]string{"outcome"},
	)

	// TokensDeactivated counts device tokens deactivated by cause (user|invalid).
	TokensDeactivated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saegim_device_tokens_deactivated_total",
			Help: "Total number of device tokens deactivated",
		},
		[]string{"cause"},
	)

	// ReminderRuns counts scheduler runs and their per-user results
	// (success|skip|error).
	ReminderRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saegim_reminder_results_total",
			Help: "Per-user reminder dispatch results across scheduler runs",
		},
		[]string{"result"},
	)

	// CredentialRefreshes counts push provider credential exchanges by result
	// (success|failure).
	CredentialRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saegim_push_credential_refreshes_total",
			Help: "Total number of push provider credential exchanges",
		},
		[]string{"result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saegim_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
