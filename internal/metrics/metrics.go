// Package metrics exposes Prometheus instrumentation for the queue and
// dispatcher, replacing the OpenTelemetry pipeline of the ambient stack
// this system was adapted from with a direct client_golang registry
// (DESIGN.md records the decision to drop the OTel/OTLP exporter chain).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	// QueueDepth is the number of pending entries per token, refreshed by
	// the dispatcher's fill tick.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ghqueue_queue_depth",
		Help: "Pending object_queue rows per token",
	}, []string{"token_id"})

	// ClaimBatchSize is the size of each claim_window batch.
	ClaimBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ghqueue_claim_batch_size",
		Help:    "Number of entries claimed per prepare_job tick",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
	})

	// FetchOutcomesTotal counts fetch attempts by outcome class.
	FetchOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ghqueue_fetch_outcomes_total",
		Help: "Fetch attempts by outcome class (ok, client_error, quota, server_error, transport_error)",
	}, []string{"outcome"})

	// TokenShiftsTotal counts shift_by_token invocations per token.
	TokenShiftsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ghqueue_token_shifts_total",
		Help: "Number of times a token's backlog was shifted for quota exhaustion",
	}, []string{"token_id"})

	// DBPoolUsage is the connection pool usage ratio (in_use / max_open).
	DBPoolUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ghqueue_db_pool_usage_ratio",
		Help: "Database connection pool usage ratio",
	})

	// EntriesTerminatedTotal counts entries that left the queue permanently.
	EntriesTerminatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ghqueue_entries_terminated_total",
		Help: "Entries that exhausted MAX_RETRY and left the queue via complete_terminal",
	})
)

func init() {
	registry.MustRegister(
		QueueDepth,
		ClaimBatchSize,
		FetchOutcomesTotal,
		TokenShiftsTotal,
		DBPoolUsage,
		EntriesTerminatedTotal,
	)
}

// Handler serves the Prometheus exposition format for the registry above.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// OutcomeClass maps an HTTP status code (0 for transport failure) onto the
// error taxonomy of spec.md §7.
func OutcomeClass(status int) string {
	switch {
	case status == 0:
		return "transport_error"
	case status < 400:
		return "ok"
	case status == 403 || status == 429:
		return "quota"
	case status >= 500:
		return "server_error"
	default:
		return "client_error"
	}
}
