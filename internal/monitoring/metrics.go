// Package monitoring exposes the service's Prometheus metrics. Collectors
// are package-level and registered once; callers record through the helper
// functions so instrumented packages stay decoupled from the registry.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lead_tasks_total",
		Help: "Search tasks finished, by terminal status.",
	}, []string{"status"})

	creditsSpentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lead_credits_spent_total",
		Help: "Credits moved through the ledger by the pipeline, by kind.",
	}, []string{"kind"})

	providerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_request_duration_seconds",
		Help:    "Latency of outbound provider and scrape-proxy calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	providerRequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_request_errors_total",
		Help: "Failed outbound calls, by provider and error kind.",
	}, []string{"provider", "kind"})

	executorRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_retries_total",
		Help: "Unit retries issued by the batched executor, by pass.",
	}, []string{"pass"})
)

// TaskFinished records one task reaching a terminal status.
func TaskFinished(status string) {
	tasksTotal.WithLabelValues(status).Inc()
}

// CreditsSpent records ledger movement driven by the pipeline. Refunds use
// their own kind rather than a negative amount.
func CreditsSpent(kind string, amount int) {
	if amount > 0 {
		creditsSpentTotal.WithLabelValues(kind).Add(float64(amount))
	}
}

// ObserveProviderRequest records one outbound call's latency.
func ObserveProviderRequest(provider string, seconds float64) {
	providerRequestDuration.WithLabelValues(provider).Observe(seconds)
}

// ProviderError records one failed outbound call.
func ProviderError(provider, kind string) {
	providerRequestErrors.WithLabelValues(provider, kind).Inc()
}

// ExecutorRetry records retries issued in the named pass
// ("immediate" or "deferred").
func ExecutorRetry(pass string, n int) {
	if n > 0 {
		executorRetries.WithLabelValues(pass).Add(float64(n))
	}
}

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
