// Package monitoring exposes Prometheus metrics for the broker's decision
// and execution paths.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	policyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credential_broker_policy_decisions_total",
		Help: "Policy engine decisions by outcome.",
	}, []string{"outcome"})

	pluginExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credential_broker_plugin_executions_total",
		Help: "Plugin executions by credential type and outcome.",
	}, []string{"plugin", "outcome"})

	pluginExecutionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "credential_broker_plugin_execution_seconds",
		Help:    "Plugin execution latency by credential type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"plugin"})

	queueRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credential_broker_queue_retries_total",
		Help: "Job deliveries beyond the first attempt.",
	})

	queueDeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credential_broker_queue_dead_letters_total",
		Help: "Jobs that exhausted their retry budget.",
	})
)

// RecordDecision counts one policy engine decision.
func RecordDecision(outcome string) {
	policyDecisions.WithLabelValues(outcome).Inc()
}

// RecordPluginExecution counts one plugin execution and its latency.
func RecordPluginExecution(plugin string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	pluginExecutions.WithLabelValues(plugin, outcome).Inc()
	pluginExecutionSeconds.WithLabelValues(plugin).Observe(duration.Seconds())
}

// RecordRetry counts one retried job delivery.
func RecordRetry() {
	queueRetries.Inc()
}

// RecordDeadLetter counts one dead-lettered job.
func RecordDeadLetter() {
	queueDeadLetters.Inc()
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
