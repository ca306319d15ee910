// Package metrics holds the Prometheus collectors of the call path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bulbflow"

var (
	// StepAttempts counts every effect invocation made by the step executor.
	StepAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "attempts_total",
			Help:      "Effect attempts made by the step executor",
		},
		[]string{"label"},
	)

	// StepOutcomes counts finished steps by outcome: succeeded, failed,
	// exhausted or replayed.
	StepOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "outcomes_total",
			Help:      "Finished steps by outcome",
		},
		[]string{"label", "outcome"},
	)

	// GatewayCalls counts gateway invocations by acknowledgement: accepted,
	// duplicate, retryable or terminal.
	GatewayCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "invocations_total",
			Help:      "Gateway invocations by result",
		},
		[]string{"scope", "operation", "result"},
	)

	// IngressInvocations counts ingress submissions by result: accepted or
	// duplicate.
	IngressInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "invocations_total",
			Help:      "Ingress submissions by result",
		},
		[]string{"scope", "operation", "result"},
	)

	// DeviceRequests counts device endpoint requests handled by the
	// simulator, by operation and success.
	DeviceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "requests_total",
			Help:      "Device requests handled by the endpoint",
		},
		[]string{"operation", "success"},
	)

	// WorkflowRuns counts workflow runs reaching a terminal status.
	WorkflowRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Workflow runs by terminal status",
		},
		[]string{"status"},
	)

	// StepDuration observes the wall time of a step across all attempts.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "duration_seconds",
			Help:      "Step wall time including retries",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"label"},
	)
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
