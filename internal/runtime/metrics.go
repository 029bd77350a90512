package runtime

import "github.com/prometheus/client_golang/prometheus"

var (
	invocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_invocations_total",
			Help: "Invocations reaching a terminal state, by status and error code.",
		},
		[]string{"status", "error_code"},
	)

	stepRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_step_retries_total",
			Help: "Step attempts beyond the first, across all workflows.",
		},
	)
)

func init() {
	prometheus.MustRegister(invocationsTotal)
	prometheus.MustRegister(stepRetriesTotal)
}
