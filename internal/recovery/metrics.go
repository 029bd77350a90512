package recovery

import "github.com/prometheus/client_golang/prometheus"

var (
	recoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_recovery_requeued_total",
			Help: "Orphaned invocations re-enqueued by recovery passes.",
		},
	)

	exhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_recovery_exhausted_total",
			Help: "Invocations marked terminal after exceeding their recovery budget.",
		},
	)

	expiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_recovery_expired_total",
			Help: "Invocations marked terminal because their deadline elapsed while orphaned.",
		},
	)
)

func init() {
	prometheus.MustRegister(recoveredTotal)
	prometheus.MustRegister(exhaustedTotal)
	prometheus.MustRegister(expiredTotal)
}
