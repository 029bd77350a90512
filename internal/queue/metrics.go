package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	enqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_queue_enqueued_total",
			Help: "Invocations accepted onto a queue.",
		},
		[]string{"queue"},
	)

	claimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_queue_claimed_total",
			Help: "Invocations claimed for execution by this executor.",
		},
		[]string{"queue"},
	)

	deduplicatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_queue_deduplicated_total",
			Help: "Enqueues rejected because an active invocation held the dedup id.",
		},
		[]string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(enqueuedTotal)
	prometheus.MustRegister(claimedTotal)
	prometheus.MustRegister(deduplicatedTotal)
}
