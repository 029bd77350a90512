package schedule

import "github.com/prometheus/client_golang/prometheus"

var firedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "anvil_schedule_fired_total",
		Help: "Scheduled invocations admitted onto their queue.",
	},
	[]string{"workflow"},
)

func init() {
	prometheus.MustRegister(firedTotal)
}
