package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_dispatch_total",
			Help: "Submission dispatch outcomes by result.",
		},
		[]string{"outcome"},
	)

	sweepRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_sweep_recovered_total",
			Help: "Attempts resolved by the reconciliation sweeper.",
		},
	)
)

func init() {
	prometheus.MustRegister(dispatchOutcomes)
	prometheus.MustRegister(sweepRecovered)
}
