package validation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GateRunsTotal counts gate evaluations.
	// Labels: gate, result (pass, fail)
	GateRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evolvd",
			Name:      "gate_runs_total",
			Help:      "Total number of validation gate evaluations by gate and result",
		},
		[]string{"gate", "result"},
	)

	// GateDuration tracks how long each gate evaluation takes.
	GateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "evolvd",
			Name:      "gate_duration_seconds",
			Help:      "Duration of validation gate evaluations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"gate"},
	)
)

func recordGate(gate string, passed bool, seconds float64) {
	result := "pass"
	if !passed {
		result = "fail"
	}
	GateRunsTotal.WithLabelValues(gate, result).Inc()
	GateDuration.WithLabelValues(gate).Observe(seconds)
}
