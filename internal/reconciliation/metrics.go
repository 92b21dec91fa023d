package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "p2ptrade",
		Subsystem: "reconciliation",
		Name:      "mismatches",
		Help:      "Number of trade/hold mismatches found in the last reconciliation run.",
	})
	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "p2ptrade",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "p2ptrade",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMismatches,
		reconcileDuration,
		reconcileErrors,
	)
}
