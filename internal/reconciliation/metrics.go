package reconciliation

import "github.com/prometheus/client_golang/prometheus"

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "creditsaga", Subsystem: "reconciliation", Name: name, Help: help,
	})
}

var (
	reconcileEscrowMismatches = gauge("escrow_mismatches", "Purchases whose held escrow disagrees with their status in the last run.")
	reconcileOpenEscrows      = gauge("open_escrows", "Purchases with escrow still held in the last run.")
	reconcileEscrowHeld       = gauge("escrow_held", "Credit held in escrow in the last run.")

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "creditsaga",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Wall time of one reconciliation run.",
		Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "creditsaga",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Reconciliation runs that failed or panicked.",
	})
)

func init() {
	prometheus.MustRegister(reconcileEscrowMismatches, reconcileOpenEscrows, reconcileEscrowHeld, reconcileDuration, reconcileErrors)
}
