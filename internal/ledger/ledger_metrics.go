package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	ledgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditsaga",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Credit operations by op and result (ok, insufficient_funds, error).",
		},
		[]string{"op", "result"},
	)

	ledgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "creditsaga",
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Credit operation latency including lock wait.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	creditMovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditsaga",
			Subsystem: "ledger",
			Name:      "credit_moved_total",
			Help:      "Sum of manually granted and deducted credit.",
		},
		[]string{"op"},
	)

	companyBalanceGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "creditsaga",
			Name:      "company_balance",
			Help:      "Company ledger balance at the last read.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ledgerOpsTotal,
		ledgerOpDuration,
		creditMovedTotal,
		companyBalanceGauge,
	)
}

// track starts timing op. Call the returned func with the operation's error.
func track(op string) func(err error) {
	start := time.Now()
	return func(err error) {
		ledgerOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		ledgerOpsTotal.WithLabelValues(op, opResult(err)).Inc()
	}
}

func opResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	default:
		return "error"
	}
}

func recordMoved(op string, amount decimal.Decimal) {
	creditMovedTotal.WithLabelValues(op).Add(amount.Abs().InexactFloat64())
}
