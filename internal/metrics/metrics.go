// Package metrics holds the service-wide Prometheus collectors. Packages
// with private metrics (ledger, circuit breaker, reconciliation) register
// their own.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "creditsaga"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SagaOutcomesTotal counts saga runs by operation and outcome
	// (completed, compensated, compensation_failed, rejected).
	SagaOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_outcomes_total",
			Help:      "Saga runs by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	// CompensationsTotal counts compensation actions by step and result.
	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_compensations_total",
			Help:      "Compensation actions by saga step and result.",
		},
		[]string{"step", "result"},
	)

	// SettlementsTotal counts settlement attempts by result.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement attempts by result (settled, failed).",
		},
		[]string{"result"},
	)

	// RefundsTotal counts refund approvals by result.
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Refund approvals by result (approved, failed).",
		},
		[]string{"result"},
	)

	// RetryAttemptsTotal counts retry handler invocations by topic and result.
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Retry handler invocations by topic and result.",
		},
		[]string{"topic", "result"},
	)

	// PermanentFailuresTotal counts sagas that exhausted their retry budget.
	PermanentFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permanent_failures_total",
			Help:      "Sagas left stuck after exhausting retries, by topic.",
		},
		[]string{"topic"},
	)

	// RetryQueueDepth tracks messages waiting per topic.
	RetryQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_queue_depth",
			Help:      "Messages waiting in the retry queue by topic.",
		},
		[]string{"topic"},
	)

	// IdempotencyTotal counts guarded calls by result (executed, replayed, conflict).
	IdempotencyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_total",
			Help:      "Idempotency-guarded calls by result.",
		},
		[]string{"result"},
	)

	// IdempotencyKeysSwept counts expired keys removed by the sweeper.
	IdempotencyKeysSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "idempotency_keys_swept_total",
		Help:      "Expired idempotency keys deleted by the sweeper.",
	})

	// CacheLookupsTotal counts collaborator cache lookups by kind and result.
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Product/customer cache lookups by kind and result (hit, miss).",
		},
		[]string{"kind", "result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected with 429 by the rate limiter.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SagaOutcomesTotal,
		CompensationsTotal,
		SettlementsTotal,
		RefundsTotal,
		RetryAttemptsTotal,
		PermanentFailuresTotal,
		RetryQueueDepth,
		IdempotencyTotal,
		IdempotencyKeysSwept,
		CacheLookupsTotal,
		ActiveWebSocketClients,
		RateLimitedTotal,
	)
}

// RegisterDB exports the pool's sql.DBStats under dbName. Registering the
// same name twice is a no-op.
func RegisterDB(db *sql.DB, dbName string) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, dbName))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Middleware records request count and latency under the matched route
// pattern; requests that match no route share one label.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// statusBucket collapses a status code to its class, e.g. 404 to "4xx".
func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return "5xx"
	}
	return strconv.Itoa(code/100) + "xx"
}
