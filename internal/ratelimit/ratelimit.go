// Package ratelimit throttles API clients by IP with GCRA (generic cell rate
// algorithm): each key stores only its theoretical arrival time, so the state
// fits in a single Redis string when several replicas share a limit.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditsaga/internal/metrics"
)

// Config is the sustained rate and the burst allowed on top of it.
type Config struct {
	RequestsPerMinute int
	Burst             int
}

// DefaultConfig allows 10 requests per second on average with bursts of 50.
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 600, Burst: 50}
}

// interval is the spacing between requests at the sustained rate.
func (c Config) interval() time.Duration {
	return time.Minute / time.Duration(max(c.RequestsPerMinute, 1))
}

// tolerance is how far ahead of now a key's arrival time may run.
func (c Config) tolerance() time.Duration {
	return c.interval() * time.Duration(max(c.Burst, 1))
}

// Store records arrival times. Take admits a request for key or returns how
// long the caller must wait.
type Store interface {
	Take(ctx context.Context, key string, now time.Time, interval, tolerance time.Duration) (wait time.Duration, err error)
}

// Limiter applies Config to keys through a Store.
type Limiter struct {
	cfg    Config
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New returns a limiter. A nil store means a process-local MemoryStore.
func New(cfg Config, store Store, logger *slog.Logger) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{cfg: cfg, store: store, logger: logger, now: time.Now}
}

// Allow reports whether key may proceed, and otherwise how long until it may.
// Store errors admit the request.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	wait, err := l.store.Take(ctx, key, l.now(), l.cfg.interval(), l.cfg.tolerance())
	if err != nil {
		l.logger.Warn("rate limit store unavailable, allowing request", "error", err)
		return true, 0
	}
	return wait <= 0, wait
}

// Middleware rejects clients over the limit with 429 and Retry-After.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Allow(c.Request.Context(), c.ClientIP())
		if ok {
			c.Next()
			return
		}
		metrics.RateLimitedTotal.Inc()
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "rate_limit_exceeded",
			"message": "Too many requests. Please slow down.",
		})
	}
}

// gcra advances tat (the key's theoretical arrival time) for one request
// at now. It returns the new tat and, when the request is rejected, the wait.
func gcra(tat, now time.Time, interval, tolerance time.Duration) (time.Time, time.Duration) {
	if tat.Before(now) {
		tat = now
	}
	next := tat.Add(interval)
	if allowAt := next.Add(-tolerance); allowAt.After(now) {
		return tat, allowAt.Sub(now)
	}
	return next, 0
}
