package idempotency

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/creditsaga/internal/metrics"
)

// DefaultSweepInterval is how often expired keys are purged.
const DefaultSweepInterval = time.Hour

// Sweeper periodically deletes expired keys. Live guarded calls never wait
// on it: each sweep is a single conditional delete.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	now      func() time.Time
}

// NewSweeper creates a sweeper. interval <= 0 uses DefaultSweepInterval.
func NewSweeper(store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in idempotency sweeper", "panic", r)
		}
	}()
	s.Sweep(ctx)
}

// Sweep deletes keys that expired before now and returns how many went.
func (s *Sweeper) Sweep(ctx context.Context) int64 {
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		s.logger.Warn("idempotency sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		metrics.IdempotencyKeysSwept.Add(float64(n))
		s.logger.Info("swept expired idempotency keys", "count", n)
	}
	return n
}
