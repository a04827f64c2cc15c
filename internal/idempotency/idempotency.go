// Package idempotency guards mutating calls with client-supplied keys so a
// retried request executes at most once and replays the first response.
//
// Flow:
//  1. Insert the key with no response; the inserter owns execution
//  2. A later caller finds the key: cached response ⇒ replay, none ⇒ in flight
//  3. The owner runs the call and stores the response before returning it
//
// Only successful (2xx, JSON) responses are cached. Any other outcome
// releases the key so the client can retry.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/creditsaga/internal/apperr"
	"github.com/mbd888/creditsaga/internal/metrics"
)

// DefaultTTL is how long a completed key replays its response.
const DefaultTTL = 24 * time.Hour

var (
	ErrInFlight    = apperr.Conflict("idempotency_key_in_flight", "a request with this idempotency key is already in progress")
	ErrKeyRequired = apperr.Validation("idempotency_key_required", "X-Idempotency-Key header is required")
	ErrKeyTooLong  = apperr.Validation("idempotency_key_too_long", "X-Idempotency-Key must be at most 255 characters")

	// ErrNotFound is returned by stores when a key does not exist.
	ErrNotFound = errors.New("idempotency key not found")
)

// Response is the cached outcome of a guarded call.
type Response struct {
	StatusCode int             `json:"statusCode"`
	Body       json.RawMessage `json:"body"`
}

// Cacheable reports whether r may be replayed to later callers.
func (r *Response) Cacheable() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300 && json.Valid(r.Body)
}

// Record is a stored key. Response is nil while the owner is executing.
type Record struct {
	Key       string    `json:"key"`
	Response  *Response `json:"response,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store persists idempotency keys.
type Store interface {
	// Insert atomically creates key with no response. It reports false
	// when the key already exists.
	Insert(ctx context.Context, key string, now, expiresAt time.Time) (bool, error)
	Get(ctx context.Context, key string) (*Record, error)
	Complete(ctx context.Context, key string, resp *Response) error
	Delete(ctx context.Context, key string) error
	// DeleteIfExpired removes key only when it expired at or before now.
	DeleteIfExpired(ctx context.Context, key string, now time.Time) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Gate runs operations at most once per key.
type Gate struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewGate creates a gate. ttl <= 0 uses DefaultTTL.
func NewGate(store Store, ttl time.Duration, logger *slog.Logger) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{store: store, ttl: ttl, now: time.Now, logger: logger}
}

// WithClock overrides the time source (tests).
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Guard runs op once for key. It returns the response, whether it was
// replayed from an earlier call, and ErrInFlight when another caller owns
// the key and has not finished.
func (g *Gate) Guard(ctx context.Context, key string, op func(ctx context.Context) (*Response, error)) (*Response, bool, error) {
	// Two passes: the second runs only after reclaiming an expired key.
	for attempt := 0; attempt < 2; attempt++ {
		now := g.now()
		inserted, err := g.store.Insert(ctx, key, now, now.Add(g.ttl))
		if err != nil {
			return nil, false, err
		}
		if inserted {
			resp, err := g.execute(ctx, key, op)
			return resp, false, err
		}

		rec, err := g.store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue // released between insert and get
		}
		if err != nil {
			return nil, false, err
		}

		if !rec.ExpiresAt.After(now) {
			if err := g.store.DeleteIfExpired(ctx, key, now); err != nil {
				return nil, false, err
			}
			continue
		}

		if rec.Response != nil {
			metrics.IdempotencyTotal.WithLabelValues("replayed").Inc()
			return rec.Response, true, nil
		}
		metrics.IdempotencyTotal.WithLabelValues("conflict").Inc()
		return nil, false, ErrInFlight
	}
	metrics.IdempotencyTotal.WithLabelValues("conflict").Inc()
	return nil, false, ErrInFlight
}

func (g *Gate) execute(ctx context.Context, key string, op func(ctx context.Context) (*Response, error)) (*Response, error) {
	metrics.IdempotencyTotal.WithLabelValues("executed").Inc()

	resp, err := op(ctx)
	if err != nil || !resp.Cacheable() {
		g.release(ctx, key)
		return resp, err
	}

	// The operation already ran; a failed store only loses the replay.
	if err := g.store.Complete(context.WithoutCancel(ctx), key, resp); err != nil {
		g.logger.Error("failed to store idempotent response", "key", key, "error", err)
	}
	return resp, nil
}

func (g *Gate) release(ctx context.Context, key string) {
	if err := g.store.Delete(context.WithoutCancel(ctx), key); err != nil {
		g.logger.Warn("failed to release idempotency key", "key", key, "error", err)
	}
}
