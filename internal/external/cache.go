package external

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/creditsaga/internal/metrics"
)

// DefaultCacheTTL is how long product and customer reads stay cached.
const DefaultCacheTTL = 60 * time.Second

// Cache is a byte-oriented key/value cache with expiry.
type Cache interface {
	// Get returns ok=false on a miss.
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// RedisCache implements Cache with Redis.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache wraps a Redis client.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, val, ttl).Err()
}

func (r *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Ping reports whether Redis is reachable.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

type memItem struct {
	val     []byte
	expires time.Time
}

// MemoryCache implements Cache in process.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memItem), now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(it.expires) {
		delete(m.items, key)
		return nil, false, nil
	}
	return append([]byte(nil), it.val...), true, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memItem{val: append([]byte(nil), val...), expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

// readThrough serves key from cache, or calls fetch and stores its result.
// Cache failures degrade to a direct fetch.
func readThrough[T any](ctx context.Context, cache Cache, ttl time.Duration, logger *slog.Logger, kind, key string, fetch func() (*T, error)) (*T, error) {
	raw, ok, err := cache.Get(ctx, key)
	if err != nil {
		metrics.CacheLookupsTotal.WithLabelValues(kind, "error").Inc()
		logger.Warn("cache read failed", "key", key, "error", err)
	}
	if ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			metrics.CacheLookupsTotal.WithLabelValues(kind, "hit").Inc()
			return &v, nil
		}
		_ = cache.Delete(ctx, key)
	}
	if err == nil {
		metrics.CacheLookupsTotal.WithLabelValues(kind, "miss").Inc()
	}

	v, err := fetch()
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(v); err == nil {
		if err := cache.Set(ctx, key, b, ttl); err != nil {
			logger.Warn("cache write failed", "key", key, "error", err)
		}
	}
	return v, nil
}

// CachedProducts caches GetProduct. Stock changes invalidate the entry
// whether or not they succeed, so a stale stock figure never outlives a
// mutation attempt.
type CachedProducts struct {
	next   ProductService
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedProducts wraps next with a read-through cache.
func NewCachedProducts(next ProductService, cache Cache, ttl time.Duration, logger *slog.Logger) *CachedProducts {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedProducts{next: next, cache: cache, ttl: ttl, logger: logger}
}

func productKey(id string) string { return "product:" + id }

func (c *CachedProducts) GetProduct(ctx context.Context, id string) (*Product, error) {
	return readThrough(ctx, c.cache, c.ttl, c.logger, "product", productKey(id), func() (*Product, error) {
		return c.next.GetProduct(ctx, id)
	})
}

func (c *CachedProducts) DecrementStock(ctx context.Context, id string, quantity int) (*Product, error) {
	defer c.invalidate(ctx, id)
	return c.next.DecrementStock(ctx, id, quantity)
}

func (c *CachedProducts) IncrementStock(ctx context.Context, id string, quantity int) (*Product, error) {
	defer c.invalidate(ctx, id)
	return c.next.IncrementStock(ctx, id, quantity)
}

func (c *CachedProducts) invalidate(ctx context.Context, id string) {
	if err := c.cache.Delete(context.WithoutCancel(ctx), productKey(id)); err != nil {
		c.logger.Warn("cache invalidation failed", "product", id, "error", err)
	}
}

// CachedCustomers caches GetCustomer.
type CachedCustomers struct {
	next   CustomerService
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedCustomers wraps next with a read-through cache.
func NewCachedCustomers(next CustomerService, cache Cache, ttl time.Duration, logger *slog.Logger) *CachedCustomers {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedCustomers{next: next, cache: cache, ttl: ttl, logger: logger}
}

func (c *CachedCustomers) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	return readThrough(ctx, c.cache, c.ttl, c.logger, "customer", "customer:"+id, func() (*Customer, error) {
		return c.next.GetCustomer(ctx, id)
	})
}

var (
	_ Cache           = (*RedisCache)(nil)
	_ Cache           = (*MemoryCache)(nil)
	_ ProductService  = (*CachedProducts)(nil)
	_ CustomerService = (*CachedCustomers)(nil)
)
