package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// gcraScript mirrors gcra() atomically. Times are unix microseconds.
//
//	KEYS[1] = key; ARGV = now, interval, tolerance
//	returns wait in µs (0 when admitted)
var gcraScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local tolerance = tonumber(ARGV[3])
local tat = tonumber(redis.call("GET", KEYS[1]) or now)
if tat < now then tat = now end
local nxt = tat + interval
local allow_at = nxt - tolerance
if allow_at > now then
  return allow_at - now
end
redis.call("SET", KEYS[1], nxt, "PX", math.ceil((nxt - now) / 1000))
return 0
`)

// RedisStore shares limits across replicas.
type RedisStore struct {
	client redis.Scripter
	prefix string
}

// NewRedisStore stores arrival times under prefix+key.
func NewRedisStore(client redis.Scripter, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) Take(ctx context.Context, key string, now time.Time, interval, tolerance time.Duration) (time.Duration, error) {
	us, err := gcraScript.Run(ctx, r.client, []string{r.prefix + key},
		now.UnixMicro(), interval.Microseconds(), tolerance.Microseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: redis take: %w", err)
	}
	return time.Duration(us) * time.Microsecond, nil
}
