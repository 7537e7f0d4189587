package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cloudpico-stations/internal/reading"
)

// DefaultCacheTTL is how long a cached latest reading lives.
const DefaultCacheTTL = 24 * time.Hour

var ErrNotCached = errors.New("no cached reading")

type redisKV interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisCache keeps the latest reading of every station under station:last:<name>.
type RedisCache struct {
	client redisKV
	ttl    time.Duration
}

func NewRedisCache(client redisKV, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(station string) string {
	return fmt.Sprintf("station:last:%s", station)
}

func (c *RedisCache) Persist(ctx context.Context, station string, r reading.Reading) error {
	data, err := json.Marshal(NewTelemetry(station, r))
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(station), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", cacheKey(station), err)
	}
	return nil
}

// Last returns the cached latest reading of station.
func (c *RedisCache) Last(ctx context.Context, station string) (Telemetry, error) {
	data, err := c.client.Get(ctx, cacheKey(station)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Telemetry{}, fmt.Errorf("%w: %s", ErrNotCached, station)
	}
	if err != nil {
		return Telemetry{}, fmt.Errorf("redis get %s: %w", cacheKey(station), err)
	}
	var t Telemetry
	if err := json.Unmarshal(data, &t); err != nil {
		return Telemetry{}, fmt.Errorf("decode cached reading: %w", err)
	}
	return t, nil
}
