package checkout

import (
	"context"
	"time"

	"donationcore/internal/logging"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the slice of the redis client the dedup cache needs.
// *redis.Client and *redis.ClusterClient satisfy it.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisDedupCache shares seen event ids across processes with SET NX PX.
// Redis failures degrade to "not seen".
type RedisDedupCache struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	logger logging.Logger
}

// NewRedisDedupCache wraps client. An empty prefix selects "donationcore:event:".
func NewRedisDedupCache(client RedisClient, prefix string, ttl time.Duration, logger logging.Logger) *RedisDedupCache {
	if prefix == "" {
		prefix = "donationcore:event:"
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDedupCache{client: client, prefix: prefix, ttl: ttl, logger: logging.OrNoop(logger)}
}

// NewRedisClient builds a client for the configured address.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// CheckAndMark implements DedupCache.
func (c *RedisDedupCache) CheckAndMark(ctx context.Context, eventID string) bool {
	if eventID == "" {
		return false
	}
	created, err := c.client.SetNX(ctx, c.prefix+eventID, 1, c.ttl).Result()
	if err != nil {
		c.logger.Warn("dedup cache unavailable, processing event", "event_id", eventID, "error", err)
		return false
	}
	return !created
}

// Forget implements DedupCache.
func (c *RedisDedupCache) Forget(ctx context.Context, eventID string) {
	if eventID == "" {
		return
	}
	if err := c.client.Del(ctx, c.prefix+eventID).Err(); err != nil {
		c.logger.Warn("dedup cache forget failed", "event_id", eventID, "error", err)
	}
}
