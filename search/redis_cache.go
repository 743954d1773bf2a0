package search

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache 基于 Redis 的共享 TTL 缓存，多副本部署时复用查询结果。
// 任何 Redis 故障都降级为缓存未命中，不影响搜索本身。
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewRedisCache 创建 Redis 缓存。
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		prefix: "periscope:search:",
		logger: logger.With(zap.String("component", "search_cache")),
	}
}

func (c *RedisCache) key(query string) string {
	return c.prefix + contentHash(cacheKey(query))
}

func (c *RedisCache) Get(ctx context.Context, query string) ([]Result, bool) {
	raw, err := c.client.Get(ctx, c.key(query)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis get failed", zap.Error(err))
		}
		return nil, false
	}

	var results []Result
	if err := json.Unmarshal(raw, &results); err != nil {
		c.logger.Warn("corrupt cache entry, dropping", zap.Error(err))
		c.client.Del(ctx, c.key(query))
		return nil, false
	}
	return results, true
}

func (c *RedisCache) Set(ctx context.Context, query string, results []Result) {
	raw, err := json.Marshal(results)
	if err != nil {
		c.logger.Warn("marshal cache entry failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, c.key(query), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("redis set failed", zap.Error(err))
	}
}
