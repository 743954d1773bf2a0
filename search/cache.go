package search

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Cache 缓存搜索结果，避免对公共 API 的重复查询。
type Cache interface {
	Get(ctx context.Context, query string) ([]Result, bool)
	Set(ctx context.Context, query string, results []Result)
}

// cacheKey 规范化查询作为缓存键。
func cacheKey(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// contentHash 生成短散列，用于外部存储的键前缀。
func contentHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:8])
}

// MemoryCache 进程内 TTL 缓存。
type MemoryCache struct {
	entries map[string]*memoryCacheEntry
	ttl     time.Duration
	mu      sync.RWMutex
}

type memoryCacheEntry struct {
	results   []Result
	expiresAt time.Time
}

// NewMemoryCache 创建进程内缓存。
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MemoryCache{
		entries: make(map[string]*memoryCacheEntry),
		ttl:     ttl,
	}
}

func (c *MemoryCache) Get(ctx context.Context, query string) ([]Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[cacheKey(query)]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.results, true
}

func (c *MemoryCache) Set(ctx context.Context, query string, results []Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey(query)] = &memoryCacheEntry{
		results:   results,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Purge 清除已过期条目。长时间运行的进程可周期性调用。
func (c *MemoryCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}
