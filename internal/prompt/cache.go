package prompt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"RelayAgent/pkg/logger"
)

// Cache 保存已拉取的模板。实现自身的故障只记录日志，不影响调用方。
type Cache interface {
	Get(ctx context.Context, name, label string) (Template, bool)
	Set(ctx context.Context, tpl Template, ttl time.Duration)
	Invalidate(ctx context.Context, name string)
}

type memoryEntry struct {
	tpl     Template
	expires time.Time
}

// MemoryCache 是进程内的 TTL 缓存。
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache 创建内存缓存。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get 返回未过期的模板。
func (c *MemoryCache) Get(_ context.Context, name, label string) (Template, bool) {
	c.mu.RLock()
	entry, ok := c.entries[cacheKey(name, label)]
	c.mu.RUnlock()
	if !ok || !c.now().Before(entry.expires) {
		return Template{}, false
	}
	return entry.tpl, true
}

// Set 写入模板。
func (c *MemoryCache) Set(_ context.Context, tpl Template, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[cacheKey(tpl.Name, tpl.Label)] = memoryEntry{tpl: tpl, expires: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Invalidate 删除模板的所有标签。
func (c *MemoryCache) Invalidate(_ context.Context, name string) {
	prefix := name + ":"
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// RedisCache 让多个实例共享模板缓存。
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache 创建 Redis 缓存，prefix 为空时使用 relay:prompts。
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "relay:prompts"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(name, label string) string {
	return c.prefix + ":" + cacheKey(name, label)
}

// Get 从 Redis 读取模板。
func (c *RedisCache) Get(ctx context.Context, name, label string) (Template, bool) {
	raw, err := c.client.Get(ctx, c.key(name, label)).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.L().Warn("读取提示词缓存失败", slog.String("prompt", name), slog.Any("error", err))
		}
		return Template{}, false
	}
	var tpl Template
	if err := json.Unmarshal(raw, &tpl); err != nil {
		logger.L().Warn("提示词缓存内容损坏", slog.String("prompt", name), slog.Any("error", err))
		return Template{}, false
	}
	return tpl, true
}

// Set 写入模板并设置过期时间。
func (c *RedisCache) Set(ctx context.Context, tpl Template, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(tpl)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(tpl.Name, tpl.Label), raw, ttl).Err(); err != nil {
		logger.L().Warn("写入提示词缓存失败", slog.String("prompt", tpl.Name), slog.Any("error", err))
	}
}

// Invalidate 通过 SCAN 删除模板的所有标签。
func (c *RedisCache) Invalidate(ctx context.Context, name string) {
	iter := c.client.Scan(ctx, 0, c.prefix+":"+name+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		logger.L().Warn("扫描提示词缓存失败", slog.String("prompt", name), slog.Any("error", err))
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		logger.L().Warn("删除提示词缓存失败", slog.String("prompt", name), slog.Any("error", err))
	}
}

func cacheKey(name, label string) string {
	if label == "" {
		label = DefaultLabel
	}
	return name + ":" + label
}
