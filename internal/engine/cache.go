package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"bi-gateway/internal/domain"
	"bi-gateway/internal/sqlscan"
)

// Cache stores execution outcomes by key. Implementations bound entries by
// TTL and treat misses and backend failures alike.
type Cache interface {
	Get(ctx context.Context, key string) (*domain.ExecutionOutcome, bool)
	Set(ctx context.Context, key string, o *domain.ExecutionOutcome)
}

// CacheKey identifies a result by normalized statement text, role and the
// row cap it was executed under.
func CacheKey(sql, role string, rowCap int) string {
	h := sha256.New()
	h.Write([]byte(sqlscan.Normalize(sql)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(role))))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(rowCap)))
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryCache is an in-process LRU with per-entry expiry.
type MemoryCache struct {
	lru *expirable.LRU[string, *domain.ExecutionOutcome]
}

// NewMemoryCache returns a cache holding at most size entries for ttl.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 256
	}
	return &MemoryCache{lru: expirable.NewLRU[string, *domain.ExecutionOutcome](size, nil, ttl)}
}

// Get implements Cache.
func (m *MemoryCache) Get(_ context.Context, key string) (*domain.ExecutionOutcome, bool) {
	return m.lru.Get(key)
}

// Set implements Cache.
func (m *MemoryCache) Set(_ context.Context, key string, o *domain.ExecutionOutcome) {
	m.lru.Add(key, o)
}

// Len returns the number of live entries.
func (m *MemoryCache) Len() int { return m.lru.Len() }

// RedisCache shares results between gateway replicas. Reads fall back to
// the local cache when Redis errors, so an outage only costs hit rate.
type RedisCache struct {
	client   *redis.Client
	ttl      time.Duration
	prefix   string
	fallback *MemoryCache
	logger   *slog.Logger
}

// NewRedisCache wraps client. fallback may be nil.
func NewRedisCache(client *redis.Client, ttl time.Duration, fallback *MemoryCache, logger *slog.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, prefix: "bigate:result:", fallback: fallback, logger: logger}
}

// Get implements Cache.
func (r *RedisCache) Get(ctx context.Context, key string) (*domain.ExecutionOutcome, bool) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("redis cache get failed", "error", err)
			if r.fallback != nil {
				return r.fallback.Get(ctx, key)
			}
		}
		return nil, false
	}
	var o domain.ExecutionOutcome
	if err := json.Unmarshal(raw, &o); err != nil {
		r.logger.Warn("redis cache entry unreadable", "error", err)
		return nil, false
	}
	return &o, true
}

// Set implements Cache.
func (r *RedisCache) Set(ctx context.Context, key string, o *domain.ExecutionOutcome) {
	if r.fallback != nil {
		r.fallback.Set(ctx, key, o)
	}
	raw, err := json.Marshal(o)
	if err != nil {
		r.logger.Warn("redis cache encode failed", "error", err)
		return
	}
	if err := r.client.Set(ctx, r.prefix+key, raw, r.ttl).Err(); err != nil {
		r.logger.Warn("redis cache set failed", "error", err)
	}
}

// NewCache tries Redis, falls back to memory when the client is nil or
// does not answer a ping.
func NewCache(ctx context.Context, client *redis.Client, size int, ttl time.Duration, logger *slog.Logger) Cache {
	mem := NewMemoryCache(size, ttl)
	if client != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err == nil {
			return NewRedisCache(client, ttl, mem, logger)
		}
		logger.Warn("redis unavailable, using in-process result cache")
	}
	return mem
}
