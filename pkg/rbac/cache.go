package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/grantline/pkg/observability"
)

// DecisionCache caches HasPermission results per user, resource and scope.
// Implementations must drop every entry of a user on InvalidateUser.
//
// Generation is read before the database is queried and handed back to Set.
// Set must discard the result if the user was invalidated in between, so a
// read that raced a write never caches what it saw before the write.
type DecisionCache interface {
	Get(ctx context.Context, userID int64, resourceKey string, scope Scope) (AccessTypeSet, bool)
	Generation(ctx context.Context, userID int64) (gen int64, ok bool)
	Set(ctx context.Context, gen int64, userID int64, resourceKey string, scope Scope, result AccessTypeSet)
	InvalidateUser(ctx context.Context, userID int64) error
}

const (
	cacheTypeLRU   = "lru"
	cacheTypeRedis = "redis"

	// DefaultCacheTTL bounds how long a decision may be served after a
	// write that failed to invalidate it
	DefaultCacheTTL = 5 * time.Minute
	// DefaultCacheSize is the default number of L1 entries
	DefaultCacheSize = 10000
)

func decisionKey(userID int64, resourceKey string, scope Scope) string {
	return fmt.Sprintf("%d|%s|%s", userID, resourceKey, scope.String())
}

func cloneSet(s AccessTypeSet) AccessTypeSet {
	out := make(AccessTypeSet, len(s))
	for t := range s {
		out[t] = struct{}{}
	}
	return out
}

// LRUCache is an in-process decision cache with per-entry expiry
type LRUCache struct {
	cache   *lru.LRU[string, AccessTypeSet]
	metrics *observability.Metrics

	mu          sync.Mutex
	generations map[int64]int64
}

// NewLRUCache creates an in-process cache holding at most size entries for ttl
func NewLRUCache(size int, ttl time.Duration, metrics *observability.Metrics) *LRUCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &LRUCache{
		cache:       lru.NewLRU[string, AccessTypeSet](size, nil, ttl),
		metrics:     metrics,
		generations: make(map[int64]int64),
	}
}

// Get returns a copy of the cached set
func (c *LRUCache) Get(_ context.Context, userID int64, resourceKey string, scope Scope) (AccessTypeSet, bool) {
	set, ok := c.cache.Get(decisionKey(userID, resourceKey, scope))
	c.metrics.RecordCacheHit(cacheTypeLRU, ok)
	if !ok {
		return nil, false
	}
	return cloneSet(set), true
}

// Generation returns the user's invalidation count
func (c *LRUCache) Generation(_ context.Context, userID int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[userID], true
}

// Set stores a copy of result unless the user was invalidated after gen was read
func (c *LRUCache) Set(_ context.Context, gen int64, userID int64, resourceKey string, scope Scope, result AccessTypeSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[userID] != gen {
		return
	}
	c.cache.Add(decisionKey(userID, resourceKey, scope), cloneSet(result))
}

// InvalidateUser removes every entry whose key belongs to userID
func (c *LRUCache) InvalidateUser(_ context.Context, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[userID]++

	prefix := fmt.Sprintf("%d|", userID)
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Remove(key)
		}
	}
	c.metrics.RecordCacheInvalidation(cacheTypeLRU)
	return nil
}

// Len returns the number of live entries
func (c *LRUCache) Len() int {
	return c.cache.Len()
}

// RedisCache shares decisions across instances. Entries are keyed under a
// per-user generation number; invalidation bumps the generation so stale
// entries become unreachable and expire on their own.
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	prefix  string
	metrics *observability.Metrics
	logger  *observability.Logger
}

// RedisCacheOption configures a RedisCache
type RedisCacheOption func(*RedisCache)

// WithRedisKeyPrefix namespaces every key written by the cache
func WithRedisKeyPrefix(prefix string) RedisCacheOption {
	return func(c *RedisCache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithRedisCacheMetrics records hits, misses and invalidations
func WithRedisCacheMetrics(m *observability.Metrics) RedisCacheOption {
	return func(c *RedisCache) { c.metrics = m }
}

// WithRedisCacheLogger sets the logger used for non-fatal Redis failures
func WithRedisCacheLogger(l *observability.Logger) RedisCacheOption {
	return func(c *RedisCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewRedisCache creates a decision cache on client
func NewRedisCache(client *redis.Client, ttl time.Duration, opts ...RedisCacheOption) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &RedisCache{
		client: client,
		ttl:    ttl,
		prefix: "grantline:perm",
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) generationKey(userID int64) string {
	return fmt.Sprintf("%s:gen:%d", c.prefix, userID)
}

func (c *RedisCache) entryKey(gen int64, userID int64, resourceKey string, scope Scope) string {
	return fmt.Sprintf("%s:%d:%d:%s:%s", c.prefix, userID, gen, resourceKey, scope.String())
}

func (c *RedisCache) generation(ctx context.Context, userID int64) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Get treats any Redis failure as a miss
func (c *RedisCache) Get(ctx context.Context, userID int64, resourceKey string, scope Scope) (AccessTypeSet, bool) {
	gen, err := c.generation(ctx, userID)
	if err != nil {
		c.logger.WithError(err).Warn("decision cache generation read failed")
		c.metrics.RecordCacheHit(cacheTypeRedis, false)
		return nil, false
	}

	key := c.entryKey(gen, userID, resourceKey, scope)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WithError(err).Warn("decision cache read failed")
		}
		c.metrics.RecordCacheHit(cacheTypeRedis, false)
		return nil, false
	}

	var set AccessTypeSet
	if err := json.Unmarshal(data, &set); err != nil {
		c.client.Del(ctx, key)
		c.metrics.RecordCacheHit(cacheTypeRedis, false)
		return nil, false
	}
	c.metrics.RecordCacheHit(cacheTypeRedis, true)
	return set, true
}

// Generation reads the user's current generation. A Redis failure reports
// ok = false and the caller skips the fill.
func (c *RedisCache) Generation(ctx context.Context, userID int64) (int64, bool) {
	gen, err := c.generation(ctx, userID)
	if err != nil {
		c.logger.WithError(err).Warn("decision cache generation read failed")
		return 0, false
	}
	return gen, true
}

// Set stores result under gen. The write is skipped once the generation has
// moved on; an invalidation landing after the check leaves the entry under a
// generation no reader uses.
func (c *RedisCache) Set(ctx context.Context, gen int64, userID int64, resourceKey string, scope Scope, result AccessTypeSet) {
	current, err := c.generation(ctx, userID)
	if err != nil {
		c.logger.WithError(err).Warn("decision cache generation read failed")
		return
	}
	if current != gen {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.entryKey(gen, userID, resourceKey, scope), data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("decision cache write failed")
	}
}

// InvalidateUser bumps the user's generation
func (c *RedisCache) InvalidateUser(ctx context.Context, userID int64) error {
	if err := c.client.Incr(ctx, c.generationKey(userID)).Err(); err != nil {
		return fmt.Errorf("bump cache generation for user %d: %w", userID, err)
	}
	c.metrics.RecordCacheInvalidation(cacheTypeRedis)
	return nil
}
