package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/grantline/pkg/contextkeys"
	"github.com/platinummonkey/grantline/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns default rate limit settings
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 600,
		WindowDuration:    time.Minute,
		BurstSize:         50,
	}
}

// Limiter decides whether one more request for key is allowed
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Config() *RateLimitConfig
}

const maxTrackedKeys = 100000

// MemoryLimiter is a per-process token bucket limiter. Idle keys expire
// after two windows.
type MemoryLimiter struct {
	config *RateLimitConfig

	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
}

// NewMemoryLimiter creates a new in-process limiter
func NewMemoryLimiter(config *RateLimitConfig) *MemoryLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	return &MemoryLimiter{
		config:   config,
		limiters: expirable.NewLRU[string, *rate.Limiter](maxTrackedKeys, nil, config.WindowDuration*2),
	}
}

// Allow implements Limiter
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	return m.bucket(key).Allow(), nil
}

// bucket returns the key's limiter, creating it once. A bucket always holds
// at least one token so a zero burst still admits the configured rate.
func (m *MemoryLimiter) bucket(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.limiters.Get(key); ok {
		return l
	}
	every := m.config.WindowDuration / time.Duration(m.config.RequestsPerWindow)
	l := rate.NewLimiter(rate.Every(every), max(m.config.BurstSize, 1))
	m.limiters.Add(key, l)
	return l
}

// Config implements Limiter
func (m *MemoryLimiter) Config() *RateLimitConfig {
	return m.config
}

// windowScript counts a hit and opens the window on the first one. A counter
// left without an expiry is given one on the next hit.
var windowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 or redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// RedisLimiter is a fixed window counter shared by every instance
type RedisLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewRedisLimiter creates a new Redis-backed limiter
func NewRedisLimiter(client *redis.Client, config *RateLimitConfig, prefix string) *RedisLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "grantline:ratelimit"
	}
	return &RedisLimiter{
		redis:  client,
		config: config,
		prefix: prefix,
	}
}

// Allow implements Limiter
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	count, err := windowScript.Run(ctx, rl.redis, []string{redisKey}, rl.config.WindowDuration.Milliseconds()).Int64()
	if err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}

	return count <= int64(rl.config.RequestsPerWindow+rl.config.BurstSize), nil
}

// Config implements Limiter
func (rl *RedisLimiter) Config() *RateLimitConfig {
	return rl.config
}

// RateLimit rejects callers that exceed limiter with 429. Identified callers
// are keyed by user id, anonymous ones by client address. Limiter errors
// let the request through.
func RateLimit(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + clientIP(r)
			if userID, ok := contextkeys.GetUserID(r.Context()); ok {
				key = fmt.Sprintf("user:%d", userID)
			}

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				observability.FromContext(r.Context()).WithError(err).Warn("rate limiter unavailable")
			}
			if !allowed {
				rateLimitExceeded(w, limiter.Config())
				return
			}

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.Config().RequestsPerWindow))
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitExceeded(w http.ResponseWriter, config *RateLimitConfig) {
	retryAfter := config.WindowDuration.Seconds()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter))
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", config.RequestsPerWindow))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate limit exceeded","retry_after":` + fmt.Sprintf("%.0f", retryAfter) + `}`))
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
