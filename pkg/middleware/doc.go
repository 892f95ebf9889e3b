// Package middleware provides HTTP middleware for caller identity and rate limiting.
//
// # Identity
//
// IdentityMiddleware resolves the caller with an IdentityResolver and stores
// the user id with contextkeys.WithUserID:
//
//	resolver := middleware.NewJWTResolver(secret, "grantline", 24*time.Hour)
//	router.Use(middleware.NewIdentityMiddleware(resolver, true).Handler)
//
// JWTResolver verifies HS256 bearer tokens whose subject is the user id.
// HeaderResolver trusts X-User-ID and is meant for deployments behind an
// authenticating proxy.
//
// Invalid credentials are rejected with 401. Missing credentials are
// rejected too unless the middleware is optional, in which case the request
// continues without a user id and the enforcement layer answers 412.
//
// # Rate Limiting
//
//	limiter := middleware.NewRedisLimiter(redisClient, nil, "")
//	router.Use(middleware.RateLimit(limiter))
//
// Identified callers are keyed by user id, anonymous ones by client address.
// MemoryLimiter is a per-process token bucket; RedisLimiter is a fixed window
// shared across instances and fails open when Redis is unavailable.
package middleware
