// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/grantline/pkg/contextkeys"
//	ctx = contextkeys.WithUserID(ctx, 42)
//	userID, ok := contextkeys.GetUserID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// UserIDKey contains the authenticated user ID
	// Set by: middleware.IdentityMiddleware (pkg/middleware/identity.go)
	// Required by: enforce.Middleware, grant handlers
	// Type: int64
	UserIDKey Key = "user_id"

	// ClaimsKey contains the verified identity claims
	// Set by: middleware.IdentityMiddleware when a JWT resolver is used
	// Used by: handlers that need token metadata
	// Type: *middleware.Claims
	ClaimsKey Key = "identity_claims"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestID middleware
	// Used by: Logger, response headers
	// Type: string
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: api.Server logging middleware
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"

	// DecisionKey contains the enforcement decision for the request
	// Set by: enforce.Middleware
	// Used by: handlers and access logging
	// Type: *enforce.Decision
	DecisionKey Key = "authz_decision"
)

// WithUserID adds the authenticated user ID to the context
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID retrieves the authenticated user ID from context
func GetUserID(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(UserIDKey).(int64)
	return userID, ok
}

// WithClaims adds identity claims to the context
func WithClaims(ctx context.Context, claims interface{}) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// WithDecision adds the enforcement decision to the context
func WithDecision(ctx context.Context, decision interface{}) context.Context {
	return context.WithValue(ctx, DecisionKey, decision)
}
