// Package config loads grantline configuration from environment variables.
//
// A .env file can seed the environment first (LoadDotEnv); variables already
// set in the process win over the file.
//
// Server:
//
//	GRANTLINE_HOST="0.0.0.0"
//	GRANTLINE_PORT="8080"
//	GRANTLINE_READ_TIMEOUT="15s"
//	GRANTLINE_REQUEST_TIMEOUT="10s"
//
// Storage:
//
//	GRANTLINE_POSTGRES_URL="postgres://localhost/grantline?sslmode=disable"
//	GRANTLINE_POSTGRES_REPLICA_URLS="postgres://replica1/grantline,postgres://replica2/grantline"
//	GRANTLINE_POSTGRES_MAX_CONNS="20"
//	GRANTLINE_REDIS_URL="redis://localhost:6379/0"
//
// Engine:
//
//	GRANTLINE_SCOPE_MATCH="exact"         # exact, any_group
//	GRANTLINE_ROLE_REAPPLY="keep"         # keep, refresh
//	GRANTLINE_UNMATCHED_ROUTES="allow"    # allow, deny
//	GRANTLINE_POLICY_FILE="route-policy.yaml"
//	GRANTLINE_CACHE_ENABLED="true"
//	GRANTLINE_CACHE_TTL="5m"
//
// Identity and limits:
//
//	GRANTLINE_IDENTITY_MODE="jwt"         # jwt, header
//	GRANTLINE_JWT_SECRET="..."
//	GRANTLINE_IDENTITY_HEADER="X-User-ID"
//	GRANTLINE_RATE_LIMIT_PER_MINUTE="600" # 0 disables
//
// Observability:
//
//	GRANTLINE_LOG_LEVEL="info"
//	GRANTLINE_METRICS_ENABLED="true"
//	GRANTLINE_OTEL_ENABLED="false"
//	GRANTLINE_OTEL_ENDPOINT="localhost:4317"
package config
