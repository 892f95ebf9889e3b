package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/platinummonkey/grantline/pkg/enforce"
	"github.com/platinummonkey/grantline/pkg/observability"
	"github.com/platinummonkey/grantline/pkg/rbac"
	"github.com/platinummonkey/grantline/pkg/storage/postgres"
)

// Identity modes
const (
	IdentityJWT    = "jwt"
	IdentityHeader = "header"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         postgres.RedisConfig
	Engine        EngineConfig
	Identity      IdentityConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL         string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// ConnectionConfig converts the settings for the connection manager
func (d DatabaseConfig) ConnectionConfig() postgres.ConnectionConfig {
	return postgres.ConnectionConfig{
		PrimaryURL:  d.URL,
		ReplicaURLs: d.ReplicaURLs,
		MaxConns:    d.MaxConns,
		MinConns:    d.MinConns,
		Timeout:     d.Timeout,
		MaxLifetime: d.MaxLifetime,
		MaxIdleTime: d.MaxIdleTime,
	}
}

// EngineConfig holds permission engine behaviour switches
type EngineConfig struct {
	ScopeMatch      rbac.ScopeMatch
	ReapplyPolicy   rbac.ReapplyPolicy
	UnmatchedRoutes enforce.UnmatchedPolicy
	PolicyFile      string

	CacheEnabled bool
	CacheTTL     time.Duration
	CacheSize    int
}

// RBAC converts the settings for the rbac manager
func (e EngineConfig) RBAC() rbac.Config {
	return rbac.Config{
		ScopeMatch:    e.ScopeMatch,
		ReapplyPolicy: e.ReapplyPolicy,
		CacheEnabled:  e.CacheEnabled,
		CacheTTL:      e.CacheTTL,
		CacheSize:     e.CacheSize,
	}
}

// IdentityConfig selects and configures the identity resolver
type IdentityConfig struct {
	Mode      string
	JWTSecret string
	JWTIssuer string
	JWTTTL    time.Duration
	Header    string
}

// RateLimitConfig holds per-caller request limits. Zero disables limiting.
type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// OTel converts the settings for observability.InitOTel
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// LoadDotEnv loads variables from the given files into the environment.
// Variables already set win over the file. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	engine, err := loadEngineConfig()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Engine:        engine,
		Identity:      loadIdentityConfig(),
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GRANTLINE_HOST", "0.0.0.0"),
		Port:            getEnv("GRANTLINE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("GRANTLINE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("GRANTLINE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("GRANTLINE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("GRANTLINE_SHUTDOWN_TIMEOUT", 30*time.Second),
		RequestTimeout:  getEnvDuration("GRANTLINE_REQUEST_TIMEOUT", 10*time.Second),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:         getEnv("GRANTLINE_POSTGRES_URL", ""),
		ReplicaURLs: getEnvList("GRANTLINE_POSTGRES_REPLICA_URLS"),
		MaxConns:    getEnvInt("GRANTLINE_POSTGRES_MAX_CONNS", 20),
		MinConns:    getEnvInt("GRANTLINE_POSTGRES_MIN_CONNS", 5),
		Timeout:     getEnvDuration("GRANTLINE_POSTGRES_TIMEOUT", 5*time.Second),
		MaxLifetime: getEnvDuration("GRANTLINE_POSTGRES_MAX_LIFETIME", 30*time.Minute),
		MaxIdleTime: getEnvDuration("GRANTLINE_POSTGRES_MAX_IDLE_TIME", 5*time.Minute),
	}
}

func loadRedisConfig() postgres.RedisConfig {
	return postgres.RedisConfig{
		URL:        getEnv("GRANTLINE_REDIS_URL", ""),
		Password:   getEnv("GRANTLINE_REDIS_PASSWORD", ""),
		DB:         getEnvInt("GRANTLINE_REDIS_DB", -1),
		MaxRetries: getEnvInt("GRANTLINE_REDIS_MAX_RETRIES", 0),
		PoolSize:   getEnvInt("GRANTLINE_REDIS_POOL_SIZE", 0),
	}
}

func loadEngineConfig() (EngineConfig, error) {
	scopeMatch, err := rbac.ParseScopeMatch(getEnv("GRANTLINE_SCOPE_MATCH", "exact"))
	if err != nil {
		return EngineConfig{}, fmt.Errorf("GRANTLINE_SCOPE_MATCH: %w", err)
	}
	reapply, err := rbac.ParseReapplyPolicy(getEnv("GRANTLINE_ROLE_REAPPLY", "keep"))
	if err != nil {
		return EngineConfig{}, fmt.Errorf("GRANTLINE_ROLE_REAPPLY: %w", err)
	}
	unmatched, err := enforce.ParseUnmatchedPolicy(getEnv("GRANTLINE_UNMATCHED_ROUTES", "allow"))
	if err != nil {
		return EngineConfig{}, fmt.Errorf("GRANTLINE_UNMATCHED_ROUTES: %w", err)
	}

	return EngineConfig{
		ScopeMatch:      scopeMatch,
		ReapplyPolicy:   reapply,
		UnmatchedRoutes: unmatched,
		PolicyFile:      getEnv("GRANTLINE_POLICY_FILE", "route-policy.yaml"),
		CacheEnabled:    getEnvBool("GRANTLINE_CACHE_ENABLED", false),
		CacheTTL:        getEnvDuration("GRANTLINE_CACHE_TTL", rbac.DefaultCacheTTL),
		CacheSize:       getEnvInt("GRANTLINE_CACHE_SIZE", rbac.DefaultCacheSize),
	}, nil
}

func loadIdentityConfig() IdentityConfig {
	return IdentityConfig{
		Mode:      strings.ToLower(getEnv("GRANTLINE_IDENTITY_MODE", IdentityJWT)),
		JWTSecret: getEnv("GRANTLINE_JWT_SECRET", ""),
		JWTIssuer: getEnv("GRANTLINE_JWT_ISSUER", "grantline"),
		JWTTTL:    getEnvDuration("GRANTLINE_JWT_TTL", 24*time.Hour),
		Header:    getEnv("GRANTLINE_IDENTITY_HEADER", "X-User-ID"),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		PerMinute: getEnvInt("GRANTLINE_RATE_LIMIT_PER_MINUTE", 0),
		Burst:     getEnvInt("GRANTLINE_RATE_LIMIT_BURST", 50),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("GRANTLINE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("GRANTLINE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("GRANTLINE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("GRANTLINE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("GRANTLINE_OTEL_SERVICE_NAME", "grantline"),
		OTelServiceVersion: getEnv("GRANTLINE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("GRANTLINE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("GRANTLINE_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("postgres max conns (%d) must be >= min conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	if c.Engine.PolicyFile == "" {
		return fmt.Errorf("route policy file is required")
	}
	if c.Engine.CacheEnabled && c.Engine.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive when the cache is enabled")
	}

	switch c.Identity.Mode {
	case IdentityJWT:
		if c.Identity.JWTSecret == "" {
			return fmt.Errorf("JWT secret is required for jwt identity mode")
		}
		if c.Identity.JWTTTL <= 0 {
			return fmt.Errorf("JWT TTL must be positive")
		}
	case IdentityHeader:
		if c.Identity.Header == "" {
			return fmt.Errorf("identity header is required for header identity mode")
		}
	default:
		return fmt.Errorf("invalid identity mode: %s (must be jwt or header)", c.Identity.Mode)
	}

	if c.RateLimit.PerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit values must not be negative")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if c.Observability.OTelSampleRatio < 0 || c.Observability.OTelSampleRatio > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty entries
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
