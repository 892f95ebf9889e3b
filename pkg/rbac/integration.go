package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/grantline/pkg/observability"
)

// Config holds permission engine configuration
type Config struct {
	ScopeMatch    ScopeMatch
	ReapplyPolicy ReapplyPolicy

	// CacheEnabled turns on HasPermission caching. A Redis client passed to
	// NewManager is used when present, an in-process LRU otherwise.
	CacheEnabled bool
	CacheTTL     time.Duration
	CacheSize    int
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		ScopeMatch:    ScopeMatchExact,
		ReapplyPolicy: ReapplyKeep,
		CacheEnabled:  false,
		CacheTTL:      DefaultCacheTTL,
		CacheSize:     DefaultCacheSize,
	}
}

// Dependencies are the collaborators a Manager wires into the store
type Dependencies struct {
	DB      *sql.DB
	Reader  *sql.DB
	Redis   *redis.Client
	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// Manager assembles the store, its cache and the admin handlers
type Manager struct {
	store    *Store
	handlers *Handlers
	db       *sql.DB
	logger   *observability.Logger
	config   Config
}

// NewManager creates a new engine manager
func NewManager(deps Dependencies, config Config) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	opts := []Option{
		WithReader(deps.Reader),
		WithScopeMatch(config.ScopeMatch),
		WithReapplyPolicy(config.ReapplyPolicy),
		WithMetrics(deps.Metrics),
		WithLogger(logger),
	}

	if config.CacheEnabled {
		var cache DecisionCache
		if deps.Redis != nil {
			cache = NewRedisCache(deps.Redis, config.CacheTTL,
				WithRedisCacheMetrics(deps.Metrics),
				WithRedisCacheLogger(logger),
			)
		} else {
			cache = NewLRUCache(config.CacheSize, config.CacheTTL, deps.Metrics)
		}
		opts = append(opts, WithCache(cache))
	}

	store := NewStore(deps.DB, opts...)
	return &Manager{
		store:    store,
		handlers: NewHandlers(store),
		db:       deps.DB,
		logger:   logger,
		config:   config,
	}
}

// Initialize runs migrations and seeds the built-in resources and roles
func (m *Manager) Initialize(ctx context.Context) error {
	if err := RunMigrations(ctx, m.db, m.logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := m.store.InitializeDefaults(ctx); err != nil {
		return fmt.Errorf("failed to initialize defaults: %w", err)
	}

	m.logger.WithFields(map[string]interface{}{
		"scope_match":    m.config.ScopeMatch.String(),
		"reapply_policy": m.config.ReapplyPolicy.String(),
		"cache_enabled":  m.config.CacheEnabled,
	}).Info("permission engine initialized")
	return nil
}

// RegisterRoutes registers the admin routes with a router
func (m *Manager) RegisterRoutes(router *mux.Router) {
	m.handlers.RegisterRoutes(router)
}

// Store returns the permission store
func (m *Manager) Store() *Store {
	return m.store
}
