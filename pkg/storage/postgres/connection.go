package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/grantline/pkg/observability"
)

// ConnectionManager manages PostgreSQL primary and read replica connections.
// Writes and transactions go to the primary; permission queries may read
// from a replica.
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32 // round-robin cursor
	mu       sync.RWMutex
	config   ConnectionConfig
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// NewConnectionManager opens the primary and every reachable replica.
// An unreachable primary is an error; unreachable replicas are logged and skipped.
func NewConnectionManager(config ConnectionConfig, logger *observability.Logger) (*ConnectionManager, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	cm := &ConnectionManager{
		config:   config,
		replicas: make([]*sql.DB, 0, len(config.ReplicaURLs)),
		logger:   logger,
	}

	primary, err := cm.open(config.PrimaryURL, config.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary connection: %w", err)
	}
	if err := cm.ping(primary); err != nil {
		primary.Close()
		return nil, fmt.Errorf("failed to ping primary: %w", err)
	}
	cm.primary = primary

	for i, replicaURL := range config.ReplicaURLs {
		replica, err := cm.open(replicaURL, replicaPoolSize(config.MaxConns))
		if err != nil {
			logger.WithError(err).WithField("replica", i).Warn("failed to open replica")
			continue
		}
		if err := cm.ping(replica); err != nil {
			logger.WithError(err).WithField("replica", i).Warn("failed to ping replica")
			replica.Close()
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	logger.WithField("replicas", len(cm.replicas)).Info("connection manager initialized")
	return cm, nil
}

func replicaPoolSize(maxConns int) int {
	if n := maxConns / 2; n >= 2 {
		return n
	}
	return 2
}

func (cm *ConnectionManager) open(url string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(cm.config.MinConns)
	db.SetConnMaxLifetime(cm.config.MaxLifetime)
	db.SetConnMaxIdleTime(cm.config.MaxIdleTime)
	return db, nil
}

func (cm *ConnectionManager) ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), cm.config.Timeout)
	defer cancel()
	return db.PingContext(ctx)
}

// WithMetrics makes the health check routine publish pool statistics
func (cm *ConnectionManager) WithMetrics(m *observability.Metrics) *ConnectionManager {
	cm.metrics = m
	return cm
}

// Primary returns the primary database connection (for writes)
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read replica using round-robin selection.
// Falls back to primary if no replicas are available.
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.replicas) == 0 {
		return cm.primary
	}

	index := atomic.AddUint32(&cm.current, 1)
	return cm.replicas[int(index%uint32(len(cm.replicas)))]
}

// AllReplicas returns all replica connections
func (cm *ConnectionManager) AllReplicas() []*sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	replicas := make([]*sql.DB, len(cm.replicas))
	copy(replicas, cm.replicas)
	return replicas
}

// HealthCheck checks the primary and the replicas. Losing some replicas is
// tolerated; losing all of them is reported.
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}

	replicas := cm.AllReplicas()
	var unhealthy []string
	for i, replica := range replicas {
		if err := replica.PingContext(ctx); err != nil {
			unhealthy = append(unhealthy, fmt.Sprintf("replica-%d", i))
		}
	}

	if len(unhealthy) > 0 && len(unhealthy) == len(replicas) {
		return fmt.Errorf("all replicas unhealthy: %s", strings.Join(unhealthy, ", "))
	}
	return nil
}

// ConnectionStats holds statistics for all database connections
type ConnectionStats struct {
	Primary  sql.DBStats
	Replicas []sql.DBStats
}

// Stats returns connection pool statistics for primary and replicas
func (cm *ConnectionManager) Stats() ConnectionStats {
	stats := ConnectionStats{Primary: cm.primary.Stats()}

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats.Replicas = make([]sql.DBStats, len(cm.replicas))
	for i, replica := range cm.replicas {
		stats.Replicas[i] = replica.Stats()
	}
	return stats
}

// RemoveUnhealthyReplicas closes and drops replicas that fail a ping
func (cm *ConnectionManager) RemoveUnhealthyReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	healthy := make([]*sql.DB, 0, len(cm.replicas))
	removed := 0
	for _, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			replica.Close()
			removed++
			continue
		}
		healthy = append(healthy, replica)
	}

	cm.replicas = healthy
	return removed
}

// Close closes all database connections
func (cm *ConnectionManager) Close() error {
	var errs []error

	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary close error: %w", err))
	}

	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d close error: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// StartHealthCheckRoutine drops unhealthy replicas on every tick until ctx
// is cancelled
func (cm *ConnectionManager) StartHealthCheckRoutine(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		defer func() {
			if r := recover(); r != nil {
				cm.logger.WithFields(map[string]interface{}{
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("replica health check panicked")
			}
		}()

		for {
			select {
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				removed := cm.RemoveUnhealthyReplicas(checkCtx)
				cancel()

				if removed > 0 {
					cm.logger.WithField("removed", removed).Warn("removed unhealthy replicas")
				}
				if cm.metrics != nil {
					cm.metrics.RecordDBStats(cm.primary.Stats())
				}

			case <-ctx.Done():
				return
			}
		}
	}()
}
