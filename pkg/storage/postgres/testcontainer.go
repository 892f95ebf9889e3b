//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDatabaseEnv names an existing database to use instead of starting a container
const TestDatabaseEnv = "GRANTLINE_TEST_POSTGRES_URL"

// SetupTestDatabase returns a migrated PostgreSQL database for integration
// tests. It connects to $GRANTLINE_TEST_POSTGRES_URL when set and starts a
// throwaway container otherwise. The test is skipped when neither is
// available.
//
// Usage:
//
//	db, cleanup := postgres.SetupTestDatabase(t, func(db *sql.DB) error {
//		return rbac.RunMigrations(context.Background(), db, nil)
//	})
//	defer cleanup()
func SetupTestDatabase(t *testing.T, migrate ...func(*sql.DB) error) (*sql.DB, func()) {
	t.Helper()

	connStr, terminate := testConnectionString(t)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	require.NoError(t, db.Ping())

	for _, m := range migrate {
		require.NoError(t, m(db), "Failed to run migrations")
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close database: %v", err)
		}
		terminate()
	}
	return db, cleanup
}

func testConnectionString(t *testing.T) (string, func()) {
	t.Helper()

	if url := os.Getenv(TestDatabaseEnv); url != "" {
		return url, func() {}
	}

	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	defer provider.Close()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("grantline_test"),
		tcpostgres.WithUsername("grantline"),
		tcpostgres.WithPassword("grantline_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return connStr, func() {
		// The test context may already be cancelled.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	}
}
