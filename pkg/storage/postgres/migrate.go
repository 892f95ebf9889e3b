package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/platinummonkey/grantline/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

var trackingTableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Migrate applies every migration whose version is not yet recorded in the
// tracking table. Each migration runs in its own transaction together with
// its tracking row.
func Migrate(ctx context.Context, db *sql.DB, table string, migrations []Migration, logger *observability.Logger) error {
	if !trackingTableName.MatchString(table) {
		return fmt.Errorf("invalid migrations table name %q", table)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM "+table+" ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		logger.WithFields(map[string]interface{}{
			"table":       table,
			"version":     m.Version,
			"description": m.Description,
		}).Info("running migration")

		if err := applyMigration(ctx, db, table, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, table string, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO "+table+" (version, description) VALUES ($1, $2)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
	}
	return nil
}
