package groups

import (
	"context"
	"database/sql"

	"github.com/platinummonkey/grantline/pkg/observability"
	"github.com/platinummonkey/grantline/pkg/storage/postgres"
)

// MigrationsTable tracks which group schema migrations have run
const MigrationsTable = "groups_migrations"

// Migrations returns the user and group schema migrations in order
func Migrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     1,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					username VARCHAR(255) NOT NULL UNIQUE,
					email VARCHAR(255) NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     2,
			Description: "Create groups and group_members tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS groups (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					parent_id BIGINT REFERENCES groups(id) ON DELETE SET NULL,
					created_by BIGINT NOT NULL REFERENCES users(id),
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS group_members (
					group_id BIGINT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					added_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
					joined_at TIMESTAMP NOT NULL DEFAULT NOW(),
					PRIMARY KEY (group_id, user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members (user_id);
			`,
		},
	}
}

// RunMigrations applies the user and group schema
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	return postgres.Migrate(ctx, db, MigrationsTable, Migrations(), logger)
}
