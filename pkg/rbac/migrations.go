package rbac

import (
	"context"
	"database/sql"

	"github.com/platinummonkey/grantline/pkg/observability"
	"github.com/platinummonkey/grantline/pkg/storage/postgres"
)

// MigrationsTable tracks which permission schema migrations have run
const MigrationsTable = "rbac_migrations"

// Migrations returns the permission schema migrations in order
func Migrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     1,
			Description: "Create resources and resource_access_types tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS resources (
					id BIGSERIAL PRIMARY KEY,
					key VARCHAR(255) NOT NULL UNIQUE,
					display_name VARCHAR(255) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS resource_access_types (
					resource_key VARCHAR(255) NOT NULL REFERENCES resources(key) ON DELETE CASCADE,
					access_type VARCHAR(16) NOT NULL
						CHECK (access_type IN ('create', 'read', 'write', 'delete', 'other')),
					PRIMARY KEY (resource_key, access_type)
				);
			`,
		},
		{
			Version:     2,
			Description: "Create user_permissions and user_access_types tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_permissions (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL,
					resource_key VARCHAR(255) NOT NULL REFERENCES resources(key) ON DELETE CASCADE,
					group_id BIGINT CHECK (group_id IS NULL OR group_id > 0),
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_user_permissions_anchor
					ON user_permissions (user_id, resource_key, (COALESCE(group_id, 0)));
				CREATE INDEX IF NOT EXISTS idx_user_permissions_user_group
					ON user_permissions (user_id, group_id);

				CREATE TABLE IF NOT EXISTS user_access_types (
					user_permission_id BIGINT NOT NULL REFERENCES user_permissions(id) ON DELETE CASCADE,
					access_type VARCHAR(16) NOT NULL,
					permission BOOLEAN NOT NULL DEFAULT FALSE,
					set_permission BOOLEAN NOT NULL DEFAULT FALSE,
					set_set_permission BOOLEAN NOT NULL DEFAULT FALSE,
					PRIMARY KEY (user_permission_id, access_type),
					CHECK (permission OR set_permission OR set_set_permission)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create roles, role_permissions and role_access_types tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					value_key VARCHAR(255) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS role_permissions (
					id BIGSERIAL PRIMARY KEY,
					role_key VARCHAR(255) NOT NULL REFERENCES roles(value_key) ON DELETE CASCADE,
					resource_key VARCHAR(255) NOT NULL REFERENCES resources(key) ON DELETE CASCADE,
					UNIQUE (role_key, resource_key)
				);

				CREATE TABLE IF NOT EXISTS role_access_types (
					role_permission_id BIGINT NOT NULL REFERENCES role_permissions(id) ON DELETE CASCADE,
					access_type VARCHAR(16) NOT NULL,
					permission BOOLEAN NOT NULL DEFAULT FALSE,
					set_permission BOOLEAN NOT NULL DEFAULT FALSE,
					set_set_permission BOOLEAN NOT NULL DEFAULT FALSE,
					PRIMARY KEY (role_permission_id, access_type),
					CHECK (permission OR set_permission OR set_set_permission)
				);
			`,
		},
	}
}

// RunMigrations executes all pending permission schema migrations
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	return postgres.Migrate(ctx, db, MigrationsTable, Migrations(), logger)
}
