package rbac

import (
	"github.com/dangsayz/12img.com-sub003/pkg/storage/postgres"
)

// GetMigrations returns the operator directory migrations
func GetMigrations() postgres.MigrationSet {
	return postgres.MigrationSet{
		Component: "rbac",
		Migrations: []postgres.Migration{
			{
				Version:     1,
				Description: "Create users table",
				SQL: `
					CREATE TABLE IF NOT EXISTS users (
						id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
						external_id VARCHAR(255) NOT NULL UNIQUE,
						email VARCHAR(320) NOT NULL,
						role VARCHAR(32) NOT NULL DEFAULT 'user',
						suspended_at TIMESTAMPTZ,
						created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
						updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
					);

					CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);
				`,
			},
			{
				Version:     2,
				Description: "Constrain user roles to the known hierarchy",
				SQL: `
					ALTER TABLE users
						ADD CONSTRAINT users_role_check
						CHECK (role IN ('user', 'support', 'admin', 'super_admin'));
				`,
			},
		},
	}
}
