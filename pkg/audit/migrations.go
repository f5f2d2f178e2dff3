package audit

import (
	"github.com/dangsayz/12img.com-sub003/pkg/storage/postgres"
)

// GetMigrations returns the audit log migrations
func GetMigrations() postgres.MigrationSet {
	return postgres.MigrationSet{
		Component: "audit",
		Migrations: []postgres.Migration{
			{
				Version:     1,
				Description: "Create admin_audit_logs table",
				SQL: `
					CREATE TABLE IF NOT EXISTS admin_audit_logs (
						id UUID PRIMARY KEY,
						admin_id VARCHAR(64) NOT NULL,
						admin_email VARCHAR(320) NOT NULL,
						admin_role VARCHAR(32) NOT NULL,
						action VARCHAR(100) NOT NULL,
						target_type VARCHAR(50),
						target_id VARCHAR(255),
						target_identifier VARCHAR(255),
						metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
						ip_address VARCHAR(45),
						user_agent TEXT,
						request_id VARCHAR(100),
						created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
					);

					CREATE INDEX IF NOT EXISTS idx_admin_audit_logs_created_at ON admin_audit_logs(created_at DESC);
					CREATE INDEX IF NOT EXISTS idx_admin_audit_logs_action ON admin_audit_logs(action);
					CREATE INDEX IF NOT EXISTS idx_admin_audit_logs_admin_id ON admin_audit_logs(admin_id);
					CREATE INDEX IF NOT EXISTS idx_admin_audit_logs_target ON admin_audit_logs(target_type, target_id);
				`,
			},
			{
				Version:     2,
				Description: "Reject updates and deletes on admin_audit_logs",
				SQL: `
					CREATE OR REPLACE FUNCTION admin_audit_logs_immutable() RETURNS trigger AS $$
					BEGIN
						RAISE EXCEPTION 'admin_audit_logs is append-only';
					END;
					$$ LANGUAGE plpgsql;

					DROP TRIGGER IF EXISTS admin_audit_logs_no_mutation ON admin_audit_logs;
					CREATE TRIGGER admin_audit_logs_no_mutation
						BEFORE UPDATE OR DELETE ON admin_audit_logs
						FOR EACH ROW EXECUTE FUNCTION admin_audit_logs_immutable();
				`,
			},
		},
	}
}
