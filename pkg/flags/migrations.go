package flags

import (
	"github.com/dangsayz/12img.com-sub003/pkg/storage/postgres"
)

// GetMigrations returns the feature flag migrations
func GetMigrations() postgres.MigrationSet {
	return postgres.MigrationSet{
		Component: "flags",
		Migrations: []postgres.Migration{
			{
				Version:     1,
				Description: "Create feature_flags and feature_flag_history tables",
				SQL: `
					CREATE TABLE IF NOT EXISTS feature_flags (
						id UUID PRIMARY KEY,
						key VARCHAR(100) NOT NULL UNIQUE CHECK (key ~ '^[a-z][a-z0-9_]*$'),
						name VARCHAR(255) NOT NULL,
						description TEXT,
						is_enabled BOOLEAN NOT NULL DEFAULT FALSE,
						flag_type VARCHAR(20) NOT NULL
							CHECK (flag_type IN ('boolean', 'percentage', 'plan_based', 'user_list', 'date_range')),
						rollout_percentage INT NOT NULL DEFAULT 0 CHECK (rollout_percentage BETWEEN 0 AND 100),
						target_plans TEXT[] NOT NULL DEFAULT '{}',
						target_user_ids TEXT[] NOT NULL DEFAULT '{}',
						target_user_emails TEXT[] NOT NULL DEFAULT '{}',
						starts_at TIMESTAMPTZ,
						ends_at TIMESTAMPTZ,
						category VARCHAR(20) NOT NULL DEFAULT 'general'
							CHECK (category IN ('general', 'ui', 'billing', 'experimental')),
						is_killswitch BOOLEAN NOT NULL DEFAULT FALSE,
						created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
						updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
						updated_by VARCHAR(64),
						CONSTRAINT feature_flags_window_check
							CHECK (starts_at IS NULL OR ends_at IS NULL OR starts_at <= ends_at)
					);

					CREATE INDEX IF NOT EXISTS idx_feature_flags_category ON feature_flags(category, key);

					CREATE TABLE IF NOT EXISTS feature_flag_history (
						seq BIGSERIAL PRIMARY KEY,
						id UUID NOT NULL UNIQUE,
						flag_id UUID NOT NULL,
						changed_by VARCHAR(64),
						change_type VARCHAR(20) NOT NULL
							CHECK (change_type IN ('created', 'enabled', 'disabled', 'updated', 'deleted')),
						old_value JSONB,
						new_value JSONB,
						reason TEXT,
						changed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
					);

					CREATE INDEX IF NOT EXISTS idx_feature_flag_history_flag
						ON feature_flag_history(flag_id, changed_at DESC, seq DESC);
				`,
			},
			{
				Version:     2,
				Description: "Reject updates and deletes on feature_flag_history",
				SQL: `
					CREATE OR REPLACE FUNCTION feature_flag_history_immutable() RETURNS trigger AS $$
					BEGIN
						RAISE EXCEPTION 'feature_flag_history is append-only';
					END;
					$$ LANGUAGE plpgsql;

					DROP TRIGGER IF EXISTS feature_flag_history_no_mutation ON feature_flag_history;
					CREATE TRIGGER feature_flag_history_no_mutation
						BEFORE UPDATE OR DELETE ON feature_flag_history
						FOR EACH ROW EXECUTE FUNCTION feature_flag_history_immutable();
				`,
			},
			{
				Version:     3,
				Description: "Install flag evaluation functions",
				SQL: `
					CREATE OR REPLACE FUNCTION feature_flag_bucket(p_key TEXT, p_user TEXT) RETURNS INTEGER AS $$
						SELECT ((('x' || substr(encode(sha256(convert_to(p_key || ':' || p_user, 'UTF8')), 'hex'), 1, 8))::bit(32)::bigint) % 10000)::integer;
					$$ LANGUAGE sql IMMUTABLE STRICT;

					CREATE OR REPLACE FUNCTION feature_flag_matches(
						f feature_flags, p_user TEXT, p_plan TEXT, p_email TEXT, p_at TIMESTAMPTZ
					) RETURNS BOOLEAN AS $$
					DECLARE
						v_email TEXT := translate(btrim(COALESCE(p_email, ''), E' \t\r\n'),
							'ABCDEFGHIJKLMNOPQRSTUVWXYZ', 'abcdefghijklmnopqrstuvwxyz');
						v_user TEXT := COALESCE(p_user, '');
						v_plan TEXT := COALESCE(p_plan, '');
					BEGIN
						IF NOT f.is_enabled THEN
							RETURN FALSE;
						END IF;
						IF f.starts_at IS NOT NULL AND p_at < f.starts_at THEN
							RETURN FALSE;
						END IF;
						IF f.ends_at IS NOT NULL AND p_at > f.ends_at THEN
							RETURN FALSE;
						END IF;

						CASE f.flag_type
							WHEN 'boolean', 'date_range' THEN
								RETURN TRUE;
							WHEN 'percentage' THEN
								IF v_user = '' OR f.rollout_percentage <= 0 THEN
									RETURN FALSE;
								END IF;
								RETURN feature_flag_bucket(f.key, v_user) < f.rollout_percentage * 100;
							WHEN 'plan_based' THEN
								RETURN v_plan <> '' AND v_plan = ANY(f.target_plans);
							WHEN 'user_list' THEN
								IF v_user <> '' AND v_user = ANY(f.target_user_ids) THEN
									RETURN TRUE;
								END IF;
								RETURN v_email <> '' AND v_email = ANY(f.target_user_emails);
							ELSE
								RETURN FALSE;
						END CASE;
					EXCEPTION WHEN OTHERS THEN
						RETURN FALSE;
					END;
					$$ LANGUAGE plpgsql STABLE;

					CREATE OR REPLACE FUNCTION evaluate_feature_flag(
						p_key TEXT, p_user TEXT, p_plan TEXT, p_email TEXT, p_at TIMESTAMPTZ DEFAULT NOW()
					) RETURNS BOOLEAN AS $$
						SELECT COALESCE(
							(SELECT feature_flag_matches(f, p_user, p_plan, p_email, p_at)
							   FROM feature_flags f WHERE f.key = p_key),
							FALSE);
					$$ LANGUAGE sql STABLE;

					CREATE OR REPLACE FUNCTION evaluate_feature_flags(
						p_user TEXT, p_plan TEXT, p_email TEXT, p_at TIMESTAMPTZ DEFAULT NOW()
					) RETURNS TABLE (flag_key TEXT, enabled BOOLEAN) AS $$
						SELECT f.key::TEXT, feature_flag_matches(f, p_user, p_plan, p_email, p_at)
						  FROM feature_flags f
						 ORDER BY f.key;
					$$ LANGUAGE sql STABLE;
				`,
			},
		},
	}
}
