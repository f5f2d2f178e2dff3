package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dangsayz/12img.com-sub003/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// MigrationSet is the ordered migration list owned by one component
type MigrationSet struct {
	Component  string
	Migrations []Migration
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		component VARCHAR(64) NOT NULL,
		version INT NOT NULL,
		description TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (component, version)
	)`

// Migrate applies pending migrations for each set, in order. Each migration
// runs in its own transaction together with its bookkeeping row.
func Migrate(ctx context.Context, db *sql.DB, logger *observability.Logger, sets ...MigrationSet) error {
	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, set := range sets {
		applied, err := appliedVersions(ctx, db, set.Component)
		if err != nil {
			return err
		}

		for _, m := range set.Migrations {
			if applied[m.Version] {
				continue
			}

			logger.WithFields(map[string]interface{}{
				"component": set.Component,
				"version":   m.Version,
			}).Infof("Running migration: %s", m.Description)

			if err := applyMigration(ctx, db, set.Component, m); err != nil {
				return err
			}
		}
	}

	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB, component string) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations WHERE component = $1", component)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func applyMigration(ctx context.Context, db *sql.DB, component string, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("failed to execute %s migration %d: %w", component, m.Version, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (component, version, description) VALUES ($1, $2, $3)",
		component, m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("failed to record %s migration %d: %w", component, m.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s migration %d: %w", component, m.Version, err)
	}
	return nil
}
