// internal/database/migrations.go
//
// Versioned schema migrations
//
package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/logger"
)

// Migration represents a single schema change.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

type MigrationRunner struct {
	db  *sqlx.DB
	log *logger.Logger
}

func NewMigrationRunner(db *sqlx.DB, log *logger.Logger) *MigrationRunner {
	return &MigrationRunner{
		db:  db,
		log: log,
	}
}

// GetAllMigrations returns all available migrations in order
func GetAllMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create projects, roles, users and attributes",
			Up: `
				CREATE TABLE IF NOT EXISTS projects (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE TABLE IF NOT EXISTS roles (
					id TEXT PRIMARY KEY,
					project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
					name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					seq BIGSERIAL
				);
				CREATE INDEX IF NOT EXISTS idx_roles_project_id ON roles(project_id);

				CREATE TABLE IF NOT EXISTS users (
					id TEXT PRIMARY KEY,
					project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
					name TEXT NOT NULL,
					seq BIGSERIAL
				);
				CREATE INDEX IF NOT EXISTS idx_users_project_id ON users(project_id);

				CREATE TABLE IF NOT EXISTS user_roles (
					user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					PRIMARY KEY (user_id, role_id)
				);

				CREATE TABLE IF NOT EXISTS user_attributes (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					name TEXT NOT NULL,
					value TEXT NOT NULL,
					kind TEXT NOT NULL CHECK (kind IN ('Cookie', 'Header')),
					position INTEGER NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_user_attributes_user_id ON user_attributes(user_id);
			`,
			Down: `
				DROP TABLE IF EXISTS user_attributes CASCADE;
				DROP TABLE IF EXISTS user_roles CASCADE;
				DROP TABLE IF EXISTS users CASCADE;
				DROP TABLE IF EXISTS roles CASCADE;
				DROP TABLE IF EXISTS projects CASCADE;
			`,
		},
		{
			Version:     2,
			Description: "Create templates and template rules",
			Up: `
				CREATE TABLE IF NOT EXISTS templates (
					project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
					id TEXT NOT NULL,
					request_id TEXT NOT NULL,
					auth_success_regex TEXT NOT NULL,
					original_response_length INTEGER NOT NULL DEFAULT 0,
					meta_host TEXT NOT NULL,
					meta_port INTEGER NOT NULL,
					meta_path TEXT NOT NULL,
					meta_is_tls BOOLEAN NOT NULL,
					meta_method TEXT NOT NULL,
					seq BIGSERIAL,
					PRIMARY KEY (project_id, id)
				);

				CREATE TABLE IF NOT EXISTS template_rules (
					project_id TEXT NOT NULL,
					template_id TEXT NOT NULL,
					subject_type TEXT NOT NULL CHECK (subject_type IN ('RoleRule', 'UserRule')),
					subject_id TEXT NOT NULL,
					has_access BOOLEAN NOT NULL,
					status TEXT NOT NULL,
					position INTEGER NOT NULL,
					PRIMARY KEY (project_id, template_id, subject_type, subject_id),
					FOREIGN KEY (project_id, template_id) REFERENCES templates(project_id, id) ON DELETE CASCADE
				);
				CREATE INDEX IF NOT EXISTS idx_template_rules_subject ON template_rules(project_id, subject_type, subject_id);
			`,
			Down: `
				DROP TABLE IF EXISTS template_rules CASCADE;
				DROP TABLE IF EXISTS templates CASCADE;
			`,
		},
		{
			Version:     3,
			Description: "Create substitutions and settings",
			Up: `
				CREATE TABLE IF NOT EXISTS substitutions (
					id TEXT PRIMARY KEY,
					project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
					pattern TEXT NOT NULL,
					replacement TEXT NOT NULL,
					position INTEGER NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_substitutions_project_id ON substitutions(project_id, position);

				CREATE TABLE IF NOT EXISTS settings (
					project_id TEXT PRIMARY KEY REFERENCES projects(id) ON DELETE CASCADE,
					document JSONB NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
				);
			`,
			Down: `
				DROP TABLE IF EXISTS settings CASCADE;
				DROP TABLE IF EXISTS substitutions CASCADE;
			`,
		},
		{
			Version:     4,
			Description: "Create exchanges",
			Up: `
				CREATE TABLE IF NOT EXISTS exchanges (
					id TEXT PRIMARY KEY,
					document TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_exchanges_created_at ON exchanges(created_at);
			`,
			Down: `
				DROP TABLE IF EXISTS exchanges CASCADE;
			`,
		},
	}
}

func (mr *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			checksum TEXT NOT NULL
		);
	`

	if _, err := mr.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	return nil
}

func (mr *MigrationRunner) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	applied := make(map[int]bool)

	rows, err := mr.db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

// RunMigrations applies all pending migrations
func (mr *MigrationRunner) RunMigrations(ctx context.Context) error {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	appliedMigrations, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	allMigrations := GetAllMigrations()
	sort.Slice(allMigrations, func(i, j int) bool {
		return allMigrations[i].Version < allMigrations[j].Version
	})

	pendingCount := 0
	for _, migration := range allMigrations {
		if !appliedMigrations[migration.Version] {
			pendingCount++
		}
	}

	if pendingCount == 0 {
		mr.log.Debugw("Database schema is up to date",
			"latest_version", allMigrations[len(allMigrations)-1].Version,
		)
		return nil
	}

	mr.log.Infow("Found pending migrations", "pending_count", pendingCount)

	for _, migration := range allMigrations {
		if appliedMigrations[migration.Version] {
			continue
		}

		if err := mr.applyMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
	}

	mr.log.Infow("All migrations applied successfully", "migrations_applied", pendingCount)
	return nil
}

func (mr *MigrationRunner) applyMigration(ctx context.Context, migration Migration) error {
	mr.log.Infow("Applying migration",
		"version", migration.Version,
		"description", migration.Description,
	)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.Up); err != nil {
		mr.log.Errorw("Migration failed",
			"version", migration.Version,
			"error", err,
		)
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	checksum := fmt.Sprintf("%x", migration.Version)
	recordQuery := `
		INSERT INTO schema_migrations (version, description, applied_at, checksum)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.ExecContext(ctx, recordQuery, migration.Version, migration.Description, time.Now(), checksum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	mr.log.Infow("Migration applied successfully", "version", migration.Version)
	return nil
}

// GetMigrationStatus returns the current migration status
func (mr *MigrationRunner) GetMigrationStatus(ctx context.Context) (map[string]interface{}, error) {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	appliedMigrations, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	allMigrations := GetAllMigrations()
	latestVersion := allMigrations[len(allMigrations)-1].Version

	appliedVersion := 0
	for version := range appliedMigrations {
		if version > appliedVersion {
			appliedVersion = version
		}
	}

	pendingCount := 0
	for _, migration := range allMigrations {
		if !appliedMigrations[migration.Version] {
			pendingCount++
		}
	}

	return map[string]interface{}{
		"current_version": appliedVersion,
		"latest_version":  latestVersion,
		"pending_count":   pendingCount,
		"is_up_to_date":   pendingCount == 0,
		"applied_count":   len(appliedMigrations),
		"available_count": len(allMigrations),
	}, nil
}

// RollbackMigration reverts one applied migration.
func (mr *MigrationRunner) RollbackMigration(ctx context.Context, version int) error {
	mr.log.Warnw("Rolling back migration", "version", version)

	var migration *Migration
	for _, m := range GetAllMigrations() {
		if m.Version == version {
			m := m
			migration = &m
			break
		}
	}

	if migration == nil {
		return fmt.Errorf("migration version %d not found", version)
	}
	if migration.Down == "" {
		return fmt.Errorf("migration version %d has no rollback SQL", version)
	}

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.Down); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}

	mr.log.Infow("Migration rolled back successfully", "version", version)
	return nil
}
