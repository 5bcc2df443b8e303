package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Migration represents a single database migration with version and implementation
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, db *sql.Tx) error
}

// AppliedMigration describes a migration recorded in schema_migrations.
type AppliedMigration struct {
	Version       int
	Description   string
	AppliedAt     time.Time
	ExecutionTime time.Duration
}

// MigrationStatus summarizes the schema version of a ledger database.
type MigrationStatus struct {
	CurrentVersion    int
	LatestVersion     int
	AppliedMigrations []AppliedMigration
	PendingMigrations int
}

// MigrationManager handles database schema migrations for DuckDB
type MigrationManager struct {
	db      *sql.DB
	logger  *slog.Logger
	migrate []Migration
}

// NewMigrationManager creates a new migration manager instance
func NewMigrationManager(db *sql.DB, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &MigrationManager{
		db:      db,
		logger:  logger,
		migrate: getAllMigrations(),
	}
}

// Initialize creates the migrations table if it doesn't exist
func (m *MigrationManager) Initialize(ctx context.Context) error {
	createMigrationsTable := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`

	if _, err := m.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// Migrate runs all pending migrations up to the target version
func (m *MigrationManager) Migrate(ctx context.Context, targetVersion int) error {
	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize migration manager: %w", err)
	}

	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		return err
	}

	if currentVersion >= targetVersion {
		m.logger.Debug("no migrations to run", "current_version", currentVersion)
		return nil
	}

	applied := 0
	for _, migration := range m.migrate {
		if migration.Version <= currentVersion || migration.Version > targetVersion {
			continue
		}
		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}
		applied++
	}

	m.logger.Info("ledger migrations applied",
		"from_version", currentVersion,
		"to_version", targetVersion,
		"migrations_run", applied)
	return nil
}

// MigrateToLatest runs all available migrations
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	if len(m.migrate) == 0 {
		return nil
	}
	return m.Migrate(ctx, m.migrate[len(m.migrate)-1].Version)
}

// GetStatus returns the current migration status
func (m *MigrationManager) GetStatus(ctx context.Context) (*MigrationStatus, error) {
	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		return nil, err
	}

	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	status := &MigrationStatus{
		CurrentVersion:    currentVersion,
		AppliedMigrations: applied,
	}
	for _, migration := range m.migrate {
		status.LatestVersion = max(status.LatestVersion, migration.Version)
		if migration.Version > currentVersion {
			status.PendingMigrations++
		}
	}
	return status, nil
}

// runMigration executes a single migration with timing and error handling
func (m *MigrationManager) runMigration(ctx context.Context, migration Migration) error {
	start := time.Now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}

	insertQuery := `
		INSERT INTO schema_migrations (version, description, applied_at, execution_time)
		VALUES ($1, $2, $3, $4)`
	if _, err := tx.ExecContext(ctx, insertQuery,
		migration.Version,
		migration.Description,
		start,
		time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	m.logger.Debug("migration applied",
		"version", migration.Version,
		"description", migration.Description,
		"duration", time.Since(start))
	return nil
}

// getCurrentVersion returns the highest applied migration version
func (m *MigrationManager) getCurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// getAppliedMigrations returns list of applied migrations with metadata
func (m *MigrationManager) getAppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT version, description, applied_at, execution_time
		FROM schema_migrations
		ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var migrations []AppliedMigration
	for rows.Next() {
		var migration AppliedMigration
		var executionTime int64
		if err := rows.Scan(
			&migration.Version,
			&migration.Description,
			&migration.AppliedAt,
			&executionTime,
		); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		migration.ExecutionTime = time.Duration(executionTime)
		migrations = append(migrations, migration)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migration rows: %w", err)
	}
	return migrations, nil
}

// getAllMigrations returns the complete list of available migrations
func getAllMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Initial schema - runs and target outcomes",
			Up:          migrationV1Up,
		},
		{
			Version:     2,
			Description: "Add lookup indexes for status queries",
			Up:          migrationV2Up,
		},
	}
}

func execAll(ctx context.Context, tx *sql.Tx, queries []string) error {
	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// Migration V1: runs and per-target outcomes
func migrationV1Up(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR PRIMARY KEY,
			workflow VARCHAR NOT NULL,
			status VARCHAR NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			total BIGINT NOT NULL DEFAULT 0,
			skipped BIGINT NOT NULL DEFAULT 0,
			stored BIGINT NOT NULL DEFAULT 0,
			no_data BIGINT NOT NULL DEFAULT 0,
			failed BIGINT NOT NULL DEFAULT 0,
			records BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS target_outcomes (
			run_id VARCHAR NOT NULL,
			workflow VARCHAR NOT NULL,
			target_id VARCHAR NOT NULL,
			outcome VARCHAR NOT NULL,
			error_type VARCHAR,
			error_message VARCHAR,
			pages BIGINT NOT NULL DEFAULT 0,
			records BIGINT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			recorded_at TIMESTAMPTZ NOT NULL
		)`,
	})
}

// Migration V2: indexes
func migrationV2Up(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		"CREATE INDEX IF NOT EXISTS idx_runs_workflow_started ON runs (workflow, started_at)",
		"CREATE INDEX IF NOT EXISTS idx_outcomes_run ON target_outcomes (run_id)",
		"CREATE INDEX IF NOT EXISTS idx_outcomes_target ON target_outcomes (workflow, target_id)",
	})
}
