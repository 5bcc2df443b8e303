package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb/v2"
)

const defaultOutcomeBatch = 500

// DuckDBLedger implements Ledger on an embedded DuckDB file. Outcomes are buffered and
// written in batches through the DuckDB Appender API.
type DuckDBLedger struct {
	db         *sql.DB
	dbPath     string
	logger     *slog.Logger
	migrations *MigrationManager

	mu        sync.Mutex
	pending   []TargetOutcome
	batchSize int
}

// NewDuckDBLedger opens a ledger. dbPath can be ":memory:" or a file path.
func NewDuckDBLedger(dbPath string, logger *slog.Logger) (*DuckDBLedger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// single writer, as recommended for DuckDB
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBLedger{
		db:         db,
		dbPath:     dbPath,
		logger:     logger,
		migrations: NewMigrationManager(db, logger),
		batchSize:  defaultOutcomeBatch,
	}, nil
}

// Initialize applies pending schema migrations.
func (d *DuckDBLedger) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return NewStorageError("initialize", "", errors.New("database connection is closed"))
	}
	if err := d.migrations.MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "", err)
	}
	d.logger.Debug("ledger initialized", "db_path", d.dbPath)
	return nil
}

// MigrationStatus reports the schema version; it satisfies SchemaReporter.
func (d *DuckDBLedger) MigrationStatus(ctx context.Context) (*MigrationStatus, error) {
	return d.migrations.GetStatus(ctx)
}

func (d *DuckDBLedger) StartRun(ctx context.Context, run Run) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow, status, started_at, total, skipped)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.Workflow, run.Status, run.StartedAt.UTC(), int64(run.Total), int64(run.Skipped))
	if err != nil {
		return NewInsertError("runs", err)
	}
	return nil
}

// RecordOutcome buffers outcome and flushes the buffer once it reaches the batch size.
func (d *DuckDBLedger) RecordOutcome(ctx context.Context, outcome TargetOutcome) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now().UTC()
	}
	d.pending = append(d.pending, outcome)
	if len(d.pending) < d.batchSize {
		return nil
	}
	return d.flushLocked(ctx)
}

func (d *DuckDBLedger) flushLocked(ctx context.Context) error {
	if len(d.pending) == 0 {
		return nil
	}
	if d.db == nil {
		return NewInsertError("target_outcomes", errors.New("database connection is closed"))
	}

	start := time.Now()
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return NewInsertError("target_outcomes", fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	err = conn.Raw(func(dc any) error {
		driverConn, ok := dc.(*duckdb.Conn)
		if !ok {
			return errors.New("underlying connection is not a DuckDB connection")
		}

		appender, err := duckdb.NewAppenderFromConn(driverConn, "", "target_outcomes")
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}
		defer appender.Close()

		for _, o := range d.pending {
			if err := appender.AppendRow(
				o.RunID,
				o.Workflow,
				o.TargetID,
				o.Outcome,
				o.ErrorType,
				o.Error,
				int64(o.Pages),
				int64(o.Records),
				o.Duration.Milliseconds(),
				o.RecordedAt.UTC(),
			); err != nil {
				return fmt.Errorf("failed to append outcome for %s: %w", o.TargetID, err)
			}
		}
		return appender.Flush()
	})
	if err != nil {
		return NewInsertError("target_outcomes", err)
	}

	d.logger.Debug("flushed target outcomes",
		"count", len(d.pending),
		"duration", time.Since(start))
	d.pending = d.pending[:0]
	return nil
}

func (d *DuckDBLedger) FinishRun(ctx context.Context, run Run) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.flushLocked(ctx); err != nil {
		return err
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	if run.Status == "" || run.Status == RunStatusRunning {
		run.Status = RunStatusCompleted
	}

	res, err := d.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $1, finished_at = $2, total = $3, skipped = $4,
		    stored = $5, no_data = $6, failed = $7, records = $8
		WHERE id = $9`,
		run.Status, run.FinishedAt.UTC(), int64(run.Total), int64(run.Skipped),
		int64(run.Stored), int64(run.NoData), int64(run.Failed), run.Records, run.ID)
	if err != nil {
		return NewUpdateError("runs", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return NewUpdateError("runs", fmt.Errorf("%w: %s", ErrRunNotFound, run.ID))
	}
	return nil
}

func (d *DuckDBLedger) LastRun(ctx context.Context, workflow string) (*Run, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var run Run
	var finished sql.NullTime
	err := d.db.QueryRowContext(ctx, `
		SELECT id, workflow, status, started_at, finished_at,
		       total, skipped, stored, no_data, failed, records
		FROM runs
		WHERE workflow = $1
		ORDER BY started_at DESC
		LIMIT 1`, workflow).Scan(
		&run.ID, &run.Workflow, &run.Status, &run.StartedAt, &finished,
		&run.Total, &run.Skipped, &run.Stored, &run.NoData, &run.Failed, &run.Records)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, NewQueryError("runs", err)
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return &run, nil
}

func (d *DuckDBLedger) Outcomes(ctx context.Context, runID string) ([]TargetOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.flushLocked(ctx); err != nil {
		return nil, err
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT run_id, workflow, target_id, outcome,
		       COALESCE(error_type, ''), COALESCE(error_message, ''),
		       pages, records, duration_ms, recorded_at
		FROM target_outcomes
		WHERE run_id = $1
		ORDER BY recorded_at, target_id`, runID)
	if err != nil {
		return nil, NewQueryError("target_outcomes", err)
	}
	defer rows.Close()

	var outcomes []TargetOutcome
	for rows.Next() {
		var o TargetOutcome
		var durationMS int64
		if err := rows.Scan(&o.RunID, &o.Workflow, &o.TargetID, &o.Outcome,
			&o.ErrorType, &o.Error, &o.Pages, &o.Records, &durationMS, &o.RecordedAt); err != nil {
			return nil, NewQueryError("target_outcomes", err)
		}
		o.Duration = time.Duration(durationMS) * time.Millisecond
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("target_outcomes", err)
	}
	return outcomes, nil
}

func (d *DuckDBLedger) HealthCheck(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return NewStorageError("health_check", "", errors.New("database connection is closed"))
	}
	var one int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return NewStorageError("health_check", "", err)
	}
	return nil
}

// Close flushes buffered outcomes and closes the database.
func (d *DuckDBLedger) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	flushErr := d.flushLocked(context.Background())
	closeErr := d.db.Close()
	d.db = nil
	if closeErr != nil {
		return NewStorageError("close", "", fmt.Errorf("failed to close database: %w", closeErr))
	}
	return flushErr
}
