// Package storage keeps the run ledger: one row per ingestion run and one row per
// target processed in it. The ledger is an audit trail only; resume decisions are
// always derived from the output files on disk.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-polymarket-ingest/internal/config"
)

// Run status values
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusCanceled  = "canceled"
)

// OutcomeFailed is the outcome recorded for a target that will be retried.
const OutcomeFailed = "failed"

// ErrRunNotFound is returned when no run matches a lookup.
var ErrRunNotFound = errors.New("run not found")

// Run is one invocation of a workflow.
type Run struct {
	ID         string    `json:"id"`
	Workflow   string    `json:"workflow"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	Total   int   `json:"total"`
	Skipped int   `json:"skipped"`
	Stored  int   `json:"stored"`
	NoData  int   `json:"no_data"`
	Failed  int   `json:"failed"`
	Records int64 `json:"records"`
}

// TargetOutcome is the result of processing one target within a run.
type TargetOutcome struct {
	RunID      string        `json:"run_id"`
	Workflow   string        `json:"workflow"`
	TargetID   string        `json:"target_id"`
	Outcome    string        `json:"outcome"`
	ErrorType  string        `json:"error_type,omitempty"`
	Error      string        `json:"error,omitempty"`
	Pages      int           `json:"pages"`
	Records    int           `json:"records"`
	Duration   time.Duration `json:"duration"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Ledger records runs and per-target outcomes.
type Ledger interface {
	Initialize(ctx context.Context) error
	StartRun(ctx context.Context, run Run) error
	RecordOutcome(ctx context.Context, outcome TargetOutcome) error
	FinishRun(ctx context.Context, run Run) error
	// LastRun returns the most recently started run of workflow, or ErrRunNotFound.
	LastRun(ctx context.Context, workflow string) (*Run, error)
	Outcomes(ctx context.Context, runID string) ([]TargetOutcome, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// SchemaReporter is implemented by ledgers with a versioned schema.
type SchemaReporter interface {
	MigrationStatus(ctx context.Context) (*MigrationStatus, error)
}

// FailedTargets returns the failed outcomes of runID, the targets the next run retries.
func FailedTargets(ctx context.Context, l Ledger, runID string) ([]TargetOutcome, error) {
	outcomes, err := l.Outcomes(ctx, runID)
	if err != nil {
		return nil, err
	}
	var failed []TargetOutcome
	for _, o := range outcomes {
		if o.Outcome == OutcomeFailed {
			failed = append(failed, o)
		}
	}
	return failed, nil
}

// NewLedger creates the ledger selected by cfg.
func NewLedger(cfg config.LedgerConfig, logger *slog.Logger) (Ledger, error) {
	switch cfg.Type {
	case "duckdb":
		return NewDuckDBLedger(cfg.Path, logger)
	case "memory":
		return NewMemoryLedger(), nil
	default:
		return nil, fmt.Errorf("unsupported ledger type: %s", cfg.Type)
	}
}

// StorageError provides detailed error information for ledger operations.
type StorageError struct {
	// Operation is the ledger operation that failed (e.g., "insert", "query")
	Operation string

	// Table is the database table involved in the operation
	Table string

	// Err is the underlying error that caused the failure
	Err error
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Err:       err,
	}
}

// NewQueryError creates a StorageError for query operations.
func NewQueryError(table string, err error) *StorageError {
	return NewStorageError("query", table, err)
}

// NewInsertError creates a StorageError for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return NewStorageError("insert", table, err)
}

// NewUpdateError creates a StorageError for update operations.
func NewUpdateError(table string, err error) *StorageError {
	return NewStorageError("update", table, err)
}
