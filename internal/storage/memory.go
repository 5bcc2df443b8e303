package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLedger implements Ledger in memory for tests and dry runs.
type MemoryLedger struct {
	mu       sync.RWMutex
	runs     map[string]*Run
	order    []string
	outcomes map[string][]TargetOutcome
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		runs:     make(map[string]*Run),
		outcomes: make(map[string][]TargetOutcome),
	}
}

func (m *MemoryLedger) Initialize(ctx context.Context) error { return nil }

func (m *MemoryLedger) StartRun(ctx context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return NewInsertError("runs", fmt.Errorf("duplicate run id %s", run.ID))
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	m.runs[run.ID] = &run
	m.order = append(m.order, run.ID)
	return nil
}

func (m *MemoryLedger) RecordOutcome(ctx context.Context, outcome TargetOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now().UTC()
	}
	m.outcomes[outcome.RunID] = append(m.outcomes[outcome.RunID], outcome)
	return nil
}

func (m *MemoryLedger) FinishRun(ctx context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.runs[run.ID]
	if !ok {
		return NewUpdateError("runs", fmt.Errorf("%w: %s", ErrRunNotFound, run.ID))
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	if run.Status == "" || run.Status == RunStatusRunning {
		run.Status = RunStatusCompleted
	}
	run.StartedAt = existing.StartedAt
	run.Workflow = existing.Workflow
	m.runs[run.ID] = &run
	return nil
}

func (m *MemoryLedger) LastRun(ctx context.Context, workflow string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Run
	for _, id := range m.order {
		run := m.runs[id]
		if run.Workflow != workflow {
			continue
		}
		if latest == nil || !run.StartedAt.Before(latest.StartedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, ErrRunNotFound
	}
	out := *latest
	return &out, nil
}

func (m *MemoryLedger) Outcomes(ctx context.Context, runID string) ([]TargetOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]TargetOutcome(nil), m.outcomes[runID]...), nil
}

func (m *MemoryLedger) HealthCheck(ctx context.Context) error { return nil }

func (m *MemoryLedger) Close() error { return nil }
