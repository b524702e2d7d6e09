// Package store persists audit runs, per-rule results, and captured
// evidence. Writes are idempotent: unique constraints derived from record
// content turn retried inserts into fetches of the existing record.
package store

import (
	"context"
	"time"

	"freightgate/internal/audit"
)

// Page size bounds for list operations.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// RunFilter narrows ListRuns. Zero values mean "no constraint". Results are
// always newest-first by start time.
type RunFilter struct {
	Status     audit.RunStatus
	Trigger    audit.TriggerEvent
	OrderID    string
	ShipmentID string
	Limit      int
}

// ClampLimit applies the page-size bounds.
func (f RunFilter) ClampLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultPageSize
	case f.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return f.Limit
	}
}

// RunStore is the durable audit-run contract. Implementations must treat
// unique-constraint violations as "already exists" and return the existing
// record (insert-or-get), never a duplicate error.
type RunStore interface {
	// CreateRun inserts the run; on a duplicate id it returns the existing
	// run unchanged.
	CreateRun(ctx context.Context, run *audit.Run) (*audit.Run, error)

	// GetRun fetches a run by id; sentinel.ErrNotFound when absent.
	GetRun(ctx context.Context, id string) (*audit.Run, error)

	// CloseRun performs the single OPEN -> CLOSED transition as a
	// conditional update. If the run is already CLOSED it returns the
	// existing record; if the run does not exist it returns
	// sentinel.ErrNotFound.
	CloseRun(ctx context.Context, id string, closedAt time.Time, closedBy string, summary audit.Summary) (*audit.Run, error)

	// AppendResults batch-inserts results for an OPEN run. Each item is
	// idempotent by its content key; the count of newly persisted items is
	// returned. A non-OPEN run yields sentinel.ErrInvalidState.
	AppendResults(ctx context.Context, runID string, results []audit.Result) (int, error)

	// AppendEvidence batch-inserts evidence for an OPEN run with the same
	// idempotency and state semantics as AppendResults.
	AppendEvidence(ctx context.Context, runID string, evidence []audit.EvidenceRecord) (int, error)

	ListRuns(ctx context.Context, filter RunFilter) ([]*audit.Run, error)
	ListResults(ctx context.Context, runID string) ([]audit.Result, error)
	ListEvidence(ctx context.Context, runID string) ([]audit.EvidenceRecord, error)
}
