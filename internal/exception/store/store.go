// Package store persists exception cases and their append-only event,
// evidence, and override logs. Case creation and every append are idempotent
// via unique idempotency keys; the projection row is updated with a status
// precondition instead of locks.
package store

import (
	"context"

	"freightgate/internal/exception"
)

// Page size bounds for case listings.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// CaseFilter narrows ListCases. Results are newest-first by opened time.
type CaseFilter struct {
	Status   exception.CaseStatus
	TenantID string
	OrderID  string
	Limit    int
}

// ClampLimit applies page-size bounds.
func (f CaseFilter) ClampLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultPageSize
	case f.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return f.Limit
	}
}

// Store is the durable exception-case contract.
type Store interface {
	// CreateCase inserts the case; on a duplicate idempotency key it
	// returns the existing case. The bool reports whether a fresh case was
	// created.
	CreateCase(ctx context.Context, c *exception.Case) (*exception.Case, bool, error)

	// GetCase fetches by id; sentinel.ErrNotFound when absent.
	GetCase(ctx context.Context, id string) (*exception.Case, error)

	// UpdateProjection writes the recomputed projection with a conditional
	// update requiring the stored status to equal expectStatus. On no match
	// it returns sentinel.ErrInvalidState.
	UpdateProjection(ctx context.Context, projected exception.Case, expectStatus exception.CaseStatus) (*exception.Case, error)

	// AppendEvent appends to the case log, idempotent by the event's
	// idempotency key. The bool reports whether the event is new.
	AppendEvent(ctx context.Context, e exception.Event) (exception.Event, bool, error)

	// AppendEvidence appends hash-verified evidence; rejected once the case
	// is CLOSED.
	AppendEvidence(ctx context.Context, ev exception.Evidence) (exception.Evidence, bool, error)

	// AppendOverride appends an administrative override record.
	AppendOverride(ctx context.Context, o exception.Override) (exception.Override, bool, error)

	ListCases(ctx context.Context, filter CaseFilter) ([]*exception.Case, error)
	ListEvents(ctx context.Context, caseID string) ([]exception.Event, error)
	ListEvidence(ctx context.Context, caseID string) ([]exception.Evidence, error)
	ListOverrides(ctx context.Context, caseID string) ([]exception.Override, error)
}
