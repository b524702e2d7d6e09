// Package store persists settlement holds. The schema enforces the core
// invariant with a partial unique index: at most one REVIEW_REQUIRED hold
// per (tenant, order, trigger). Clearing a hold is a conditional update.
package store

import (
	"context"
	"time"

	"freightgate/internal/settlement"
)

// Page size bounds for hold listings.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// HoldFilter narrows ListHolds. Results are newest-first.
type HoldFilter struct {
	Status   settlement.HoldStatus
	TenantID string
	OrderID  string
	Limit    int
}

// ClampLimit applies page-size bounds.
func (f HoldFilter) ClampLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultPageSize
	case f.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return f.Limit
	}
}

// OverrideInput carries everything needed to clear a hold.
type OverrideInput struct {
	ApprovalID           string
	Rationale            string
	EvidenceManifestHash string
	Actor                string
	At                   time.Time
}

// Store is the durable settlement hold contract.
type Store interface {
	// CreateHold inserts the hold. A duplicate idempotency key or a second
	// active hold for the same (tenant, order, trigger) returns the
	// existing active hold instead; the bool reports whether a fresh hold
	// was created.
	CreateHold(ctx context.Context, h *settlement.Hold) (*settlement.Hold, bool, error)

	// GetHold fetches by id; sentinel.ErrNotFound when absent.
	GetHold(ctx context.Context, id string) (*settlement.Hold, error)

	// FindLatestHold returns the newest hold for (tenant, order, trigger),
	// any status, or sentinel.ErrNotFound.
	FindLatestHold(ctx context.Context, tenantID, orderID, trigger string) (*settlement.Hold, error)

	// OverrideHold conditionally moves REVIEW_REQUIRED to OVERRIDDEN,
	// recording the override fields. A hold already OVERRIDDEN is returned
	// unchanged; any other status is sentinel.ErrInvalidState.
	OverrideHold(ctx context.Context, id string, in OverrideInput) (*settlement.Hold, error)

	// ReleaseHold conditionally moves REVIEW_REQUIRED to RELEASED.
	ReleaseHold(ctx context.Context, id string, at time.Time) (*settlement.Hold, error)

	ListHolds(ctx context.Context, filter HoldFilter) ([]*settlement.Hold, error)
}
