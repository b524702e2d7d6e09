// Package settlement holds payouts pending human review. A hold is created
// when a payout-readiness audit shows blocking and critical failures at the
// same time; at most one hold per (tenant, order, trigger) may be awaiting
// review, and only an administrative override clears it.
package settlement

import "time"

// HoldStatus is the hold lifecycle state.
type HoldStatus string

const (
	HoldReviewRequired HoldStatus = "REVIEW_REQUIRED"
	HoldOverridden     HoldStatus = "OVERRIDDEN"
	HoldReleased       HoldStatus = "RELEASED"
)

// Hold is one payout block. Override fields are empty until an
// administrator clears the hold.
type Hold struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenantId"`
	OrderID          string     `json:"orderId"`
	Trigger          string     `json:"trigger"`
	Status           HoldStatus `json:"status"`
	RunID            string     `json:"runId"`
	ExceptionCaseID  string     `json:"exceptionCaseId,omitempty"`
	BlockingFailures int        `json:"blockingFailures"`
	CriticalFailures int        `json:"criticalFailures"`
	CreatedAt        time.Time  `json:"createdAtUtc"`

	ApprovalID           string     `json:"approvalId,omitempty"`
	OverrideRationale    string     `json:"overrideRationale,omitempty"`
	EvidenceManifestHash string     `json:"evidenceManifestHash,omitempty"`
	OverriddenBy         string     `json:"overriddenBy,omitempty"`
	OverriddenAt         *time.Time `json:"overriddenAtUtc,omitempty"`
	ReleasedAt           *time.Time `json:"releasedAtUtc,omitempty"`

	IdempotencyKey string `json:"idempotencyKey"`
}

// Active reports whether the hold still blocks payout.
func (h *Hold) Active() bool {
	return h.Status == HoldReviewRequired
}
