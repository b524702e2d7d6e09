// Package exception tracks compliance exception cases: a finite-state case
// projection over an append-only event log, plus evidence and administrative
// override records. The event log is the source of truth; the case row's
// status and latest-event pointer are recomputed from the latest event.
package exception

import (
	"time"

	"freightgate/pkg/canonical"
)

// CaseStatus is the exception case lifecycle state.
type CaseStatus string

const (
	StatusOpen           CaseStatus = "OPEN"
	StatusInReview       CaseStatus = "IN_REVIEW"
	StatusActionRequired CaseStatus = "ACTION_REQUIRED"
	StatusResolved       CaseStatus = "RESOLVED"
	StatusClosed         CaseStatus = "CLOSED"
)

// CaseSeverity grades the incident.
type CaseSeverity string

const (
	SeverityLow      CaseSeverity = "LOW"
	SeverityMedium   CaseSeverity = "MEDIUM"
	SeverityHigh     CaseSeverity = "HIGH"
	SeverityCritical CaseSeverity = "CRITICAL"
)

// CaseOrigin records how the case came to exist.
type CaseOrigin string

const (
	OriginAuditAutomated CaseOrigin = "AUDIT_AUTOMATED"
	OriginManualFreight  CaseOrigin = "MANUAL_FREIGHT"
	OriginManualAdmin    CaseOrigin = "MANUAL_ADMIN"
)

// EventType labels entries in the case event log.
type EventType string

const (
	EventCaseOpened            EventType = "CASE_OPENED"
	EventStatusChanged         EventType = "STATUS_CHANGED"
	EventEvidenceAttached      EventType = "EVIDENCE_ATTACHED"
	EventAdminOverrideRecorded EventType = "ADMIN_OVERRIDE_RECORDED"
	EventCaseClosed            EventType = "CASE_CLOSED"
)

// OverrideDecision is the administrative decision type.
type OverrideDecision string

const (
	DecisionAllowProgress OverrideDecision = "ALLOW_PROGRESS"
	DecisionAllowPayout   OverrideDecision = "ALLOW_PAYOUT"
	DecisionManualClose   OverrideDecision = "MANUAL_CLOSE"
)

// Case is the projection row for one compliance incident.
type Case struct {
	ID             string       `json:"id"`
	TenantID       string       `json:"tenantId"`
	OrderID        string       `json:"orderId,omitempty"`
	ShipmentID     string       `json:"shipmentId,omitempty"`
	Status         CaseStatus   `json:"status"`
	Severity       CaseSeverity `json:"severity"`
	Origin         CaseOrigin   `json:"origin"`
	RunID          string       `json:"runId,omitempty"`
	Trigger        string       `json:"trigger,omitempty"`
	OpenedBy       string       `json:"openedBy"`
	OpenedAt       time.Time    `json:"openedAtUtc"`
	LatestEventID  string       `json:"latestEventId"`
	LatestEventAt  time.Time    `json:"latestEventAtUtc"`
	ClosedAt       *time.Time   `json:"closedAtUtc,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey"`
}

// Event is one append-only entry in a case's log.
type Event struct {
	ID             string         `json:"id"`
	CaseID         string         `json:"caseId"`
	Type           EventType      `json:"type"`
	FromStatus     CaseStatus     `json:"fromStatus,omitempty"`
	ToStatus       CaseStatus     `json:"toStatus,omitempty"`
	ReasonCode     string         `json:"reasonCode,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Actor          string         `json:"actor"`
	OccurredAt     time.Time      `json:"occurredAtUtc"`
	PreviousHash   string         `json:"previousHash,omitempty"`
	ContentHash    string         `json:"contentHash,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

// ChainHash computes the event's content hash over its immutable fields
// including PreviousHash, so each case's event log forms a hash chain. The
// store populates PreviousHash and ContentHash on append.
func (e Event) ChainHash() (string, error) {
	return canonical.HashHex(map[string]any{
		"id":             e.ID,
		"caseId":         e.CaseID,
		"type":           string(e.Type),
		"fromStatus":     string(e.FromStatus),
		"toStatus":       string(e.ToStatus),
		"reasonCode":     e.ReasonCode,
		"notes":          e.Notes,
		"metadata":       e.Metadata,
		"actor":          e.Actor,
		"occurredAtUtc":  e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"previousHash":   e.PreviousHash,
		"idempotencyKey": e.IdempotencyKey,
	})
}

// Evidence is an append-only, hash-verified reference attached to a case.
type Evidence struct {
	ID             string    `json:"id"`
	CaseID         string    `json:"caseId"`
	Code           string    `json:"code"`
	SourceKind     string    `json:"sourceKind"`
	ReferenceID    string    `json:"referenceId"`
	ContentHash    string    `json:"contentHash"`
	AttachedBy     string    `json:"attachedBy"`
	AttachedAt     time.Time `json:"attachedAtUtc"`
	IdempotencyKey string    `json:"idempotencyKey"`
}

// Override is an administrative decision recorded against a case.
type Override struct {
	ID                   string           `json:"id"`
	CaseID               string           `json:"caseId"`
	Decision             OverrideDecision `json:"decision"`
	ApprovalID           string           `json:"approvalId"`
	Rationale            string           `json:"rationale"`
	EvidenceManifestHash string           `json:"evidenceManifestHash"`
	Actor                string           `json:"actor"`
	RecordedAt           time.Time        `json:"recordedAtUtc"`
	IdempotencyKey       string           `json:"idempotencyKey"`
}

// ReplayBundle is the deterministic export of a full case: the projection
// plus every event, evidence record, and override, each sorted by
// (timestamp, id), and a SHA-256 manifest hash over the canonical payload.
type ReplayBundle struct {
	Case         *Case      `json:"case"`
	Events       []Event    `json:"events"`
	Evidence     []Evidence `json:"evidence"`
	Overrides    []Override `json:"overrides"`
	ManifestHash string     `json:"manifestHash"`
}
