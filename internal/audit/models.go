// Package audit holds the core freight compliance audit model: trigger
// events, rule severities, audit runs, per-rule results, and captured
// evidence. Runs own their results and evidence; both are append-only while
// the run is OPEN and frozen once it is CLOSED.
package audit

import "time"

// TriggerEvent is a named lifecycle milestone that activates a subset of
// catalog rules.
type TriggerEvent string

const (
	TriggerBooked         TriggerEvent = "BOOKED"
	TriggerPickedUp       TriggerEvent = "PICKED_UP"
	TriggerInTransit      TriggerEvent = "IN_TRANSIT"
	TriggerCustomsHold    TriggerEvent = "CUSTOMS_HOLD"
	TriggerDelivered      TriggerEvent = "DELIVERED"
	TriggerPodConfirmed   TriggerEvent = "POD_CONFIRMED"
	TriggerEscrowEligible TriggerEvent = "ESCROW_ELIGIBLE"
	TriggerPayoutReady    TriggerEvent = "PAYOUT_READY"
)

// Severity grades how bad a rule failure is.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityMajor    Severity = "MAJOR"
	SeverityMinor    Severity = "MINOR"
)

// EscalationLevel decides what a failure does downstream. BLOCK_ESCROW
// failures feed the summary's blocking count and can gate settlement.
type EscalationLevel string

const (
	EscalationLogOnly        EscalationLevel = "LOG_ONLY"
	EscalationReviewRequired EscalationLevel = "REVIEW_REQUIRED"
	EscalationEscalate       EscalationLevel = "ESCALATE"
	EscalationBlockEscrow    EscalationLevel = "BLOCK_ESCROW"
)

// RunStatus is the audit run lifecycle. The only legal mutation of a run is
// the single OPEN -> CLOSED transition.
type RunStatus string

const (
	RunStatusOpen   RunStatus = "OPEN"
	RunStatusClosed RunStatus = "CLOSED"
)

// Linkage ties a run to marketplace entities. All fields optional.
type Linkage struct {
	TenantID   string `json:"tenantId,omitempty"`
	OrderID    string `json:"orderId,omitempty"`
	ShipmentID string `json:"shipmentId,omitempty"`
	SupplierID string `json:"supplierId,omitempty"`
}

// Summary aggregates a closed run's verdicts.
type Summary struct {
	TotalRules       int `json:"totalRules"`
	FailedRules      int `json:"failedRules"`
	CriticalFailures int `json:"criticalFailures"`
	BlockingFailures int `json:"blockingFailures"`
}

// Run is one evaluation invocation.
type Run struct {
	ID             string       `json:"id"`
	RuleSetVersion string       `json:"ruleSetVersion"`
	Trigger        TriggerEvent `json:"trigger"`
	Status         RunStatus    `json:"status"`
	ContextHash    string       `json:"contextHash"`
	Linkage        Linkage      `json:"linkage"`
	StartedAt      time.Time    `json:"startedAtUtc"`
	ClosedAt       *time.Time   `json:"closedAtUtc,omitempty"`
	CreatedBy      string       `json:"createdBy"`
	ClosedBy       string       `json:"closedBy,omitempty"`
	Summary        *Summary     `json:"summary,omitempty"`
}

// Result is one rule's verdict within a run, uniquely keyed by (run, rule).
type Result struct {
	RunID           string          `json:"runId"`
	RuleID          string          `json:"ruleId"`
	Passed          bool            `json:"passed"`
	Severity        Severity        `json:"severity"`
	Escalation      EscalationLevel `json:"escalation"`
	MissingEvidence []string        `json:"missingEvidence"`
	EvaluatedAt     time.Time       `json:"evaluatedAtUtc"`
	EvaluatorKey    string          `json:"evaluatorKey"`
}

// Key is the result's content-derived idempotency key.
func (r Result) Key() string {
	return r.RunID + "|" + r.RuleID
}

// EvidenceRecord is a captured reference supporting one rule within a run.
// ContentHash must be 64-character hex SHA-256.
type EvidenceRecord struct {
	RunID       string    `json:"runId"`
	RuleID      string    `json:"ruleId"`
	Code        string    `json:"code"`
	SourceKind  string    `json:"sourceKind"`
	ReferenceID string    `json:"referenceId"`
	ContentHash string    `json:"contentHash"`
	CapturedAt  time.Time `json:"capturedAtUtc"`
}

// Key is the evidence record's content-derived idempotency key.
func (e EvidenceRecord) Key() string {
	return e.RunID + "|" + e.RuleID + "|" + e.Code + "|" + e.ReferenceID + "|" + e.ContentHash
}
