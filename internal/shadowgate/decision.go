// Package shadowgate computes would-allow/would-block decisions from audit
// outcomes without enforcing them. Decisions exist for observability while
// enforcement is still dark; Decide is pure and side-effect free.
package shadowgate

import (
	"freightgate/internal/audit"
	auditservice "freightgate/internal/audit/service"
)

// PolicyVersion is embedded in every decision for forward-compatible
// logging; bump it whenever Decide's mapping changes.
const PolicyVersion = "shadow-gate.v1"

// Scope names what the decision would gate.
type Scope string

const (
	ScopeEscrowSettlement  Scope = "ESCROW_SETTLEMENT"
	ScopePayoutRelease     Scope = "PAYOUT_RELEASE"
	ScopeLifecycleProgress Scope = "LIFECYCLE_PROGRESS"
)

// Verdict is the shadow outcome.
type Verdict string

const (
	WouldAllow Verdict = "WOULD_ALLOW"
	WouldBlock Verdict = "WOULD_BLOCK"
)

// Reason explains the verdict.
type Reason string

const (
	ReasonAuditRunFailed          Reason = "AUDIT_RUN_FAILED"
	ReasonBlockingFailuresPresent Reason = "BLOCKING_FAILURES_PRESENT"
	ReasonNoBlockingFailures      Reason = "NO_BLOCKING_FAILURES"
)

// Decision is the shadow gate's output. Failure counts are nil when the
// underlying audit run failed: a failed audit is unknown risk, not zero risk.
type Decision struct {
	PolicyVersion    string             `json:"policyVersion"`
	Trigger          audit.TriggerEvent `json:"trigger"`
	Scope            Scope              `json:"scope"`
	Verdict          Verdict            `json:"verdict"`
	Reason           Reason             `json:"reason"`
	RunID            string             `json:"runId,omitempty"`
	BlockingFailures *int               `json:"blockingFailures"`
	CriticalFailures *int               `json:"criticalFailures"`
}

// Decide maps an orchestration outcome to a shadow decision.
func Decide(trigger audit.TriggerEvent, outcome auditservice.Outcome) Decision {
	decision := Decision{
		PolicyVersion: PolicyVersion,
		Trigger:       trigger,
		Scope:         scopeFor(trigger),
		RunID:         outcome.RunID,
	}

	if outcome.Status != auditservice.OutcomeCompleted || outcome.Summary == nil {
		decision.Verdict = WouldBlock
		decision.Reason = ReasonAuditRunFailed
		return decision
	}

	blocking := outcome.Summary.BlockingFailures
	critical := outcome.Summary.CriticalFailures
	decision.BlockingFailures = &blocking
	decision.CriticalFailures = &critical

	if blocking > 0 {
		decision.Verdict = WouldBlock
		decision.Reason = ReasonBlockingFailuresPresent
	} else {
		decision.Verdict = WouldAllow
		decision.Reason = ReasonNoBlockingFailures
	}
	return decision
}

func scopeFor(trigger audit.TriggerEvent) Scope {
	switch trigger {
	case audit.TriggerEscrowEligible:
		return ScopeEscrowSettlement
	case audit.TriggerPayoutReady:
		return ScopePayoutRelease
	default:
		return ScopeLifecycleProgress
	}
}
