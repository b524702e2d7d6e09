// Package catalog is the versioned freight compliance rule table. The
// catalog is pure data: trigger membership, severity, escalation, and
// required evidence per rule. Evaluator behavior lives in the engine's
// registry, keyed by each rule's EvaluatorKey.
package catalog

import (
	"fmt"
	"sort"

	"freightgate/internal/audit"
)

// RuleSetVersion identifies the published catalog as a whole. Rule identity
// plus rule-set version is immutable once published.
const RuleSetVersion = "freight-baseline.v1"

// expectedRuleCount is asserted by Validate at boot so a partial edit of the
// table cannot ship silently.
const expectedRuleCount = 12

// EvidenceSpec declares one evidence requirement of a rule.
type EvidenceSpec struct {
	Code       string
	SourceKind string
	Required   bool
}

// Rule is an immutable catalog entry.
type Rule struct {
	ID               string
	Title            string
	Severity         audit.Severity
	Escalation       audit.EscalationLevel
	Blocking         bool
	LifecycleStage   string
	Triggers         []audit.TriggerEvent
	ResponsibleParty string
	EvaluatorKey     string
	RequiredEvidence []EvidenceSpec
}

// AppliesTo reports trigger-event membership.
func (r Rule) AppliesTo(trigger audit.TriggerEvent) bool {
	for _, t := range r.Triggers {
		if t == trigger {
			return true
		}
	}
	return false
}

// RequiredEvidenceCodes returns the codes of evidence marked required,
// sorted for deterministic comparisons.
func (r Rule) RequiredEvidenceCodes() []string {
	codes := make([]string, 0, len(r.RequiredEvidence))
	for _, spec := range r.RequiredEvidence {
		if spec.Required {
			codes = append(codes, spec.Code)
		}
	}
	sort.Strings(codes)
	return codes
}

var rules = []Rule{
	{
		ID:               "F-01",
		Title:            "Carrier operating license is current",
		Severity:         audit.SeverityMajor,
		Escalation:       audit.EscalationReviewRequired,
		LifecycleStage:   "booking",
		Triggers:         []audit.TriggerEvent{audit.TriggerBooked},
		ResponsibleParty: "CARRIER",
		EvaluatorKey:     "carrierLicenseCurrent",
		RequiredEvidence: []EvidenceSpec{{Code: "CARRIER_LICENSE", SourceKind: "DOCUMENT", Required: true}},
	},
	{
		ID:               "F-02",
		Title:            "Dangerous goods declaration filed when cargo class requires it",
		Severity:         audit.SeverityCritical,
		Escalation:       audit.EscalationEscalate,
		LifecycleStage:   "booking",
		Triggers:         []audit.TriggerEvent{audit.TriggerBooked},
		ResponsibleParty: "SHIPPER",
		EvaluatorKey:     "dangerousGoodsDeclared",
		RequiredEvidence: []EvidenceSpec{{Code: "DG_DECLARATION", SourceKind: "DOCUMENT", Required: true}},
	},
	{
		ID:               "F-03",
		Title:            "Pickup scan recorded at origin",
		Severity:         audit.SeverityMinor,
		Escalation:       audit.EscalationLogOnly,
		LifecycleStage:   "pickup",
		Triggers:         []audit.TriggerEvent{audit.TriggerPickedUp},
		ResponsibleParty: "CARRIER",
		EvaluatorKey:     "pickupScanRecorded",
		RequiredEvidence: []EvidenceSpec{{Code: "PICKUP_SCAN", SourceKind: "WEBHOOK_EVENT", Required: true}},
	},
	{
		ID:               "F-04",
		Title:            "Route telemetry within contracted corridor",
		Severity:         audit.SeverityMinor,
		Escalation:       audit.EscalationLogOnly,
		LifecycleStage:   "transit",
		Triggers:         []audit.TriggerEvent{audit.TriggerInTransit},
		ResponsibleParty: "CARRIER",
		EvaluatorKey:     "routeWithinCorridor",
		RequiredEvidence: []EvidenceSpec{{Code: "TELEMETRY_FEED", SourceKind: "SYSTEM", Required: false}},
	},
	{
		ID:               "F-05",
		Title:            "Customs entry documentation complete",
		Severity:         audit.SeverityCritical,
		Escalation:       audit.EscalationBlockEscrow,
		Blocking:         true,
		LifecycleStage:   "customs",
		Triggers:         []audit.TriggerEvent{audit.TriggerCustomsHold},
		ResponsibleParty: "BROKER",
		EvaluatorKey:     "customsEntryComplete",
		RequiredEvidence: []EvidenceSpec{{Code: "CUSTOMS_ENTRY", SourceKind: "DOCUMENT", Required: true}},
	},
	{
		ID:               "F-06",
		Title:            "HS codes consistent between invoice and entry",
		Severity:         audit.SeverityMajor,
		Escalation:       audit.EscalationReviewRequired,
		LifecycleStage:   "customs",
		Triggers:         []audit.TriggerEvent{audit.TriggerCustomsHold},
		ResponsibleParty: "BROKER",
		EvaluatorKey:     "hsCodesConsistent",
		RequiredEvidence: []EvidenceSpec{{Code: "COMMERCIAL_INVOICE", SourceKind: "DOCUMENT", Required: true}},
	},
	{
		ID:               "F-07",
		Title:            "Proof of delivery captured",
		Severity:         audit.SeverityMajor,
		Escalation:       audit.EscalationReviewRequired,
		LifecycleStage:   "delivery",
		Triggers:         []audit.TriggerEvent{audit.TriggerDelivered},
		ResponsibleParty: "CARRIER",
		EvaluatorKey:     "podCaptured",
		RequiredEvidence: []EvidenceSpec{{Code: "POD_DOCUMENT", SourceKind: "DOCUMENT", Required: true}},
	},
	{
		ID:               "F-08",
		Title:            "POD signatory matches consignee of record",
		Severity:         audit.SeverityCritical,
		Escalation:       audit.EscalationEscalate,
		LifecycleStage:   "delivery",
		Triggers:         []audit.TriggerEvent{audit.TriggerPodConfirmed},
		ResponsibleParty: "CARRIER",
		EvaluatorKey:     "podSignatoryMatches",
		RequiredEvidence: []EvidenceSpec{{Code: "POD_SIGNATURE", SourceKind: "DOCUMENT", Required: true}},
	},
	{
		ID:               "F-09",
		Title:            "No open damage or loss claim on the shipment",
		Severity:         audit.SeverityCritical,
		Escalation:       audit.EscalationBlockEscrow,
		Blocking:         true,
		LifecycleStage:   "settlement",
		Triggers:         []audit.TriggerEvent{audit.TriggerEscrowEligible},
		ResponsibleParty: "PLATFORM",
		EvaluatorKey:     "noOpenClaims",
		RequiredEvidence: []EvidenceSpec{{Code: "CLAIMS_REGISTER", SourceKind: "SYSTEM", Required: true}},
	},
	{
		ID:               "F-10",
		Title:            "Supplier clear of sanctions screening",
		Severity:         audit.SeverityCritical,
		Escalation:       audit.EscalationBlockEscrow,
		Blocking:         true,
		LifecycleStage:   "settlement",
		Triggers:         []audit.TriggerEvent{audit.TriggerEscrowEligible, audit.TriggerPayoutReady},
		ResponsibleParty: "PLATFORM",
		EvaluatorKey:     "supplierSanctionsClear",
		RequiredEvidence: []EvidenceSpec{{Code: "SANCTIONS_SCREEN", SourceKind: "SYSTEM", Required: true}},
	},
	{
		ID:               "F-11",
		Title:            "Settlement amount matches rate confirmation",
		Severity:         audit.SeverityCritical,
		Escalation:       audit.EscalationBlockEscrow,
		Blocking:         true,
		LifecycleStage:   "payout",
		Triggers:         []audit.TriggerEvent{audit.TriggerPayoutReady},
		ResponsibleParty: "PLATFORM",
		EvaluatorKey:     "settlementMatchesRateCon",
		RequiredEvidence: []EvidenceSpec{{Code: "RATE_CONFIRMATION", SourceKind: "DOCUMENT", Required: true}},
	},
	{
		ID:               "F-12",
		Title:            "Supplier payout bank details verified",
		Severity:         audit.SeverityCritical,
		Escalation:       audit.EscalationBlockEscrow,
		Blocking:         true,
		LifecycleStage:   "payout",
		Triggers:         []audit.TriggerEvent{audit.TriggerPayoutReady},
		ResponsibleParty: "SUPPLIER",
		EvaluatorKey:     "bankDetailsVerified",
		RequiredEvidence: []EvidenceSpec{{Code: "BANK_VERIFICATION", SourceKind: "SYSTEM", Required: true}},
	},
}

// All returns the full catalog in declaration order (sorted by id).
func All() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// ByID looks up a single rule.
func ByID(id string) (Rule, bool) {
	for _, r := range rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// ForTrigger returns rules whose trigger set contains the event, sorted by
// rule id so evaluation order is deterministic.
func ForTrigger(trigger audit.TriggerEvent) []Rule {
	var out []Rule
	for _, r := range rules {
		if r.AppliesTo(trigger) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Validate asserts catalog integrity. Call it at boot and fail fast: a
// mis-sized or duplicated table means a bad edit, not a runtime condition.
func Validate() error {
	if len(rules) != expectedRuleCount {
		return fmt.Errorf("catalog %s: expected %d rules, found %d", RuleSetVersion, expectedRuleCount, len(rules))
	}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if seen[r.ID] {
			return fmt.Errorf("catalog %s: duplicate rule id %s", RuleSetVersion, r.ID)
		}
		seen[r.ID] = true
		if len(r.Triggers) == 0 {
			return fmt.Errorf("catalog %s: rule %s declares no trigger events", RuleSetVersion, r.ID)
		}
		if len(r.RequiredEvidence) == 0 {
			return fmt.Errorf("catalog %s: rule %s declares no required evidence", RuleSetVersion, r.ID)
		}
		if r.EvaluatorKey == "" {
			return fmt.Errorf("catalog %s: rule %s has no evaluator key", RuleSetVersion, r.ID)
		}
		if r.Blocking != (r.Escalation == audit.EscalationBlockEscrow) {
			return fmt.Errorf("catalog %s: rule %s blocking flag disagrees with escalation level", RuleSetVersion, r.ID)
		}
	}
	return nil
}
