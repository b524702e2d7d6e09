// Package service implements the pilot-gated soft-enforcement payout gate:
// it runs a payout-readiness audit for allow-listed tenants and holds the
// payout for human review when the audit shows blocking and critical
// failures together. The gate fails open: its own failures never block a
// payout on their own.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"freightgate/internal/audit"
	auditservice "freightgate/internal/audit/service"
	"freightgate/internal/exception"
	exceptionservice "freightgate/internal/exception/service"
	"freightgate/internal/platform/config"
	"freightgate/internal/settlement"
	"freightgate/internal/settlement/metrics"
	"freightgate/internal/settlement/store"
	"freightgate/pkg/canonical"
	"freightgate/pkg/domainerrors"
	"freightgate/pkg/identifier"
	"freightgate/pkg/platform/sentinel"
)

// GateDecision is the gate's verdict on a payout attempt.
type GateDecision string

const (
	DecisionProceed        GateDecision = "PROCEED"
	DecisionReviewRequired GateDecision = "REVIEW_REQUIRED"
)

// Gate reasons. PROCEED always carries one so callers can tell pass-through
// from a genuinely clean audit.
const (
	ReasonPilotDisabled        = "PILOT_DISABLED"
	ReasonTriggerNotInPilot    = "TRIGGER_NOT_IN_PILOT"
	ReasonTenantNotInPilot     = "TENANT_NOT_IN_PILOT"
	ReasonHoldPendingReview    = "HOLD_PENDING_REVIEW"
	ReasonHoldAlreadyCleared   = "HOLD_ALREADY_CLEARED"
	ReasonAuditFailed          = "AUDIT_FAILED"
	ReasonNoBlockingFailures   = "NO_BLOCKING_FAILURES"
	ReasonBlockingFailuresHeld = "BLOCKING_FAILURES_HELD"
)

// PayoutInput identifies the payout attempt being gated.
type PayoutInput struct {
	TenantID   string                       `json:"tenantId"`
	OrderID    string                       `json:"orderId"`
	ShipmentID string                       `json:"shipmentId,omitempty"`
	SupplierID string                       `json:"supplierId,omitempty"`
	Context    map[string]any               `json:"context"`
	Evidence   []auditservice.EvidenceInput `json:"evidence,omitempty"`
	Actor      string                       `json:"actor"`
}

// GateResult is the uniform gate outcome. Hold is set when a hold exists or
// was created; Outcome is set when an audit run was executed; Executed
// reports whether the payout callback ran.
type GateResult struct {
	Decision GateDecision          `json:"decision"`
	Reason   string                `json:"reason"`
	Hold     *settlement.Hold      `json:"hold,omitempty"`
	Outcome  *auditservice.Outcome `json:"outcome,omitempty"`
	Executed bool                  `json:"executed"`
}

// OverrideRequest clears a hold by administrative approval.
type OverrideRequest struct {
	ApprovalID           string `json:"approvalId"`
	Rationale            string `json:"rationale"`
	EvidenceManifestHash string `json:"evidenceManifestHash"`
	Actor                string `json:"actor"`
}

// AuditRunner runs the payout-readiness audit.
type AuditRunner interface {
	RunForEvent(ctx context.Context, in auditservice.RunInput) auditservice.Outcome
}

// CaseService is the slice of the exception service the gate needs: linking
// a case to a hold and recording the payout override against it.
type CaseService interface {
	OpenFromOutcome(ctx context.Context, outcome auditservice.Outcome, actor string) (exceptionservice.OpenResult, error)
	RecordAdminDecision(ctx context.Context, caseID string, in exceptionservice.DecisionInput) (*exception.Case, error)
}

// Service is the soft-enforcement settlement gate.
type Service struct {
	holds   store.Store
	audits  AuditRunner
	cases   CaseService
	pilot   config.Pilot
	ids     *identifier.Generator
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(holds store.Store, audits AuditRunner, cases CaseService, pilot config.Pilot, ids *identifier.Generator, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		holds:   holds,
		audits:  audits,
		cases:   cases,
		pilot:   pilot,
		ids:     ids,
		logger:  logger,
		metrics: m,
	}
}

// EvaluatePayoutSoftEnforcement decides whether a payout may proceed. It
// never returns an error for expected failure modes; the decision and
// reason carry everything the caller needs.
func (s *Service) EvaluatePayoutSoftEnforcement(ctx context.Context, in PayoutInput) GateResult {
	trigger := string(audit.TriggerPayoutReady)

	// Pilot gating: any failing condition is an immediate pass-through and
	// no audit run is executed.
	switch {
	case !s.pilot.Enabled:
		return s.proceed(GateResult{Reason: ReasonPilotDisabled})
	case s.pilot.Trigger != trigger:
		return s.proceed(GateResult{Reason: ReasonTriggerNotInPilot})
	case !s.pilot.TenantAllowed(in.TenantID):
		return s.proceed(GateResult{Reason: ReasonTenantNotInPilot})
	}

	// An active hold short-circuits without re-running the audit; a cleared
	// hold passes through.
	latest, err := s.holds.FindLatestHold(ctx, in.TenantID, in.OrderID, trigger)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		s.logger.Warn("hold lookup failed, failing open",
			"tenant_id", in.TenantID, "order_id", in.OrderID, "error", err.Error())
		return s.proceed(GateResult{Reason: ReasonAuditFailed})
	}
	if latest != nil {
		if latest.Active() {
			return s.review(GateResult{Reason: ReasonHoldPendingReview, Hold: latest})
		}
		return s.proceed(GateResult{Reason: ReasonHoldAlreadyCleared, Hold: latest})
	}

	outcome := s.audits.RunForEvent(ctx, auditservice.RunInput{
		Trigger: audit.TriggerPayoutReady,
		Context: in.Context,
		Linkage: audit.Linkage{
			TenantID:   in.TenantID,
			OrderID:    in.OrderID,
			ShipmentID: in.ShipmentID,
			SupplierID: in.SupplierID,
		},
		Evidence: in.Evidence,
		Actor:    in.Actor,
	})

	// Fail open: a broken audit must not become a payout outage.
	if outcome.Status == auditservice.OutcomeFailed {
		return s.proceed(GateResult{Reason: ReasonAuditFailed, Outcome: &outcome})
	}
	if outcome.Summary == nil || outcome.Summary.BlockingFailures == 0 || outcome.Summary.CriticalFailures == 0 {
		return s.proceed(GateResult{Reason: ReasonNoBlockingFailures, Outcome: &outcome})
	}

	hold := s.createHold(ctx, in, outcome)
	if hold == nil {
		// Hold creation itself failed; without a durable hold the gate
		// cannot block, so it fails open.
		return s.proceed(GateResult{Reason: ReasonAuditFailed, Outcome: &outcome})
	}
	return s.review(GateResult{Reason: ReasonBlockingFailuresHeld, Hold: hold, Outcome: &outcome})
}

// ExecutePayoutWithSoftEnforcement gates a caller-supplied payout callback:
// the callback runs only when the gate decision is PROCEED.
func (s *Service) ExecutePayoutWithSoftEnforcement(ctx context.Context, in PayoutInput, payout func(context.Context) error) (GateResult, error) {
	result := s.EvaluatePayoutSoftEnforcement(ctx, in)
	if result.Decision != DecisionProceed {
		return result, nil
	}
	if err := payout(ctx); err != nil {
		return result, fmt.Errorf("execute payout: %w", err)
	}
	result.Executed = true
	return result, nil
}

// OverridePayoutSettlementHold clears a hold by administrative approval: it
// resolves or lazily opens the linked exception case, records an
// ALLOW_PAYOUT override against it, then conditionally moves the hold from
// REVIEW_REQUIRED to OVERRIDDEN. An already-OVERRIDDEN hold is a no-op.
func (s *Service) OverridePayoutSettlementHold(ctx context.Context, holdID string, in OverrideRequest) (*settlement.Hold, error) {
	if in.ApprovalID == "" {
		return nil, domainerrors.New(domainerrors.CodeValidation, "approval id is required")
	}
	if strings.TrimSpace(in.Rationale) == "" {
		return nil, domainerrors.New(domainerrors.CodeValidation, "rationale is required")
	}
	if !canonical.IsSHA256Hex(in.EvidenceManifestHash) {
		return nil, domainerrors.New(domainerrors.CodeValidation, "evidence manifest hash must be 64-character hex SHA-256")
	}

	hold, err := s.holds.GetHold(ctx, holdID)
	if err != nil {
		return nil, s.translate(err, holdID)
	}
	if hold.Status == settlement.HoldOverridden {
		return hold, nil
	}
	if hold.Status != settlement.HoldReviewRequired {
		return nil, domainerrors.New(domainerrors.CodeInvalidTransition,
			fmt.Sprintf("hold %s is %s, only REVIEW_REQUIRED can be overridden", holdID, hold.Status))
	}

	caseID, err := s.resolveLinkedCase(ctx, hold, in.Actor)
	if err != nil {
		return nil, err
	}
	if _, err := s.cases.RecordAdminDecision(ctx, caseID, exceptionservice.DecisionInput{
		Decision:             exception.DecisionAllowPayout,
		ApprovalID:           in.ApprovalID,
		Rationale:            in.Rationale,
		EvidenceManifestHash: in.EvidenceManifestHash,
		Actor:                in.Actor,
	}); err != nil {
		return nil, fmt.Errorf("record payout override on case %s: %w", caseID, err)
	}

	cleared, err := s.holds.OverrideHold(ctx, holdID, store.OverrideInput{
		ApprovalID:           in.ApprovalID,
		Rationale:            in.Rationale,
		EvidenceManifestHash: canonical.NormalizeHash(in.EvidenceManifestHash),
		Actor:                in.Actor,
		At:                   s.ids.Now(),
	})
	if err != nil {
		return nil, s.translate(err, holdID)
	}
	s.metrics.IncHoldsCleared()
	return cleared, nil
}

// ReleasePayoutSettlementHold clears a hold whose underlying failures were
// remediated out of band, without the approval trail a payout override
// demands. Releasing an already-RELEASED hold is a no-op; an OVERRIDDEN
// hold cannot be released.
func (s *Service) ReleasePayoutSettlementHold(ctx context.Context, holdID, actor string) (*settlement.Hold, error) {
	released, err := s.holds.ReleaseHold(ctx, holdID, s.ids.Now())
	if err != nil {
		return nil, s.translate(err, holdID)
	}
	s.metrics.IncHoldsCleared()
	s.logger.InfoContext(ctx, "settlement hold released",
		"hold_id", holdID,
		"actor", actor,
	)
	return released, nil
}

// ListHolds pages through holds newest-first.
func (s *Service) ListHolds(ctx context.Context, filter store.HoldFilter) ([]*settlement.Hold, error) {
	return s.holds.ListHolds(ctx, filter)
}

// GetHold fetches a single hold.
func (s *Service) GetHold(ctx context.Context, id string) (*settlement.Hold, error) {
	hold, err := s.holds.GetHold(ctx, id)
	if err != nil {
		return nil, s.translate(err, id)
	}
	return hold, nil
}

// createHold persists the REVIEW_REQUIRED hold, best-effort linking an
// exception case first. Case linkage failures are logged, never fatal.
func (s *Service) createHold(ctx context.Context, in PayoutInput, outcome auditservice.Outcome) *settlement.Hold {
	caseID := ""
	opened, err := s.cases.OpenFromOutcome(ctx, outcome, in.Actor)
	if err != nil {
		s.logger.Warn("exception case linkage failed during hold creation",
			"tenant_id", in.TenantID, "order_id", in.OrderID, "run_id", outcome.RunID,
			"error", err.Error())
	} else if opened.Opened {
		caseID = opened.Case.ID
	}

	trigger := string(audit.TriggerPayoutReady)
	createdAt := s.ids.Now()
	hold := &settlement.Hold{
		ID:               s.ids.NewIDAt("hold", createdAt),
		TenantID:         in.TenantID,
		OrderID:          in.OrderID,
		Trigger:          trigger,
		Status:           settlement.HoldReviewRequired,
		RunID:            outcome.RunID,
		ExceptionCaseID:  caseID,
		BlockingFailures: outcome.Summary.BlockingFailures,
		CriticalFailures: outcome.Summary.CriticalFailures,
		CreatedAt:        createdAt,
		IdempotencyKey:   strings.Join([]string{in.TenantID, in.OrderID, trigger, outcome.RunID}, "|"),
	}
	created, fresh, err := s.holds.CreateHold(ctx, hold)
	if err != nil {
		s.logger.Error("settlement hold creation failed",
			"tenant_id", in.TenantID, "order_id", in.OrderID, "run_id", outcome.RunID,
			"error", err.Error())
		return nil
	}
	if fresh {
		s.metrics.IncHoldsCreated()
	}
	return created
}

// resolveLinkedCase returns the hold's exception case, opening one from a
// reconstructed outcome when the original linkage is missing.
func (s *Service) resolveLinkedCase(ctx context.Context, hold *settlement.Hold, actor string) (string, error) {
	if hold.ExceptionCaseID != "" {
		return hold.ExceptionCaseID, nil
	}
	opened, err := s.cases.OpenFromOutcome(ctx, auditservice.Outcome{
		Status:  auditservice.OutcomeCompleted,
		Trigger: audit.TriggerEvent(hold.Trigger),
		RunID:   hold.RunID,
		Linkage: audit.Linkage{TenantID: hold.TenantID, OrderID: hold.OrderID},
		Summary: &audit.Summary{
			BlockingFailures: hold.BlockingFailures,
			CriticalFailures: hold.CriticalFailures,
		},
	}, actor)
	if err != nil {
		return "", fmt.Errorf("open linked case for hold %s: %w", hold.ID, err)
	}
	if !opened.Opened {
		return "", domainerrors.New(domainerrors.CodeInternal, "hold "+hold.ID+" produced no linkable case")
	}
	return opened.Case.ID, nil
}

func (s *Service) proceed(result GateResult) GateResult {
	result.Decision = DecisionProceed
	s.metrics.IncGateDecision(string(DecisionProceed), result.Reason)
	return result
}

func (s *Service) review(result GateResult) GateResult {
	result.Decision = DecisionReviewRequired
	s.metrics.IncGateDecision(string(DecisionReviewRequired), result.Reason)
	return result
}

func (s *Service) translate(err error, holdID string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrNotFound):
		return domainerrors.Wrap(domainerrors.CodeNotFound, "hold "+holdID+" not found", err)
	case errors.Is(err, sentinel.ErrInvalidState):
		return domainerrors.Wrap(domainerrors.CodeInvalidTransition, "hold "+holdID+" changed state", err)
	default:
		return err
	}
}
