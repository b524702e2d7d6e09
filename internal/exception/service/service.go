// Package service runs the exception case lifecycle: opening cases from
// audit outcomes, appending events/evidence/overrides, administrative
// decisions, and the deterministic replay export. Every transition is
// recorded as an event before the projection row is touched.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	auditservice "freightgate/internal/audit/service"
	"freightgate/internal/exception"
	"freightgate/internal/exception/store"
	platformredis "freightgate/internal/platform/redis"
	"freightgate/pkg/canonical"
	"freightgate/pkg/domainerrors"
	"freightgate/pkg/identifier"
	"freightgate/pkg/platform/sentinel"
)

// ReasonNoExceptionTriggered is reported when an outcome does not warrant a
// case: COMPLETED with zero blocking failures.
const ReasonNoExceptionTriggered = "NO_EXCEPTION_TRIGGERED"

const replayCacheTTL = 10 * time.Minute

// OpenResult reports what happened to an open request. Opened is false only
// when the outcome did not warrant a case; Fresh is false when an idempotent
// retry matched an existing case.
type OpenResult struct {
	Opened bool            `json:"opened"`
	Reason string          `json:"reason,omitempty"`
	Fresh  bool            `json:"fresh"`
	Case   *exception.Case `json:"case,omitempty"`
}

// EventInput is a caller-requested case event.
type EventInput struct {
	Type           exception.EventType  `json:"type"`
	ToStatus       exception.CaseStatus `json:"toStatus,omitempty"`
	ReasonCode     string               `json:"reasonCode,omitempty"`
	Notes          string               `json:"notes,omitempty"`
	Metadata       map[string]any       `json:"metadata,omitempty"`
	Actor          string               `json:"actor"`
	IdempotencyKey string               `json:"idempotencyKey,omitempty"`
}

// EvidenceInput is caller-supplied evidence for a case.
type EvidenceInput struct {
	Code           string `json:"code"`
	SourceKind     string `json:"sourceKind"`
	ReferenceID    string `json:"referenceId"`
	ContentHash    string `json:"contentHash"`
	Actor          string `json:"actor"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// DecisionInput is an administrative decision against a case.
type DecisionInput struct {
	Decision             exception.OverrideDecision `json:"decision"`
	ApprovalID           string                     `json:"approvalId"`
	Rationale            string                     `json:"rationale"`
	EvidenceManifestHash string                     `json:"evidenceManifestHash"`
	Actor                string                     `json:"actor"`
}

// CaseDetail is the full read model for one case.
type CaseDetail struct {
	Case      *exception.Case      `json:"case"`
	Events    []exception.Event    `json:"events"`
	Evidence  []exception.Evidence `json:"evidence"`
	Overrides []exception.Override `json:"overrides"`
}

// Service is the exception case lifecycle service.
type Service struct {
	store  store.Store
	ids    *identifier.Generator
	logger *slog.Logger
	cache  *platformredis.Client
}

func New(caseStore store.Store, ids *identifier.Generator, logger *slog.Logger, cache *platformredis.Client) *Service {
	return &Service{
		store:  caseStore,
		ids:    ids,
		logger: logger,
		cache:  cache,
	}
}

// OpenFromOutcome opens a case for an audit outcome that warrants one:
// FAILED outcomes or COMPLETED outcomes with blocking failures. Opening is
// idempotent: the case key is derived from the outcome's linkage, trigger,
// rule-set version, and a failure signature, so retried opens converge on
// one case.
func (s *Service) OpenFromOutcome(ctx context.Context, outcome auditservice.Outcome, actor string) (OpenResult, error) {
	triggered := outcome.Status == auditservice.OutcomeFailed ||
		(outcome.Summary != nil && outcome.Summary.BlockingFailures > 0)
	if !triggered {
		return OpenResult{Opened: false, Reason: ReasonNoExceptionTriggered}, nil
	}

	severity := exception.SeverityCritical
	if outcome.Status == auditservice.OutcomeFailed {
		severity = exception.SeverityHigh
	}

	signature, err := failureSignature(outcome)
	if err != nil {
		return OpenResult{}, domainerrors.Wrap(domainerrors.CodeInternal, "compute failure signature", err)
	}
	key := strings.Join([]string{
		outcome.Linkage.TenantID, outcome.Linkage.OrderID, outcome.Linkage.ShipmentID,
		string(outcome.Trigger), outcome.RuleSetVersion, signature,
	}, "|")

	openedAt := s.ids.Now()
	caseID := s.ids.NewIDAt("exc", openedAt)
	eventID := s.ids.NewIDAt("evt", openedAt)

	created, fresh, err := s.store.CreateCase(ctx, &exception.Case{
		ID:             caseID,
		TenantID:       outcome.Linkage.TenantID,
		OrderID:        outcome.Linkage.OrderID,
		ShipmentID:     outcome.Linkage.ShipmentID,
		Status:         exception.StatusOpen,
		Severity:       severity,
		Origin:         exception.OriginAuditAutomated,
		RunID:          outcome.RunID,
		Trigger:        string(outcome.Trigger),
		OpenedBy:       actor,
		OpenedAt:       openedAt,
		LatestEventID:  eventID,
		LatestEventAt:  openedAt,
		IdempotencyKey: key,
	})
	if err != nil {
		return OpenResult{}, fmt.Errorf("create exception case: %w", err)
	}
	// Appended on every call, fresh or not: the shared idempotency key makes
	// the duplicate a no-op, and a crash between create and append leaves a
	// retry to write the event the projection already points at.
	event := exception.Event{
		ID:         eventID,
		CaseID:     created.ID,
		Type:       exception.EventCaseOpened,
		ToStatus:   exception.StatusOpen,
		ReasonCode: string(outcome.Status),
		Metadata: map[string]any{
			"runId":         outcome.RunID,
			"errorCode":     outcome.ErrorCode,
			"failedRuleIds": outcome.FailedRuleIDs,
		},
		Actor:          actor,
		OccurredAt:     openedAt,
		IdempotencyKey: key + "|opened",
	}
	if !fresh {
		// Recovery writes must match the stored projection pointer.
		event.ID = created.LatestEventID
		event.OccurredAt = created.LatestEventAt
		event.Actor = created.OpenedBy
	}
	if _, _, err := s.store.AppendEvent(ctx, event); err != nil {
		return OpenResult{}, fmt.Errorf("append opened event: %w", err)
	}
	return OpenResult{Opened: true, Fresh: fresh, Case: created}, nil
}

// AppendCaseEvent appends an event; when the event carries a target status
// it is validated against the transition table and the projection is updated
// afterwards with the current status as precondition. Same-status events are
// legal no-op transitions.
func (s *Service) AppendCaseEvent(ctx context.Context, caseID string, in EventInput) (*exception.Case, error) {
	if in.Type == "" {
		return nil, domainerrors.New(domainerrors.CodeValidation, "event type is required")
	}
	if in.ToStatus != "" && !exception.ValidStatus(in.ToStatus) {
		return nil, domainerrors.New(domainerrors.CodeValidation, "unknown case status "+string(in.ToStatus))
	}

	current, err := s.getCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if in.ToStatus != "" && !exception.CanTransition(current.Status, in.ToStatus) {
		return nil, domainerrors.New(domainerrors.CodeInvalidTransition,
			fmt.Sprintf("illegal transition %s -> %s", current.Status, in.ToStatus))
	}

	occurredAt := s.ids.Now()
	event := exception.Event{
		ID:             s.ids.NewIDAt("evt", occurredAt),
		CaseID:         caseID,
		Type:           in.Type,
		FromStatus:     current.Status,
		ToStatus:       in.ToStatus,
		ReasonCode:     in.ReasonCode,
		Notes:          in.Notes,
		Metadata:       in.Metadata,
		Actor:          in.Actor,
		OccurredAt:     occurredAt,
		IdempotencyKey: in.IdempotencyKey,
	}
	if event.IdempotencyKey == "" {
		event.IdempotencyKey = event.ID
	}
	return s.appendAndProject(ctx, *current, event)
}

// AppendCaseEvidence attaches hash-verified evidence and records an
// EVIDENCE_ATTACHED event.
func (s *Service) AppendCaseEvidence(ctx context.Context, caseID string, in EvidenceInput) (exception.Evidence, error) {
	if !canonical.IsSHA256Hex(in.ContentHash) {
		return exception.Evidence{}, domainerrors.New(domainerrors.CodeValidation, "content hash must be 64-character hex SHA-256")
	}
	current, err := s.getCase(ctx, caseID)
	if err != nil {
		return exception.Evidence{}, err
	}
	if current.Status == exception.StatusClosed {
		return exception.Evidence{}, domainerrors.New(domainerrors.CodeInvalidTransition, "cannot attach evidence to a CLOSED case")
	}

	attachedAt := s.ids.Now()
	evidence := exception.Evidence{
		ID:             s.ids.NewIDAt("evd", attachedAt),
		CaseID:         caseID,
		Code:           in.Code,
		SourceKind:     in.SourceKind,
		ReferenceID:    in.ReferenceID,
		ContentHash:    canonical.NormalizeHash(in.ContentHash),
		AttachedBy:     in.Actor,
		AttachedAt:     attachedAt,
		IdempotencyKey: in.IdempotencyKey,
	}
	if evidence.IdempotencyKey == "" {
		evidence.IdempotencyKey = evidence.ID
	}
	stored, fresh, err := s.store.AppendEvidence(ctx, evidence)
	if err != nil {
		return exception.Evidence{}, s.translate(err, caseID)
	}
	if fresh {
		if _, _, err := s.store.AppendEvent(ctx, exception.Event{
			ID:             s.ids.NewIDAt("evt", attachedAt),
			CaseID:         caseID,
			Type:           exception.EventEvidenceAttached,
			ReasonCode:     stored.Code,
			Metadata:       map[string]any{"evidenceId": stored.ID, "referenceId": stored.ReferenceID},
			Actor:          in.Actor,
			OccurredAt:     attachedAt,
			IdempotencyKey: stored.IdempotencyKey + "|attached",
		}); err != nil {
			return exception.Evidence{}, fmt.Errorf("append evidence event: %w", err)
		}
	}
	return stored, nil
}

// RecordAdminDecision appends an override record and an
// ADMIN_OVERRIDE_RECORDED event. MANUAL_CLOSE decisions additionally close
// the case and are only legal from OPEN or RESOLVED.
func (s *Service) RecordAdminDecision(ctx context.Context, caseID string, in DecisionInput) (*exception.Case, error) {
	if in.ApprovalID == "" {
		return nil, domainerrors.New(domainerrors.CodeValidation, "approval id is required")
	}
	if strings.TrimSpace(in.Rationale) == "" {
		return nil, domainerrors.New(domainerrors.CodeValidation, "rationale is required")
	}
	if !canonical.IsSHA256Hex(in.EvidenceManifestHash) {
		return nil, domainerrors.New(domainerrors.CodeValidation, "evidence manifest hash must be 64-character hex SHA-256")
	}
	switch in.Decision {
	case exception.DecisionAllowProgress, exception.DecisionAllowPayout, exception.DecisionManualClose:
	default:
		return nil, domainerrors.New(domainerrors.CodeValidation, "unknown decision type "+string(in.Decision))
	}

	current, err := s.getCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if in.Decision == exception.DecisionManualClose &&
		current.Status != exception.StatusOpen && current.Status != exception.StatusResolved {
		return nil, domainerrors.New(domainerrors.CodeInvalidTransition,
			fmt.Sprintf("manual close requires OPEN or RESOLVED, case is %s", current.Status))
	}

	recordedAt := s.ids.Now()
	override := exception.Override{
		ID:                   s.ids.NewIDAt("ovr", recordedAt),
		CaseID:               caseID,
		Decision:             in.Decision,
		ApprovalID:           in.ApprovalID,
		Rationale:            in.Rationale,
		EvidenceManifestHash: canonical.NormalizeHash(in.EvidenceManifestHash),
		Actor:                in.Actor,
		RecordedAt:           recordedAt,
	}
	override.IdempotencyKey = strings.Join([]string{caseID, string(in.Decision), in.ApprovalID}, "|")

	if _, _, err := s.store.AppendOverride(ctx, override); err != nil {
		return nil, s.translate(err, caseID)
	}
	if _, _, err := s.store.AppendEvent(ctx, exception.Event{
		ID:             s.ids.NewIDAt("evt", recordedAt),
		CaseID:         caseID,
		Type:           exception.EventAdminOverrideRecorded,
		ReasonCode:     string(in.Decision),
		Notes:          in.Rationale,
		Metadata:       map[string]any{"approvalId": in.ApprovalID, "overrideId": override.ID},
		Actor:          in.Actor,
		OccurredAt:     recordedAt,
		IdempotencyKey: override.IdempotencyKey + "|recorded",
	}); err != nil {
		return nil, fmt.Errorf("append override event: %w", err)
	}

	if in.Decision != exception.DecisionManualClose {
		return s.getCase(ctx, caseID)
	}

	closeEvent := exception.Event{
		ID:             s.ids.NewIDAt("evt", recordedAt),
		CaseID:         caseID,
		Type:           exception.EventCaseClosed,
		FromStatus:     current.Status,
		ToStatus:       exception.StatusClosed,
		ReasonCode:     string(exception.DecisionManualClose),
		Actor:          in.Actor,
		OccurredAt:     recordedAt,
		IdempotencyKey: override.IdempotencyKey + "|closed",
	}
	return s.appendAndProject(ctx, *current, closeEvent)
}

// ResolveCase moves a case from IN_REVIEW to RESOLVED.
func (s *Service) ResolveCase(ctx context.Context, caseID, actor, notes string) (*exception.Case, error) {
	current, err := s.getCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if current.Status != exception.StatusInReview {
		return nil, domainerrors.New(domainerrors.CodeInvalidTransition,
			fmt.Sprintf("resolve requires IN_REVIEW, case is %s", current.Status))
	}

	occurredAt := s.ids.Now()
	event := exception.Event{
		ID:             s.ids.NewIDAt("evt", occurredAt),
		CaseID:         caseID,
		Type:           exception.EventStatusChanged,
		FromStatus:     current.Status,
		ToStatus:       exception.StatusResolved,
		Notes:          notes,
		Actor:          actor,
		OccurredAt:     occurredAt,
		IdempotencyKey: "",
	}
	event.IdempotencyKey = event.ID
	return s.appendAndProject(ctx, *current, event)
}

// CloseCase closes a case. From OPEN it requires an approval id and
// rationale and runs the manual-close decision path (deriving the manifest
// hash from the rationale when none is supplied). From RESOLVED it closes
// directly. From CLOSED it is a no-op returning the existing case.
func (s *Service) CloseCase(ctx context.Context, caseID, actor, approvalID, rationale, manifestHash string) (*exception.Case, error) {
	current, err := s.getCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	switch current.Status {
	case exception.StatusClosed:
		return current, nil

	case exception.StatusOpen:
		if approvalID == "" || strings.TrimSpace(rationale) == "" {
			return nil, domainerrors.New(domainerrors.CodeApprovalRequired,
				"closing an OPEN case requires an approval id and rationale")
		}
		if manifestHash == "" {
			manifestHash = canonical.SumHex([]byte(rationale))
		}
		return s.RecordAdminDecision(ctx, caseID, DecisionInput{
			Decision:             exception.DecisionManualClose,
			ApprovalID:           approvalID,
			Rationale:            rationale,
			EvidenceManifestHash: manifestHash,
			Actor:                actor,
		})

	case exception.StatusResolved:
		occurredAt := s.ids.Now()
		event := exception.Event{
			ID:             s.ids.NewIDAt("evt", occurredAt),
			CaseID:         caseID,
			Type:           exception.EventCaseClosed,
			FromStatus:     current.Status,
			ToStatus:       exception.StatusClosed,
			Notes:          rationale,
			Actor:          actor,
			OccurredAt:     occurredAt,
		}
		event.IdempotencyKey = event.ID
		return s.appendAndProject(ctx, *current, event)

	default:
		return nil, domainerrors.New(domainerrors.CodeInvalidTransition,
			fmt.Sprintf("illegal transition %s -> %s", current.Status, exception.StatusClosed))
	}
}

// ListCases pages through cases newest-first.
func (s *Service) ListCases(ctx context.Context, filter store.CaseFilter) ([]*exception.Case, error) {
	if filter.Status != "" && !exception.ValidStatus(filter.Status) {
		return nil, domainerrors.New(domainerrors.CodeValidation, "unknown case status "+string(filter.Status))
	}
	return s.store.ListCases(ctx, filter)
}

// GetCaseDetail returns the case plus all three logs, fetched concurrently.
func (s *Service) GetCaseDetail(ctx context.Context, caseID string) (*CaseDetail, error) {
	current, err := s.getCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	events, evidence, overrides, err := s.fetchLogs(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return &CaseDetail{Case: current, Events: events, Evidence: evidence, Overrides: overrides}, nil
}

// ExportCaseReplay assembles the deterministic replay bundle: the case plus
// every event, evidence record, and override in (timestamp, id) order, with
// a SHA-256 manifest hash over the canonical payload. The bundle is cached
// keyed by (case id, latest event id) so a cache hit is byte-identical.
func (s *Service) ExportCaseReplay(ctx context.Context, caseID string) (*exception.ReplayBundle, error) {
	current, err := s.getCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	cacheKey := "freightgate:replay:" + caseID + ":" + current.LatestEventID
	if cached := s.replayFromCache(ctx, cacheKey); cached != nil {
		return cached, nil
	}

	events, evidence, overrides, err := s.fetchLogs(ctx, caseID)
	if err != nil {
		return nil, err
	}

	bundle := &exception.ReplayBundle{
		Case:      current,
		Events:    events,
		Evidence:  evidence,
		Overrides: overrides,
	}
	// The manifest hashes the payload without itself so re-exports of
	// identical stored data reproduce it bit for bit.
	manifest, err := canonical.HashHex(map[string]any{
		"case":      bundle.Case,
		"events":    bundle.Events,
		"evidence":  bundle.Evidence,
		"overrides": bundle.Overrides,
	})
	if err != nil {
		return nil, domainerrors.Wrap(domainerrors.CodeInternal, "compute replay manifest", err)
	}
	bundle.ManifestHash = manifest

	s.replayToCache(ctx, cacheKey, bundle)
	return bundle, nil
}

// fetchLogs loads the three append-only logs concurrently.
func (s *Service) fetchLogs(ctx context.Context, caseID string) ([]exception.Event, []exception.Evidence, []exception.Override, error) {
	var (
		events    []exception.Event
		evidence  []exception.Evidence
		overrides []exception.Override
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		events, err = s.store.ListEvents(gctx, caseID)
		return err
	})
	g.Go(func() (err error) {
		evidence, err = s.store.ListEvidence(gctx, caseID)
		return err
	})
	g.Go(func() (err error) {
		overrides, err = s.store.ListOverrides(gctx, caseID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, nil, fmt.Errorf("fetch case logs: %w", err)
	}
	return events, evidence, overrides, nil
}

// appendAndProject writes the event, recomputes the projection from it, and
// applies the projection with the pre-event status as precondition. A lost
// precondition race surfaces as INVALID_TRANSITION for the caller to retry.
func (s *Service) appendAndProject(ctx context.Context, current exception.Case, event exception.Event) (*exception.Case, error) {
	if _, _, err := s.store.AppendEvent(ctx, event); err != nil {
		return nil, s.translate(err, current.ID)
	}
	projected := exception.ApplyEvent(current, event)
	if projected.Status == current.Status &&
		projected.LatestEventID == current.LatestEventID {
		return &projected, nil
	}
	updated, err := s.store.UpdateProjection(ctx, projected, current.Status)
	if err != nil {
		return nil, s.translate(err, current.ID)
	}
	return updated, nil
}

func (s *Service) getCase(ctx context.Context, caseID string) (*exception.Case, error) {
	current, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, s.translate(err, caseID)
	}
	return current, nil
}

func (s *Service) translate(err error, caseID string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrNotFound):
		return domainerrors.Wrap(domainerrors.CodeNotFound, "case "+caseID+" not found", err)
	case errors.Is(err, sentinel.ErrInvalidState):
		return domainerrors.Wrap(domainerrors.CodeInvalidTransition, "case "+caseID+" changed state", err)
	default:
		return err
	}
}

func (s *Service) replayFromCache(ctx context.Context, key string) *exception.ReplayBundle {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, key).Bytes()
	if err != nil {
		return nil
	}
	var bundle exception.ReplayBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		s.logger.Warn("replay cache entry corrupt", "key", key, "error", err.Error())
		return nil
	}
	return &bundle
}

func (s *Service) replayToCache(ctx context.Context, key string, bundle *exception.ReplayBundle) {
	if s.cache == nil {
		return
	}
	raw, err := canonical.Marshal(bundle)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, replayCacheTTL).Err(); err != nil {
		s.logger.Warn("replay cache write failed", "key", key, "error", err.Error())
	}
}

// failureSignature fingerprints what went wrong: the sorted failed rule ids
// plus the outcome status, canonically hashed. Identical failures share a
// signature regardless of when they were observed.
func failureSignature(outcome auditservice.Outcome) (string, error) {
	return canonical.HashHex(map[string]any{
		"status":        string(outcome.Status),
		"failedRuleIds": outcome.FailedRuleIDs,
		"errorCode":     outcome.ErrorCode,
	})
}
