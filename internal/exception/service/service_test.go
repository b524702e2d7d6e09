package service

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"freightgate/internal/audit"
	auditservice "freightgate/internal/audit/service"
	"freightgate/internal/exception"
	"freightgate/internal/exception/store"
	"freightgate/pkg/canonical"
	"freightgate/pkg/domainerrors"
	"freightgate/pkg/identifier"
)

type ServiceSuite struct {
	suite.Suite
	store   *store.InMemory
	service *Service
	now     time.Time
	seq     int
	caseN   int
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.now = time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	s.seq = 0
	s.caseN = 0
	ids := identifier.New(
		identifier.WithClock(func() time.Time { return s.now }),
		identifier.WithRandom(func() string {
			s.seq++
			return fmt.Sprintf("%08d", s.seq)
		}),
	)
	s.service = New(s.store, ids, slog.Default(), nil)
}

func (s *ServiceSuite) blockingOutcome() auditservice.Outcome {
	return auditservice.Outcome{
		Status:         auditservice.OutcomeCompleted,
		Trigger:        audit.TriggerPayoutReady,
		RunID:          "run-1",
		RuleSetVersion: "freight-baseline.v1",
		Linkage:        audit.Linkage{TenantID: "tenant-1", OrderID: "order-1", ShipmentID: "ship-1"},
		Summary:        &audit.Summary{TotalRules: 12, FailedRules: 2, CriticalFailures: 1, BlockingFailures: 2},
		FailedRuleIDs:  []string{"F-05", "F-10"},
	}
}

// openCase opens a fresh case against a distinct order so subtests never
// collide on the idempotency key.
func (s *ServiceSuite) openCase() *exception.Case {
	s.caseN++
	outcome := s.blockingOutcome()
	outcome.Linkage.OrderID = fmt.Sprintf("order-fresh-%d", s.caseN)
	result, err := s.service.OpenFromOutcome(context.Background(), outcome, "system")
	s.Require().NoError(err)
	s.Require().True(result.Opened)
	return result.Case
}

// ===== opening from outcomes =====

func (s *ServiceSuite) TestOpenFromOutcome() {
	ctx := context.Background()

	s.Run("clean completed outcome opens nothing", func() {
		outcome := s.blockingOutcome()
		outcome.Summary = &audit.Summary{TotalRules: 12}
		outcome.FailedRuleIDs = nil

		result, err := s.service.OpenFromOutcome(ctx, outcome, "system")
		s.Require().NoError(err)
		s.False(result.Opened)
		s.Equal(ReasonNoExceptionTriggered, result.Reason)
		s.Nil(result.Case)
	})

	s.Run("blocking failures open a CRITICAL case", func() {
		result, err := s.service.OpenFromOutcome(ctx, s.blockingOutcome(), "system")
		s.Require().NoError(err)
		s.True(result.Opened)
		s.True(result.Fresh)
		s.Equal(exception.SeverityCritical, result.Case.Severity)
		s.Equal(exception.StatusOpen, result.Case.Status)
		s.Equal(exception.OriginAuditAutomated, result.Case.Origin)
		s.Equal("run-1", result.Case.RunID)
	})

	s.Run("failed outcome opens a HIGH case", func() {
		outcome := s.blockingOutcome()
		outcome.Status = auditservice.OutcomeFailed
		outcome.Summary = nil
		outcome.ErrorCode = "STORE_UNAVAILABLE"

		result, err := s.service.OpenFromOutcome(ctx, outcome, "system")
		s.Require().NoError(err)
		s.Equal(exception.SeverityHigh, result.Case.Severity)
	})

	s.Run("retried open converges on the same case", func() {
		first, err := s.service.OpenFromOutcome(ctx, s.blockingOutcome(), "system")
		s.Require().NoError(err)

		second, err := s.service.OpenFromOutcome(ctx, s.blockingOutcome(), "someone-else")
		s.Require().NoError(err)
		s.False(second.Fresh)
		s.Equal(first.Case.ID, second.Case.ID)

		cases, err := s.store.ListCases(ctx, store.CaseFilter{})
		s.Require().NoError(err)
		caseCount := 0
		for _, c := range cases {
			if c.IdempotencyKey == first.Case.IdempotencyKey {
				caseCount++
			}
		}
		s.Equal(1, caseCount)
	})

	s.Run("opened event lands in the log", func() {
		opened := s.openCase()
		events, err := s.store.ListEvents(ctx, opened.ID)
		s.Require().NoError(err)
		s.Require().NotEmpty(events)
		s.Equal(exception.EventCaseOpened, events[0].Type)
		s.Equal(opened.LatestEventID, events[0].ID)
	})
}

// flakyEventStore fails the first AppendEvent calls, simulating a crash
// between case creation and the opened-event write.
type flakyEventStore struct {
	store.Store
	failures int
}

func (f *flakyEventStore) AppendEvent(ctx context.Context, e exception.Event) (exception.Event, bool, error) {
	if f.failures > 0 {
		f.failures--
		return exception.Event{}, false, fmt.Errorf("append event: connection reset")
	}
	return f.Store.AppendEvent(ctx, e)
}

func (s *ServiceSuite) TestOpenFromOutcomeRecoversMissedOpenedEvent() {
	ctx := context.Background()
	flaky := &flakyEventStore{Store: s.store, failures: 1}
	svc := New(flaky, s.service.ids, slog.Default(), nil)

	// First attempt persists the case row but dies before the event write.
	_, err := svc.OpenFromOutcome(ctx, s.blockingOutcome(), "system")
	s.Require().Error(err)

	cases, err := s.store.ListCases(ctx, store.CaseFilter{})
	s.Require().NoError(err)
	s.Require().Len(cases, 1)

	// The retry must repair the log, not skip it because the case exists.
	result, err := svc.OpenFromOutcome(ctx, s.blockingOutcome(), "system")
	s.Require().NoError(err)
	s.True(result.Opened)
	s.False(result.Fresh)

	events, err := s.store.ListEvents(ctx, result.Case.ID)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(exception.EventCaseOpened, events[0].Type)
	s.Equal(result.Case.LatestEventID, events[0].ID)
}

// ===== transitions =====

func (s *ServiceSuite) TestAppendCaseEvent() {
	ctx := context.Background()

	s.Run("legal transition updates the projection", func() {
		opened := s.openCase()
		updated, err := s.service.AppendCaseEvent(ctx, opened.ID, EventInput{
			Type:     exception.EventStatusChanged,
			ToStatus: exception.StatusInReview,
			Actor:    "reviewer",
		})
		s.Require().NoError(err)
		s.Equal(exception.StatusInReview, updated.Status)
		s.NotEqual(opened.LatestEventID, updated.LatestEventID)
	})

	s.Run("illegal transition is rejected and leaves no projection change", func() {
		opened := s.openCase()
		_, err := s.service.AppendCaseEvent(ctx, opened.ID, EventInput{
			Type:     exception.EventStatusChanged,
			ToStatus: exception.StatusResolved,
			Actor:    "reviewer",
		})
		s.True(domainerrors.HasCode(err, domainerrors.CodeInvalidTransition))

		reloaded, gerr := s.store.GetCase(ctx, opened.ID)
		s.Require().NoError(gerr)
		s.Equal(exception.StatusOpen, reloaded.Status)
	})

	s.Run("unknown status is a validation error", func() {
		opened := s.openCase()
		_, err := s.service.AppendCaseEvent(ctx, opened.ID, EventInput{
			Type:     exception.EventStatusChanged,
			ToStatus: exception.CaseStatus("LIMBO"),
			Actor:    "reviewer",
		})
		s.True(domainerrors.HasCode(err, domainerrors.CodeValidation))
	})

	s.Run("unknown case is not found", func() {
		_, err := s.service.AppendCaseEvent(ctx, "missing", EventInput{
			Type:  exception.EventStatusChanged,
			Actor: "reviewer",
		})
		s.True(domainerrors.HasCode(err, domainerrors.CodeNotFound))
	})
}

// ===== administrative decisions =====

func (s *ServiceSuite) TestRecordAdminDecision() {
	ctx := context.Background()
	manifest := canonical.SumHex([]byte("manifest"))

	s.Run("rejects empty approval id", func() {
		opened := s.openCase()
		_, err := s.service.RecordAdminDecision(ctx, opened.ID, DecisionInput{
			Decision:             exception.DecisionAllowPayout,
			Rationale:            "verified manually",
			EvidenceManifestHash: manifest,
			Actor:                "admin",
		})
		s.True(domainerrors.HasCode(err, domainerrors.CodeValidation))
	})

	s.Run("allow payout leaves status untouched and records both entries", func() {
		opened := s.openCase()
		updated, err := s.service.RecordAdminDecision(ctx, opened.ID, DecisionInput{
			Decision:             exception.DecisionAllowPayout,
			ApprovalID:           "appr-1",
			Rationale:            "verified manually",
			EvidenceManifestHash: manifest,
			Actor:                "admin",
		})
		s.Require().NoError(err)
		s.Equal(exception.StatusOpen, updated.Status)

		overrides, err := s.store.ListOverrides(ctx, opened.ID)
		s.Require().NoError(err)
		s.Require().Len(overrides, 1)
		s.Equal(exception.DecisionAllowPayout, overrides[0].Decision)

		events, err := s.store.ListEvents(ctx, opened.ID)
		s.Require().NoError(err)
		s.Equal(exception.EventAdminOverrideRecorded, events[len(events)-1].Type)
	})

	s.Run("manual close from OPEN closes the case", func() {
		opened := s.openCase()
		updated, err := s.service.RecordAdminDecision(ctx, opened.ID, DecisionInput{
			Decision:             exception.DecisionManualClose,
			ApprovalID:           "appr-2",
			Rationale:            "duplicate incident",
			EvidenceManifestHash: manifest,
			Actor:                "admin",
		})
		s.Require().NoError(err)
		s.Equal(exception.StatusClosed, updated.Status)
		s.Require().NotNil(updated.ClosedAt)

		events, err := s.store.ListEvents(ctx, opened.ID)
		s.Require().NoError(err)
		s.Equal(exception.EventCaseClosed, events[len(events)-1].Type)
	})

	s.Run("manual close from IN_REVIEW is an invalid transition", func() {
		opened := s.openCase()
		_, err := s.service.AppendCaseEvent(ctx, opened.ID, EventInput{
			Type:     exception.EventStatusChanged,
			ToStatus: exception.StatusInReview,
			Actor:    "reviewer",
		})
		s.Require().NoError(err)

		_, err = s.service.RecordAdminDecision(ctx, opened.ID, DecisionInput{
			Decision:             exception.DecisionManualClose,
			ApprovalID:           "appr-3",
			Rationale:            "nope",
			EvidenceManifestHash: manifest,
			Actor:                "admin",
		})
		s.True(domainerrors.HasCode(err, domainerrors.CodeInvalidTransition))
	})
}

// ===== resolve and close =====

func (s *ServiceSuite) TestResolveAndClose() {
	ctx := context.Background()

	s.Run("resolve requires IN_REVIEW", func() {
		opened := s.openCase()
		_, err := s.service.ResolveCase(ctx, opened.ID, "reviewer", "looks fine")
		s.True(domainerrors.HasCode(err, domainerrors.CodeInvalidTransition))
	})

	s.Run("resolve then close proceeds without approval", func() {
		opened := s.openCase()
		_, err := s.service.AppendCaseEvent(ctx, opened.ID, EventInput{
			Type:     exception.EventStatusChanged,
			ToStatus: exception.StatusInReview,
			Actor:    "reviewer",
		})
		s.Require().NoError(err)

		resolved, err := s.service.ResolveCase(ctx, opened.ID, "reviewer", "verified")
		s.Require().NoError(err)
		s.Equal(exception.StatusResolved, resolved.Status)

		closed, err := s.service.CloseCase(ctx, opened.ID, "reviewer", "", "", "")
		s.Require().NoError(err)
		s.Equal(exception.StatusClosed, closed.Status)
	})

	s.Run("closing an OPEN case without approval is refused", func() {
		opened := s.openCase()
		_, err := s.service.CloseCase(ctx, opened.ID, "admin", "", "", "")
		s.True(domainerrors.HasCode(err, domainerrors.CodeApprovalRequired))
	})

	s.Run("closing an OPEN case with approval runs the manual close path", func() {
		opened := s.openCase()
		closed, err := s.service.CloseCase(ctx, opened.ID, "admin", "appr-9", "escalated offline", "")
		s.Require().NoError(err)
		s.Equal(exception.StatusClosed, closed.Status)

		overrides, err := s.store.ListOverrides(ctx, opened.ID)
		s.Require().NoError(err)
		s.Require().Len(overrides, 1)
		s.Equal(canonical.SumHex([]byte("escalated offline")), overrides[0].EvidenceManifestHash)
	})

	s.Run("closing a CLOSED case is a no-op", func() {
		opened := s.openCase()
		first, err := s.service.CloseCase(ctx, opened.ID, "admin", "appr-10", "done", "")
		s.Require().NoError(err)

		second, err := s.service.CloseCase(ctx, opened.ID, "admin", "", "", "")
		s.Require().NoError(err)
		s.Equal(first.LatestEventID, second.LatestEventID)
		s.Equal(exception.StatusClosed, second.Status)
	})
}

// ===== evidence =====

func (s *ServiceSuite) TestAppendCaseEvidence() {
	ctx := context.Background()

	s.Run("valid evidence is stored with an attached event", func() {
		opened := s.openCase()
		evidence, err := s.service.AppendCaseEvidence(ctx, opened.ID, EvidenceInput{
			Code:        "POD_SCAN",
			SourceKind:  "DOCUMENT",
			ReferenceID: "doc-1",
			ContentHash: canonical.SumHex([]byte("pod")),
			Actor:       "ops",
		})
		s.Require().NoError(err)
		s.NotEmpty(evidence.ID)

		events, err := s.store.ListEvents(ctx, opened.ID)
		s.Require().NoError(err)
		s.Equal(exception.EventEvidenceAttached, events[len(events)-1].Type)
	})

	s.Run("closed case refuses evidence", func() {
		opened := s.openCase()
		_, err := s.service.CloseCase(ctx, opened.ID, "admin", "appr-11", "done", "")
		s.Require().NoError(err)

		_, err = s.service.AppendCaseEvidence(ctx, opened.ID, EvidenceInput{
			Code:        "POD_SCAN",
			SourceKind:  "DOCUMENT",
			ReferenceID: "doc-2",
			ContentHash: canonical.SumHex([]byte("late")),
			Actor:       "ops",
		})
		s.True(domainerrors.HasCode(err, domainerrors.CodeInvalidTransition))
	})
}

// ===== replay export =====

func (s *ServiceSuite) TestExportCaseReplay() {
	ctx := context.Background()
	opened := s.openCase()

	_, err := s.service.AppendCaseEvidence(ctx, opened.ID, EvidenceInput{
		Code:        "POD_SCAN",
		SourceKind:  "DOCUMENT",
		ReferenceID: "doc-1",
		ContentHash: canonical.SumHex([]byte("pod")),
		Actor:       "ops",
	})
	s.Require().NoError(err)

	s.Run("bundle carries all logs and a manifest", func() {
		bundle, err := s.service.ExportCaseReplay(ctx, opened.ID)
		s.Require().NoError(err)
		s.Equal(opened.ID, bundle.Case.ID)
		s.NotEmpty(bundle.Events)
		s.NotEmpty(bundle.Evidence)
		s.Len(bundle.ManifestHash, 64)
	})

	s.Run("re-export with no new events reproduces the manifest", func() {
		first, err := s.service.ExportCaseReplay(ctx, opened.ID)
		s.Require().NoError(err)
		second, err := s.service.ExportCaseReplay(ctx, opened.ID)
		s.Require().NoError(err)
		s.Equal(first.ManifestHash, second.ManifestHash)
	})

	s.Run("a new event changes the manifest", func() {
		before, err := s.service.ExportCaseReplay(ctx, opened.ID)
		s.Require().NoError(err)

		_, err = s.service.AppendCaseEvent(ctx, opened.ID, EventInput{
			Type:     exception.EventStatusChanged,
			ToStatus: exception.StatusInReview,
			Actor:    "reviewer",
		})
		s.Require().NoError(err)

		after, err := s.service.ExportCaseReplay(ctx, opened.ID)
		s.Require().NoError(err)
		s.NotEqual(before.ManifestHash, after.ManifestHash)
	})
}
