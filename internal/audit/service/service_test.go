package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"freightgate/internal/audit"
	"freightgate/internal/audit/engine"
	"freightgate/internal/audit/store"
	"freightgate/pkg/canonical"
	"freightgate/pkg/identifier"
)

// flakyStore wraps the in-memory store with switchable failures so the
// orchestration's never-throw contract can be exercised.
type flakyStore struct {
	*store.InMemory
	failCreate  bool
	failResults bool
	failClose   bool
}

func (f *flakyStore) CreateRun(ctx context.Context, run *audit.Run) (*audit.Run, error) {
	if f.failCreate {
		return nil, errors.New("store unavailable: connection refused")
	}
	return f.InMemory.CreateRun(ctx, run)
}

func (f *flakyStore) AppendResults(ctx context.Context, runID string, results []audit.Result) (int, error) {
	if f.failResults {
		return 0, errors.New("insert audit result: deadline exceeded")
	}
	return f.InMemory.AppendResults(ctx, runID, results)
}

func (f *flakyStore) CloseRun(ctx context.Context, id string, closedAt time.Time, closedBy string, summary audit.Summary) (*audit.Run, error) {
	if f.failClose {
		return nil, errors.New("close audit run: io timeout")
	}
	return f.InMemory.CloseRun(ctx, id, closedAt, closedBy, summary)
}

type ServiceSuite struct {
	suite.Suite
	store   *flakyStore
	service *Service
	now     time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.now = time.Date(2026, 8, 28, 9, 30, 0, 0, time.UTC)
	s.store = &flakyStore{InMemory: store.NewInMemory()}

	ids := identifier.New(
		identifier.WithClock(func() time.Time { return s.now }),
		identifier.WithRandom(func() string { return "feedc0de" }),
	)
	eng := engine.New(engine.WithClock(func() time.Time { return s.now }))
	s.service = New(s.store, eng, ids, slog.Default(), nil)
}

func (s *ServiceSuite) TestRunForEvent_Completed() {
	outcome := s.service.RunForEvent(context.Background(), RunInput{
		Trigger: audit.TriggerBooked,
		Context: map[string]any{"carrierId": "car-9"},
		Linkage: audit.Linkage{TenantID: "tenant-1", OrderID: "order-7"},
		Actor:   "system",
	})

	s.Equal(OutcomeCompleted, outcome.Status)
	s.NotEmpty(outcome.RunID)
	s.Require().NotNil(outcome.Summary)
	s.Equal(2, outcome.Summary.TotalRules)
	s.Zero(outcome.Summary.FailedRules)
	s.Equal(2, outcome.ResultsPersisted)

	run, err := s.store.GetRun(context.Background(), outcome.RunID)
	s.Require().NoError(err)
	s.Equal(audit.RunStatusClosed, run.Status)
}

func (s *ServiceSuite) TestRunForEvent_IdempotentUnderRetry() {
	// With a pinned clock and random token the derived run id repeats; the
	// second invocation must reuse the existing run instead of duplicating.
	in := RunInput{
		Trigger: audit.TriggerBooked,
		Context: map[string]any{"orderId": "order-1"},
		Actor:   "system",
	}
	first := s.service.RunForEvent(context.Background(), in)
	second := s.service.RunForEvent(context.Background(), in)

	s.Equal(first.RunID, second.RunID)

	// The retry replays the stored outcome instead of re-evaluating
	// against the already-closed run.
	s.Equal(OutcomeCompleted, second.Status)
	s.Require().NotNil(second.Summary)
	s.Equal(*first.Summary, *second.Summary)
	s.Equal(first.ClosedAt, second.ClosedAt)
	s.Zero(second.ResultsPersisted)

	runs, err := s.store.ListRuns(context.Background(), store.RunFilter{})
	s.Require().NoError(err)
	s.Len(runs, 1)
}

func (s *ServiceSuite) TestRunForEvent_ContextHashOrderIndependent() {
	a := s.service.RunForEvent(context.Background(), RunInput{
		Trigger: audit.TriggerBooked,
		Context: map[string]any{"a": 1, "b": 2},
		Actor:   "system",
	})
	s.now = s.now.Add(time.Minute) // distinct run id for the second call
	b := s.service.RunForEvent(context.Background(), RunInput{
		Trigger: audit.TriggerBooked,
		Context: map[string]any{"b": 2, "a": 1},
		Actor:   "system",
	})

	s.Equal(a.ContextHash, b.ContextHash)
	s.True(canonical.IsSHA256Hex(a.ContextHash))
}

func (s *ServiceSuite) TestRunForEvent_CreateFailureShortCircuits() {
	s.store.failCreate = true

	outcome := s.service.RunForEvent(context.Background(), RunInput{
		Trigger: audit.TriggerPayoutReady,
		Context: map[string]any{},
		Actor:   "system",
	})

	s.Equal(OutcomeFailed, outcome.Status)
	s.Empty(outcome.RunID)
	s.Equal("STORE_UNAVAILABLE_CONNECTION_REFUSED", outcome.ErrorCode)
	s.Equal("store unavailable: connection refused", outcome.ErrorMessage)

	// Nothing was evaluated or persisted.
	runs, err := s.store.ListRuns(context.Background(), store.RunFilter{})
	s.Require().NoError(err)
	s.Empty(runs)
}

func (s *ServiceSuite) TestRunForEvent_MidPipelineFailureClosesBestEffort() {
	s.store.failResults = true

	outcome := s.service.RunForEvent(context.Background(), RunInput{
		Trigger: audit.TriggerBooked,
		Context: map[string]any{},
		Actor:   "system",
	})

	s.Equal(OutcomeFailed, outcome.Status)
	s.NotEmpty(outcome.RunID)
	s.Equal("INSERT_AUDIT_RESULT_DEADLINE_EXCEEDED", outcome.ErrorCode)

	run, err := s.store.GetRun(context.Background(), outcome.RunID)
	s.Require().NoError(err)
	s.Equal(audit.RunStatusClosed, run.Status)
}

func (s *ServiceSuite) TestRunForEvent_SecondaryCloseFailureIsSwallowed() {
	s.store.failResults = true
	s.store.failClose = true

	outcome := s.service.RunForEvent(context.Background(), RunInput{
		Trigger: audit.TriggerBooked,
		Context: map[string]any{},
		Actor:   "system",
	})

	// Primary error wins; the close failure is logged, not surfaced.
	s.Equal(OutcomeFailed, outcome.Status)
	s.Equal("INSERT_AUDIT_RESULT_DEADLINE_EXCEEDED", outcome.ErrorCode)
}

func (s *ServiceSuite) TestRunForEvent_EvidencePersisted() {
	outcome := s.service.RunForEvent(context.Background(), RunInput{
		Trigger: audit.TriggerBooked,
		Context: map[string]any{},
		Actor:   "system",
		Evidence: []EvidenceInput{{
			RuleID:      "F-01",
			Code:        "CARRIER_LICENSE",
			SourceKind:  "DOCUMENT",
			ReferenceID: "doc-1",
			ContentHash: canonical.SumHex([]byte("pdf bytes")),
		}},
	})

	s.Equal(OutcomeCompleted, outcome.Status)
	s.Equal(1, outcome.EvidencePersisted)
}

func TestNormalizeErrorCode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain message", "store unavailable", "STORE_UNAVAILABLE"},
		{"punctuation collapses", "insert: conn refused (tcp)", "INSERT_CONN_REFUSED_TCP"},
		{"leading and trailing runs trimmed", "  !!bad!!  ", "BAD"},
		{"digits preserved", "error 42 occurred", "ERROR_42_OCCURRED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeErrorCode(tt.in); got != tt.want {
				t.Fatalf("NormalizeErrorCode(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
