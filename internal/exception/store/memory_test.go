package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"freightgate/internal/exception"
	"freightgate/pkg/canonical"
	"freightgate/pkg/domainerrors"
	"freightgate/pkg/platform/sentinel"
)

type InMemorySuite struct {
	suite.Suite
	store *InMemory
	now   time.Time
}

func TestInMemorySuite(t *testing.T) {
	suite.Run(t, new(InMemorySuite))
}

func (s *InMemorySuite) SetupTest() {
	s.store = NewInMemory()
	s.now = time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
}

func (s *InMemorySuite) newCase(id string) *exception.Case {
	return &exception.Case{
		ID:             id,
		TenantID:       "tenant-1",
		OrderID:        "order-1",
		Status:         exception.StatusOpen,
		Severity:       exception.SeverityHigh,
		Origin:         exception.OriginAuditAutomated,
		OpenedBy:       "system",
		OpenedAt:       s.now,
		LatestEventID:  id + "-ev-0",
		LatestEventAt:  s.now,
		IdempotencyKey: "key-" + id,
	}
}

func (s *InMemorySuite) mustCreate(id string) *exception.Case {
	created, fresh, err := s.store.CreateCase(context.Background(), s.newCase(id))
	s.Require().NoError(err)
	s.Require().True(fresh)
	return created
}

// ===== case creation =====

func (s *InMemorySuite) TestCreateCase() {
	ctx := context.Background()

	s.Run("creates and reports fresh", func() {
		created, fresh, err := s.store.CreateCase(ctx, s.newCase("case-a"))
		s.Require().NoError(err)
		s.True(fresh)
		s.Equal(exception.StatusOpen, created.Status)
	})

	s.Run("duplicate idempotency key returns the existing case", func() {
		first := s.mustCreate("case-b")

		retry := s.newCase("case-b-retry")
		retry.IdempotencyKey = first.IdempotencyKey
		second, fresh, err := s.store.CreateCase(ctx, retry)
		s.Require().NoError(err)
		s.False(fresh)
		s.Equal(first.ID, second.ID)
	})

	s.Run("rejects missing idempotency key", func() {
		c := s.newCase("case-c")
		c.IdempotencyKey = ""
		_, _, err := s.store.CreateCase(ctx, c)
		s.True(domainerrors.HasCode(err, domainerrors.CodeValidation))
	})
}

// ===== projection updates =====

func (s *InMemorySuite) TestUpdateProjection() {
	ctx := context.Background()

	s.Run("matching precondition applies the projection", func() {
		created := s.mustCreate("case-proj")
		projected := *created
		projected.Status = exception.StatusInReview
		projected.LatestEventID = "ev-1"
		projected.LatestEventAt = s.now.Add(time.Minute)

		updated, err := s.store.UpdateProjection(ctx, projected, exception.StatusOpen)
		s.Require().NoError(err)
		s.Equal(exception.StatusInReview, updated.Status)
		s.Equal("ev-1", updated.LatestEventID)
	})

	s.Run("stale precondition fails with invalid state", func() {
		created := s.mustCreate("case-stale")
		projected := *created
		projected.Status = exception.StatusInReview

		_, err := s.store.UpdateProjection(ctx, projected, exception.StatusResolved)
		s.ErrorIs(err, sentinel.ErrInvalidState)
	})

	s.Run("unknown case is not found", func() {
		_, err := s.store.UpdateProjection(ctx, *s.newCase("ghost"), exception.StatusOpen)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

// ===== append-only logs =====

func (s *InMemorySuite) TestAppendEvent() {
	ctx := context.Background()
	created := s.mustCreate("case-ev")

	event := exception.Event{
		ID:             "ev-1",
		CaseID:         created.ID,
		Type:           exception.EventStatusChanged,
		FromStatus:     exception.StatusOpen,
		ToStatus:       exception.StatusInReview,
		Actor:          "reviewer",
		OccurredAt:     s.now,
		IdempotencyKey: "ev-key-1",
	}

	s.Run("first append is fresh", func() {
		stored, fresh, err := s.store.AppendEvent(ctx, event)
		s.Require().NoError(err)
		s.True(fresh)
		s.Equal("ev-1", stored.ID)
	})

	s.Run("replay returns the original event", func() {
		replay := event
		replay.ID = "ev-1-different"
		stored, fresh, err := s.store.AppendEvent(ctx, replay)
		s.Require().NoError(err)
		s.False(fresh)
		s.Equal("ev-1", stored.ID)
	})

	s.Run("unknown case is not found", func() {
		orphan := event
		orphan.CaseID = "missing"
		orphan.IdempotencyKey = "ev-key-orphan"
		_, _, err := s.store.AppendEvent(ctx, orphan)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *InMemorySuite) TestAppendEventHashChain() {
	ctx := context.Background()
	created := s.mustCreate("case-chain")

	first, _, err := s.store.AppendEvent(ctx, exception.Event{
		ID:             "ev-1",
		CaseID:         created.ID,
		Type:           exception.EventCaseOpened,
		ToStatus:       exception.StatusOpen,
		Actor:          "system",
		OccurredAt:     s.now,
		IdempotencyKey: "chain-1",
	})
	s.Require().NoError(err)
	s.Empty(first.PreviousHash)
	s.True(canonical.IsSHA256Hex(first.ContentHash))

	recomputed, err := first.ChainHash()
	s.Require().NoError(err)
	s.Equal(recomputed, first.ContentHash)

	second, _, err := s.store.AppendEvent(ctx, exception.Event{
		ID:             "ev-2",
		CaseID:         created.ID,
		Type:           exception.EventStatusChanged,
		FromStatus:     exception.StatusOpen,
		ToStatus:       exception.StatusInReview,
		Actor:          "reviewer",
		OccurredAt:     s.now.Add(time.Minute),
		IdempotencyKey: "chain-2",
	})
	s.Require().NoError(err)
	s.Equal(first.ContentHash, second.PreviousHash)
	s.NotEqual(first.ContentHash, second.ContentHash)
}

func (s *InMemorySuite) TestAppendEvidence() {
	ctx := context.Background()
	created := s.mustCreate("case-evi")

	evidence := exception.Evidence{
		ID:             "evi-1",
		CaseID:         created.ID,
		Code:           "POD_SCAN",
		SourceKind:     "DOCUMENT",
		ReferenceID:    "doc-9",
		ContentHash:    canonical.SumHex([]byte("pod")),
		AttachedBy:     "ops",
		AttachedAt:     s.now,
		IdempotencyKey: "evi-key-1",
	}

	s.Run("valid hash is stored lowercase", func() {
		upper := evidence
		upper.ContentHash = "ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789"
		stored, fresh, err := s.store.AppendEvidence(ctx, upper)
		s.Require().NoError(err)
		s.True(fresh)
		s.Equal("abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789", stored.ContentHash)
	})

	s.Run("malformed hash rejected", func() {
		bad := evidence
		bad.ContentHash = "deadbeef"
		bad.IdempotencyKey = "evi-key-bad"
		_, _, err := s.store.AppendEvidence(ctx, bad)
		s.True(domainerrors.HasCode(err, domainerrors.CodeValidation))
	})

	s.Run("closed case rejects evidence", func() {
		closedCase := s.mustCreate("case-closed")
		projected := *closedCase
		projected.Status = exception.StatusClosed
		closedAt := s.now
		projected.ClosedAt = &closedAt
		_, err := s.store.UpdateProjection(ctx, projected, exception.StatusOpen)
		s.Require().NoError(err)

		late := evidence
		late.CaseID = closedCase.ID
		late.IdempotencyKey = "evi-key-late"
		_, _, err = s.store.AppendEvidence(ctx, late)
		s.ErrorIs(err, sentinel.ErrInvalidState)
	})
}

// ===== listings =====

func (s *InMemorySuite) TestListCases() {
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c := s.newCase(fmt.Sprintf("case-%d", i))
		c.OpenedAt = s.now.Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			c.TenantID = "tenant-even"
		}
		_, _, err := s.store.CreateCase(ctx, c)
		s.Require().NoError(err)
	}

	s.Run("newest first", func() {
		cases, err := s.store.ListCases(ctx, CaseFilter{})
		s.Require().NoError(err)
		s.Require().Len(cases, 5)
		s.Equal("case-4", cases[0].ID)
		s.Equal("case-0", cases[4].ID)
	})

	s.Run("tenant filter", func() {
		cases, err := s.store.ListCases(ctx, CaseFilter{TenantID: "tenant-even"})
		s.Require().NoError(err)
		s.Len(cases, 3)
	})

	s.Run("limit clamps the page", func() {
		cases, err := s.store.ListCases(ctx, CaseFilter{Limit: 2})
		s.Require().NoError(err)
		s.Len(cases, 2)
	})
}

func (s *InMemorySuite) TestListEventsOrdering() {
	ctx := context.Background()
	created := s.mustCreate("case-order")

	// Inserted out of order; listings must come back (timestamp, id) ascending.
	for _, ev := range []exception.Event{
		{ID: "ev-b", CaseID: created.ID, Type: exception.EventStatusChanged, OccurredAt: s.now.Add(2 * time.Minute), IdempotencyKey: "k-b"},
		{ID: "ev-a", CaseID: created.ID, Type: exception.EventCaseOpened, OccurredAt: s.now, IdempotencyKey: "k-a"},
		{ID: "ev-c", CaseID: created.ID, Type: exception.EventStatusChanged, OccurredAt: s.now.Add(2 * time.Minute), IdempotencyKey: "k-c"},
	} {
		_, _, err := s.store.AppendEvent(ctx, ev)
		s.Require().NoError(err)
	}

	events, err := s.store.ListEvents(ctx, created.ID)
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	s.Equal("ev-a", events[0].ID)
	s.Equal("ev-b", events[1].ID)
	s.Equal("ev-c", events[2].ID)
}
