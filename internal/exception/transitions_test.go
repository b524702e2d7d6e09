package exception

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to CaseStatus }{
		{StatusOpen, StatusInReview},
		{StatusOpen, StatusClosed},
		{StatusInReview, StatusActionRequired},
		{StatusInReview, StatusResolved},
		{StatusActionRequired, StatusInReview},
		{StatusResolved, StatusClosed},
	}
	for _, tt := range legal {
		assert.True(t, CanTransition(tt.from, tt.to), "%s -> %s should be legal", tt.from, tt.to)
	}

	illegal := []struct{ from, to CaseStatus }{
		{StatusClosed, StatusOpen},
		{StatusClosed, StatusInReview},
		{StatusClosed, StatusResolved},
		{StatusActionRequired, StatusResolved},
		{StatusOpen, StatusResolved},
		{StatusOpen, StatusActionRequired},
		{StatusResolved, StatusInReview},
	}
	for _, tt := range illegal {
		assert.False(t, CanTransition(tt.from, tt.to), "%s -> %s should be illegal", tt.from, tt.to)
	}
}

func TestCanTransition_SameStateIsSilentNoOp(t *testing.T) {
	for _, status := range []CaseStatus{StatusOpen, StatusInReview, StatusActionRequired, StatusResolved, StatusClosed} {
		assert.True(t, CanTransition(status, status))
	}
}

func TestApplyEvent_ProjectsLatestEvent(t *testing.T) {
	at := time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC)
	c := Case{ID: "exc-1", Status: StatusOpen}

	updated := ApplyEvent(c, Event{
		ID:         "evt-1",
		Type:       EventStatusChanged,
		FromStatus: StatusOpen,
		ToStatus:   StatusInReview,
		OccurredAt: at,
	})

	assert.Equal(t, StatusInReview, updated.Status)
	assert.Equal(t, "evt-1", updated.LatestEventID)
	assert.Equal(t, at, updated.LatestEventAt)
	assert.Nil(t, updated.ClosedAt)

	// Input untouched: ApplyEvent is pure.
	assert.Equal(t, StatusOpen, c.Status)
}

func TestApplyEvent_ClosedStampsTimestampOnce(t *testing.T) {
	at := time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC)
	c := Case{ID: "exc-1", Status: StatusResolved}

	closed := ApplyEvent(c, Event{ID: "evt-9", Type: EventCaseClosed, FromStatus: StatusResolved, ToStatus: StatusClosed, OccurredAt: at})
	require.NotNil(t, closed.ClosedAt)
	assert.Equal(t, at, *closed.ClosedAt)

	// A later event must not move the closed timestamp.
	later := ApplyEvent(closed, Event{ID: "evt-10", ToStatus: StatusClosed, OccurredAt: at.Add(time.Hour)})
	assert.Equal(t, at, *later.ClosedAt)
}

func TestApplyEvent_NonTransitionEventKeepsStatus(t *testing.T) {
	c := Case{ID: "exc-1", Status: StatusInReview}
	updated := ApplyEvent(c, Event{ID: "evt-2", Type: EventEvidenceAttached, OccurredAt: time.Now()})
	assert.Equal(t, StatusInReview, updated.Status)
	assert.Equal(t, "evt-2", updated.LatestEventID)
}
