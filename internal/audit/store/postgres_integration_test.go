//go:build integration

package store_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"freightgate/internal/audit"
	"freightgate/internal/audit/store"
	"freightgate/pkg/platform/sentinel"
	"freightgate/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.Postgres
	now      time.Time
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T(), "../../../migrations")
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.now = time.Now().UTC().Truncate(time.Microsecond)
	err := s.postgres.TruncateTables(context.Background(),
		"audit_evidence", "audit_results", "audit_runs")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) newRun(id string) *audit.Run {
	return &audit.Run{
		ID:             id,
		RuleSetVersion: "freight-baseline.v1",
		Trigger:        audit.TriggerBooked,
		Status:         audit.RunStatusOpen,
		ContextHash:    strings.Repeat("ab", 32),
		Linkage:        audit.Linkage{TenantID: "tenant-1", OrderID: "order-1"},
		StartedAt:      s.now,
		CreatedBy:      "system",
	}
}

func (s *PostgresStoreSuite) result(runID, ruleID string, passed bool) audit.Result {
	return audit.Result{
		RunID:        runID,
		RuleID:       ruleID,
		Passed:       passed,
		Severity:     audit.SeverityCritical,
		Escalation:   audit.EscalationBlockEscrow,
		EvaluatedAt:  s.now,
		EvaluatorKey: "evaluator." + ruleID,
	}
}

// TestConcurrentRunCreation races the same run id; one insert wins and every
// loser receives the stored row.
func (s *PostgresStoreSuite) TestConcurrentRunCreation() {
	ctx := context.Background()
	const goroutines = 25
	runID := "run-" + uuid.NewString()

	var wg sync.WaitGroup
	var successCount atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.store.CreateRun(ctx, s.newRun(runID))
			if s.NoError(err) && got.ID == runID {
				successCount.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(goroutines), successCount.Load())

	runs, err := s.store.ListRuns(ctx, store.RunFilter{})
	s.Require().NoError(err)
	s.Len(runs, 1)
}

func (s *PostgresStoreSuite) TestCloseRun() {
	ctx := context.Background()
	runID := "run-" + uuid.NewString()
	_, err := s.store.CreateRun(ctx, s.newRun(runID))
	s.Require().NoError(err)

	summary := audit.Summary{TotalRules: 2, FailedRules: 1, CriticalFailures: 1, BlockingFailures: 1}
	closed, err := s.store.CloseRun(ctx, runID, s.now.Add(time.Second), "system", summary)
	s.Require().NoError(err)
	s.Equal(audit.RunStatusClosed, closed.Status)
	s.Require().NotNil(closed.Summary)
	s.Equal(summary, *closed.Summary)
	s.Require().NotNil(closed.ClosedAt)

	s.Run("closing again returns the stored run unchanged", func() {
		again, err := s.store.CloseRun(ctx, runID, s.now.Add(time.Hour), "someone-else",
			audit.Summary{TotalRules: 99})
		s.Require().NoError(err)
		s.Equal(audit.RunStatusClosed, again.Status)
		s.Equal(summary, *again.Summary)
		s.Equal("system", again.ClosedBy)
	})

	s.Run("closing an unknown run is not found", func() {
		_, err := s.store.CloseRun(ctx, "run-ghost", s.now, "system", summary)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *PostgresStoreSuite) TestAppendResults() {
	ctx := context.Background()
	runID := "run-" + uuid.NewString()
	_, err := s.store.CreateRun(ctx, s.newRun(runID))
	s.Require().NoError(err)

	batch := []audit.Result{
		s.result(runID, "F-01", true),
		s.result(runID, "F-02", false),
	}
	inserted, err := s.store.AppendResults(ctx, runID, batch)
	s.Require().NoError(err)
	s.Equal(2, inserted)

	s.Run("retried batch inserts nothing new", func() {
		inserted, err := s.store.AppendResults(ctx, runID, batch)
		s.Require().NoError(err)
		s.Zero(inserted)

		results, err := s.store.ListResults(ctx, runID)
		s.Require().NoError(err)
		s.Len(results, 2)
	})

	s.Run("append after close is rejected", func() {
		_, err := s.store.CloseRun(ctx, runID, s.now.Add(time.Second), "system",
			audit.Summary{TotalRules: 2, FailedRules: 1})
		s.Require().NoError(err)

		_, err = s.store.AppendResults(ctx, runID, []audit.Result{s.result(runID, "F-03", true)})
		s.ErrorIs(err, sentinel.ErrInvalidState)
	})
}

func (s *PostgresStoreSuite) TestAppendEvidence() {
	ctx := context.Background()
	runID := "run-" + uuid.NewString()
	_, err := s.store.CreateRun(ctx, s.newRun(runID))
	s.Require().NoError(err)

	record := audit.EvidenceRecord{
		RunID:       runID,
		RuleID:      "F-01",
		Code:        "COMMERCIAL_INVOICE",
		SourceKind:  "DOCUMENT",
		ReferenceID: "doc-1",
		ContentHash: strings.Repeat("CD", 32),
		CapturedAt:  s.now,
	}
	inserted, err := s.store.AppendEvidence(ctx, runID, []audit.EvidenceRecord{record})
	s.Require().NoError(err)
	s.Equal(1, inserted)

	s.Run("content key dedupes case-insensitively", func() {
		inserted, err := s.store.AppendEvidence(ctx, runID, []audit.EvidenceRecord{record})
		s.Require().NoError(err)
		s.Zero(inserted)

		stored, err := s.store.ListEvidence(ctx, runID)
		s.Require().NoError(err)
		s.Require().Len(stored, 1)
		s.Equal(strings.Repeat("cd", 32), stored[0].ContentHash)
	})

	s.Run("malformed hash is rejected before any write", func() {
		bad := record
		bad.ReferenceID = "doc-2"
		bad.ContentHash = "not-a-hash"
		_, err := s.store.AppendEvidence(ctx, runID, []audit.EvidenceRecord{bad})
		s.Error(err)
	})

	s.Run("append after close is rejected", func() {
		_, err := s.store.CloseRun(ctx, runID, s.now.Add(time.Second), "system", audit.Summary{})
		s.Require().NoError(err)

		late := record
		late.ReferenceID = "doc-3"
		_, err = s.store.AppendEvidence(ctx, runID, []audit.EvidenceRecord{late})
		s.ErrorIs(err, sentinel.ErrInvalidState)
	})
}
