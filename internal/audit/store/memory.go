package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"freightgate/internal/audit"
	"freightgate/internal/platform/storeutil"
	"freightgate/pkg/canonical"
	"freightgate/pkg/domainerrors"
	"freightgate/pkg/platform/sentinel"
)

// InMemory is the test double and zero-dependency deployment store. It
// enforces the same uniqueness and state preconditions as the Postgres
// adapter.
type InMemory struct {
	mu       sync.RWMutex
	runs     map[string]*audit.Run
	results  map[string]audit.Result         // keyed by Result.Key()
	evidence map[string]audit.EvidenceRecord // keyed by EvidenceRecord.Key()
}

func NewInMemory() *InMemory {
	return &InMemory{
		runs:     make(map[string]*audit.Run),
		results:  make(map[string]audit.Result),
		evidence: make(map[string]audit.EvidenceRecord),
	}
}

func (s *InMemory) CreateRun(_ context.Context, run *audit.Run) (*audit.Run, error) {
	if run == nil || run.ID == "" {
		return nil, domainerrors.New(domainerrors.CodeValidation, "run id is required")
	}
	if !canonical.IsSHA256Hex(run.ContextHash) {
		return nil, domainerrors.New(domainerrors.CodeValidation, "context hash must be 64-character hex SHA-256")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *run
	stored.ContextHash = canonical.NormalizeHash(run.ContextHash)
	existing, _ := storeutil.InsertOrGet(s.runs, run.ID, &stored)
	return copyRun(existing), nil
}

func (s *InMemory) GetRun(_ context.Context, id string) (*audit.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyRun(run), nil
}

func (s *InMemory) CloseRun(_ context.Context, id string, closedAt time.Time, closedBy string, summary audit.Summary) (*audit.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if run.Status == audit.RunStatusClosed {
		// Conditional update found no OPEN row: already closed is a no-op.
		return copyRun(run), nil
	}

	run.Status = audit.RunStatusClosed
	at := closedAt.UTC()
	run.ClosedAt = &at
	run.ClosedBy = closedBy
	sum := summary
	run.Summary = &sum
	return copyRun(run), nil
}

func (s *InMemory) AppendResults(_ context.Context, runID string, results []audit.Result) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireOpen(runID); err != nil {
		return 0, err
	}
	inserted := 0
	for _, result := range results {
		result.RunID = runID
		if _, fresh := storeutil.InsertOrGet(s.results, result.Key(), result); fresh {
			inserted++
		}
	}
	return inserted, nil
}

func (s *InMemory) AppendEvidence(_ context.Context, runID string, evidence []audit.EvidenceRecord) (int, error) {
	for _, record := range evidence {
		if !canonical.IsSHA256Hex(record.ContentHash) {
			return 0, domainerrors.New(domainerrors.CodeValidation, "evidence content hash must be 64-character hex SHA-256")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireOpen(runID); err != nil {
		return 0, err
	}
	inserted := 0
	for _, record := range evidence {
		record.RunID = runID
		record.ContentHash = canonical.NormalizeHash(record.ContentHash)
		if _, fresh := storeutil.InsertOrGet(s.evidence, record.Key(), record); fresh {
			inserted++
		}
	}
	return inserted, nil
}

func (s *InMemory) ListRuns(_ context.Context, filter RunFilter) ([]*audit.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*audit.Run
	for _, run := range s.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Trigger != "" && run.Trigger != filter.Trigger {
			continue
		}
		if filter.OrderID != "" && run.Linkage.OrderID != filter.OrderID {
			continue
		}
		if filter.ShipmentID != "" && run.Linkage.ShipmentID != filter.ShipmentID {
			continue
		}
		out = append(out, copyRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit := filter.ClampLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) ListResults(_ context.Context, runID string) ([]audit.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []audit.Result
	for _, result := range s.results {
		if result.RunID == runID {
			out = append(out, result)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out, nil
}

func (s *InMemory) ListEvidence(_ context.Context, runID string) ([]audit.EvidenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []audit.EvidenceRecord
	for _, record := range s.evidence {
		if record.RunID == runID {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// requireOpen guards result/evidence appends: writes are rejected once a run
// is not OPEN. Caller must hold the lock.
func (s *InMemory) requireOpen(runID string) error {
	run, ok := s.runs[runID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if run.Status != audit.RunStatusOpen {
		return sentinel.ErrInvalidState
	}
	return nil
}

func copyRun(run *audit.Run) *audit.Run {
	out := *run
	if run.ClosedAt != nil {
		at := *run.ClosedAt
		out.ClosedAt = &at
	}
	if run.Summary != nil {
		sum := *run.Summary
		out.Summary = &sum
	}
	return &out
}
