package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"freightgate/internal/exception"
	"freightgate/internal/platform/storeutil"
	"freightgate/pkg/canonical"
	"freightgate/pkg/domainerrors"
	"freightgate/pkg/platform/sentinel"
)

// InMemory mirrors the Postgres adapter's uniqueness and precondition
// semantics for tests and storeless deployments.
type InMemory struct {
	mu        sync.RWMutex
	cases     map[string]*exception.Case // by case id
	caseByKey map[string]string          // idempotency key -> case id
	events    map[string]exception.Event // by idempotency key
	evidence  map[string]exception.Evidence
	overrides map[string]exception.Override
}

func NewInMemory() *InMemory {
	return &InMemory{
		cases:     make(map[string]*exception.Case),
		caseByKey: make(map[string]string),
		events:    make(map[string]exception.Event),
		evidence:  make(map[string]exception.Evidence),
		overrides: make(map[string]exception.Override),
	}
}

func (s *InMemory) CreateCase(_ context.Context, c *exception.Case) (*exception.Case, bool, error) {
	if c == nil || c.ID == "" || c.IdempotencyKey == "" {
		return nil, false, domainerrors.New(domainerrors.CodeValidation, "case id and idempotency key are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.caseByKey[c.IdempotencyKey]; ok {
		return copyCase(s.cases[existingID]), false, nil
	}
	stored := *c
	s.cases[c.ID] = &stored
	s.caseByKey[c.IdempotencyKey] = c.ID
	return copyCase(&stored), true, nil
}

func (s *InMemory) GetCase(_ context.Context, id string) (*exception.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyCase(c), nil
}

func (s *InMemory) UpdateProjection(_ context.Context, projected exception.Case, expectStatus exception.CaseStatus) (*exception.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.cases[projected.ID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if current.Status != expectStatus {
		return nil, sentinel.ErrInvalidState
	}
	stored := projected
	s.cases[projected.ID] = &stored
	return copyCase(&stored), nil
}

func (s *InMemory) AppendEvent(_ context.Context, e exception.Event) (exception.Event, bool, error) {
	if e.IdempotencyKey == "" {
		return exception.Event{}, false, domainerrors.New(domainerrors.CodeValidation, "event idempotency key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cases[e.CaseID]; !ok {
		return exception.Event{}, false, sentinel.ErrNotFound
	}
	if existing, ok := s.events[e.IdempotencyKey]; ok {
		return existing, false, nil
	}
	e.PreviousHash = s.latestEventHashLocked(e.CaseID)
	hash, err := e.ChainHash()
	if err != nil {
		return exception.Event{}, false, fmt.Errorf("hash case event: %w", err)
	}
	e.ContentHash = hash
	existing, fresh := storeutil.InsertOrGet(s.events, e.IdempotencyKey, e)
	return existing, fresh, nil
}

// latestEventHashLocked returns the content hash of the newest event for the
// case, or empty for the genesis link. Caller holds the lock.
func (s *InMemory) latestEventHashLocked(caseID string) string {
	var latest *exception.Event
	for key := range s.events {
		e := s.events[key]
		if e.CaseID != caseID {
			continue
		}
		if latest == nil || e.OccurredAt.After(latest.OccurredAt) ||
			(e.OccurredAt.Equal(latest.OccurredAt) && e.ID > latest.ID) {
			copied := e
			latest = &copied
		}
	}
	if latest == nil {
		return ""
	}
	return latest.ContentHash
}

func (s *InMemory) AppendEvidence(_ context.Context, ev exception.Evidence) (exception.Evidence, bool, error) {
	if !canonical.IsSHA256Hex(ev.ContentHash) {
		return exception.Evidence{}, false, domainerrors.New(domainerrors.CodeValidation, "evidence content hash must be 64-character hex SHA-256")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cases[ev.CaseID]
	if !ok {
		return exception.Evidence{}, false, sentinel.ErrNotFound
	}
	if c.Status == exception.StatusClosed {
		return exception.Evidence{}, false, sentinel.ErrInvalidState
	}
	ev.ContentHash = canonical.NormalizeHash(ev.ContentHash)
	existing, fresh := storeutil.InsertOrGet(s.evidence, ev.IdempotencyKey, ev)
	return existing, fresh, nil
}

func (s *InMemory) AppendOverride(_ context.Context, o exception.Override) (exception.Override, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cases[o.CaseID]; !ok {
		return exception.Override{}, false, sentinel.ErrNotFound
	}
	existing, fresh := storeutil.InsertOrGet(s.overrides, o.IdempotencyKey, o)
	return existing, fresh, nil
}

func (s *InMemory) ListCases(_ context.Context, filter CaseFilter) ([]*exception.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*exception.Case
	for _, c := range s.cases {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.TenantID != "" && c.TenantID != filter.TenantID {
			continue
		}
		if filter.OrderID != "" && c.OrderID != filter.OrderID {
			continue
		}
		out = append(out, copyCase(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].OpenedAt.After(out[j].OpenedAt)
	})
	if limit := filter.ClampLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) ListEvents(_ context.Context, caseID string) ([]exception.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []exception.Event
	for _, e := range s.events {
		if e.CaseID == caseID {
			out = append(out, e)
		}
	}
	sortByTimeThenID(out, func(e exception.Event) (int64, string) { return e.OccurredAt.UnixNano(), e.ID })
	return out, nil
}

func (s *InMemory) ListEvidence(_ context.Context, caseID string) ([]exception.Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []exception.Evidence
	for _, ev := range s.evidence {
		if ev.CaseID == caseID {
			out = append(out, ev)
		}
	}
	sortByTimeThenID(out, func(ev exception.Evidence) (int64, string) { return ev.AttachedAt.UnixNano(), ev.ID })
	return out, nil
}

func (s *InMemory) ListOverrides(_ context.Context, caseID string) ([]exception.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []exception.Override
	for _, o := range s.overrides {
		if o.CaseID == caseID {
			out = append(out, o)
		}
	}
	sortByTimeThenID(out, func(o exception.Override) (int64, string) { return o.RecordedAt.UnixNano(), o.ID })
	return out, nil
}

// sortByTimeThenID gives every log listing the deterministic (timestamp, id)
// order the replay export depends on.
func sortByTimeThenID[T any](items []T, key func(T) (int64, string)) {
	sort.Slice(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if ti == tj {
			return idi < idj
		}
		return ti < tj
	})
}

func copyCase(c *exception.Case) *exception.Case {
	out := *c
	if c.ClosedAt != nil {
		at := *c.ClosedAt
		out.ClosedAt = &at
	}
	return &out
}
