package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"freightgate/internal/settlement"
	"freightgate/pkg/domainerrors"
	"freightgate/pkg/platform/sentinel"
)

// InMemory mirrors the Postgres adapter, including the partial-unique
// active-hold constraint, for tests and storeless deployments.
type InMemory struct {
	mu        sync.RWMutex
	holds     map[string]*settlement.Hold // by hold id
	holdByKey map[string]string           // idempotency key -> hold id
}

func NewInMemory() *InMemory {
	return &InMemory{
		holds:     make(map[string]*settlement.Hold),
		holdByKey: make(map[string]string),
	}
}

func (s *InMemory) CreateHold(_ context.Context, h *settlement.Hold) (*settlement.Hold, bool, error) {
	if h == nil || h.ID == "" || h.IdempotencyKey == "" {
		return nil, false, domainerrors.New(domainerrors.CodeValidation, "hold id and idempotency key are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.holdByKey[h.IdempotencyKey]; ok {
		return copyHold(s.holds[existingID]), false, nil
	}
	// Partial uniqueness: a second active hold for the same scope resolves
	// to the existing one, matching the schema's partial unique index.
	for _, existing := range s.holds {
		if existing.Status == settlement.HoldReviewRequired &&
			existing.TenantID == h.TenantID && existing.OrderID == h.OrderID && existing.Trigger == h.Trigger {
			return copyHold(existing), false, nil
		}
	}
	stored := *h
	s.holds[h.ID] = &stored
	s.holdByKey[h.IdempotencyKey] = h.ID
	return copyHold(&stored), true, nil
}

func (s *InMemory) GetHold(_ context.Context, id string) (*settlement.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.holds[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyHold(h), nil
}

func (s *InMemory) FindLatestHold(_ context.Context, tenantID, orderID, trigger string) (*settlement.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *settlement.Hold
	for _, h := range s.holds {
		if h.TenantID != tenantID || h.OrderID != orderID || h.Trigger != trigger {
			continue
		}
		if latest == nil || h.CreatedAt.After(latest.CreatedAt) ||
			(h.CreatedAt.Equal(latest.CreatedAt) && h.ID > latest.ID) {
			latest = h
		}
	}
	if latest == nil {
		return nil, sentinel.ErrNotFound
	}
	return copyHold(latest), nil
}

func (s *InMemory) OverrideHold(_ context.Context, id string, in OverrideInput) (*settlement.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holds[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	switch h.Status {
	case settlement.HoldOverridden:
		return copyHold(h), nil
	case settlement.HoldReviewRequired:
	default:
		return nil, sentinel.ErrInvalidState
	}

	h.Status = settlement.HoldOverridden
	h.ApprovalID = in.ApprovalID
	h.OverrideRationale = in.Rationale
	h.EvidenceManifestHash = in.EvidenceManifestHash
	h.OverriddenBy = in.Actor
	at := in.At
	h.OverriddenAt = &at
	return copyHold(h), nil
}

func (s *InMemory) ReleaseHold(_ context.Context, id string, at time.Time) (*settlement.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holds[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	switch h.Status {
	case settlement.HoldReleased:
		return copyHold(h), nil
	case settlement.HoldReviewRequired:
	default:
		return nil, sentinel.ErrInvalidState
	}

	h.Status = settlement.HoldReleased
	h.ReleasedAt = &at
	return copyHold(h), nil
}

func (s *InMemory) ListHolds(_ context.Context, filter HoldFilter) ([]*settlement.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*settlement.Hold
	for _, h := range s.holds {
		if filter.Status != "" && h.Status != filter.Status {
			continue
		}
		if filter.TenantID != "" && h.TenantID != filter.TenantID {
			continue
		}
		if filter.OrderID != "" && h.OrderID != filter.OrderID {
			continue
		}
		out = append(out, copyHold(h))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := filter.ClampLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyHold(h *settlement.Hold) *settlement.Hold {
	out := *h
	if h.OverriddenAt != nil {
		at := *h.OverriddenAt
		out.OverriddenAt = &at
	}
	if h.ReleasedAt != nil {
		at := *h.ReleasedAt
		out.ReleasedAt = &at
	}
	return &out
}
