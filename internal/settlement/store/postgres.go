package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"freightgate/internal/settlement"
	"freightgate/internal/platform/storeutil"
	"freightgate/pkg/domainerrors"
	"freightgate/pkg/platform/sentinel"
)

// Postgres is the durable Store adapter. The settlement_holds table carries
// a unique index on idempotency_key and a partial unique index on
// (tenant_id, order_id, trigger_event) WHERE status = 'REVIEW_REQUIRED';
// both violations resolve to the existing active hold.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) CreateHold(ctx context.Context, h *settlement.Hold) (*settlement.Hold, bool, error) {
	if h == nil || h.ID == "" || h.IdempotencyKey == "" {
		return nil, false, domainerrors.New(domainerrors.CodeValidation, "hold id and idempotency key are required")
	}

	query := `
		INSERT INTO settlement_holds (
			id, tenant_id, order_id, trigger_event, status, run_id,
			exception_case_id, blocking_failures, critical_failures,
			created_at, idempotency_key
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query,
		h.ID, h.TenantID, h.OrderID, h.Trigger, string(h.Status), h.RunID,
		h.ExceptionCaseID, h.BlockingFailures, h.CriticalFailures,
		h.CreatedAt.UTC(), h.IdempotencyKey,
	)
	if err != nil {
		if storeutil.IsUniqueViolation(err) {
			existing, ferr := s.FindLatestHold(ctx, h.TenantID, h.OrderID, h.Trigger)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert settlement hold: %w", err)
	}
	created, err := s.GetHold(ctx, h.ID)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (s *Postgres) GetHold(ctx context.Context, id string) (*settlement.Hold, error) {
	row := s.db.QueryRowContext(ctx, selectHold+` WHERE id = $1`, id)
	h, err := scanHold(row)
	if err == sql.ErrNoRows {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement hold: %w", err)
	}
	return h, nil
}

func (s *Postgres) FindLatestHold(ctx context.Context, tenantID, orderID, trigger string) (*settlement.Hold, error) {
	row := s.db.QueryRowContext(ctx, selectHold+`
		WHERE tenant_id = $1 AND order_id = $2 AND trigger_event = $3
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, tenantID, orderID, trigger)
	h, err := scanHold(row)
	if err == sql.ErrNoRows {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find latest settlement hold: %w", err)
	}
	return h, nil
}

func (s *Postgres) OverrideHold(ctx context.Context, id string, in OverrideInput) (*settlement.Hold, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE settlement_holds
		SET status = $1, approval_id = $2, override_rationale = $3,
		    evidence_manifest_hash = $4, overridden_by = $5, overridden_at = $6
		WHERE id = $7 AND status = $8
	`, string(settlement.HoldOverridden), in.ApprovalID, in.Rationale,
		in.EvidenceManifestHash, in.Actor, in.At.UTC(),
		id, string(settlement.HoldReviewRequired))
	if err != nil {
		return nil, fmt.Errorf("override settlement hold: %w", err)
	}
	return s.afterConditional(ctx, res, id, settlement.HoldOverridden)
}

func (s *Postgres) ReleaseHold(ctx context.Context, id string, at time.Time) (*settlement.Hold, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE settlement_holds
		SET status = $1, released_at = $2
		WHERE id = $3 AND status = $4
	`, string(settlement.HoldReleased), at.UTC(), id, string(settlement.HoldReviewRequired))
	if err != nil {
		return nil, fmt.Errorf("release settlement hold: %w", err)
	}
	return s.afterConditional(ctx, res, id, settlement.HoldReleased)
}

// afterConditional resolves the three outcomes of a conditional clear: the
// update landed, the hold already carries the target status (no-op), or the
// hold is in some other state.
func (s *Postgres) afterConditional(ctx context.Context, res sql.Result, id string, want settlement.HoldStatus) (*settlement.Hold, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("settlement hold rows affected: %w", err)
	}
	current, err := s.GetHold(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 && current.Status != want {
		return nil, sentinel.ErrInvalidState
	}
	return current, nil
}

func (s *Postgres) ListHolds(ctx context.Context, filter HoldFilter) ([]*settlement.Hold, error) {
	query := selectHold + `
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR tenant_id = $2)
		  AND ($3 = '' OR order_id = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`
	rows, err := s.db.QueryContext(ctx, query,
		string(filter.Status), filter.TenantID, filter.OrderID, filter.ClampLimit())
	if err != nil {
		return nil, fmt.Errorf("list settlement holds: %w", err)
	}
	defer rows.Close()

	var out []*settlement.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settlement hold: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

const selectHold = `
	SELECT id, tenant_id, order_id, trigger_event, status, run_id,
	       exception_case_id, blocking_failures, critical_failures, created_at,
	       approval_id, override_rationale, evidence_manifest_hash,
	       overridden_by, overridden_at, released_at, idempotency_key
	FROM settlement_holds
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHold(row rowScanner) (*settlement.Hold, error) {
	var h settlement.Hold
	var status string
	var approvalID, rationale, manifestHash, overriddenBy sql.NullString
	var overriddenAt, releasedAt sql.NullTime
	err := row.Scan(&h.ID, &h.TenantID, &h.OrderID, &h.Trigger, &status, &h.RunID,
		&h.ExceptionCaseID, &h.BlockingFailures, &h.CriticalFailures, &h.CreatedAt,
		&approvalID, &rationale, &manifestHash, &overriddenBy, &overriddenAt, &releasedAt,
		&h.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	h.Status = settlement.HoldStatus(status)
	h.ApprovalID = approvalID.String
	h.OverrideRationale = rationale.String
	h.EvidenceManifestHash = manifestHash.String
	h.OverriddenBy = overriddenBy.String
	if overriddenAt.Valid {
		at := overriddenAt.Time
		h.OverriddenAt = &at
	}
	if releasedAt.Valid {
		at := releasedAt.Time
		h.ReleasedAt = &at
	}
	return &h, nil
}
