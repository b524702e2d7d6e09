package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"freightgate/internal/exception"
	"freightgate/internal/platform/storeutil"
	"freightgate/pkg/canonical"
	"freightgate/pkg/domainerrors"
	"freightgate/pkg/platform/sentinel"
)

// Postgres is the durable Store adapter. Creation and every append rely on
// unique indexes over idempotency keys; the projection row is updated with a
// status precondition.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) CreateCase(ctx context.Context, c *exception.Case) (*exception.Case, bool, error) {
	if c == nil || c.ID == "" || c.IdempotencyKey == "" {
		return nil, false, domainerrors.New(domainerrors.CodeValidation, "case id and idempotency key are required")
	}

	query := `
		INSERT INTO exception_cases (
			id, tenant_id, order_id, shipment_id, status, severity, origin,
			run_id, trigger_event, opened_by, opened_at,
			latest_event_id, latest_event_at, idempotency_key
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.TenantID, c.OrderID, c.ShipmentID,
		string(c.Status), string(c.Severity), string(c.Origin),
		c.RunID, c.Trigger, c.OpenedBy, c.OpenedAt.UTC(),
		c.LatestEventID, c.LatestEventAt.UTC(), c.IdempotencyKey,
	)
	if err != nil {
		if storeutil.IsUniqueViolation(err) {
			existing, gerr := s.getCaseByKey(ctx, c.IdempotencyKey)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert exception case: %w", err)
	}
	created, err := s.GetCase(ctx, c.ID)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (s *Postgres) GetCase(ctx context.Context, id string) (*exception.Case, error) {
	row := s.db.QueryRowContext(ctx, selectCase+` WHERE id = $1`, id)
	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get exception case: %w", err)
	}
	return c, nil
}

func (s *Postgres) getCaseByKey(ctx context.Context, key string) (*exception.Case, error) {
	row := s.db.QueryRowContext(ctx, selectCase+` WHERE idempotency_key = $1`, key)
	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get exception case by key: %w", err)
	}
	return c, nil
}

func (s *Postgres) UpdateProjection(ctx context.Context, projected exception.Case, expectStatus exception.CaseStatus) (*exception.Case, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE exception_cases
		SET status = $1, latest_event_id = $2, latest_event_at = $3, closed_at = $4
		WHERE id = $5 AND status = $6
	`, string(projected.Status), projected.LatestEventID, projected.LatestEventAt.UTC(),
		nullableTime(projected.ClosedAt), projected.ID, string(expectStatus))
	if err != nil {
		return nil, fmt.Errorf("update case projection: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update case projection rows affected: %w", err)
	}
	if affected == 0 {
		if _, gerr := s.GetCase(ctx, projected.ID); gerr != nil {
			return nil, gerr
		}
		return nil, sentinel.ErrInvalidState
	}
	return s.GetCase(ctx, projected.ID)
}

func (s *Postgres) AppendEvent(ctx context.Context, e exception.Event) (exception.Event, bool, error) {
	if e.IdempotencyKey == "" {
		return exception.Event{}, false, domainerrors.New(domainerrors.CodeValidation, "event idempotency key is required")
	}
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return exception.Event{}, false, fmt.Errorf("marshal event metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return exception.Event{}, false, fmt.Errorf("begin event append: %w", err)
	}
	defer tx.Rollback()

	// Lock the case row so chain links are assigned serially per case.
	var caseID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM exception_cases WHERE id = $1 FOR UPDATE`, e.CaseID).Scan(&caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return exception.Event{}, false, sentinel.ErrNotFound
	}
	if err != nil {
		return exception.Event{}, false, fmt.Errorf("lock case for event append: %w", err)
	}

	var prev string
	err = tx.QueryRowContext(ctx, `
		SELECT content_hash FROM exception_events
		WHERE case_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT 1
	`, e.CaseID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return exception.Event{}, false, fmt.Errorf("load previous event hash: %w", err)
	}
	e.PreviousHash = prev
	if e.ContentHash, err = e.ChainHash(); err != nil {
		return exception.Event{}, false, fmt.Errorf("hash case event: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO exception_events (
			id, case_id, event_type, from_status, to_status, reason_code,
			notes, metadata, actor, occurred_at,
			previous_hash, content_hash, idempotency_key
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, e.ID, e.CaseID, string(e.Type), string(e.FromStatus), string(e.ToStatus),
		e.ReasonCode, e.Notes, metadataJSON, e.Actor, e.OccurredAt.UTC(),
		e.PreviousHash, e.ContentHash, e.IdempotencyKey)
	if err != nil {
		return exception.Event{}, false, fmt.Errorf("insert case event: %w", err)
	}
	fresh, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return exception.Event{}, false, fmt.Errorf("commit event append: %w", err)
	}
	if fresh > 0 {
		return e, true, nil
	}
	existing, err := s.getEventByKey(ctx, e.IdempotencyKey)
	if err != nil {
		return exception.Event{}, false, err
	}
	return existing, false, nil
}

func (s *Postgres) AppendEvidence(ctx context.Context, ev exception.Evidence) (exception.Evidence, bool, error) {
	if !canonical.IsSHA256Hex(ev.ContentHash) {
		return exception.Evidence{}, false, domainerrors.New(domainerrors.CodeValidation, "evidence content hash must be 64-character hex SHA-256")
	}
	c, err := s.GetCase(ctx, ev.CaseID)
	if err != nil {
		return exception.Evidence{}, false, err
	}
	if c.Status == exception.StatusClosed {
		return exception.Evidence{}, false, sentinel.ErrInvalidState
	}

	ev.ContentHash = canonical.NormalizeHash(ev.ContentHash)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO exception_evidence (
			id, case_id, code, source_kind, reference_id,
			content_hash, attached_by, attached_at, idempotency_key
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, ev.ID, ev.CaseID, ev.Code, ev.SourceKind, ev.ReferenceID,
		ev.ContentHash, ev.AttachedBy, ev.AttachedAt.UTC(), ev.IdempotencyKey)
	if err != nil {
		return exception.Evidence{}, false, fmt.Errorf("insert case evidence: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return ev, true, nil
	}
	existing, err := s.getEvidenceByKey(ctx, ev.IdempotencyKey)
	if err != nil {
		return exception.Evidence{}, false, err
	}
	return existing, false, nil
}

func (s *Postgres) AppendOverride(ctx context.Context, o exception.Override) (exception.Override, bool, error) {
	if err := s.requireCase(ctx, o.CaseID); err != nil {
		return exception.Override{}, false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO exception_overrides (
			id, case_id, decision, approval_id, rationale,
			evidence_manifest_hash, actor, recorded_at, idempotency_key
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, o.ID, o.CaseID, string(o.Decision), o.ApprovalID, o.Rationale,
		o.EvidenceManifestHash, o.Actor, o.RecordedAt.UTC(), o.IdempotencyKey)
	if err != nil {
		return exception.Override{}, false, fmt.Errorf("insert case override: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return o, true, nil
	}
	existing, err := s.getOverrideByKey(ctx, o.IdempotencyKey)
	if err != nil {
		return exception.Override{}, false, err
	}
	return existing, false, nil
}

func (s *Postgres) ListCases(ctx context.Context, filter CaseFilter) ([]*exception.Case, error) {
	query := selectCase + `
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR tenant_id = $2)
		  AND ($3 = '' OR order_id = $3)
		ORDER BY opened_at DESC, id DESC
		LIMIT $4
	`
	rows, err := s.db.QueryContext(ctx, query,
		string(filter.Status), filter.TenantID, filter.OrderID, filter.ClampLimit())
	if err != nil {
		return nil, fmt.Errorf("list exception cases: %w", err)
	}
	defer rows.Close()

	var out []*exception.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exception case: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Postgres) ListEvents(ctx context.Context, caseID string) ([]exception.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEvent+`
		WHERE case_id = $1
		ORDER BY occurred_at, id
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list case events: %w", err)
	}
	defer rows.Close()

	var out []exception.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) ListEvidence(ctx context.Context, caseID string) ([]exception.Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, code, source_kind, reference_id,
		       content_hash, attached_by, attached_at, idempotency_key
		FROM exception_evidence
		WHERE case_id = $1
		ORDER BY attached_at, id
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list case evidence: %w", err)
	}
	defer rows.Close()

	var out []exception.Evidence
	for rows.Next() {
		var ev exception.Evidence
		if err := rows.Scan(&ev.ID, &ev.CaseID, &ev.Code, &ev.SourceKind, &ev.ReferenceID,
			&ev.ContentHash, &ev.AttachedBy, &ev.AttachedAt, &ev.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("scan case evidence: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Postgres) ListOverrides(ctx context.Context, caseID string) ([]exception.Override, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, decision, approval_id, rationale,
		       evidence_manifest_hash, actor, recorded_at, idempotency_key
		FROM exception_overrides
		WHERE case_id = $1
		ORDER BY recorded_at, id
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list case overrides: %w", err)
	}
	defer rows.Close()

	var out []exception.Override
	for rows.Next() {
		var o exception.Override
		var decision string
		if err := rows.Scan(&o.ID, &o.CaseID, &decision, &o.ApprovalID, &o.Rationale,
			&o.EvidenceManifestHash, &o.Actor, &o.RecordedAt, &o.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("scan case override: %w", err)
		}
		o.Decision = exception.OverrideDecision(decision)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Postgres) getEventByKey(ctx context.Context, key string) (exception.Event, error) {
	row := s.db.QueryRowContext(ctx, selectEvent+` WHERE idempotency_key = $1`, key)
	e, err := scanEvent(row)
	if err != nil {
		return exception.Event{}, fmt.Errorf("get case event by key: %w", err)
	}
	return e, nil
}

func (s *Postgres) getEvidenceByKey(ctx context.Context, key string) (exception.Evidence, error) {
	var ev exception.Evidence
	err := s.db.QueryRowContext(ctx, `
		SELECT id, case_id, code, source_kind, reference_id,
		       content_hash, attached_by, attached_at, idempotency_key
		FROM exception_evidence
		WHERE idempotency_key = $1
	`, key).Scan(&ev.ID, &ev.CaseID, &ev.Code, &ev.SourceKind, &ev.ReferenceID,
		&ev.ContentHash, &ev.AttachedBy, &ev.AttachedAt, &ev.IdempotencyKey)
	if err != nil {
		return exception.Evidence{}, fmt.Errorf("get case evidence by key: %w", err)
	}
	return ev, nil
}

func (s *Postgres) getOverrideByKey(ctx context.Context, key string) (exception.Override, error) {
	var o exception.Override
	var decision string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, case_id, decision, approval_id, rationale,
		       evidence_manifest_hash, actor, recorded_at, idempotency_key
		FROM exception_overrides
		WHERE idempotency_key = $1
	`, key).Scan(&o.ID, &o.CaseID, &decision, &o.ApprovalID, &o.Rationale,
		&o.EvidenceManifestHash, &o.Actor, &o.RecordedAt, &o.IdempotencyKey)
	if err != nil {
		return exception.Override{}, fmt.Errorf("get case override by key: %w", err)
	}
	o.Decision = exception.OverrideDecision(decision)
	return o, nil
}

func (s *Postgres) requireCase(ctx context.Context, caseID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM exception_cases WHERE id = $1`, caseID).Scan(&one)
	if err == sql.ErrNoRows {
		return sentinel.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check case exists: %w", err)
	}
	return nil
}

const selectCase = `
	SELECT id, tenant_id, order_id, shipment_id, status, severity, origin,
	       run_id, trigger_event, opened_by, opened_at,
	       latest_event_id, latest_event_at, closed_at, idempotency_key
	FROM exception_cases
`

const selectEvent = `
	SELECT id, case_id, event_type, from_status, to_status, reason_code,
	       notes, metadata, actor, occurred_at,
	       previous_hash, content_hash, idempotency_key
	FROM exception_events
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*exception.Case, error) {
	var c exception.Case
	var status, severity, origin string
	var closedAt sql.NullTime
	err := row.Scan(&c.ID, &c.TenantID, &c.OrderID, &c.ShipmentID, &status, &severity, &origin,
		&c.RunID, &c.Trigger, &c.OpenedBy, &c.OpenedAt,
		&c.LatestEventID, &c.LatestEventAt, &closedAt, &c.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	c.Status = exception.CaseStatus(status)
	c.Severity = exception.CaseSeverity(severity)
	c.Origin = exception.CaseOrigin(origin)
	if closedAt.Valid {
		at := closedAt.Time
		c.ClosedAt = &at
	}
	return &c, nil
}

func scanEvent(row rowScanner) (exception.Event, error) {
	var e exception.Event
	var eventType, fromStatus, toStatus string
	var metadataJSON []byte
	err := row.Scan(&e.ID, &e.CaseID, &eventType, &fromStatus, &toStatus,
		&e.ReasonCode, &e.Notes, &metadataJSON, &e.Actor, &e.OccurredAt,
		&e.PreviousHash, &e.ContentHash, &e.IdempotencyKey)
	if err != nil {
		return exception.Event{}, err
	}
	e.Type = exception.EventType(eventType)
	e.FromStatus = exception.CaseStatus(fromStatus)
	e.ToStatus = exception.CaseStatus(toStatus)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
			return exception.Event{}, fmt.Errorf("decode event metadata: %w", err)
		}
	}
	return e, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
