package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"freightgate/internal/audit"
	"freightgate/internal/platform/storeutil"
	"freightgate/pkg/canonical"
	"freightgate/pkg/domainerrors"
	"freightgate/pkg/platform/sentinel"
)

// Postgres is the durable RunStore adapter. Uniqueness lives in the schema
// (unique run id, unique (run_id, rule_id) result key, unique evidence
// content key); every insert treats a constraint hit as "already exists".
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) CreateRun(ctx context.Context, run *audit.Run) (*audit.Run, error) {
	if run == nil || run.ID == "" {
		return nil, domainerrors.New(domainerrors.CodeValidation, "run id is required")
	}
	if !canonical.IsSHA256Hex(run.ContextHash) {
		return nil, domainerrors.New(domainerrors.CodeValidation, "context hash must be 64-character hex SHA-256")
	}

	query := `
		INSERT INTO audit_runs (
			id, rule_set_version, trigger_event, status, context_hash,
			tenant_id, order_id, shipment_id, supplier_id,
			started_at, created_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.RuleSetVersion, string(run.Trigger), string(run.Status),
		canonical.NormalizeHash(run.ContextHash),
		run.Linkage.TenantID, run.Linkage.OrderID, run.Linkage.ShipmentID, run.Linkage.SupplierID,
		run.StartedAt.UTC(), run.CreatedBy,
	)
	if err != nil {
		if storeutil.IsUniqueViolation(err) {
			return s.GetRun(ctx, run.ID)
		}
		return nil, fmt.Errorf("insert audit run: %w", err)
	}
	return s.GetRun(ctx, run.ID)
}

func (s *Postgres) GetRun(ctx context.Context, id string) (*audit.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, rule_set_version, trigger_event, status, context_hash,
		       tenant_id, order_id, shipment_id, supplier_id,
		       started_at, closed_at, created_by, closed_by, summary
		FROM audit_runs
		WHERE id = $1
	`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit run: %w", err)
	}
	return run, nil
}

func (s *Postgres) CloseRun(ctx context.Context, id string, closedAt time.Time, closedBy string, summary audit.Summary) (*audit.Run, error) {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("marshal run summary: %w", err)
	}

	// Conditional update: the status precondition substitutes for locking.
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_runs
		SET status = $1, closed_at = $2, closed_by = $3, summary = $4
		WHERE id = $5 AND status = $6
	`, string(audit.RunStatusClosed), closedAt.UTC(), closedBy, summaryJSON, id, string(audit.RunStatusOpen))
	if err != nil {
		return nil, fmt.Errorf("close audit run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("close audit run rows affected: %w", err)
	}
	if affected == 0 {
		// No OPEN row matched: either already closed (return it) or absent.
		return s.GetRun(ctx, id)
	}
	return s.GetRun(ctx, id)
}

func (s *Postgres) AppendResults(ctx context.Context, runID string, results []audit.Result) (int, error) {
	if err := s.requireOpen(ctx, runID); err != nil {
		return 0, err
	}

	inserted := 0
	for _, result := range results {
		missingJSON, err := json.Marshal(result.MissingEvidence)
		if err != nil {
			return inserted, fmt.Errorf("marshal missing evidence: %w", err)
		}
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_results (
				run_id, rule_id, passed, severity, escalation,
				missing_evidence, evaluated_at, evaluator_key
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (run_id, rule_id) DO NOTHING
		`, runID, result.RuleID, result.Passed, string(result.Severity), string(result.Escalation),
			missingJSON, result.EvaluatedAt.UTC(), result.EvaluatorKey)
		if err != nil {
			return inserted, fmt.Errorf("insert audit result: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

func (s *Postgres) AppendEvidence(ctx context.Context, runID string, evidence []audit.EvidenceRecord) (int, error) {
	for _, record := range evidence {
		if !canonical.IsSHA256Hex(record.ContentHash) {
			return 0, domainerrors.New(domainerrors.CodeValidation, "evidence content hash must be 64-character hex SHA-256")
		}
	}
	if err := s.requireOpen(ctx, runID); err != nil {
		return 0, err
	}

	inserted := 0
	for _, record := range evidence {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_evidence (
				run_id, rule_id, code, source_kind, reference_id,
				content_hash, captured_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (run_id, rule_id, code, reference_id, content_hash) DO NOTHING
		`, runID, record.RuleID, record.Code, record.SourceKind, record.ReferenceID,
			canonical.NormalizeHash(record.ContentHash), record.CapturedAt.UTC())
		if err != nil {
			return inserted, fmt.Errorf("insert audit evidence: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

func (s *Postgres) ListRuns(ctx context.Context, filter RunFilter) ([]*audit.Run, error) {
	query := `
		SELECT id, rule_set_version, trigger_event, status, context_hash,
		       tenant_id, order_id, shipment_id, supplier_id,
		       started_at, closed_at, created_by, closed_by, summary
		FROM audit_runs
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR trigger_event = $2)
		  AND ($3 = '' OR order_id = $3)
		  AND ($4 = '' OR shipment_id = $4)
		ORDER BY started_at DESC, id DESC
		LIMIT $5
	`
	rows, err := s.db.QueryContext(ctx, query,
		string(filter.Status), string(filter.Trigger), filter.OrderID, filter.ShipmentID, filter.ClampLimit())
	if err != nil {
		return nil, fmt.Errorf("list audit runs: %w", err)
	}
	defer rows.Close()

	var out []*audit.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Postgres) ListResults(ctx context.Context, runID string) ([]audit.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, rule_id, passed, severity, escalation,
		       missing_evidence, evaluated_at, evaluator_key
		FROM audit_results
		WHERE run_id = $1
		ORDER BY rule_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list audit results: %w", err)
	}
	defer rows.Close()

	var out []audit.Result
	for rows.Next() {
		var result audit.Result
		var severity, escalation string
		var missingJSON []byte
		if err := rows.Scan(&result.RunID, &result.RuleID, &result.Passed, &severity, &escalation,
			&missingJSON, &result.EvaluatedAt, &result.EvaluatorKey); err != nil {
			return nil, fmt.Errorf("scan audit result: %w", err)
		}
		result.Severity = audit.Severity(severity)
		result.Escalation = audit.EscalationLevel(escalation)
		if err := json.Unmarshal(missingJSON, &result.MissingEvidence); err != nil {
			return nil, fmt.Errorf("decode missing evidence: %w", err)
		}
		out = append(out, result)
	}
	return out, rows.Err()
}

func (s *Postgres) ListEvidence(ctx context.Context, runID string) ([]audit.EvidenceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, rule_id, code, source_kind, reference_id, content_hash, captured_at
		FROM audit_evidence
		WHERE run_id = $1
		ORDER BY rule_id, code, reference_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list audit evidence: %w", err)
	}
	defer rows.Close()

	var out []audit.EvidenceRecord
	for rows.Next() {
		var record audit.EvidenceRecord
		if err := rows.Scan(&record.RunID, &record.RuleID, &record.Code, &record.SourceKind,
			&record.ReferenceID, &record.ContentHash, &record.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan audit evidence: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *Postgres) requireOpen(ctx context.Context, runID string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM audit_runs WHERE id = $1`, runID).Scan(&status)
	if err == sql.ErrNoRows {
		return sentinel.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check run status: %w", err)
	}
	if audit.RunStatus(status) != audit.RunStatusOpen {
		return sentinel.ErrInvalidState
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*audit.Run, error) {
	var run audit.Run
	var trigger, status string
	var closedAt sql.NullTime
	var closedBy sql.NullString
	var summaryJSON []byte
	err := row.Scan(&run.ID, &run.RuleSetVersion, &trigger, &status, &run.ContextHash,
		&run.Linkage.TenantID, &run.Linkage.OrderID, &run.Linkage.ShipmentID, &run.Linkage.SupplierID,
		&run.StartedAt, &closedAt, &run.CreatedBy, &closedBy, &summaryJSON)
	if err != nil {
		return nil, err
	}
	run.Trigger = audit.TriggerEvent(trigger)
	run.Status = audit.RunStatus(status)
	if closedAt.Valid {
		at := closedAt.Time
		run.ClosedAt = &at
	}
	if closedBy.Valid {
		run.ClosedBy = closedBy.String
	}
	if len(summaryJSON) > 0 {
		var summary audit.Summary
		if err := json.Unmarshal(summaryJSON, &summary); err != nil {
			return nil, fmt.Errorf("decode run summary: %w", err)
		}
		run.Summary = &summary
	}
	return &run, nil
}
