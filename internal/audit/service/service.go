// Package service orchestrates one audit run end to end: open a run,
// evaluate the catalog, persist verdicts and evidence, close with a summary.
// The service never returns an error for expected failure modes; callers
// branch on the Outcome status instead.
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"freightgate/internal/audit"
	"freightgate/internal/audit/catalog"
	"freightgate/internal/audit/engine"
	"freightgate/internal/audit/metrics"
	"freightgate/internal/audit/store"
	"freightgate/pkg/canonical"
	"freightgate/pkg/identifier"
)

// OutcomeStatus tags an orchestration outcome.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "COMPLETED"
	OutcomeFailed    OutcomeStatus = "FAILED"
)

// EvidenceInput is caller-supplied evidence to capture alongside the run.
type EvidenceInput struct {
	RuleID      string `json:"ruleId"`
	Code        string `json:"code"`
	SourceKind  string `json:"sourceKind"`
	ReferenceID string `json:"referenceId"`
	ContentHash string `json:"contentHash"`
}

// RunInput is everything one orchestration needs.
type RunInput struct {
	Trigger  audit.TriggerEvent
	Context  map[string]any
	Linkage  audit.Linkage
	Evidence []EvidenceInput
	Actor    string
}

// Outcome is the uniform result shape: COMPLETED carries the summary and
// persistence counts, FAILED carries a normalized error code plus the
// original message. RunID is empty only when run creation itself failed.
type Outcome struct {
	Status            OutcomeStatus      `json:"status"`
	Trigger           audit.TriggerEvent `json:"trigger"`
	RunID             string             `json:"runId,omitempty"`
	RuleSetVersion    string             `json:"ruleSetVersion,omitempty"`
	ContextHash       string             `json:"contextHash,omitempty"`
	Linkage           audit.Linkage      `json:"linkage"`
	StartedAt         time.Time          `json:"startedAtUtc"`
	ClosedAt          time.Time          `json:"closedAtUtc"`
	Summary           *audit.Summary     `json:"summary,omitempty"`
	FailedRuleIDs     []string           `json:"failedRuleIds,omitempty"`
	ResultsPersisted  int                `json:"resultsPersisted"`
	EvidencePersisted int                `json:"evidencePersisted"`
	ErrorCode         string             `json:"errorCode,omitempty"`
	ErrorMessage      string             `json:"errorMessage,omitempty"`
}

// Service is the audit orchestration service.
type Service struct {
	store   store.RunStore
	engine  *engine.Engine
	ids     *identifier.Generator
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(runStore store.RunStore, eng *engine.Engine, ids *identifier.Generator, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:   runStore,
		engine:  eng,
		ids:     ids,
		logger:  logger,
		metrics: m,
	}
}

// RunForEvent executes the full orchestration. It never panics and never
// returns partial state: run creation failure short-circuits before any
// evaluation; later failures best-effort close the run and report FAILED.
func (s *Service) RunForEvent(ctx context.Context, in RunInput) Outcome {
	startedAt := s.ids.Now()
	runID := s.ids.NewIDAt("run", startedAt)

	// Hash before any mutation so logically identical inputs always hash
	// identically regardless of field order.
	contextHash, err := canonical.HashHex(in.Context)
	if err != nil {
		return s.failed(in, "", startedAt, err)
	}

	s.metrics.IncRunsStarted()
	run := &audit.Run{
		ID:             runID,
		RuleSetVersion: catalog.RuleSetVersion,
		Trigger:        in.Trigger,
		Status:         audit.RunStatusOpen,
		ContextHash:    contextHash,
		Linkage:        in.Linkage,
		StartedAt:      startedAt,
		CreatedBy:      in.Actor,
	}

	created, err := s.store.CreateRun(ctx, run)
	if err != nil {
		// No run exists, so there is nothing to evaluate or close.
		return s.failed(in, "", startedAt, err)
	}
	runID = created.ID

	// A retry can land on a run an earlier invocation already closed; the
	// stored verdicts are the outcome, re-evaluating would only trip the
	// closed-run guards.
	if created.Status == audit.RunStatusClosed {
		return s.replayClosed(ctx, in, created)
	}

	evaluation := s.engine.Evaluate(in.Trigger, in.Context)

	results := make([]audit.Result, 0, len(evaluation.Outcomes))
	var failedRuleIDs []string
	for _, outcome := range evaluation.Outcomes {
		if !outcome.Passed {
			failedRuleIDs = append(failedRuleIDs, outcome.RuleID)
		}
		results = append(results, audit.Result{
			RunID:           runID,
			RuleID:          outcome.RuleID,
			Passed:          outcome.Passed,
			Severity:        outcome.Severity,
			Escalation:      outcome.Escalation,
			MissingEvidence: outcome.MissingEvidence,
			EvaluatedAt:     outcome.EvaluatedAt,
			EvaluatorKey:    outcome.EvaluatorKey,
		})
	}

	resultsPersisted, err := s.store.AppendResults(ctx, runID, results)
	if err != nil {
		s.closeBestEffort(ctx, runID, evaluation.Summary, in.Actor)
		return s.failed(in, runID, startedAt, err)
	}

	evidencePersisted := 0
	if len(in.Evidence) > 0 {
		records := make([]audit.EvidenceRecord, 0, len(in.Evidence))
		for _, ev := range in.Evidence {
			records = append(records, audit.EvidenceRecord{
				RunID:       runID,
				RuleID:      ev.RuleID,
				Code:        ev.Code,
				SourceKind:  ev.SourceKind,
				ReferenceID: ev.ReferenceID,
				ContentHash: ev.ContentHash,
				CapturedAt:  evaluation.EvaluatedAt,
			})
		}
		evidencePersisted, err = s.store.AppendEvidence(ctx, runID, records)
		if err != nil {
			s.closeBestEffort(ctx, runID, evaluation.Summary, in.Actor)
			return s.failed(in, runID, startedAt, err)
		}
	}

	closedAt := s.ids.Now()
	closed, err := s.store.CloseRun(ctx, runID, closedAt, in.Actor, evaluation.Summary)
	if err != nil {
		return s.failed(in, runID, startedAt, err)
	}

	s.metrics.IncRunsCompleted()
	s.metrics.AddBlockingFailures(evaluation.Summary.BlockingFailures)

	summary := evaluation.Summary
	out := Outcome{
		Status:            OutcomeCompleted,
		Trigger:           in.Trigger,
		RunID:             runID,
		RuleSetVersion:    closed.RuleSetVersion,
		ContextHash:       closed.ContextHash,
		Linkage:           in.Linkage,
		StartedAt:         startedAt,
		ClosedAt:          closedAt,
		Summary:           &summary,
		FailedRuleIDs:     failedRuleIDs,
		ResultsPersisted:  resultsPersisted,
		EvidencePersisted: evidencePersisted,
	}
	return out
}

// replayClosed rebuilds a COMPLETED outcome from a run that is already
// closed, using its stored summary and verdicts. Persistence counts stay
// zero: nothing was written by this invocation.
func (s *Service) replayClosed(ctx context.Context, in RunInput, run *audit.Run) Outcome {
	results, err := s.store.ListResults(ctx, run.ID)
	if err != nil {
		return s.failed(in, run.ID, run.StartedAt, err)
	}
	var failedRuleIDs []string
	for _, r := range results {
		if !r.Passed {
			failedRuleIDs = append(failedRuleIDs, r.RuleID)
		}
	}
	var closedAt time.Time
	if run.ClosedAt != nil {
		closedAt = *run.ClosedAt
	}
	var summary *audit.Summary
	if run.Summary != nil {
		copied := *run.Summary
		summary = &copied
	}
	return Outcome{
		Status:         OutcomeCompleted,
		Trigger:        run.Trigger,
		RunID:          run.ID,
		RuleSetVersion: run.RuleSetVersion,
		ContextHash:    run.ContextHash,
		Linkage:        run.Linkage,
		StartedAt:      run.StartedAt,
		ClosedAt:       closedAt,
		Summary:        summary,
		FailedRuleIDs:  failedRuleIDs,
	}
}

// closeBestEffort tries to close a run after a mid-pipeline failure so it
// does not linger OPEN forever. Secondary failures are swallowed by design;
// they must not mask the primary error.
func (s *Service) closeBestEffort(ctx context.Context, runID string, summary audit.Summary, actor string) {
	if _, err := s.store.CloseRun(ctx, runID, s.ids.Now(), actor, summary); err != nil {
		s.logger.WarnContext(ctx, "best-effort run close failed",
			"run_id", runID,
			"error", err.Error(),
		)
	}
}

func (s *Service) failed(in RunInput, runID string, startedAt time.Time, cause error) Outcome {
	s.metrics.IncRunsFailed()
	s.logger.Warn("audit orchestration failed",
		"trigger", string(in.Trigger),
		"run_id", runID,
		"error", cause.Error(),
	)
	return Outcome{
		Status:       OutcomeFailed,
		Trigger:      in.Trigger,
		RunID:        runID,
		Linkage:      in.Linkage,
		StartedAt:    startedAt,
		ErrorCode:    NormalizeErrorCode(cause.Error()),
		ErrorMessage: cause.Error(),
	}
}

// NormalizeErrorCode uppercases a message and collapses every run of
// non-alphanumeric characters to a single underscore, producing a stable
// machine-readable code from an arbitrary error string.
func NormalizeErrorCode(message string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToUpper(message) {
		alnum := (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if alnum {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
