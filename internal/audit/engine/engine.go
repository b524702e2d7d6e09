// Package engine evaluates catalog rules against runtime evidence. The
// engine is pure domain logic: no I/O, deterministic rule ordering, and a
// single wall-clock read per invocation so every outcome in one evaluation
// carries the same timestamp.
package engine

import (
	"sort"
	"time"

	"freightgate/internal/audit"
	"freightgate/internal/audit/catalog"
)

// ContextKeyEvidenceCodes is the context field listing evidence codes the
// caller can vouch for. When the field is absent entirely, evidence is
// treated as satisfied: the engine cannot assert absence it wasn't told
// about.
const ContextKeyEvidenceCodes = "availableEvidenceCodes"

// Evaluator is a pure boolean compliance check. Real evaluators are supplied
// by integrations; the default registry passes everything so the catalog's
// trigger membership and evidence requirements still apply.
type Evaluator func(context map[string]any) bool

// Registry maps evaluator keys to evaluators.
type Registry map[string]Evaluator

// DefaultRegistry registers a pass-through evaluator for every catalog rule.
func DefaultRegistry() Registry {
	reg := make(Registry)
	for _, rule := range catalog.All() {
		reg[rule.EvaluatorKey] = func(map[string]any) bool { return true }
	}
	return reg
}

// RuleOutcome is one rule's verdict.
type RuleOutcome struct {
	RuleID          string
	Passed          bool
	EvaluatorOK     bool
	Severity        audit.Severity
	Escalation      audit.EscalationLevel
	MissingEvidence []string
	EvaluatedAt     time.Time
	EvaluatorKey    string
}

// Evaluation is the deterministic report of one engine invocation.
type Evaluation struct {
	Trigger        audit.TriggerEvent
	RuleSetVersion string
	Outcomes       []RuleOutcome
	Summary        audit.Summary
	EvaluatedAt    time.Time
}

// Engine selects and runs applicable rules.
type Engine struct {
	registry Registry
	clock    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithRegistry swaps in real evaluators.
func WithRegistry(registry Registry) Option {
	return func(e *Engine) {
		if registry != nil {
			e.registry = registry
		}
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		registry: DefaultRegistry(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Evaluate runs every rule whose trigger set contains the event, in rule-id
// order. A rule passes iff its evaluator returned true AND it has no missing
// required evidence. A missing evaluator counts as failure.
func (e *Engine) Evaluate(trigger audit.TriggerEvent, context map[string]any) Evaluation {
	now := e.clock().UTC()
	available, constrained := availableEvidence(context)

	rules := catalog.ForTrigger(trigger)
	outcomes := make([]RuleOutcome, 0, len(rules))
	summary := audit.Summary{TotalRules: len(rules)}

	for _, rule := range rules {
		evaluatorOK := false
		if evaluator, ok := e.registry[rule.EvaluatorKey]; ok {
			evaluatorOK = evaluator(context)
		}

		var missing []string
		if constrained {
			for _, code := range rule.RequiredEvidenceCodes() {
				if !available[code] {
					missing = append(missing, code)
				}
			}
			sort.Strings(missing)
		}

		passed := evaluatorOK && len(missing) == 0
		if !passed {
			summary.FailedRules++
			if rule.Severity == audit.SeverityCritical {
				summary.CriticalFailures++
			}
			if rule.Escalation == audit.EscalationBlockEscrow {
				summary.BlockingFailures++
			}
		}

		outcomes = append(outcomes, RuleOutcome{
			RuleID:          rule.ID,
			Passed:          passed,
			EvaluatorOK:     evaluatorOK,
			Severity:        rule.Severity,
			Escalation:      rule.Escalation,
			MissingEvidence: missing,
			EvaluatedAt:     now,
			EvaluatorKey:    rule.EvaluatorKey,
		})
	}

	return Evaluation{
		Trigger:        trigger,
		RuleSetVersion: catalog.RuleSetVersion,
		Outcomes:       outcomes,
		Summary:        summary,
		EvaluatedAt:    now,
	}
}

// availableEvidence extracts the declared evidence codes from the context.
// The second return distinguishes "field present" from "field omitted".
func availableEvidence(context map[string]any) (map[string]bool, bool) {
	raw, ok := context[ContextKeyEvidenceCodes]
	if !ok {
		return nil, false
	}
	codes := make(map[string]bool)
	switch v := raw.(type) {
	case []string:
		for _, c := range v {
			codes[c] = true
		}
	case []any:
		for _, c := range v {
			if s, ok := c.(string); ok {
				codes[s] = true
			}
		}
	}
	return codes, true
}
