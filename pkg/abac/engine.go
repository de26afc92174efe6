package abac

import (
	"strings"
	"time"

	"aegis/pkg/models"
	"aegis/pkg/policy"
)

const ConflictDenyByDefault = "deny-by-default"

// Engine composes the policy evaluators into a single access decision.
// It is pure apart from the injected clock: the same context and
// tables always produce the same decision.
type Engine struct {
	cfg        policy.Config
	evaluators []policy.Evaluator
	now        func() time.Time
}

type Option func(*Engine)

// WithClock overrides the evaluation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEvaluators overrides the evaluator sequence. Order matters:
// evidence merging is last-write-wins in slice order.
func WithEvaluators(evals []policy.Evaluator) Option {
	return func(e *Engine) { e.evaluators = evals }
}

func NewEngine(cfg policy.Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		evaluators: policy.Order(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckAccess runs every applicable evaluator and resolves the results
// deny-by-default: any failure denies, and a mixed pass/fail outcome is
// flagged as a resolved conflict.
func (e *Engine) CheckAccess(ctx models.AccessContext) models.AccessDecisionResult {
	results := make([]models.PolicyEvaluationResult, 0, len(e.evaluators))
	for _, eval := range e.evaluators {
		res, applicable := eval(e.cfg, ctx)
		if !applicable {
			continue
		}
		results = append(results, res)
	}

	applied := make([]models.PolicyName, 0, len(results))
	evidence := make(map[string]any, len(results)*2)
	reasons := make([]string, 0, 1)
	var failures []models.PolicyEvaluationResult
	for _, res := range results {
		applied = append(applied, res.Policy)
		for k, v := range res.Evidence {
			evidence[k] = v
		}
		if !res.Passed {
			failures = append(failures, res)
			if res.Reason != "" {
				reasons = append(reasons, res.Reason)
			}
		}
	}

	decision := models.AccessDecisionResult{
		Allowed:         len(failures) == 0,
		PoliciesApplied: applied,
		Evidence:        evidence,
		RiskLevel:       models.RiskLow,
		Metadata: models.DecisionMetadata{
			Validated:           true,
			EvaluationTimestamp: e.evaluationTimestamp(ctx),
		},
	}
	if len(failures) == 0 {
		return decision
	}

	decision.Reason = strings.Join(reasons, "; ")
	if len(failures) < len(results) {
		decision.Metadata.ConflictResolution = ConflictDenyByDefault
		decision.Evidence["policyConflict"] = true
	}
	decision.Violation = violationFrom(failures[0], ctx, e.cfg)
	decision.RiskLevel = decision.Violation.RiskLevel
	decision.RequiresEscalation = decision.Violation.RequiresEscalation
	return decision
}

func (e *Engine) evaluationTimestamp(ctx models.AccessContext) string {
	if ctx.Timestamp != "" {
		return ctx.Timestamp
	}
	return models.ISOTime(e.now())
}

// violationFrom derives the violation from the first failing policy.
// Clearance and classification failures rate high risk; only a
// clearance shortfall forces escalation.
func violationFrom(first models.PolicyEvaluationResult, ctx models.AccessContext, cfg policy.Config) *models.Violation {
	details := first.Reason
	if details == "" {
		details = "Policy violation detected"
	}
	risk := models.RiskMedium
	if first.Policy == models.PolicyClearanceLevel || first.Policy == models.PolicyClassification {
		risk = models.RiskHigh
	}
	escalate := false
	if first.Policy == models.PolicyClearanceLevel {
		required := cfg.RequiredClearance(ctx.Resource.RequiredClearance, ctx.Resource.Sensitivity)
		escalate = ctx.User.Clearance() < required
	}
	return &models.Violation{
		Type:               first.Policy,
		Details:            details,
		RiskLevel:          risk,
		RequiresEscalation: escalate,
	}
}
