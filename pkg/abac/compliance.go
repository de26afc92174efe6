package abac

import (
	"fmt"

	"aegis/pkg/models"
)

// Default compliance categories, keyed by OWASP LLM Top 10 identifier.
var DefaultComplianceChecks = []string{
	"llm01-prompt-injection",
	"llm06-sensitive-information-disclosure",
	"llm08-excessive-agency",
}

// ComplianceCheck is the per-category outcome.
type ComplianceCheck struct {
	Compliant   bool             `json:"compliant"`
	RiskLevel   models.RiskLevel `json:"riskLevel"`
	Mitigations []string         `json:"mitigations"`
	Summary     string           `json:"summary"`
}

// ComplianceInput is a caller-supplied override for one category.
// Nil fields keep the default.
type ComplianceInput struct {
	Compliant   *bool            `json:"compliant,omitempty"`
	RiskLevel   models.RiskLevel `json:"riskLevel,omitempty"`
	Mitigations []string         `json:"mitigations,omitempty"`
	Summary     string           `json:"summary,omitempty"`
}

// ComplianceReport aggregates all categories; Compliant is the AND of
// every check.
type ComplianceReport struct {
	Compliant     bool                       `json:"compliant"`
	OWASPLLMTop10 map[string]ComplianceCheck `json:"owaspLLMTop10"`
	EvaluatedFor  string                     `json:"evaluatedFor"`
}

// ValidateCompliance merges caller-supplied results over the default
// categories. Unknown override keys become additional checks.
func (e *Engine) ValidateCompliance(ctx models.AccessContext, overrides map[string]ComplianceInput) ComplianceReport {
	checks := make(map[string]ComplianceCheck, len(DefaultComplianceChecks)+len(overrides))
	for _, name := range DefaultComplianceChecks {
		checks[name] = ComplianceCheck{
			Compliant:   true,
			RiskLevel:   models.RiskMedium,
			Mitigations: []string{},
			Summary:     fmt.Sprintf("%s: no findings reported", name),
		}
	}
	for name, in := range overrides {
		base, ok := checks[name]
		if !ok {
			base = ComplianceCheck{
				Compliant:   true,
				RiskLevel:   models.RiskMedium,
				Mitigations: []string{},
			}
		}
		if in.Compliant != nil {
			base.Compliant = *in.Compliant
		}
		if in.RiskLevel != "" {
			base.RiskLevel = in.RiskLevel
		}
		if in.Mitigations != nil {
			base.Mitigations = in.Mitigations
		}
		if in.Summary != "" {
			base.Summary = in.Summary
		} else if base.Summary == "" {
			base.Summary = fmt.Sprintf("%s: reported by caller", name)
		}
		checks[name] = base
	}

	report := ComplianceReport{
		Compliant:     true,
		OWASPLLMTop10: checks,
		EvaluatedFor:  ctx.User.ID,
	}
	for _, check := range checks {
		if !check.Compliant {
			report.Compliant = false
			break
		}
	}
	return report
}
