package abac

import (
	"aegis/pkg/models"
)

// Scan flag labels.
const (
	FlagSQLPattern       = "sql-pattern"
	FlagSQLSuspect       = "sql-suspect"
	FlagPIIPattern       = "pii-pattern"
	FlagExfiltrationRisk = "exfiltration-risk"
)

// ScanInput carries detector signals supplied by the caller.
type ScanInput struct {
	SQLInjectionRisk string   `json:"sqlInjectionRisk,omitempty"`
	PIIDetected      bool     `json:"piiDetected,omitempty"`
	ExfiltrationRisk string   `json:"exfiltrationRisk,omitempty"`
	Flags            []string `json:"flags,omitempty"`
}

// ScanResult is the gating outcome. Any flag blocks.
type ScanResult struct {
	Flags               []string         `json:"flags"`
	RiskLevel           models.RiskLevel `json:"riskLevel"`
	Blocked             bool             `json:"blocked"`
	RequiresHumanReview bool             `json:"requiresHumanReview"`
}

// PerformSecurityScan folds detector signals into a flag set and a
// blocking verdict. Flag order is deterministic: detector flags first,
// caller flags after, duplicates dropped.
func (e *Engine) PerformSecurityScan(ctx models.AccessContext, in ScanInput) ScanResult {
	_ = ctx
	flags := make([]string, 0, 4+len(in.Flags))
	seen := map[string]struct{}{}
	add := func(flag string) {
		if flag == "" {
			return
		}
		if _, ok := seen[flag]; ok {
			return
		}
		seen[flag] = struct{}{}
		flags = append(flags, flag)
	}

	switch in.SQLInjectionRisk {
	case "high":
		add(FlagSQLPattern)
	case "medium":
		add(FlagSQLSuspect)
	}
	if in.PIIDetected {
		add(FlagPIIPattern)
	}
	if in.ExfiltrationRisk == "high" {
		add(FlagExfiltrationRisk)
	}
	for _, f := range in.Flags {
		add(f)
	}

	risk := models.RiskLow
	switch {
	case in.SQLInjectionRisk == "high" || in.ExfiltrationRisk == "high":
		risk = models.RiskHigh
	case in.PIIDetected || in.SQLInjectionRisk == "medium":
		risk = models.RiskMedium
	}

	blocked := len(flags) > 0
	_, hasSQLPattern := seen[FlagSQLPattern]
	return ScanResult{
		Flags:               flags,
		RiskLevel:           risk,
		Blocked:             blocked,
		RequiresHumanReview: blocked && (risk == models.RiskHigh || hasSQLPattern),
	}
}
