package policy

import (
	"fmt"

	"aegis/pkg/models"
)

// Evaluator checks one policy axis against an access context. The
// second return value reports applicability: an evaluator whose
// preconditions do not hold returns false and is excluded from the
// decision entirely, rather than passing vacuously.
type Evaluator func(Config, models.AccessContext) (models.PolicyEvaluationResult, bool)

// Order is the fixed evaluation sequence. Evidence merging and reason
// joining in the engine depend on it being stable.
func Order() []Evaluator {
	return []Evaluator{
		EvaluateRole,
		EvaluateClearance,
		EvaluateDepartment,
		EvaluateOwnership,
		EvaluateClassification,
	}
}

// EvaluateRole passes when the resource's required roles contain the
// user's role, or, absent required roles, when the role's permission
// table contains the resource type.
func EvaluateRole(cfg Config, ctx models.AccessContext) (models.PolicyEvaluationResult, bool) {
	role := ctx.User.Role
	if len(ctx.Resource.RequiredRoles) > 0 {
		passed := containsString(ctx.Resource.RequiredRoles, role)
		res := models.PolicyEvaluationResult{
			Policy: models.PolicyRoleBased,
			Passed: passed,
			Evidence: map[string]any{
				"userRole":      role,
				"requiredRoles": ctx.Resource.RequiredRoles,
			},
		}
		if !passed {
			res.Reason = fmt.Sprintf("Role %s is not among the required roles for resource %s", role, ctx.Resource.ID)
		}
		return res, true
	}
	allowed := cfg.RolePermissions[role]
	passed := containsString(allowed, Wildcard) || containsString(allowed, ctx.Resource.Type)
	res := models.PolicyEvaluationResult{
		Policy: models.PolicyRoleBased,
		Passed: passed,
		Evidence: map[string]any{
			"userRole":     role,
			"resourceType": ctx.Resource.Type,
			"allowedTypes": allowed,
		},
	}
	if !passed {
		res.Reason = fmt.Sprintf("Role %s is not permitted to access resource type %s", role, ctx.Resource.Type)
	}
	return res, true
}

// EvaluateClearance passes when the user's clearance meets the
// resource's requirement. The failure reason carries both numbers; the
// evidence gate reuses them when composing violation details.
func EvaluateClearance(cfg Config, ctx models.AccessContext) (models.PolicyEvaluationResult, bool) {
	required := cfg.RequiredClearance(ctx.Resource.RequiredClearance, ctx.Resource.Sensitivity)
	userLevel := ctx.User.Clearance()
	passed := userLevel >= required
	res := models.PolicyEvaluationResult{
		Policy: models.PolicyClearanceLevel,
		Passed: passed,
		Evidence: map[string]any{
			"userClearance":     userLevel,
			"requiredClearance": required,
		},
	}
	if !passed {
		res.Reason = fmt.Sprintf("User clearance %d < required clearance %d", userLevel, required)
	}
	return res, true
}

// EvaluateDepartment applies only when the user has a department or
// the resource has an owner.
func EvaluateDepartment(cfg Config, ctx models.AccessContext) (models.PolicyEvaluationResult, bool) {
	dept := ctx.User.Department
	owner := ctx.Resource.Owner
	if dept == "" && owner == "" {
		return models.PolicyEvaluationResult{}, false
	}
	passed := dept == cfg.OpenDepartment || (dept != "" && dept == owner) || owner == cfg.SharedOwner
	res := models.PolicyEvaluationResult{
		Policy: models.PolicyDepartmentAccess,
		Passed: passed,
		Evidence: map[string]any{
			"userDepartment": dept,
			"resourceOwner":  owner,
		},
	}
	if !passed {
		res.Reason = fmt.Sprintf("Department %s cannot access resources owned by %s", orUnset(dept), orUnset(owner))
	}
	return res, true
}

// EvaluateOwnership applies only when the resource names an owner.
func EvaluateOwnership(cfg Config, ctx models.AccessContext) (models.PolicyEvaluationResult, bool) {
	owner := ctx.Resource.Owner
	if owner == "" {
		return models.PolicyEvaluationResult{}, false
	}
	passed := owner == cfg.SharedOwner || owner == ctx.User.ID
	res := models.PolicyEvaluationResult{
		Policy: models.PolicyOwnership,
		Passed: passed,
		Evidence: map[string]any{
			"resourceOwner": owner,
			"userId":        ctx.User.ID,
		},
	}
	if !passed {
		res.Reason = fmt.Sprintf("User %s does not own resource %s", ctx.User.ID, ctx.Resource.ID)
	}
	return res, true
}

// EvaluateClassification applies only when the resource is classified.
func EvaluateClassification(cfg Config, ctx models.AccessContext) (models.PolicyEvaluationResult, bool) {
	class := ctx.Resource.Classification
	if class == "" {
		return models.PolicyEvaluationResult{}, false
	}
	passed := containsString(cfg.AllowedClassifications, class)
	res := models.PolicyEvaluationResult{
		Policy: models.PolicyClassification,
		Passed: passed,
		Evidence: map[string]any{
			"classification": class,
		},
	}
	if !passed {
		res.Reason = fmt.Sprintf("Classification %s is restricted", class)
	}
	return res, true
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func orUnset(s string) string {
	if s == "" {
		return "(unset)"
	}
	return s
}
