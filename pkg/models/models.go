package models

import (
	"time"
)

// PolicyName identifies one policy axis. Evaluators run in the fixed
// order listed here; evidence merges are last-write-wins in this order.
type PolicyName string

const (
	PolicyRoleBased        PolicyName = "role-based"
	PolicyClearanceLevel   PolicyName = "clearance-level"
	PolicyDepartmentAccess PolicyName = "department-access"
	PolicyOwnership        PolicyName = "ownership"
	PolicyClassification   PolicyName = "classification"
)

// RiskLevel is totally ordered: low < medium < high < critical.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return -1
	}
}

func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.Rank() >= other.Rank()
}

// MaxRisk returns the higher of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// User is the subject of an access request.
type User struct {
	ID             string   `json:"id"`
	Role           string   `json:"role"`
	Permissions    []string `json:"permissions,omitempty"`
	Department     string   `json:"department,omitempty"`
	ClearanceLevel *int     `json:"clearanceLevel,omitempty"`
}

// Clearance returns the user's clearance level, defaulting to 0.
func (u User) Clearance() int {
	if u.ClearanceLevel == nil {
		return 0
	}
	return *u.ClearanceLevel
}

// Resource is the object of an access request.
type Resource struct {
	ID                string   `json:"id"`
	Type              string   `json:"type"`
	Sensitivity       string   `json:"sensitivity,omitempty"`
	Classification    string   `json:"classification,omitempty"`
	Owner             string   `json:"owner,omitempty"`
	RequiredRoles     []string `json:"requiredRoles,omitempty"`
	RequiredClearance *int     `json:"requiredClearance,omitempty"`
}

// AccessContext is the immutable input to a policy decision. It is
// never mutated by the engine or the gate.
type AccessContext struct {
	User      User     `json:"user"`
	Resource  Resource `json:"resource"`
	Action    string   `json:"action"`
	RequestID string   `json:"requestId,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// PolicyEvaluationResult is the outcome of one policy axis.
type PolicyEvaluationResult struct {
	Policy   PolicyName     `json:"policy"`
	Passed   bool           `json:"passed"`
	Reason   string         `json:"reason,omitempty"`
	Evidence map[string]any `json:"evidence"`
}

// DecisionMetadata carries provenance markers for downstream consumers.
type DecisionMetadata struct {
	Validated           bool   `json:"validated"`
	EvaluationTimestamp string `json:"evaluationTimestamp"`
	ConflictResolution  string `json:"conflictResolution,omitempty"`
	AdditionalNotes     string `json:"additionalNotes,omitempty"`
}

// Violation describes the first failing policy of a denied decision.
type Violation struct {
	Type               PolicyName `json:"type"`
	Details            string     `json:"details"`
	RiskLevel          RiskLevel  `json:"riskLevel"`
	RequiresEscalation bool       `json:"requiresEscalation"`
}

// AccessDecisionResult aggregates all applicable policy evaluations.
// Invariant: Allowed=false implies a non-empty Reason and at least one
// failing PolicyEvaluationResult behind it.
type AccessDecisionResult struct {
	Allowed            bool             `json:"allowed"`
	PoliciesApplied    []PolicyName     `json:"policiesApplied"`
	Reason             string           `json:"reason,omitempty"`
	Evidence           map[string]any   `json:"evidence"`
	Metadata           DecisionMetadata `json:"metadata"`
	Violation          *Violation       `json:"violation,omitempty"`
	RiskLevel          RiskLevel        `json:"riskLevel"`
	RequiresEscalation bool             `json:"requiresEscalation"`
}

// EvidenceRecord is the durable, signed artifact of one decision.
// Records are append-only: never mutated after creation.
type EvidenceRecord struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"userId"`
	ResourceID         string         `json:"resourceId"`
	Action             string         `json:"action"`
	Granted            bool           `json:"granted"`
	Evidence           map[string]any `json:"evidence"`
	PoliciesApplied    []PolicyName   `json:"policiesApplied"`
	Timestamp          string         `json:"timestamp"`
	Signature          string         `json:"signature"`
	GeneratedByCore    bool           `json:"generatedByCore"`
	ViolationType      string         `json:"violationType,omitempty"`
	ViolationDetails   string         `json:"violationDetails,omitempty"`
	RiskLevel          RiskLevel      `json:"riskLevel"`
	RequiresEscalation bool           `json:"requiresEscalation"`
}

// AuditLogEntry is owned by the audit logger; the gate only caches it.
type AuditLogEntry struct {
	ID              string         `json:"id"`
	UserID          string         `json:"userId"`
	ResourceID      string         `json:"resourceId"`
	Action          string         `json:"action"`
	Granted         bool           `json:"granted"`
	PoliciesApplied []PolicyName   `json:"policiesApplied,omitempty"`
	Timestamp       string         `json:"timestamp"`
	Signature       string         `json:"signature"`
	Immutable       bool           `json:"immutable"`
	AuditedByCore   bool           `json:"auditedByCore"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

const isoMillis = "2006-01-02T15:04:05.000Z"

// ISOTime renders t as an ISO-8601 UTC string with millisecond
// precision. Signatures are computed over this exact representation.
func ISOTime(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

// ParseISOTime accepts the millisecond form used by ISOTime as well as
// plain RFC3339 timestamps.
func ParseISOTime(s string) (time.Time, error) {
	if t, err := time.Parse(isoMillis, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
