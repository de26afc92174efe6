package abac

import (
	"reflect"
	"testing"
	"time"

	"aegis/pkg/models"
	"aegis/pkg/policy"
)

func intPtr(v int) *int { return &v }

func fixedClock() func() time.Time {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func newTestEngine() *Engine {
	return NewEngine(policy.DefaultConfig(), WithClock(fixedClock()))
}

func TestCheckAccessAllAllowed(t *testing.T) {
	e := newTestEngine()
	decision := e.CheckAccess(models.AccessContext{
		User: models.User{
			ID:             "u1",
			Role:           "developer",
			Department:     "engineering",
			ClearanceLevel: intPtr(3),
		},
		Resource: models.Resource{
			ID:             "r1",
			Type:           "code",
			Sensitivity:    "medium",
			Owner:          "shared",
			Classification: "internal",
		},
		Action: "read",
	})
	if !decision.Allowed {
		t.Fatalf("expected allow, got reason %q", decision.Reason)
	}
	if decision.Violation != nil {
		t.Fatalf("allowed decision must not carry a violation: %+v", decision.Violation)
	}
	if decision.RiskLevel != models.RiskLow || decision.RequiresEscalation {
		t.Fatalf("allowed decision should be low risk: %+v", decision)
	}
	if !decision.Metadata.Validated {
		t.Fatal("metadata.validated must always be true")
	}
	want := []models.PolicyName{
		models.PolicyRoleBased,
		models.PolicyClearanceLevel,
		models.PolicyDepartmentAccess,
		models.PolicyOwnership,
		models.PolicyClassification,
	}
	if !reflect.DeepEqual(decision.PoliciesApplied, want) {
		t.Fatalf("unexpected applied policies: %v", decision.PoliciesApplied)
	}
}

func TestCheckAccessDenyByDefaultConflict(t *testing.T) {
	e := newTestEngine()
	// Role passes, clearance fails: mixed outcome resolves to deny.
	decision := e.CheckAccess(models.AccessContext{
		User: models.User{ID: "u1", Role: "developer", ClearanceLevel: intPtr(1)},
		Resource: models.Resource{
			ID:          "r1",
			Type:        "code",
			Sensitivity: "high",
		},
		Action: "read",
	})
	if decision.Allowed {
		t.Fatal("expected denial")
	}
	if decision.Reason == "" {
		t.Fatal("denied decision must carry a reason")
	}
	if decision.Metadata.ConflictResolution != ConflictDenyByDefault {
		t.Fatalf("expected deny-by-default marker, got %q", decision.Metadata.ConflictResolution)
	}
	if decision.Evidence["policyConflict"] != true {
		t.Fatal("expected policyConflict evidence flag")
	}
}

func TestCheckAccessNoConflictMarkerWhenAllFail(t *testing.T) {
	// Restrict evaluation to the two axes that both fail.
	e := NewEngine(policy.DefaultConfig(),
		WithClock(fixedClock()),
		WithEvaluators([]policy.Evaluator{policy.EvaluateClearance, policy.EvaluateClassification}),
	)
	decision := e.CheckAccess(models.AccessContext{
		User: models.User{ID: "u1", Role: "developer"},
		Resource: models.Resource{
			ID:             "r1",
			Type:           "code",
			Sensitivity:    "high",
			Classification: "restricted",
		},
	})
	if decision.Allowed {
		t.Fatal("expected denial")
	}
	if decision.Metadata.ConflictResolution != "" {
		t.Fatal("uniform failure is not a conflict")
	}
	if _, ok := decision.Evidence["policyConflict"]; ok {
		t.Fatal("policyConflict must not be set when every policy fails")
	}
}

func TestCheckAccessClearanceViolation(t *testing.T) {
	e := newTestEngine()
	decision := e.CheckAccess(models.AccessContext{
		User: models.User{ID: "u1", Role: "developer", ClearanceLevel: intPtr(1)},
		Resource: models.Resource{
			ID:          "r1",
			Type:        "code",
			Sensitivity: "high",
		},
	})
	if decision.Allowed {
		t.Fatal("expected denial")
	}
	v := decision.Violation
	if v == nil {
		t.Fatal("expected violation")
	}
	if v.Type != models.PolicyClearanceLevel {
		t.Fatalf("unexpected violation type %s", v.Type)
	}
	if v.Details != "User clearance 1 < required clearance 3" {
		t.Fatalf("unexpected details: %q", v.Details)
	}
	if v.RiskLevel != models.RiskHigh {
		t.Fatalf("clearance violation must rate high, got %s", v.RiskLevel)
	}
	if !v.RequiresEscalation || !decision.RequiresEscalation {
		t.Fatal("clearance shortfall must escalate")
	}
	if decision.RiskLevel != models.RiskHigh {
		t.Fatalf("decision risk must mirror the violation, got %s", decision.RiskLevel)
	}
}

func TestCheckAccessViolationFromFirstFailure(t *testing.T) {
	e := newTestEngine()
	// Role fails first; ownership also fails. Violation comes from the
	// first failing evaluator in the fixed order.
	decision := e.CheckAccess(models.AccessContext{
		User: models.User{ID: "u1", Role: "intern", ClearanceLevel: intPtr(5)},
		Resource: models.Resource{
			ID:    "r1",
			Type:  "code",
			Owner: "u2",
		},
	})
	if decision.Allowed {
		t.Fatal("expected denial")
	}
	if decision.Violation.Type != models.PolicyRoleBased {
		t.Fatalf("expected role-based violation, got %s", decision.Violation.Type)
	}
	if decision.Violation.RiskLevel != models.RiskMedium {
		t.Fatalf("role violation should rate medium, got %s", decision.Violation.RiskLevel)
	}
	if decision.Violation.RequiresEscalation {
		t.Fatal("role violation should not escalate")
	}
}

func TestCheckAccessReasonsJoined(t *testing.T) {
	e := NewEngine(policy.DefaultConfig(),
		WithClock(fixedClock()),
		WithEvaluators([]policy.Evaluator{policy.EvaluateRole, policy.EvaluateOwnership}),
	)
	decision := e.CheckAccess(models.AccessContext{
		User:     models.User{ID: "u1", Role: "intern"},
		Resource: models.Resource{ID: "r1", Type: "code", Owner: "u2"},
	})
	if decision.Allowed {
		t.Fatal("expected denial")
	}
	want := "Role intern is not permitted to access resource type code; User u1 does not own resource r1"
	if decision.Reason != want {
		t.Fatalf("unexpected joined reason:\n got %q\nwant %q", decision.Reason, want)
	}
}

func TestCheckAccessIdempotent(t *testing.T) {
	e := newTestEngine()
	ctx := models.AccessContext{
		User: models.User{ID: "u1", Role: "developer", ClearanceLevel: intPtr(1)},
		Resource: models.Resource{
			ID:          "r1",
			Type:        "code",
			Sensitivity: "high",
		},
		Timestamp: "2026-03-01T10:00:00.000Z",
	}
	first := e.CheckAccess(ctx)
	second := e.CheckAccess(ctx)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("identical contexts must yield identical decisions:\n%+v\n%+v", first, second)
	}
	if first.Metadata.EvaluationTimestamp != ctx.Timestamp {
		t.Fatalf("context timestamp must win: %s", first.Metadata.EvaluationTimestamp)
	}
}

func TestCheckAccessEvaluationTimestampFallsBackToClock(t *testing.T) {
	e := newTestEngine()
	decision := e.CheckAccess(models.AccessContext{
		User:     models.User{ID: "u1", Role: "admin", ClearanceLevel: intPtr(5)},
		Resource: models.Resource{ID: "r1", Type: "code"},
	})
	if decision.Metadata.EvaluationTimestamp != "2026-03-01T12:00:00.000Z" {
		t.Fatalf("expected clock timestamp, got %s", decision.Metadata.EvaluationTimestamp)
	}
}

func TestCheckAccessEvidenceMerge(t *testing.T) {
	e := newTestEngine()
	decision := e.CheckAccess(models.AccessContext{
		User: models.User{ID: "u1", Role: "developer", Department: "finance", ClearanceLevel: intPtr(3)},
		Resource: models.Resource{
			ID:    "r1",
			Type:  "code",
			Owner: "u1",
		},
	})
	// Ownership runs after department-access, so its resourceOwner
	// value is the one that survives the merge.
	if decision.Evidence["resourceOwner"] != "u1" {
		t.Fatalf("expected last-write-wins merge, got %v", decision.Evidence["resourceOwner"])
	}
	if decision.Evidence["userRole"] != "developer" {
		t.Fatalf("expected role evidence to survive, got %v", decision.Evidence["userRole"])
	}
}
