package audit

import (
	"context"
	"testing"
	"time"

	"aegis/pkg/auth"
	"aegis/pkg/models"
)

func testClock() func() time.Time {
	ts := time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestMemoryLoggerAccessAttempt(t *testing.T) {
	l := NewMemoryLogger(auth.PlainSigner{}, WithMemoryClock(testClock()))
	entry, err := l.LogAccessAttempt(context.Background(), AccessAttempt{
		UserID:          "u1",
		ResourceID:      "r1",
		Action:          "read",
		Granted:         true,
		PoliciesApplied: []models.PolicyName{models.PolicyRoleBased},
		RequestID:       "req-1",
	})
	if err != nil {
		t.Fatalf("log access attempt: %v", err)
	}
	if entry == nil || entry.ID == "" {
		t.Fatal("entry must carry an id")
	}
	if !entry.Immutable || !entry.AuditedByCore {
		t.Fatalf("entry must be immutable and core-audited: %+v", entry)
	}
	if entry.Signature == "" {
		t.Fatal("entry must be signed")
	}
	if entry.Timestamp != "2026-04-01T08:30:00.000Z" {
		t.Fatalf("unexpected timestamp: %s", entry.Timestamp)
	}
	if entry.Metadata["requestId"] != "req-1" {
		t.Fatalf("request id not recorded: %+v", entry.Metadata)
	}

	got, ok := l.Entry(entry.ID)
	if !ok || got.ID != entry.ID {
		t.Fatal("entry must be retrievable by id")
	}
	if len(l.Entries()) != 1 {
		t.Fatalf("expected one entry, got %d", len(l.Entries()))
	}
}

func TestMemoryLoggerSignatureMatchesFields(t *testing.T) {
	signer := auth.PlainSigner{}
	l := NewMemoryLogger(signer, WithMemoryClock(testClock()))
	entry, err := l.LogAccessAttempt(context.Background(), AccessAttempt{
		UserID: "u1", ResourceID: "r1", Action: "write", Granted: false,
	})
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	ts, err := models.ParseISOTime(entry.Timestamp)
	if err != nil {
		t.Fatalf("parse timestamp: %v", err)
	}
	want := signer.Sign("u1", "r1", "write", false, ts)
	if entry.Signature != want {
		t.Fatalf("signature mismatch:\n got %s\nwant %s", entry.Signature, want)
	}
}

func TestMemoryLoggerPolicyViolation(t *testing.T) {
	l := NewMemoryLogger(auth.PlainSigner{}, WithMemoryClock(testClock()))
	entry, err := l.LogPolicyViolation(context.Background(), PolicyViolation{
		UserID:             "u1",
		ResourceID:         "r1",
		Violation:          "clearance-level",
		Details:            "User clearance 1 < required clearance 3",
		RiskLevel:          models.RiskHigh,
		RequiresEscalation: true,
	})
	if err != nil {
		t.Fatalf("log violation: %v", err)
	}
	if entry.Action != ActionPolicyViolation {
		t.Fatalf("unexpected action: %s", entry.Action)
	}
	if entry.Granted {
		t.Fatal("violation entries record a denial")
	}
	if entry.Metadata["violation"] != "clearance-level" {
		t.Fatalf("violation metadata missing: %+v", entry.Metadata)
	}
	if entry.Metadata["requiresEscalation"] != true {
		t.Fatalf("escalation metadata missing: %+v", entry.Metadata)
	}
}

func TestMemoryLoggerEvidenceGeneration(t *testing.T) {
	l := NewMemoryLogger(auth.PlainSigner{}, WithMemoryClock(testClock()))
	entry, err := l.LogEvidenceGeneration(context.Background(), EvidenceGeneration{
		EvidenceID: "ev-1",
		UserID:     "u1",
		ResourceID: "r1",
		Action:     "read",
		Granted:    true,
		Signature:  "sig-1",
		Metadata:   map[string]any{"riskLevel": "low"},
	})
	if err != nil {
		t.Fatalf("log evidence generation: %v", err)
	}
	if entry.Metadata["evidenceId"] != "ev-1" || entry.Metadata["evidenceSignature"] != "sig-1" {
		t.Fatalf("evidence linkage missing: %+v", entry.Metadata)
	}
	if entry.Metadata["riskLevel"] != "low" {
		t.Fatalf("caller metadata dropped: %+v", entry.Metadata)
	}
}

func TestMemoryLoggerHonorsPayloadTimestamp(t *testing.T) {
	l := NewMemoryLogger(auth.PlainSigner{}, WithMemoryClock(testClock()))
	entry, err := l.LogAccessAttempt(context.Background(), AccessAttempt{
		UserID: "u1", ResourceID: "r1", Action: "read", Granted: true,
		Timestamp: "2026-02-02T02:02:02.000Z",
	})
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if entry.Timestamp != "2026-02-02T02:02:02.000Z" {
		t.Fatalf("payload timestamp should win, got %s", entry.Timestamp)
	}
}
