package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"aegis/pkg/auth"
	"aegis/pkg/models"
)

// Entry actions recorded by the loggers.
const (
	ActionPolicyViolation = "policy-violation"
)

// AccessAttempt is the payload for every decision, granted or not.
type AccessAttempt struct {
	UserID          string              `json:"userId"`
	ResourceID      string              `json:"resourceId"`
	Action          string              `json:"action"`
	Granted         bool                `json:"granted"`
	PoliciesApplied []models.PolicyName `json:"policiesApplied,omitempty"`
	RequestID       string              `json:"requestId,omitempty"`
	Timestamp       string              `json:"timestamp,omitempty"`
}

// PolicyViolation is the payload for denials and blocked scans.
type PolicyViolation struct {
	UserID             string           `json:"userId"`
	ResourceID         string           `json:"resourceId"`
	Violation          string           `json:"violation"`
	Details            string           `json:"details"`
	RiskLevel          models.RiskLevel `json:"riskLevel,omitempty"`
	RequiresEscalation bool             `json:"requiresEscalation,omitempty"`
	RequestID          string           `json:"requestId,omitempty"`
	Timestamp          string           `json:"timestamp,omitempty"`
}

// EvidenceGeneration is the payload emitted when a durable evidence
// record is created.
type EvidenceGeneration struct {
	EvidenceID      string              `json:"evidenceId"`
	UserID          string              `json:"userId"`
	ResourceID      string              `json:"resourceId"`
	Action          string              `json:"action"`
	Granted         bool                `json:"granted"`
	PoliciesApplied []models.PolicyName `json:"policiesApplied,omitempty"`
	Signature       string              `json:"signature"`
	Timestamp       string              `json:"timestamp,omitempty"`
	Metadata        map[string]any      `json:"metadata,omitempty"`
}

// Logger is the append-only audit sink. Every returned entry carries
// an id, a signature, immutable=true and the core provenance marker.
// A nil entry with a nil error means the sink accepted the payload but
// has nothing to cache.
type Logger interface {
	LogAccessAttempt(ctx context.Context, payload AccessAttempt) (*models.AuditLogEntry, error)
	LogPolicyViolation(ctx context.Context, payload PolicyViolation) (*models.AuditLogEntry, error)
	LogEvidenceGeneration(ctx context.Context, payload EvidenceGeneration) (*models.AuditLogEntry, error)
}

// MemoryLogger is the in-process Logger. Entries are append-only.
type MemoryLogger struct {
	mu      sync.Mutex
	signer  auth.Signer
	now     func() time.Time
	entries []models.AuditLogEntry
	byID    map[string]int
}

type MemoryOption func(*MemoryLogger)

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLogger) { l.now = now }
}

func NewMemoryLogger(signer auth.Signer, opts ...MemoryOption) *MemoryLogger {
	l := &MemoryLogger{
		signer: signer,
		now:    time.Now,
		byID:   map[string]int{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLogger) LogAccessAttempt(ctx context.Context, payload AccessAttempt) (*models.AuditLogEntry, error) {
	_ = ctx
	entry := l.buildEntry(payload.UserID, payload.ResourceID, payload.Action, payload.Granted, payload.PoliciesApplied, payload.Timestamp, metadataFor(map[string]any{
		"requestId": payload.RequestID,
	}))
	l.append(entry)
	return &entry, nil
}

func (l *MemoryLogger) LogPolicyViolation(ctx context.Context, payload PolicyViolation) (*models.AuditLogEntry, error) {
	_ = ctx
	entry := l.buildEntry(payload.UserID, payload.ResourceID, ActionPolicyViolation, false, nil, payload.Timestamp, metadataFor(map[string]any{
		"violation":          payload.Violation,
		"details":            payload.Details,
		"riskLevel":          string(payload.RiskLevel),
		"requiresEscalation": payload.RequiresEscalation,
		"requestId":          payload.RequestID,
	}))
	l.append(entry)
	return &entry, nil
}

func (l *MemoryLogger) LogEvidenceGeneration(ctx context.Context, payload EvidenceGeneration) (*models.AuditLogEntry, error) {
	_ = ctx
	meta := map[string]any{
		"evidenceId":        payload.EvidenceID,
		"evidenceSignature": payload.Signature,
	}
	for k, v := range payload.Metadata {
		meta[k] = v
	}
	entry := l.buildEntry(payload.UserID, payload.ResourceID, payload.Action, payload.Granted, payload.PoliciesApplied, payload.Timestamp, meta)
	l.append(entry)
	return &entry, nil
}

// Entries returns a copy of the log in append order.
func (l *MemoryLogger) Entries() []models.AuditLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.AuditLogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Entry looks up a logged entry by id.
func (l *MemoryLogger) Entry(id string) (models.AuditLogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.byID[id]
	if !ok {
		return models.AuditLogEntry{}, false
	}
	return l.entries[idx], true
}

func (l *MemoryLogger) buildEntry(userID, resourceID, action string, granted bool, applied []models.PolicyName, timestamp string, metadata map[string]any) models.AuditLogEntry {
	ts := entryTime(timestamp, l.now)
	return models.AuditLogEntry{
		ID:              uuid.NewString(),
		UserID:          userID,
		ResourceID:      resourceID,
		Action:          action,
		Granted:         granted,
		PoliciesApplied: applied,
		Timestamp:       models.ISOTime(ts),
		Signature:       l.signer.Sign(userID, resourceID, action, granted, ts),
		Immutable:       true,
		AuditedByCore:   true,
		Metadata:        metadata,
	}
}

func (l *MemoryLogger) append(entry models.AuditLogEntry) {
	l.mu.Lock()
	l.byID[entry.ID] = len(l.entries)
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func entryTime(timestamp string, now func() time.Time) time.Time {
	if timestamp != "" {
		if t, err := models.ParseISOTime(timestamp); err == nil {
			return t
		}
	}
	return now()
}

func metadataFor(fields map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			if val == "" {
				continue
			}
		case nil:
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
