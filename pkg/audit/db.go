package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"aegis/pkg/auth"
	"aegis/pkg/models"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer is a Logger backed by an append-only Postgres table. When
// RedactSubjects is set, user ids are stored as salted hashes; the
// signature is still computed over the raw fields before redaction.
type Writer struct {
	DB             auditDB
	Signer         auth.Signer
	HashSalt       []byte
	RedactSubjects bool
	Now            func() time.Time
}

func (w *Writer) LogAccessAttempt(ctx context.Context, payload AccessAttempt) (*models.AuditLogEntry, error) {
	entry := w.buildEntry(payload.UserID, payload.ResourceID, payload.Action, payload.Granted, payload.PoliciesApplied, payload.Timestamp, metadataFor(map[string]any{
		"requestId": payload.RequestID,
	}))
	if err := w.insert(ctx, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (w *Writer) LogPolicyViolation(ctx context.Context, payload PolicyViolation) (*models.AuditLogEntry, error) {
	entry := w.buildEntry(payload.UserID, payload.ResourceID, ActionPolicyViolation, false, nil, payload.Timestamp, metadataFor(map[string]any{
		"violation":          payload.Violation,
		"details":            payload.Details,
		"riskLevel":          string(payload.RiskLevel),
		"requiresEscalation": payload.RequiresEscalation,
		"requestId":          payload.RequestID,
	}))
	if err := w.insert(ctx, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (w *Writer) LogEvidenceGeneration(ctx context.Context, payload EvidenceGeneration) (*models.AuditLogEntry, error) {
	meta := map[string]any{
		"evidenceId":        payload.EvidenceID,
		"evidenceSignature": payload.Signature,
	}
	for k, v := range payload.Metadata {
		meta[k] = v
	}
	entry := w.buildEntry(payload.UserID, payload.ResourceID, payload.Action, payload.Granted, payload.PoliciesApplied, payload.Timestamp, meta)
	if err := w.insert(ctx, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Get retrieves one audit entry by id.
func (w *Writer) Get(ctx context.Context, id string) (models.AuditLogEntry, error) {
	var (
		entry   models.AuditLogEntry
		applied []byte
		meta    []byte
	)
	row := w.DB.QueryRow(ctx, `
		SELECT id, user_id, resource_id, action, granted, policies_applied, created_at, signature, immutable, audited_by_core, metadata
		FROM audit_entries WHERE id=$1
	`, id)
	var createdAt time.Time
	if err := row.Scan(&entry.ID, &entry.UserID, &entry.ResourceID, &entry.Action, &entry.Granted, &applied, &createdAt, &entry.Signature, &entry.Immutable, &entry.AuditedByCore, &meta); err != nil {
		return models.AuditLogEntry{}, err
	}
	entry.Timestamp = models.ISOTime(createdAt)
	if len(applied) > 0 {
		_ = json.Unmarshal(applied, &entry.PoliciesApplied)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &entry.Metadata)
	}
	return entry, nil
}

func (w *Writer) buildEntry(userID, resourceID, action string, granted bool, applied []models.PolicyName, timestamp string, metadata map[string]any) models.AuditLogEntry {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := entryTime(timestamp, now)
	entry := models.AuditLogEntry{
		ID:              uuid.NewString(),
		UserID:          userID,
		ResourceID:      resourceID,
		Action:          action,
		Granted:         granted,
		PoliciesApplied: applied,
		Timestamp:       models.ISOTime(ts),
		Signature:       w.Signer.Sign(userID, resourceID, action, granted, ts),
		Immutable:       true,
		AuditedByCore:   true,
		Metadata:        metadata,
	}
	if w.RedactSubjects {
		entry.UserID = w.hashSubject(userID)
	}
	return entry
}

func (w *Writer) insert(ctx context.Context, entry models.AuditLogEntry) error {
	applied, err := json.Marshal(entry.PoliciesApplied)
	if err != nil {
		return err
	}
	var meta []byte
	if entry.Metadata != nil {
		meta, err = json.Marshal(entry.Metadata)
		if err != nil {
			return err
		}
	}
	createdAt, err := models.ParseISOTime(entry.Timestamp)
	if err != nil {
		return err
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO audit_entries
		(id, user_id, resource_id, action, granted, policies_applied, created_at, signature, immutable, audited_by_core, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, entry.ID, entry.UserID, entry.ResourceID, entry.Action, entry.Granted, applied, createdAt, entry.Signature, entry.Immutable, entry.AuditedByCore, meta)
	return err
}

func (w *Writer) hashSubject(userID string) string {
	h := sha256.New()
	if len(w.HashSalt) > 0 {
		_, _ = h.Write(w.HashSalt)
	}
	_, _ = h.Write([]byte(userID))
	return hex.EncodeToString(h.Sum(nil))
}
