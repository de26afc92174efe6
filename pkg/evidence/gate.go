package evidence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"aegis/pkg/abac"
	"aegis/pkg/audit"
	"aegis/pkg/auth"
	"aegis/pkg/models"
)

// ViolationSecurity marks scan-triggered denials in the audit log.
const ViolationSecurity = "security-violation"

// Gate couples the decision engine to durable evidence. Every decision
// that passes through it leaves a signed record and an audit entry.
type Gate struct {
	engine *abac.Engine
	signer auth.Signer
	store  Store
	logger audit.Logger
	now    func() time.Time
}

type GateOption func(*Gate)

func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

func NewGate(engine *abac.Engine, signer auth.Signer, store Store, logger audit.Logger, opts ...GateOption) *Gate {
	g := &Gate{
		engine: engine,
		signer: signer,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ValidateAccess runs the engine and records the attempt. Denials with
// a violation additionally produce a policy-violation entry. The
// decision itself never errors; only sink failures propagate.
func (g *Gate) ValidateAccess(ctx context.Context, access models.AccessContext) (models.AccessDecisionResult, error) {
	decision := g.engine.CheckAccess(access)

	entry, err := g.logger.LogAccessAttempt(ctx, audit.AccessAttempt{
		UserID:          access.User.ID,
		ResourceID:      access.Resource.ID,
		Action:          access.Action,
		Granted:         decision.Allowed,
		PoliciesApplied: decision.PoliciesApplied,
		RequestID:       access.RequestID,
		Timestamp:       decision.Metadata.EvaluationTimestamp,
	})
	if err != nil {
		return models.AccessDecisionResult{}, fmt.Errorf("log access attempt: %w", err)
	}
	if err := g.cache(ctx, entry); err != nil {
		return models.AccessDecisionResult{}, err
	}

	if !decision.Allowed && decision.Violation != nil {
		ventry, err := g.logger.LogPolicyViolation(ctx, audit.PolicyViolation{
			UserID:             access.User.ID,
			ResourceID:         access.Resource.ID,
			Violation:          string(decision.Violation.Type),
			Details:            decision.Violation.Details,
			RiskLevel:          decision.Violation.RiskLevel,
			RequiresEscalation: decision.Violation.RequiresEscalation,
			RequestID:          access.RequestID,
			Timestamp:          decision.Metadata.EvaluationTimestamp,
		})
		if err != nil {
			return models.AccessDecisionResult{}, fmt.Errorf("log policy violation: %w", err)
		}
		if err := g.cache(ctx, ventry); err != nil {
			return models.AccessDecisionResult{}, err
		}
	}
	return decision, nil
}

// GeneratedEvidence is an EvidenceRecord plus the concrete decision
// time its signature was computed over.
type GeneratedEvidence struct {
	models.EvidenceRecord
	DecisionTime time.Time `json:"-"`
}

// GenerateEvidence turns a decision into a durable signed record. The
// decision time is taken from the decision's evaluation timestamp so a
// fixed-timestamp context yields a byte-identical signature.
func (g *Gate) GenerateEvidence(ctx context.Context, access models.AccessContext, decision models.AccessDecisionResult) (GeneratedEvidence, error) {
	decisionTime := g.now()
	if decision.Metadata.EvaluationTimestamp != "" {
		if t, err := models.ParseISOTime(decision.Metadata.EvaluationTimestamp); err == nil {
			decisionTime = t
		}
	}

	record := models.EvidenceRecord{
		ID:                 uuid.NewString(),
		UserID:             access.User.ID,
		ResourceID:         access.Resource.ID,
		Action:             access.Action,
		Granted:            decision.Allowed,
		Evidence:           decision.Evidence,
		PoliciesApplied:    decision.PoliciesApplied,
		Timestamp:          models.ISOTime(decisionTime),
		Signature:          g.signer.Sign(access.User.ID, access.Resource.ID, access.Action, decision.Allowed, decisionTime),
		GeneratedByCore:    true,
		RiskLevel:          decision.RiskLevel,
		RequiresEscalation: decision.RequiresEscalation,
	}
	if !decision.Allowed {
		record.ViolationType = "policy-violation"
		record.ViolationDetails = decision.Reason
		if decision.Violation != nil {
			record.ViolationType = string(decision.Violation.Type)
			record.ViolationDetails = violationDetails(decision)
		}
	}

	if err := g.store.PutEvidence(ctx, record); err != nil {
		return GeneratedEvidence{}, fmt.Errorf("persist evidence: %w", err)
	}
	entry, err := g.logger.LogEvidenceGeneration(ctx, audit.EvidenceGeneration{
		EvidenceID:      record.ID,
		UserID:          record.UserID,
		ResourceID:      record.ResourceID,
		Action:          record.Action,
		Granted:         record.Granted,
		PoliciesApplied: record.PoliciesApplied,
		Signature:       record.Signature,
		Timestamp:       record.Timestamp,
	})
	if err != nil {
		return GeneratedEvidence{}, fmt.Errorf("log evidence generation: %w", err)
	}
	if err := g.cache(ctx, entry); err != nil {
		return GeneratedEvidence{}, err
	}
	return GeneratedEvidence{EvidenceRecord: record, DecisionTime: decisionTime}, nil
}

// violationDetails reconstructs the clearance shortfall message from
// the decision evidence and folds it into the recorded details.
func violationDetails(decision models.AccessDecisionResult) string {
	details := decision.Violation.Details
	if decision.Violation.Type != models.PolicyClearanceLevel {
		return details
	}
	user, okU := evidenceInt(decision.Evidence["userClearance"])
	required, okR := evidenceInt(decision.Evidence["requiredClearance"])
	if !okU || !okR {
		return details
	}
	msg := fmt.Sprintf("User clearance %d < required clearance %d", user, required)
	switch details {
	case "", msg:
		return msg
	default:
		return details + "; " + msg
	}
}

func evidenceInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// CreateAuditEntry passes a payload to the audit logger and caches the
// returned entry for chain verification. A nil entry means the sink
// accepted the payload without giving the gate anything to cache.
func (g *Gate) CreateAuditEntry(ctx context.Context, payload audit.AccessAttempt) (*models.AuditLogEntry, error) {
	entry, err := g.logger.LogAccessAttempt(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("create audit entry: %w", err)
	}
	if err := g.cache(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ChainLink is one element of a submitted chain of custody: the claimed
// record id, its claimed signature and its claimed timestamp.
type ChainLink struct {
	ID        string `json:"id"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
}

// ChainVerification reports the four independent chain checks. Valid is
// their conjunction.
type ChainVerification struct {
	Valid              bool `json:"valid"`
	ChainIntact        bool `json:"chainIntact"`
	SignaturesValid    bool `json:"signaturesValid"`
	NoTampering        bool `json:"noTampering"`
	ProvenanceVerified bool `json:"provenanceVerified"`
	LinksChecked       int  `json:"linksChecked"`
}

// VerifyEvidenceChain checks a submitted chain against the gate's own
// records. Links the gate never produced are accepted as external as
// long as they carry a signature; links with a locally known id must
// match what was stored.
func (g *Gate) VerifyEvidenceChain(ctx context.Context, links []ChainLink) (ChainVerification, error) {
	v := ChainVerification{
		ChainIntact:        len(links) > 0,
		SignaturesValid:    true,
		NoTampering:        true,
		ProvenanceVerified: true,
		LinksChecked:       len(links),
	}

	var prev time.Time
	for i, link := range links {
		ts, err := models.ParseISOTime(link.Timestamp)
		if err != nil {
			v.ChainIntact = false
		} else {
			if i > 0 && ts.Before(prev) {
				v.ChainIntact = false
			}
			prev = ts
		}

		known, err := g.checkLink(ctx, link, &v)
		if err != nil {
			return ChainVerification{}, err
		}
		if !known && link.Signature == "" {
			v.SignaturesValid = false
		}
	}

	if !v.SignaturesValid {
		v.NoTampering = false
	}
	v.Valid = v.ChainIntact && v.SignaturesValid && v.NoTampering && v.ProvenanceVerified
	return v, nil
}

// checkLink matches one link against stored evidence, then audit
// entries. Returns whether the id was locally known.
func (g *Gate) checkLink(ctx context.Context, link ChainLink, v *ChainVerification) (bool, error) {
	record, err := g.store.GetEvidence(ctx, link.ID)
	if err == nil {
		if record.Signature != link.Signature {
			v.SignaturesValid = false
		}
		if !record.GeneratedByCore {
			v.ProvenanceVerified = false
		}
		return true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, fmt.Errorf("verify chain link %s: %w", link.ID, err)
	}

	entry, err := g.store.GetAuditEntry(ctx, link.ID)
	if err == nil {
		if entry.Signature != link.Signature {
			v.SignaturesValid = false
		}
		if !entry.Immutable {
			v.NoTampering = false
		}
		if !entry.AuditedByCore {
			v.ProvenanceVerified = false
		}
		return true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, fmt.Errorf("verify chain link %s: %w", link.ID, err)
	}
	return false, nil
}

// PerformSecurityCheck runs the engine scan and audits any block.
func (g *Gate) PerformSecurityCheck(ctx context.Context, access models.AccessContext, scan abac.ScanInput) (abac.ScanResult, error) {
	result := g.engine.PerformSecurityScan(access, scan)
	if !result.Blocked {
		return result, nil
	}
	entry, err := g.logger.LogPolicyViolation(ctx, audit.PolicyViolation{
		UserID:     access.User.ID,
		ResourceID: access.Resource.ID,
		Violation:  ViolationSecurity,
		Details:    fmt.Sprintf("security scan blocked: %v", result.Flags),
		RiskLevel:  result.RiskLevel,
		RequestID:  access.RequestID,
		Timestamp:  access.Timestamp,
	})
	if err != nil {
		return abac.ScanResult{}, fmt.Errorf("log security violation: %w", err)
	}
	if err := g.cache(ctx, entry); err != nil {
		return abac.ScanResult{}, err
	}
	return result, nil
}

// Evidence retrieves a stored record by id.
func (g *Gate) Evidence(ctx context.Context, id string) (models.EvidenceRecord, error) {
	return g.store.GetEvidence(ctx, id)
}

// AuditEntry retrieves a cached audit entry by id.
func (g *Gate) AuditEntry(ctx context.Context, id string) (models.AuditLogEntry, error) {
	return g.store.GetAuditEntry(ctx, id)
}

func (g *Gate) cache(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry == nil {
		return nil
	}
	if err := g.store.PutAuditEntry(ctx, *entry); err != nil {
		return fmt.Errorf("cache audit entry: %w", err)
	}
	return nil
}
