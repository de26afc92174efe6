package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"aegis/pkg/httpx"
	"aegis/pkg/models"
)

// Notice is the webhook payload for one escalated denial.
type Notice struct {
	UserID     string           `json:"userId"`
	ResourceID string           `json:"resourceId"`
	Action     string           `json:"action"`
	Violation  string           `json:"violation"`
	Details    string           `json:"details"`
	RiskLevel  models.RiskLevel `json:"riskLevel"`
	EvidenceID string           `json:"evidenceId,omitempty"`
	Timestamp  string           `json:"timestamp"`
}

// Notifier delivers escalated denials to a review webhook. A Notifier
// with an empty endpoint is enabled=false and drops notices silently.
type Notifier struct {
	endpoint   string
	token      string
	client     *http.Client
	retries    int
	retryDelay time.Duration
}

func NewNotifier(endpoint, token string, client *http.Client) *Notifier {
	return &Notifier{
		endpoint:   endpoint,
		token:      token,
		client:     client,
		retries:    2,
		retryDelay: 500 * time.Millisecond,
	}
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.endpoint != ""
}

// Notify posts the notice. Delivery failures are returned, not retried
// beyond the transport-level retry budget; the decision itself already
// stands and is audited regardless.
func (n *Notifier) Notify(ctx context.Context, notice Notice) error {
	if !n.Enabled() {
		return nil
	}
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("encode escalation notice: %w", err)
	}
	headers := map[string]string{}
	if n.token != "" {
		headers["Authorization"] = "Bearer " + n.token
	}
	status, _, err := httpx.RequestJSON(ctx, n.client, http.MethodPost, n.endpoint, body, headers, n.retries, n.retryDelay)
	if err != nil {
		return fmt.Errorf("deliver escalation notice: %w", err)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("escalation webhook returned status %d", status)
	}
	return nil
}

// FromDecision builds a notice from an escalated denial. Returns false
// when the decision does not require escalation.
func FromDecision(access models.AccessContext, decision models.AccessDecisionResult, evidenceID string) (Notice, bool) {
	if !decision.RequiresEscalation || decision.Violation == nil {
		return Notice{}, false
	}
	return Notice{
		UserID:     access.User.ID,
		ResourceID: access.Resource.ID,
		Action:     access.Action,
		Violation:  string(decision.Violation.Type),
		Details:    decision.Violation.Details,
		RiskLevel:  decision.Violation.RiskLevel,
		EvidenceID: evidenceID,
		Timestamp:  decision.Metadata.EvaluationTimestamp,
	}, true
}
