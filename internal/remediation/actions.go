package remediation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/ices-pipeline/internal/models"
	"github.com/ignite/ices-pipeline/internal/pkg/httpretry"
	"github.com/ignite/ices-pipeline/internal/pkg/logger"
	"github.com/ignite/ices-pipeline/internal/tokens"
)

// TagAction marks the message as flagged so the user sees the warning
// without losing the mail.
type TagAction struct{}

func (TagAction) Name() string { return "tag" }

func (TagAction) Description() string {
	return "Adds a 'BCEM: Flagged' category to the message"
}

func (TagAction) Execute(_ context.Context, verdict *models.Verdict) (*BatchRequest, error) {
	return &BatchRequest{
		Method:  http.MethodPatch,
		URL:     fmt.Sprintf("/users/%s/messages/%s", verdict.UserID, verdict.MessageID),
		Headers: map[string]string{"Content-Type": "application/json"},
		Body: map[string]interface{}{
			"categories": []string{"BCEM: Flagged"},
			"flag":       map[string]string{"flagStatus": "flagged"},
		},
	}, nil
}

// DeleteAction soft-deletes the message. The user can still recover it
// from Deleted Items.
type DeleteAction struct{}

func (DeleteAction) Name() string { return "delete" }

func (DeleteAction) Description() string {
	return "Moves the message to the Deleted Items folder"
}

func (DeleteAction) Execute(_ context.Context, verdict *models.Verdict) (*BatchRequest, error) {
	return &BatchRequest{
		Method:  http.MethodPost,
		URL:     fmt.Sprintf("/users/%s/messages/%s/move", verdict.UserID, verdict.MessageID),
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    map[string]interface{}{"destinationId": "deleteditems"},
	}, nil
}

// QuarantineAction is the one direct (non-batched) action: it calls the
// Defender remediate endpoint synchronously with a per-tenant token.
type QuarantineAction struct {
	url    string
	tokens *tokens.Manager
	client httpretry.HTTPDoer
}

// NewQuarantineAction wires the remediate call. graphBase is the
// configured Graph root, normally pinned to v1.0; the remediate
// resource lives on the beta surface.
func NewQuarantineAction(graphBase string, manager *tokens.Manager, client httpretry.HTTPDoer) *QuarantineAction {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &QuarantineAction{
		url:    remediateURL(graphBase),
		tokens: manager,
		client: client,
	}
}

func remediateURL(graphBase string) string {
	base := strings.TrimSuffix(graphBase, "/")
	if strings.HasSuffix(base, "/v1.0") {
		base = strings.TrimSuffix(base, "/v1.0") + "/beta"
	}
	return base + "/security/collaboration/analyzedEmails/remediate"
}

func (a *QuarantineAction) Name() string { return "quarantine" }

func (a *QuarantineAction) Description() string {
	return "Soft-deletes the message via the Defender remediate API"
}

type analyzedEmail struct {
	NetworkMessageID      string `json:"networkMessageId"`
	RecipientEmailAddress string `json:"recipientEmailAddress"`
}

type remediateRequest struct {
	DisplayName    string          `json:"displayName"`
	Description    string          `json:"description"`
	Severity       string          `json:"severity"`
	Action         string          `json:"action"`
	RemediateBy    string          `json:"remediateBy"`
	AnalyzedEmails []analyzedEmail `json:"analyzedEmails"`
}

func (a *QuarantineAction) Execute(ctx context.Context, verdict *models.Verdict) (*BatchRequest, error) {
	token, err := a.tokens.Token(ctx, verdict.TenantID)
	if err != nil {
		return nil, fmt.Errorf("quarantine %s: %w", verdict.MessageID, err)
	}

	emails := make([]analyzedEmail, 0, len(verdict.Recipients))
	for _, recipient := range verdict.Recipients {
		emails = append(emails, analyzedEmail{
			NetworkMessageID:      verdict.MessageID,
			RecipientEmailAddress: recipient,
		})
	}
	if len(emails) == 0 {
		// The mailbox owner is the only address we know for sure.
		emails = append(emails, analyzedEmail{
			NetworkMessageID:      verdict.MessageID,
			RecipientEmailAddress: verdict.UserID,
		})
	}

	payload, err := json.Marshal(remediateRequest{
		DisplayName:    "ICES automatic quarantine",
		Description:    fmt.Sprintf("Quarantined by policy for message %s", verdict.MessageID),
		Severity:       "high",
		Action:         "softDelete",
		RemediateBy:    "automation",
		AnalyzedEmails: emails,
	})
	if err != nil {
		return nil, fmt.Errorf("quarantine %s: encode: %w", verdict.MessageID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("quarantine %s: %w", verdict.MessageID, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quarantine %s: %w", verdict.MessageID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("quarantine %s: remediate returned %d: %s",
			verdict.MessageID, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	io.Copy(io.Discard, resp.Body)

	logger.Info("message quarantined",
		"message_id", verdict.MessageID,
		"tenant", verdict.TenantID,
		"recipients", len(emails))
	return nil, nil
}
