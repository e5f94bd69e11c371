package models

import (
	"encoding/json"
	"strings"
	"time"
)

// EmailAddress is an email sender or recipient.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// EmailBody is the content of an email.
type EmailBody struct {
	ContentType string `json:"content_type"` // "text" or "html"
	Content     string `json:"content"`
}

// Attachment is a single email attachment. ContentBytes is
// base64-encoded and may be empty when the ingester strips bodies.
type Attachment struct {
	Name         string `json:"name"`
	ContentType  string `json:"content_type"`
	Size         int64  `json:"size"`
	ContentBytes string `json:"content_bytes,omitempty"`
}

// EmailEvent is a fully parsed email entering the analysis pipeline.
// It is constructed once per message and never mutated.
//
// The queue contract allows the sender in two forms: the schema form
// {"from":{"address":…,"name":…}} and the flat form
// {"sender":…,"sender_name":…}. ParseEvent normalises both into the
// Sender/SenderName fields, with the schema form taking precedence.
type EmailEvent struct {
	MessageID   string            `json:"message_id"`
	UserID      string            `json:"user_id"`
	TenantID    string            `json:"tenant_id"`
	TenantAlias string            `json:"tenant_alias,omitempty"`
	ReceivedAt  string            `json:"received_at,omitempty"`
	From        EmailAddress      `json:"from,omitempty"`
	Sender      string            `json:"sender,omitempty"`
	SenderName  string            `json:"sender_name,omitempty"`
	To          []EmailAddress    `json:"to,omitempty"`
	Subject     string            `json:"subject"`
	Body        EmailBody         `json:"body"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
}

// ParseEvent decodes a queue payload into a normalised EmailEvent.
func ParseEvent(data []byte) (*EmailEvent, error) {
	var ev EmailEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	ev.Normalize()
	return &ev, nil
}

// Normalize resolves the dual sender forms and fills defaults.
func (e *EmailEvent) Normalize() {
	if e.From.Address != "" {
		e.Sender = e.From.Address
	}
	if e.From.Name != "" {
		e.SenderName = e.From.Name
	}
	if e.Body.ContentType == "" {
		e.Body.ContentType = "text"
	}
	if e.Headers == nil {
		e.Headers = map[string]string{}
	}
}

// Recipients returns the ordered recipient addresses from To, skipping
// entries with no address.
func (e *EmailEvent) Recipients() []string {
	if len(e.To) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.To))
	for _, r := range e.To {
		if r.Address != "" {
			out = append(out, r.Address)
		}
	}
	return out
}

// SenderDomain returns the lowercased domain of the sender address.
func (e *EmailEvent) SenderDomain() string {
	return AddressDomain(e.Sender)
}

// AddressDomain extracts the lowercased domain from an email address.
// Strings without an @ yield "".
func AddressDomain(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return strings.ToLower(strings.TrimSpace(addr[i+1:]))
	}
	return ""
}

// ReceivedTime parses received_at (ISO-8601 UTC). The second return is
// false when the field is absent or unparseable.
func (e *EmailEvent) ReceivedTime() (time.Time, bool) {
	if e.ReceivedAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, e.ReceivedAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
