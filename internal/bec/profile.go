package bec

import "time"

// Intent labels ordered from highest BEC risk to lowest.
var intentCategories = []string{
	"urgent_action",
	"financial_request",
	"credential_request",
	"authority_impersonation",
	"relationship_building",
	"informational",
	"transactional",
}

// Zero-shot hypothesis strings, mapped 1-to-1 with intentCategories.
var nlpCandidateLabels = []string{
	"urgent request requiring immediate action such as wire transfer or emergency",
	"financial request involving invoices, payments, bank account details, or tax forms",
	"credential or account verification request asking for passwords or login",
	"message from a senior executive, CEO, CFO, legal, or HR authority figure",
	"casual conversation, rapport building, or friendly greeting",
	"informational update, status report, meeting notes, or FYI",
	"automated transactional notification, receipt, or system alert",
}

// Risk weight per category for composite scoring.
var categoryRiskWeights = map[string]float64{
	"urgent_action":           1.0,
	"financial_request":       1.0,
	"credential_request":      0.9,
	"authority_impersonation": 0.7,
	"relationship_building":   0.4,
	"informational":           0.1,
	"transactional":           0.05,
}

// Categories that trip the anomaly flags.
var highRiskCategories = map[string]bool{
	"urgent_action":      true,
	"financial_request":  true,
	"credential_request": true,
}

// SenderProfile is the behavioural baseline for a sender domain within
// a tenant. Counters only ever increase; the profile is upserted after
// each verdict by UpdateProfiles.
type SenderProfile struct {
	TenantID          string
	SenderDomain      string
	EmailCount        int
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
	KnownDisplayNames []string
	TypicalCategories map[string]int
	TypicalSendHours  map[string]int
	ReplyToDomains    []string
}

// TenureDays is the age of the profile in days, 0 when unknown.
func (p *SenderProfile) TenureDays() float64 {
	if p.FirstSeenAt.IsZero() {
		return 0
	}
	return max(time.Since(p.FirstSeenAt).Seconds()/86400, 0)
}

// IsNew reports whether the sender was first seen fewer than 7 days ago.
func (p *SenderProfile) IsNew() bool { return p.TenureDays() < 7 }

// SenderRecipientPair is the communication history between one sender
// and one recipient. Keyed by the full sender address; SenderDomain is
// denormalised so history can also be aggregated per domain.
type SenderRecipientPair struct {
	TenantID             string
	SenderAddr           string
	SenderDomain         string
	RecipientAddr        string
	MessageCount         int
	FirstContactAt       time.Time
	LastContactAt        time.Time
	CategoryDistribution map[string]int
}

// IsFirstContact reports whether the sender has never emailed the
// recipient before.
func (p *SenderRecipientPair) IsFirstContact() bool { return p.MessageCount == 0 }
