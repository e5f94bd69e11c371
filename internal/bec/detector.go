// Package bec detects business-email-compromise attempts by comparing
// each email against a learned behavioural baseline: a per-domain
// sender profile and per-recipient contact history, combined with
// regex content scanning and zero-shot intent classification.
//
// The analyze path is strictly read-only; profiles are updated after
// the verdict is published via Store.UpdateProfiles.
package bec

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/ignite/ices-pipeline/internal/analyzers"
	"github.com/ignite/ices-pipeline/internal/classify"
	"github.com/ignite/ices-pipeline/internal/models"
	"github.com/ignite/ices-pipeline/internal/pkg/logger"
)

func init() {
	// After headers/URLs/attachments, before the SaaS classifier.
	analyzers.Register(45, "bec_detector", func(deps *analyzers.Deps) analyzers.Analyzer {
		return &detector{classifier: deps.Classifier, store: NewStore(deps.DB)}
	})
}

type detector struct {
	classifier classify.Classifier
	store      *Store
}

func (d *detector) Name() string { return "bec_detector" }

func (d *detector) Description() string {
	return "Behavioral BEC detection via sender profiling and sentiment analysis"
}

// Analyze emits the same 21 observations for every email so the policy
// engine sees a stable schema; flags that did not fire are false.
func (d *detector) Analyze(ctx context.Context, event *models.EmailEvent) ([]models.Observation, error) {
	subject := event.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	fullText := fmt.Sprintf("Subject: %s\n\n%s", subject, analyzers.BodyText(event))

	content := scanContent(fullText)

	var sig Signals
	sig.IntentCategory, sig.IntentConfidence, content.TopicsDetected = d.classifyIntent(ctx, fullText)

	domain := senderDomain(event.Sender)
	profile := d.getProfile(ctx, event.TenantID, domain)
	if profile == nil {
		// First time seeing this sender domain
		sig.IsNewSender = true
	} else {
		sig.SenderTenureDays = profile.TenureDays()
		sig.IsNewSender = profile.IsNew()

		if event.SenderName != "" && len(profile.KnownDisplayNames) > 0 {
			sig.DisplayNameAnomaly = !contains(profile.KnownDisplayNames, event.SenderName)
		}

		sig.CategoryShift = detectCategoryShift(profile, sig.IntentCategory)

		if hour := sendHour(event); hour >= 0 {
			sig.TimeAnomaly = detectTimeAnomaly(profile, hour)
		}

		if replyTo := event.Headers["Reply-To"]; replyTo != "" {
			rtDomain := senderDomain(replyTo)
			if rtDomain != "" && rtDomain != domain && !contains(profile.ReplyToDomains, rtDomain) {
				sig.ReplyToMismatch = true
			}
		}
	}

	highRisk := highRiskCategories[sig.IntentCategory]
	senderAddr := strings.ToLower(strings.TrimSpace(event.Sender))
	for _, recipient := range event.Recipients() {
		// Address level: has THIS sender emailed this recipient?
		addrPair := d.getPair(ctx, event.TenantID, senderAddr, recipient)
		// Domain level: has ANYONE from this domain emailed them?
		domainPair := d.getDomainPair(ctx, event.TenantID, domain, recipient)

		if addrPair == nil || addrPair.IsFirstContact() {
			sig.IsFirstContact = true
			if highRisk {
				sig.LowVolumeSensitiveRequest = true
			}
		} else if addrPair.MessageCount < 5 && highRisk {
			sig.LowVolumeSensitiveRequest = true
		}

		if addrPair != nil && !addrPair.IsFirstContact() {
			if detectContextEscalation(addrPair, sig.IntentCategory) {
				sig.ContextEscalation = true
			}
		} else if domainPair != nil && !domainPair.IsFirstContact() {
			if detectContextEscalation(domainPair, sig.IntentCategory) {
				sig.ContextEscalation = true
			}
		}
	}

	score := riskScore(&sig, content)

	entities := "none"
	if len(content.FinancialEntities) > 0 {
		entities = strings.Join(content.FinancialEntities, ", ")
	}
	topics := sig.IntentCategory
	if len(content.TopicsDetected) > 0 {
		topics = strings.Join(content.TopicsDetected, ", ")
	}

	return []models.Observation{
		models.NumericInt("bec_risk_score", score),
		models.Text("bec_risk_level", riskLevel(score)),
		models.Text("intent_category", sig.IntentCategory),
		models.NumericInt("intent_confidence", sig.IntentConfidence),
		models.Numeric("sender_tenure_days", math.Round(sig.SenderTenureDays*10)/10),
		models.Bool("is_new_sender", sig.IsNewSender),
		models.Bool("display_name_anomaly", sig.DisplayNameAnomaly),
		models.Bool("category_shift", sig.CategoryShift),
		models.Bool("time_anomaly", sig.TimeAnomaly),
		models.Bool("reply_to_mismatch", sig.ReplyToMismatch),
		models.Bool("is_first_contact", sig.IsFirstContact),
		models.Bool("low_volume_sensitive_request", sig.LowVolumeSensitiveRequest),
		models.Bool("context_escalation", sig.ContextEscalation),
		models.Bool("content_has_financial_entities", content.HasFinancialEntities),
		models.Bool("content_has_payment_instructions", content.HasPaymentInstructions),
		models.Bool("content_has_urgency_language", content.HasUrgencyLanguage),
		models.NumericInt("content_urgency_score", content.UrgencyScore),
		models.NumericInt("content_formality_score", content.FormalityScore),
		models.Text("content_financial_entities", entities),
		models.Text("topics_detected", topics),
		models.Bool("content_has_personal_info", content.HasPersonalInfoRequest),
	}, nil
}

// classifyIntent runs multi-label zero-shot classification over the
// first 500 characters and maps hypothesis labels back to categories.
// Returns the top category, its confidence 0-100, and every category
// scoring above the 0.3 multi-label threshold.
func (d *detector) classifyIntent(ctx context.Context, text string) (string, int, []string) {
	if d.classifier == nil {
		return "informational", 0, nil
	}

	result, err := d.classifier.Classify(ctx, analyzers.Truncate(text, 500), nlpCandidateLabels, true)
	if err != nil {
		logger.Warn("BEC intent classification failed", "error", err.Error())
		return "informational", 0, nil
	}

	var topics []string
	topCategory := "informational"
	topScore := 0.0
	for i, label := range result.Labels {
		idx := labelIndex(label)
		if idx < 0 {
			continue
		}
		category := intentCategories[idx]
		if result.Scores[i] > topScore {
			topScore = result.Scores[i]
			topCategory = category
		}
		if result.Scores[i] > 0.3 {
			topics = append(topics, category)
		}
	}
	return topCategory, int(topScore * 100), topics
}

func labelIndex(label string) int {
	for i, l := range nlpCandidateLabels {
		if l == label {
			return i
		}
	}
	return -1
}

// Profile lookups are best-effort: a missing or unreachable database
// degrades to "no history", never to an analyzer error.

func (d *detector) getProfile(ctx context.Context, tenantID, domain string) *SenderProfile {
	profile, err := d.store.GetProfile(ctx, tenantID, domain)
	if err != nil {
		logger.Debug("BEC profile lookup failed", "error", err.Error())
		return nil
	}
	return profile
}

func (d *detector) getPair(ctx context.Context, tenantID, senderAddr, recipient string) *SenderRecipientPair {
	pair, err := d.store.GetPair(ctx, tenantID, senderAddr, recipient)
	if err != nil {
		logger.Debug("BEC pair lookup failed", "error", err.Error())
		return nil
	}
	return pair
}

func (d *detector) getDomainPair(ctx context.Context, tenantID, domain, recipient string) *SenderRecipientPair {
	pair, err := d.store.GetDomainPair(ctx, tenantID, domain, recipient)
	if err != nil {
		logger.Debug("BEC domain pair lookup failed", "error", err.Error())
		return nil
	}
	return pair
}

// senderDomain extracts the domain from an email address. Unlike the
// header analyzers it also normalises bare strings with no @.
func senderDomain(sender string) string {
	if i := strings.LastIndex(sender, "@"); i >= 0 {
		return strings.ToLower(strings.TrimSpace(sender[i+1:]))
	}
	return strings.ToLower(strings.TrimSpace(sender))
}

// sendHour is the received-at hour of day in UTC, or -1 when the event
// carries no usable timestamp.
func sendHour(event *models.EmailEvent) int {
	ts, ok := event.ReceivedTime()
	if !ok {
		return -1
	}
	return ts.UTC().Hour()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
