package analyzers

import (
	"context"
	"fmt"
	"strings"

	"github.com/ignite/ices-pipeline/internal/classify"
	"github.com/ignite/ices-pipeline/internal/models"
	"github.com/ignite/ices-pipeline/internal/pkg/logger"
)

func init() {
	Register(50, "saas_usage", func(deps *Deps) Analyzer {
		return &saasAnalyzer{catalog: deps.Catalog, classifier: deps.Classifier}
	})
}

var marketingMailers = []string{
	"mailchimp", "sendgrid", "marketo", "hubspot",
	"pardot", "constant contact", "brevo", "mailgun",
	"customer.io", "iterable", "klaviyo",
}

var usageLabels = []string{
	"account activity, password reset, security alert, billing receipt, or system report",
	"marketing newsletter or promotional content",
}

// saasAnalyzer classifies emails as SaaS usage indicators vs marketing
// noise. Header signals are always collected, the vendor catalog gives
// an O(1) domain match, and the classifier runs only for known SaaS
// vendors since it is by far the most expensive step.
//
// Observations produced:
//
//	list_unsubscribe  (boolean) List-Unsubscribe header present
//	bulk_precedence   (boolean) Precedence=bulk/list header present
//	auto_submitted    (boolean) Auto-Submitted header present
//	marketing_mailer  (text)    detected marketing platform
//	provider          (text)    matched SaaS vendor name
//	provider_category (text)    vendor's SaaS category
//	provider_org      (text)    vendor's parent organization
//	is_saas           (boolean) sender identified as SaaS provider
//	saas_confidence   (text)    "known" (domain match)
//	category          (text)    "usage", "marketing", "unknown" (SaaS only)
//	confidence        (numeric) classifier confidence 0-100 (SaaS only)
type saasAnalyzer struct {
	catalog    *Catalog
	classifier classify.Classifier
}

func (a *saasAnalyzer) Name() string { return "saas_usage" }

func (a *saasAnalyzer) Description() string {
	return "Identifies SaaS senders and classifies email as usage vs marketing"
}

func (a *saasAnalyzer) Analyze(ctx context.Context, email *models.EmailEvent) ([]models.Observation, error) {
	observations := headerSignals(email)

	isSaaS := false
	if app, ok := a.catalog.Lookup(email.Sender); ok {
		isSaaS = true
		org := app.Organization
		if org == "" {
			org = "unknown"
		}
		observations = append(observations,
			models.Text("provider", app.Name),
			models.Text("provider_category", app.Category),
			models.Text("provider_org", org),
		)
	}

	observations = append(observations, models.Bool("is_saas", isSaaS))
	if !isSaaS {
		return observations, nil
	}
	observations = append(observations, models.Text("saas_confidence", "known"))

	category, confidence := a.classifyUsage(ctx, email)
	confidence = adjustConfidence(category, confidence, observations)
	observations = append(observations,
		models.Text("category", category),
		models.NumericInt("confidence", confidence),
	)

	return observations, nil
}

func headerSignals(email *models.EmailEvent) []models.Observation {
	var observations []models.Observation

	if email.Headers["List-Unsubscribe"] != "" {
		observations = append(observations, models.Bool("list_unsubscribe", true))
	}

	precedence := strings.ToLower(email.Headers["Precedence"])
	if precedence == "bulk" || precedence == "list" {
		observations = append(observations, models.Bool("bulk_precedence", true))
	}

	autoSubmitted := strings.ToLower(email.Headers["Auto-Submitted"])
	if autoSubmitted != "" && autoSubmitted != "no" {
		observations = append(observations, models.Bool("auto_submitted", true))
	}

	xMailer := strings.ToLower(email.Headers["X-Mailer"])
	for _, mailer := range marketingMailers {
		if strings.Contains(xMailer, mailer) {
			observations = append(observations, models.Text("marketing_mailer", mailer))
			break
		}
	}

	return observations
}

// classifyUsage runs the zero-shot classifier over the subject plus the
// first part of the body. "unknown" with zero confidence means the
// classifier was unavailable or failed.
func (a *saasAnalyzer) classifyUsage(ctx context.Context, email *models.EmailEvent) (string, int) {
	if a.classifier == nil {
		return "unknown", 0
	}

	subject := email.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	text := fmt.Sprintf("Subject: %s\n\n%s", subject, Truncate(BodyText(email), 500))

	result, err := a.classifier.Classify(ctx, text, usageLabels, false)
	if err != nil {
		logger.Warn("usage classification failed", "error", err.Error())
		return "unknown", 0
	}
	top, score := result.Top()
	if top == "" {
		return "unknown", 0
	}
	if strings.Contains(top, "account") || strings.Contains(top, "activity") {
		return "usage", int(score * 100)
	}
	return "marketing", int(score * 100)
}

// adjustConfidence nudges the classifier confidence using header
// signals that corroborate or contradict the category.
func adjustConfidence(category string, confidence int, observations []models.Observation) int {
	marketingSignals := 0
	usageSignals := 0
	for _, o := range observations {
		switch o.Key {
		case "list_unsubscribe", "bulk_precedence":
			marketingSignals++
		case "auto_submitted":
			usageSignals++
		}
	}

	if category == "usage" && usageSignals > 0 {
		confidence = min(confidence+usageSignals*5, 100)
	} else if category == "marketing" && marketingSignals > 0 {
		confidence = min(confidence+marketingSignals*5, 100)
	}

	if category == "usage" && marketingSignals > usageSignals {
		confidence = max(confidence-marketingSignals*5, 40)
	} else if category == "marketing" && usageSignals > marketingSignals {
		confidence = max(confidence-usageSignals*5, 40)
	}

	return confidence
}
