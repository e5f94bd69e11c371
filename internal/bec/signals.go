package bec

import (
	"math"
	"regexp"
	"strings"
)

// ContentSignals are the keyword and regex findings for one message,
// computed before any NLP runs.
type ContentSignals struct {
	HasFinancialEntities   bool
	HasPaymentInstructions bool
	HasUrgencyLanguage     bool
	HasCredentialRequest   bool
	HasPersonalInfoRequest bool
	UrgencyScore           int // 0-100 keyword density
	FormalityScore         int // 0 very informal, 100 very formal
	FinancialEntities      []string
	TopicsDetected         []string
}

// Keyword lists are matched case-insensitively as substrings; each list
// counts distinct keywords present, not total occurrences.

var urgencyKeywords = []string{
	"urgent", "immediately", "asap", "right away", "time-sensitive",
	"act now", "don't delay", "do not delay", "as soon as possible",
	"right now", "today", "deadline", "critical", "emergency",
	"without delay", "prompt attention", "quickly",
}

var paymentKeywords = []string{
	"wire transfer", "ach", "bank account", "routing number",
	"account number", "payment details", "invoice", "direct deposit",
	"bank details", "swift code", "iban", "remittance",
	"payment instructions", "updated banking", "new account",
	"wiring instructions",
}

var credentialKeywords = []string{
	"password", "login", "verify your account", "credentials",
	"two-factor", "reset your password", "sign in", "authentication",
	"security code", "one-time password", "otp", "mfa",
}

var personalInfoKeywords = []string{
	"social security", "ssn", "date of birth", "tax id", "ein",
	"driver's license", "passport number", "maiden name",
	"personal information", "w-2", "w-9", "1099",
}

var formalMarkers = []string{
	"dear", "sincerely", "regards", "respectfully", "best regards",
	"kind regards", "yours truly", "cordially", "to whom it may concern",
}

var informalMarkers = []string{
	"hey", "hi there", "what's up", "yo", "sup", "thanks!",
	"cheers", "lol", "btw", "fyi", "np", "gonna", "wanna",
}

// Financial entity extraction runs on the original text so captured
// digits and names keep their casing.
var (
	routingPattern  = regexp.MustCompile(`(?i)(?:routing|aba|transit)[^\d]{0,20}(\d{9})\b`)
	accountPattern  = regexp.MustCompile(`(?i)(?:account|acct)[^\d]{0,20}(\d{8,17})\b`)
	bankNamePattern = regexp.MustCompile(`(?i)(?:bank)[:\s]+([A-Z][A-Za-z\s&'.]{2,30})`)
)

func countKeywordHits(textLower string, keywords []string) int {
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(textLower, kw) {
			hits++
		}
	}
	return hits
}

// scanContent extracts granular content signals from the message text.
// Pure keyword and regex matching, zero ML cost.
func scanContent(text string) *ContentSignals {
	cs := &ContentSignals{}
	lower := strings.ToLower(text)

	for _, m := range routingPattern.FindAllStringSubmatch(text, -1) {
		cs.FinancialEntities = append(cs.FinancialEntities, "routing:"+m[1])
	}
	for _, m := range accountPattern.FindAllStringSubmatch(text, -1) {
		cs.FinancialEntities = append(cs.FinancialEntities, "account:"+m[1])
	}
	for _, m := range bankNamePattern.FindAllStringSubmatch(text, -1) {
		cs.FinancialEntities = append(cs.FinancialEntities, "bank:"+strings.TrimSpace(m[1]))
	}
	cs.HasFinancialEntities = len(cs.FinancialEntities) > 0

	urgencyHits := countKeywordHits(lower, urgencyKeywords)
	paymentHits := countKeywordHits(lower, paymentKeywords)
	credentialHits := countKeywordHits(lower, credentialKeywords)
	piiHits := countKeywordHits(lower, personalInfoKeywords)

	cs.HasUrgencyLanguage = urgencyHits > 0
	cs.HasPaymentInstructions = paymentHits > 0
	cs.HasCredentialRequest = credentialHits > 0
	cs.HasPersonalInfoRequest = piiHits > 0

	cs.UrgencyScore = min(100, urgencyHits*20)

	formalHits := countKeywordHits(lower, formalMarkers)
	informalHits := countKeywordHits(lower, informalMarkers)
	if total := formalHits + informalHits; total > 0 {
		cs.FormalityScore = int(math.Round(float64(formalHits) / float64(total) * 100))
	} else {
		cs.FormalityScore = 50 // neutral
	}

	return cs
}
