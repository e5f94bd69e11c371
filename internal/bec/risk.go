package bec

import (
	"math"
	"strconv"
)

// Signals are the per-email anomaly flags the risk score is built from.
// Pair-level flags hold the worst case across all recipients.
type Signals struct {
	IntentCategory   string
	IntentConfidence int

	IsNewSender        bool
	SenderTenureDays   float64
	DisplayNameAnomaly bool
	CategoryShift      bool
	TimeAnomaly        bool
	ReplyToMismatch    bool

	IsFirstContact            bool
	LowVolumeSensitiveRequest bool
	ContextEscalation         bool
}

// detectCategoryShift reports a high-risk category that is rare for
// this sender: under 5% of at least 5 categorised emails.
func detectCategoryShift(profile *SenderProfile, category string) bool {
	if !highRiskCategories[category] {
		return false
	}
	total := sumCounts(profile.TypicalCategories)
	if total < 5 {
		return false
	}
	ratio := float64(profile.TypicalCategories[category]) / float64(total)
	return ratio < 0.05
}

// detectTimeAnomaly reports a send hour more than 2 standard deviations
// from the sender's baseline. Needs at least 10 recorded sends.
func detectTimeAnomaly(profile *SenderProfile, sendHour int) bool {
	hours := profile.TypicalSendHours
	if len(hours) == 0 {
		return false
	}
	total := sumCounts(hours)
	if total < 10 {
		return false
	}

	mean := 0.0
	for h, c := range hours {
		mean += float64(hourValue(h) * c)
	}
	mean /= float64(total)

	variance := 0.0
	for h, c := range hours {
		d := float64(hourValue(h)) - mean
		variance += float64(c) * d * d
	}
	variance /= float64(total)

	stdDev := 1.0
	if variance > 0 {
		stdDev = math.Sqrt(variance)
	}
	return math.Abs(float64(sendHour)-mean) > 2*stdDev
}

// detectContextEscalation reports a high-risk category that is uncommon
// for this pair: under 10% of at least 3 categorised messages.
func detectContextEscalation(pair *SenderRecipientPair, category string) bool {
	if !highRiskCategories[category] {
		return false
	}
	total := sumCounts(pair.CategoryDistribution)
	if total < 3 {
		return false
	}
	ratio := float64(pair.CategoryDistribution[category]) / float64(total)
	return ratio < 0.1
}

func sumCounts(m map[string]int) int {
	total := 0
	for _, c := range m {
		total += c
	}
	return total
}

// Send-hour map keys are written by our own upserts, so they always
// parse; anything else counts as hour 0.
func hourValue(key string) int {
	h, _ := strconv.Atoi(key)
	return h
}

// riskScore combines category base risk, behavioural anomaly flags, and
// content signals into a 0-100 composite. Behavioural contributions are
// scaled by intent confidence (floor 0.3); content signals are hard
// regex evidence and are added undampened.
func riskScore(sig *Signals, content *ContentSignals) int {
	weight, ok := categoryRiskWeights[sig.IntentCategory]
	if !ok {
		weight = 0.1
	}
	raw := weight * 30

	behavioural := []struct {
		set    bool
		weight float64
	}{
		{sig.IsNewSender, 15},
		{sig.DisplayNameAnomaly, 10},
		{sig.CategoryShift, 20},
		{sig.TimeAnomaly, 10},
		{sig.ReplyToMismatch, 15},
		{sig.IsFirstContact, 10},
		{sig.LowVolumeSensitiveRequest, 15},
		{sig.ContextEscalation, 15},
	}
	for _, f := range behavioural {
		if f.set {
			raw += f.weight
		}
	}

	raw *= max(float64(sig.IntentConfidence)/100, 0.3)

	hardEvidence := []struct {
		set    bool
		weight float64
	}{
		{content.HasFinancialEntities, 20},
		{content.HasPaymentInstructions, 15},
		{content.HasUrgencyLanguage, 10},
		{content.HasCredentialRequest, 15},
		{content.HasPersonalInfoRequest, 10},
	}
	for _, f := range hardEvidence {
		if f.set {
			raw += f.weight
		}
	}

	return min(int(math.Round(raw)), 100)
}

func riskLevel(score int) string {
	switch {
	case score >= 75:
		return "critical"
	case score >= 50:
		return "high"
	case score >= 25:
		return "medium"
	}
	return "low"
}
