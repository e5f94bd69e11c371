package analyzers

import (
	"context"
	"strings"

	"github.com/ignite/ices-pipeline/internal/models"
)

func init() {
	Register(10, "header_auth", func(*Deps) Analyzer { return &headerAnalyzer{} })
}

// headerAnalyzer checks SPF, DKIM, and DMARC results from the email's
// authentication headers.
//
// Observations produced:
//
//	spf             (pass_fail) "pass" or "fail"
//	dkim            (pass_fail) "pass" or "fail"
//	dmarc           (pass_fail) "pass" or "fail"
//	sender_mismatch (boolean)   envelope vs header domain mismatch
//	envelope_domain (text)      Return-Path domain, when mismatched
type headerAnalyzer struct{}

func (a *headerAnalyzer) Name() string { return "header_auth" }

func (a *headerAnalyzer) Description() string {
	return "Validates SPF, DKIM, and DMARC authentication results"
}

func (a *headerAnalyzer) Analyze(_ context.Context, email *models.EmailEvent) ([]models.Observation, error) {
	var observations []models.Observation

	authResults := strings.ToLower(email.Headers["Authentication-Results"])
	spfHeader := strings.ToLower(email.Headers["Received-SPF"])

	// SPF: a dedicated Received-SPF header can vouch for a pass, but an
	// explicit fail in Authentication-Results always wins.
	spfPass := strings.Contains(authResults, "spf=pass") || strings.Contains(spfHeader, "pass")
	spfFail := strings.Contains(authResults, "spf=fail") || strings.Contains(authResults, "spf=softfail")
	switch {
	case spfFail:
		observations = append(observations, models.PassFail("spf", "fail"))
	case spfPass:
		observations = append(observations, models.PassFail("spf", "pass"))
	case authResults != "":
		observations = append(observations, models.PassFail("spf", "fail"))
	}

	observations = appendAuthResult(observations, "dkim", authResults)
	observations = appendAuthResult(observations, "dmarc", authResults)

	// Envelope sender vs header sender. A mismatch is a classic
	// spoofing tell, though mailing lists trip it too.
	envelopeFrom := strings.Trim(email.Headers["Return-Path"], "<>")
	headerFrom := email.Sender
	if envelopeFrom != "" && headerFrom != "" {
		envDomain := strings.ToLower(strings.TrimSpace(afterLastAt(envelopeFrom)))
		hdrDomain := strings.ToLower(afterLastAt(headerFrom))
		mismatch := envDomain != hdrDomain
		observations = append(observations, models.Bool("sender_mismatch", mismatch))
		if mismatch {
			observations = append(observations, models.Text("envelope_domain", envDomain))
		}
	}

	return observations, nil
}

// appendAuthResult records a pass_fail observation for one mechanism
// ("dkim" or "dmarc") from the Authentication-Results header. A header
// that mentions neither pass nor fail for the mechanism still counts as
// a fail; no observation is recorded when the header is absent.
func appendAuthResult(observations []models.Observation, mechanism, authResults string) []models.Observation {
	switch {
	case strings.Contains(authResults, mechanism+"=fail"):
		return append(observations, models.PassFail(mechanism, "fail"))
	case strings.Contains(authResults, mechanism+"=pass"):
		return append(observations, models.PassFail(mechanism, "pass"))
	case authResults != "":
		return append(observations, models.PassFail(mechanism, "fail"))
	}
	return observations
}

// afterLastAt returns the local-part-stripped domain of an address, or
// the whole string when there is no @. Header comparisons want the raw
// split, not a validated domain.
func afterLastAt(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return addr
}
