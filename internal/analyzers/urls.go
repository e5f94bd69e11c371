package analyzers

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/ignite/ices-pipeline/internal/models"
)

func init() {
	Register(20, "url_check", func(*Deps) Analyzer { return &urlAnalyzer{} })
}

var (
	urlPattern = regexp.MustCompile(`(?i)https?://[^\s<>"')\]]+`)
	ipPattern  = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)
)

var suspiciousTLDs = []string{
	".xyz", ".top", ".club", ".work", ".click", ".loan",
	".gq", ".ml", ".cf", ".tk", ".ga", ".buzz", ".surf",
}

var shortenerHosts = map[string]bool{
	"bit.ly":      true,
	"tinyurl.com": true,
	"t.co":        true,
	"goo.gl":      true,
	"ow.ly":       true,
	"is.gd":       true,
	"buff.ly":     true,
	"rebrand.ly":  true,
	"cutt.ly":     true,
}

// Applied in order; earlier substitutions feed later ones ("1" becomes
// "l" before "l" becomes "i").
var homoglyphSubs = []struct{ fake, real string }{
	{"0", "o"},
	{"1", "l"},
	{"l", "i"},
	{"rn", "m"},
	{"vv", "w"},
	{"5", "s"},
	{"3", "e"},
}

var spoofedBrands = []struct{ brand, domain string }{
	{"paypal", "paypal.com"},
	{"microsoft", "microsoft.com"},
	{"apple", "apple.com"},
	{"google", "google.com"},
	{"amazon", "amazon.com"},
	{"netflix", "netflix.com"},
	{"facebook", "facebook.com"},
	{"instagram", "instagram.com"},
}

// urlAnalyzer extracts URLs from the email body and checks them for
// phishing indicators.
//
// Observations produced:
//
//	urls_found           (numeric) total URLs in body
//	ip_urls_found        (numeric) URLs using raw IP addresses
//	suspicious_tlds      (text)    comma-separated suspicious TLDs found
//	shorteners_found     (numeric) count of URL shortener links
//	homoglyph_domains    (text)    comma-separated lookalike domains
//	excessive_subdomains (numeric) count of URLs with >4 subdomain levels
type urlAnalyzer struct{}

func (a *urlAnalyzer) Name() string { return "url_check" }

func (a *urlAnalyzer) Description() string {
	return "Detects suspicious URLs, phishing patterns, and URL shorteners"
}

func (a *urlAnalyzer) Analyze(_ context.Context, email *models.EmailEvent) ([]models.Observation, error) {
	urls := urlPattern.FindAllString(email.Body.Content, -1)

	observations := []models.Observation{
		models.NumericInt("urls_found", len(urls)),
	}
	if len(urls) == 0 {
		return observations, nil
	}

	ipURLs := 0
	var foundTLDs []string
	shorteners := 0
	var lookalikes []string
	excessiveSubs := 0

	for _, raw := range urls {
		parsed, err := url.Parse(raw)
		if err != nil {
			continue
		}
		hostname := strings.ToLower(parsed.Hostname())

		if ipPattern.MatchString(hostname) {
			ipURLs++
		}

		for _, tld := range suspiciousTLDs {
			if strings.HasSuffix(hostname, tld) {
				if !containsString(foundTLDs, tld) {
					foundTLDs = append(foundTLDs, tld)
				}
				break
			}
		}

		if shortenerHosts[hostname] {
			shorteners++
		}

		if lookalike := checkHomoglyphs(hostname); lookalike != "" && !containsString(lookalikes, lookalike) {
			lookalikes = append(lookalikes, lookalike)
		}

		if len(strings.Split(hostname, ".")) > 4 {
			excessiveSubs++
		}
	}

	observations = append(observations, models.NumericInt("ip_urls_found", ipURLs))
	if len(foundTLDs) > 0 {
		observations = append(observations, models.Text("suspicious_tlds", strings.Join(foundTLDs, ",")))
	}
	observations = append(observations, models.NumericInt("shorteners_found", shorteners))
	if len(lookalikes) > 0 {
		observations = append(observations, models.Text("homoglyph_domains", strings.Join(lookalikes, ",")))
	}
	if excessiveSubs > 0 {
		observations = append(observations, models.NumericInt("excessive_subdomains", excessiveSubs))
	}

	return observations, nil
}

// checkHomoglyphs normalises common character substitutions and returns
// the spoofed brand domain when the normalised hostname mentions a
// brand the raw hostname does not.
func checkHomoglyphs(hostname string) string {
	normalised := hostname
	for _, sub := range homoglyphSubs {
		normalised = strings.ReplaceAll(normalised, sub.fake, sub.real)
	}
	for _, b := range spoofedBrands {
		if strings.Contains(normalised, b.brand) && !strings.Contains(hostname, b.brand) {
			return b.domain
		}
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
