package analyzers

import (
	"context"
	"testing"

	"github.com/ignite/ices-pipeline/internal/models"
)

// =============================================================================
// URL CHECK TESTS
// =============================================================================

func runURLCheck(t *testing.T, body string) []models.Observation {
	t.Helper()
	email := &models.EmailEvent{Body: models.EmailBody{ContentType: "text", Content: body}}
	obs, err := (&urlAnalyzer{}).Analyze(context.Background(), email)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	return obs
}

func numObs(t *testing.T, obs []models.Observation, key string) float64 {
	t.Helper()
	v, ok := findObs(t, obs, key).Float()
	if !ok {
		t.Fatalf("observation %q is not numeric", key)
	}
	return v
}

func TestURLCheck_NoURLs(t *testing.T) {
	obs := runURLCheck(t, "plain text with no links at all")

	if len(obs) != 1 {
		t.Fatalf("got %d observations, want only urls_found: %v", len(obs), keysOf(obs))
	}
	if got := numObs(t, obs, "urls_found"); got != 0 {
		t.Errorf("urls_found = %v, want 0", got)
	}
}

func TestURLCheck_IPHosts(t *testing.T) {
	obs := runURLCheck(t, "click http://203.0.113.9/verify and https://update.example.com/x")

	if got := numObs(t, obs, "urls_found"); got != 2 {
		t.Errorf("urls_found = %v, want 2", got)
	}
	if got := numObs(t, obs, "ip_urls_found"); got != 1 {
		t.Errorf("ip_urls_found = %v, want 1", got)
	}
	if got := numObs(t, obs, "shorteners_found"); got != 0 {
		t.Errorf("shorteners_found = %v, want 0", got)
	}
}

func TestURLCheck_SuspiciousTLDs(t *testing.T) {
	// Repeated TLDs deduplicate in first-seen order.
	obs := runURLCheck(t, "http://a.xyz/1 http://b.xyz/2 http://c.top/3 http://safe.example.com")

	if got := findObs(t, obs, "suspicious_tlds").String(); got != ".xyz,.top" {
		t.Errorf("suspicious_tlds = %q, want %q", got, ".xyz,.top")
	}
}

func TestURLCheck_Shorteners(t *testing.T) {
	obs := runURLCheck(t, "https://bit.ly/a https://bit.ly/b https://tinyurl.com/c")

	if got := numObs(t, obs, "shorteners_found"); got != 3 {
		t.Errorf("shorteners_found = %v, want 3", got)
	}
}

func TestURLCheck_Homoglyphs(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string // "" = no observation
	}{
		{"zero for o", "http://micr0soft.com/login", "microsoft.com"},
		{"rn for m", "http://arnazon.com/account", "amazon.com"},
		{"l for i", "http://lnstagram.com/p", "instagram.com"},
		{"double zero", "http://faceb00k.com/auth", "facebook.com"},
		{"real brand domain is not a lookalike", "http://microsoft.com/login", ""},
		// "1" normalises to "l" and then to "i", so goog1e reads as
		// googie and stays under the radar.
		{"digit one chain misses l brands", "http://goog1e.com/x", ""},
		{"deduplicated across urls", "http://micr0soft.com/a http://micr0s0ft.com/b", "microsoft.com"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obs := runURLCheck(t, tc.body)
			if tc.want == "" {
				if hasObs(obs, "homoglyph_domains") {
					t.Fatalf("unexpected homoglyph_domains: %q", findObs(t, obs, "homoglyph_domains").String())
				}
				return
			}
			if got := findObs(t, obs, "homoglyph_domains").String(); got != tc.want {
				t.Errorf("homoglyph_domains = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestURLCheck_ExcessiveSubdomains(t *testing.T) {
	obs := runURLCheck(t, "http://login.secure.account.verify.example.com/x http://plain.example.com/y")

	if got := numObs(t, obs, "excessive_subdomains"); got != 1 {
		t.Errorf("excessive_subdomains = %v, want 1", got)
	}
}

func TestURLCheck_UnparseableURLSkipped(t *testing.T) {
	// A scheme hit with an invalid port parses to nothing useful; the
	// URL still counts but contributes no indicators.
	obs := runURLCheck(t, "http://bad.example.com:99999x/path")

	if got := numObs(t, obs, "urls_found"); got != 1 {
		t.Errorf("urls_found = %v, want 1", got)
	}
	if got := numObs(t, obs, "ip_urls_found"); got != 0 {
		t.Errorf("ip_urls_found = %v, want 0", got)
	}
}
