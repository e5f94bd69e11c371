package analyzers

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/ices-pipeline/internal/config"
	"github.com/ignite/ices-pipeline/internal/models"
)

// =============================================================================
// REPUTATION TESTS
// =============================================================================

type stubResolver struct {
	answers map[string][]string
	errs    map[string]error
	calls   []string
}

func (s *stubResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	s.calls = append(s.calls, host)
	if err, ok := s.errs[host]; ok {
		return nil, err
	}
	if addrs, ok := s.answers[host]; ok {
		return addrs, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func setupReputation(t *testing.T, cfg config.ReputationConfig) (*reputationAnalyzer, *stubResolver, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	a := newReputationAnalyzer(rdb, cfg)
	stub := &stubResolver{answers: map[string][]string{}, errs: map[string]error{}}
	a.resolver = stub
	return a, stub, mr
}

func reputationEvent(received, sender string) *models.EmailEvent {
	headers := map[string]string{}
	if received != "" {
		headers["Received"] = received
	}
	return &models.EmailEvent{Sender: sender, Headers: headers}
}

func TestReputation_Defaults(t *testing.T) {
	a := newReputationAnalyzer(nil, config.ReputationConfig{})

	if a.timeout != 2*time.Second {
		t.Errorf("timeout = %v, want 2s", a.timeout)
	}
	if a.cacheTTL != time.Hour {
		t.Errorf("cacheTTL = %v, want 1h", a.cacheTTL)
	}
	if len(a.providers) != 4 {
		t.Fatalf("got %d default providers, want 4", len(a.providers))
	}
	if a.providers[0].id != "spamhaus_zen" || a.providers[3].id != "spamhaus_dbl" {
		t.Errorf("provider order = %v, %v", a.providers[0].id, a.providers[3].id)
	}
}

func TestReputation_ExtractSenderIP(t *testing.T) {
	cases := []struct {
		name     string
		received string
		want     string
	}{
		{
			name:     "private hops skipped",
			received: "from gateway (gw.internal [10.1.2.3]) by mx; from origin ([185.220.101.5])",
			want:     "185.220.101.5",
		},
		{
			name:     "loopback link-local and shared skipped",
			received: "[127.0.0.1] [169.254.9.9] [100.64.0.1] [9.9.9.9]",
			want:     "9.9.9.9",
		},
		{
			name:     "test nets are not global",
			received: "[192.0.2.1] [198.51.100.2] [203.0.113.3]",
			want:     "",
		},
		{
			name:     "invalid octets skipped",
			received: "from bad [999.1.1.300]",
			want:     "",
		},
		{name: "empty header", received: "", want: ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractSenderIP(tc.received); got != tc.want {
				t.Errorf("extractSenderIP(%q) = %q, want %q", tc.received, got, tc.want)
			}
		})
	}
}

func TestReputation_IPListed(t *testing.T) {
	a, stub, mr := setupReputation(t, config.ReputationConfig{})
	stub.answers["5.101.220.185.zen.spamhaus.org"] = []string{"127.0.0.2"}

	event := reputationEvent("from origin ([185.220.101.5])", "spammer@bad.example")
	obs, err := a.Analyze(context.Background(), event)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}

	if got := findObs(t, obs, "sender_ip").String(); got != "185.220.101.5" {
		t.Errorf("sender_ip = %q", got)
	}
	if listed, _ := findObs(t, obs, "spamhaus_zen_listed").Bool(); !listed {
		t.Error("spamhaus_zen_listed missing or false")
	}
	if got := findObs(t, obs, "spamhaus_zen_code").String(); got != "SBL" {
		t.Errorf("spamhaus_zen_code = %q, want SBL", got)
	}
	if listed, _ := findObs(t, obs, "ip_listed").Bool(); !listed {
		t.Error("ip_listed = false")
	}
	if hasObs(obs, "spamcop_listed") {
		t.Error("spamcop_listed emitted for a miss")
	}
	if listed, _ := findObs(t, obs, "domain_listed").Bool(); listed {
		t.Error("domain_listed = true for unlisted domain")
	}

	// Positive result cached under its return code, misses under the
	// NXDOMAIN marker.
	if got, _ := mr.Get("reputation:ip:spamhaus_zen:185.220.101.5"); got != "127.0.0.2" {
		t.Errorf("cached zen value = %q", got)
	}
	if got, _ := mr.Get("reputation:ip:spamcop:185.220.101.5"); got != "NXDOMAIN" {
		t.Errorf("cached spamcop value = %q", got)
	}
	if got, _ := mr.Get("reputation:domain:spamhaus_dbl:bad.example"); got != "NXDOMAIN" {
		t.Errorf("cached dbl value = %q", got)
	}
}

func TestReputation_CacheHitSkipsDNS(t *testing.T) {
	a, stub, mr := setupReputation(t, config.ReputationConfig{})
	mr.Set("reputation:ip:spamhaus_zen:185.220.101.5", "127.0.0.9")
	mr.Set("reputation:ip:spamcop:185.220.101.5", "NXDOMAIN")
	mr.Set("reputation:ip:nix_spam:185.220.101.5", "NXDOMAIN")
	mr.Set("reputation:domain:spamhaus_dbl:bad.example", "NXDOMAIN")

	event := reputationEvent("from origin ([185.220.101.5])", "spammer@bad.example")
	obs, err := a.Analyze(context.Background(), event)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}

	if len(stub.calls) != 0 {
		t.Errorf("resolver queried %v despite warm cache", stub.calls)
	}
	if got := findObs(t, obs, "spamhaus_zen_code").String(); got != "SBL-DROP" {
		t.Errorf("spamhaus_zen_code = %q, want SBL-DROP", got)
	}
}

func TestReputation_DomainListed(t *testing.T) {
	a, stub, _ := setupReputation(t, config.ReputationConfig{})
	stub.answers["phish.example.dbl.spamhaus.org"] = []string{"127.0.1.4"}

	event := reputationEvent("", "it-support@phish.example")
	obs, err := a.Analyze(context.Background(), event)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}

	if got := findObs(t, obs, "sender_ip").String(); got != "not_found" {
		t.Errorf("sender_ip = %q, want not_found", got)
	}
	if listed, _ := findObs(t, obs, "ip_listed").Bool(); listed {
		t.Error("ip_listed = true without a sender IP")
	}
	if listed, _ := findObs(t, obs, "spamhaus_dbl_listed").Bool(); !listed {
		t.Error("spamhaus_dbl_listed missing or false")
	}
	if got := findObs(t, obs, "spamhaus_dbl_code").String(); got != "phish-domain" {
		t.Errorf("spamhaus_dbl_code = %q, want phish-domain", got)
	}
	if listed, _ := findObs(t, obs, "domain_listed").Bool(); !listed {
		t.Error("domain_listed = false")
	}
}

func TestReputation_UnknownCodeLabeled(t *testing.T) {
	a, stub, _ := setupReputation(t, config.ReputationConfig{})
	stub.answers["unusual.example.dbl.spamhaus.org"] = []string{"127.0.1.99"}

	event := reputationEvent("", "x@unusual.example")
	obs, err := a.Analyze(context.Background(), event)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got := findObs(t, obs, "spamhaus_dbl_code").String(); got != "unknown(127.0.1.99)" {
		t.Errorf("spamhaus_dbl_code = %q", got)
	}
}

func TestReputation_TimeoutIsAMiss(t *testing.T) {
	a, stub, mr := setupReputation(t, config.ReputationConfig{})
	stub.errs["5.101.220.185.zen.spamhaus.org"] = &net.DNSError{Err: "i/o timeout", IsTimeout: true}

	event := reputationEvent("from origin ([185.220.101.5])", "")
	obs, err := a.Analyze(context.Background(), event)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}

	if listed, _ := findObs(t, obs, "ip_listed").Bool(); listed {
		t.Error("ip_listed = true after timeout")
	}
	if hasObs(obs, "reputation_error") {
		t.Error("reputation_error emitted for a timeout")
	}
	// Timeouts are cached as misses so a flaky zone cannot slow every
	// message.
	if got, _ := mr.Get("reputation:ip:spamhaus_zen:185.220.101.5"); got != "NXDOMAIN" {
		t.Errorf("cached value after timeout = %q", got)
	}
}

func TestReputation_UnexpectedErrorSurfaces(t *testing.T) {
	a, stub, mr := setupReputation(t, config.ReputationConfig{})
	stub.errs["5.101.220.185.zen.spamhaus.org"] = &net.DNSError{Err: "server misbehaving", Name: "5.101.220.185.zen.spamhaus.org"}

	event := reputationEvent("from origin ([185.220.101.5])", "")
	obs, err := a.Analyze(context.Background(), event)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}

	repErr := findObs(t, obs, "reputation_error")
	if !strings.HasPrefix(repErr.String(), "spamhaus_zen: ") {
		t.Errorf("reputation_error = %q", repErr.String())
	}
	// The failing provider is skipped but the rest still run.
	if listed, _ := findObs(t, obs, "ip_listed").Bool(); listed {
		t.Error("ip_listed = true")
	}
	// Unexpected failures are not cached; the next message retries.
	if mr.Exists("reputation:ip:spamhaus_zen:185.220.101.5") {
		t.Error("unexpected error was cached")
	}
}

func TestReputation_ConfiguredProviders(t *testing.T) {
	cfg := config.ReputationConfig{
		Providers: []config.ReputationProvider{
			{ID: "custom_bl", Zone: "bl.custom.example", Kind: "ip"},
		},
	}
	a, stub, _ := setupReputation(t, cfg)
	stub.answers["5.101.220.185.bl.custom.example"] = []string{"127.0.0.2"}

	event := reputationEvent("from origin ([185.220.101.5])", "x@corp.example")
	obs, err := a.Analyze(context.Background(), event)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}

	if listed, _ := findObs(t, obs, "custom_bl_listed").Bool(); !listed {
		t.Error("custom_bl_listed missing or false")
	}
	if got := findObs(t, obs, "custom_bl_code").String(); got != "Listed" {
		t.Errorf("custom_bl_code = %q, want generic Listed", got)
	}
	if hasObs(obs, "spamhaus_zen_listed") {
		t.Error("default provider ran despite configured list")
	}
	// No domain providers configured: the domain verdict is still
	// emitted, as an all-clear.
	if listed, _ := findObs(t, obs, "domain_listed").Bool(); listed {
		t.Error("domain_listed = true with no domain providers")
	}
}

func TestReputation_NilRedisStillResolves(t *testing.T) {
	a := newReputationAnalyzer(nil, config.ReputationConfig{})
	stub := &stubResolver{answers: map[string][]string{
		"5.101.220.185.zen.spamhaus.org": {"127.0.0.3"},
	}}
	a.resolver = stub

	event := reputationEvent("from origin ([185.220.101.5])", "")
	obs, err := a.Analyze(context.Background(), event)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got := findObs(t, obs, "spamhaus_zen_code").String(); got != "SBL-CSS" {
		t.Errorf("spamhaus_zen_code = %q, want SBL-CSS", got)
	}
}
