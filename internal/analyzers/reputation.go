package analyzers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/ices-pipeline/internal/config"
	"github.com/ignite/ices-pipeline/internal/models"
	"github.com/ignite/ices-pipeline/internal/pkg/logger"
)

func init() {
	Register(15, "reputation", func(deps *Deps) Analyzer {
		return newReputationAnalyzer(deps.Redis, deps.Reputation)
	})
}

// Return code labels per blocklist family.
var zenCodes = map[string]string{
	"127.0.0.2":  "SBL",
	"127.0.0.3":  "SBL-CSS",
	"127.0.0.4":  "XBL-CBL",
	"127.0.0.5":  "XBL-CBL",
	"127.0.0.6":  "XBL-CBL",
	"127.0.0.7":  "XBL-CBL",
	"127.0.0.9":  "SBL-DROP",
	"127.0.0.10": "PBL",
	"127.0.0.11": "PBL",
}

var dblCodes = map[string]string{
	"127.0.1.2":   "spam-domain",
	"127.0.1.4":   "phish-domain",
	"127.0.1.5":   "malware-domain",
	"127.0.1.6":   "botnet-cc-domain",
	"127.0.1.102": "abused-legit-spam",
	"127.0.1.103": "abused-legit-registrar",
	"127.0.1.104": "abused-legit-phish",
	"127.0.1.105": "abused-legit-malware",
	"127.0.1.106": "abused-legit-botnet",
}

var genericCodes = map[string]string{
	"127.0.0.2": "Listed",
}

type dnsblProvider struct {
	id    string
	zone  string
	kind  string // "ip" or "domain"
	codes map[string]string
}

func defaultProviders() []dnsblProvider {
	return []dnsblProvider{
		{id: "spamhaus_zen", zone: "zen.spamhaus.org", kind: "ip", codes: zenCodes},
		{id: "spamcop", zone: "bl.spamcop.net", kind: "ip", codes: genericCodes},
		{id: "nix_spam", zone: "ix.dnsbl.manitu.net", kind: "ip", codes: genericCodes},
		{id: "spamhaus_dbl", zone: "dbl.spamhaus.org", kind: "domain", codes: dblCodes},
	}
}

func codesFor(providerID string) map[string]string {
	switch providerID {
	case "spamhaus_zen":
		return zenCodes
	case "spamhaus_dbl":
		return dblCodes
	default:
		return genericCodes
	}
}

var receivedIPPattern = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`)

// hostResolver is the part of *net.Resolver the analyzer needs; tests
// substitute a stub.
type hostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// reputationAnalyzer checks the sender IP and domain against DNS-based
// blocklists. Lookups are cached in Redis, positives under their return
// code and misses under an NXDOMAIN marker, so repeat senders cost no
// DNS traffic inside the TTL.
//
// Observations produced:
//
//	sender_ip         (text)    IP extracted from Received headers, or "not_found"
//	ip_listed         (boolean) sender IP is on any list
//	domain_listed     (boolean) sender domain is on any list
//	<provider>_listed (boolean) per-provider hit
//	<provider>_code   (text)    return code label, e.g. "SBL" or "Listed"
//	reputation_error  (text)    "<provider>: <error>" when a lookup failed unexpectedly
type reputationAnalyzer struct {
	redis     *redis.Client
	resolver  hostResolver
	providers []dnsblProvider
	timeout   time.Duration
	cacheTTL  time.Duration
}

func newReputationAnalyzer(rdb *redis.Client, cfg config.ReputationConfig) *reputationAnalyzer {
	providers := defaultProviders()
	if len(cfg.Providers) > 0 {
		providers = make([]dnsblProvider, 0, len(cfg.Providers))
		for _, p := range cfg.Providers {
			providers = append(providers, dnsblProvider{
				id:    p.ID,
				zone:  p.Zone,
				kind:  p.Kind,
				codes: codesFor(p.ID),
			})
		}
	}

	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	cacheTTL := cfg.CacheTTL()
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	return &reputationAnalyzer{
		redis:     rdb,
		resolver:  net.DefaultResolver,
		providers: providers,
		timeout:   timeout,
		cacheTTL:  cacheTTL,
	}
}

func (a *reputationAnalyzer) Name() string { return "reputation" }

func (a *reputationAnalyzer) Description() string {
	return "Queries multiple DNSBLs for IP and Domain reputation"
}

func (a *reputationAnalyzer) Analyze(ctx context.Context, email *models.EmailEvent) ([]models.Observation, error) {
	var observations []models.Observation

	senderIP := extractSenderIP(email.Headers["Received"])
	if senderIP != "" {
		observations = append(observations, models.Text("sender_ip", senderIP))

		anyListed := false
		for _, p := range a.providers {
			if p.kind != "ip" {
				continue
			}
			listed, label, err := a.checkIP(ctx, senderIP, p)
			if err != nil {
				logger.Warn("reputation lookup error",
					"target", senderIP, "provider", p.id, "error", err.Error())
				observations = append(observations,
					models.Text("reputation_error", fmt.Sprintf("%s: %v", p.id, err)))
				continue
			}
			if listed {
				anyListed = true
				observations = append(observations,
					models.Bool(p.id+"_listed", true),
					models.Text(p.id+"_code", label),
				)
			}
		}
		observations = append(observations, models.Bool("ip_listed", anyListed))
	} else {
		// No originating IP means ip_listed is unknown; false is the
		// safer default for policy matching.
		observations = append(observations,
			models.Text("sender_ip", "not_found"),
			models.Bool("ip_listed", false),
		)
	}

	senderDomain := ""
	if strings.Contains(email.Sender, "@") {
		senderDomain = strings.ToLower(strings.TrimSpace(afterLastAt(email.Sender)))
	}
	if senderDomain != "" {
		anyListed := false
		for _, p := range a.providers {
			if p.kind != "domain" {
				continue
			}
			listed, label, err := a.checkDomain(ctx, senderDomain, p)
			if err != nil {
				logger.Warn("reputation lookup error",
					"target", senderDomain, "provider", p.id, "error", err.Error())
				observations = append(observations,
					models.Text("reputation_error", fmt.Sprintf("%s: %v", p.id, err)))
				continue
			}
			if listed {
				anyListed = true
				observations = append(observations,
					models.Bool(p.id+"_listed", true),
					models.Text(p.id+"_code", label),
				)
			}
		}
		observations = append(observations, models.Bool("domain_listed", anyListed))
	}

	return observations, nil
}

// checkIP queries one provider for an IP: octets reversed under the
// provider zone, 1.2.3.4 becomes 4.3.2.1.zone.
func (a *reputationAnalyzer) checkIP(ctx context.Context, ip string, p dnsblProvider) (bool, string, error) {
	octets := strings.Split(ip, ".")
	for i, j := 0, len(octets)-1; i < j; i, j = i+1, j-1 {
		octets[i], octets[j] = octets[j], octets[i]
	}
	query := strings.Join(octets, ".") + "." + p.zone
	cacheKey := fmt.Sprintf("reputation:ip:%s:%s", p.id, ip)
	return a.lookup(ctx, query, cacheKey, p.codes)
}

func (a *reputationAnalyzer) checkDomain(ctx context.Context, domain string, p dnsblProvider) (bool, string, error) {
	query := domain + "." + p.zone
	cacheKey := fmt.Sprintf("reputation:domain:%s:%s", p.id, domain)
	return a.lookup(ctx, query, cacheKey, p.codes)
}

// lookup resolves a DNSBL query, consulting the cache first. Cache
// problems degrade to a live lookup; unexpected resolver errors are
// returned uncached so the next message retries.
func (a *reputationAnalyzer) lookup(ctx context.Context, query, cacheKey string, codes map[string]string) (bool, string, error) {
	if a.redis != nil {
		cached, err := a.redis.Get(ctx, cacheKey).Result()
		switch {
		case err == nil && cached == "NXDOMAIN":
			return false, "", nil
		case err == nil && cached != "":
			return true, codeLabel(codes, cached), nil
		case err != nil && !errors.Is(err, redis.Nil):
			logger.Warn("reputation cache read failed", "key", cacheKey, "error", err.Error())
		}
	}

	result, err := a.resolve(ctx, query)
	if err != nil {
		return false, "", err
	}

	if a.redis != nil {
		val := result
		if val == "" {
			val = "NXDOMAIN"
		}
		if err := a.redis.Set(ctx, cacheKey, val, a.cacheTTL).Err(); err != nil {
			logger.Warn("reputation cache write failed", "key", cacheKey, "error", err.Error())
		}
	}

	if result == "" {
		return false, "", nil
	}
	return true, codeLabel(codes, result), nil
}

func codeLabel(codes map[string]string, result string) string {
	if label, ok := codes[result]; ok {
		return label
	}
	return fmt.Sprintf("unknown(%s)", result)
}

// resolve performs the DNS query under the analyzer's own timeout, so a
// slow blocklist cannot stall the pipeline for longer than configured.
// An empty result with nil error means not listed.
func (a *reputationAnalyzer) resolve(ctx context.Context, query string) (string, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	addrs, err := a.resolver.LookupHost(lookupCtx, query)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			if dnsErr.IsNotFound {
				return "", nil
			}
			if dnsErr.IsTimeout {
				logger.Debug("dnsbl lookup timed out", "query", query)
				return "", nil
			}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Debug("dnsbl lookup timed out", "query", query)
			return "", nil
		}
		return "", err
	}
	if len(addrs) == 0 {
		return "", nil
	}
	return addrs[0], nil
}

// extractSenderIP walks the Received chain, bottom-up when the ingester
// concatenates hops, and returns the first public IP found. Private and
// reserved ranges are skipped.
func extractSenderIP(received string) string {
	for _, m := range receivedIPPattern.FindAllStringSubmatch(received, -1) {
		addr, err := netip.ParseAddr(m[1])
		if err != nil {
			continue
		}
		if isGlobalIPv4(addr) {
			return m[1]
		}
	}
	return ""
}

// Ranges the IANA IPv4 special registry marks non-global, beyond what
// the netip predicates already cover.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("192.88.99.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

func isGlobalIPv4(addr netip.Addr) bool {
	if !addr.Is4() {
		return false
	}
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsMulticast() || addr.IsUnspecified() {
		return false
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}
