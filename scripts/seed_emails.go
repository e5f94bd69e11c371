//go:build ignore
// +build ignore

// Email Queue Seeder - floods the analysis queue with synthetic email
// events for local throughput and policy testing.
//
// Usage:
//
//	go run scripts/seed_emails.go \
//	  --redis="redis://localhost:6379/0" \
//	  --queue=emails \
//	  --count=10000 \
//	  --workers=4 \
//	  --rate=0 \
//	  --suspicious-pct=20 \
//	  --tenants="tenant-1:corp,tenant-2:fabrikam"
//
// Events are synthetic: a mix of clean vendor mail and messages that
// trip the analyzers (failed authentication, shortener links, lookalike
// domains, executable attachments) so verdicts and policy outcomes flow
// end to end. Message ids are unique per run, so nothing collides with
// the workers' dedup gate.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/ices-pipeline/internal/models"
	"github.com/ignite/ices-pipeline/internal/queue"
)

// =============================================================================
// SYNTHETIC MAIL POOLS
// =============================================================================

var cleanSenders = []models.EmailAddress{
	{Address: "billing@slack.com", Name: "Slack"},
	{Address: "noreply@github.com", Name: "GitHub"},
	{Address: "receipts@stripe.com", Name: "Stripe"},
	{Address: "alerts@datadoghq.com", Name: "Datadog"},
	{Address: "no-reply@zoom.us", Name: "Zoom"},
	{Address: "team@notion.so", Name: "Notion"},
}

var cleanSubjects = []string{
	"Your invoice for March",
	"Weekly digest",
	"Build #4821 succeeded",
	"Your receipt from Acme Corp",
	"Meeting notes attached",
	"Monitor alert resolved: api-latency",
}

var suspiciousSubjects = []string{
	"URGENT: verify your mailbox now",
	"Wire transfer needed before EOD",
	"Invoice overdue - immediate action required",
	"Password expires in 1 hour",
}

type tenant struct {
	id    string
	alias string
}

func parseTenants(s string) []tenant {
	var out []tenant
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, alias, _ := strings.Cut(part, ":")
		out = append(out, tenant{id: id, alias: alias})
	}
	if len(out) == 0 {
		out = []tenant{{id: "tenant-1", alias: "corp"}}
	}
	return out
}

// =============================================================================
// EVENT FACTORY
// =============================================================================

type factory struct {
	rng     *rand.Rand
	tenants []tenant
	dirty   int // percentage of events built suspicious
}

func (f *factory) event(n int) *models.EmailEvent {
	t := f.tenants[n%len(f.tenants)]
	ev := &models.EmailEvent{
		MessageID:   "seed-" + uuid.NewString(),
		UserID:      fmt.Sprintf("user-%03d", f.rng.Intn(200)),
		TenantID:    t.id,
		TenantAlias: t.alias,
		ReceivedAt:  time.Now().UTC().Format(time.RFC3339),
		To:          []models.EmailAddress{{Address: fmt.Sprintf("user-%03d@%s.example", f.rng.Intn(200), t.alias)}},
		Body:        models.EmailBody{ContentType: "text"},
		Headers:     map[string]string{},
	}
	if f.rng.Intn(100) < f.dirty {
		f.suspicious(ev)
	} else {
		f.clean(ev)
	}
	return ev
}

func (f *factory) clean(ev *models.EmailEvent) {
	ev.From = cleanSenders[f.rng.Intn(len(cleanSenders))]
	ev.Subject = cleanSubjects[f.rng.Intn(len(cleanSubjects))]
	ev.Body.Content = "Hi,\n\nDetails are in your dashboard.\n\nThanks,\n" + ev.From.Name
	ev.Headers["Authentication-Results"] = fmt.Sprintf(
		"spf=pass smtp.mailfrom=%s; dkim=pass; dmarc=pass", ev.From.Address)
}

func (f *factory) suspicious(ev *models.EmailEvent) {
	ev.Subject = suspiciousSubjects[f.rng.Intn(len(suspiciousSubjects))]
	ev.Headers["Authentication-Results"] = "spf=fail smtp.mailfrom=bounce.mg-relay.top; dkim=none; dmarc=fail"

	switch f.rng.Intn(4) {
	case 0: // display-name spoof from a throwaway TLD
		ev.From = models.EmailAddress{Address: "it-support@corp-helpdesk.top", Name: "IT Support"}
		ev.Body.Content = "Your mailbox is full. Reply with your password to keep receiving mail."
	case 1: // shortener link
		ev.From = models.EmailAddress{Address: "security@notice-mailer.xyz", Name: "Account Security"}
		ev.Body.Content = "We detected a sign-in from a new device. Review it here: https://bit.ly/3xK9zQ2"
	case 2: // lookalike vendor domain
		ev.From = models.EmailAddress{Address: "billing@paypa1-secure.com", Name: "PayPal Billing"}
		ev.Body.Content = "Your payment failed. Update your card at https://paypa1-secure.com/update"
	case 3: // small executable posing as a document
		ev.From = models.EmailAddress{Address: "accounts@vendor-invoices.net", Name: "Accounts Payable"}
		ev.Body.Content = "Please find the overdue invoice attached."
		ev.Attachments = []models.Attachment{{
			Name:        "invoice_2026-08.pdf.exe",
			ContentType: "application/x-msdownload",
			Size:        84 * 1024,
		}}
	}
}

// =============================================================================
// MAIN
// =============================================================================

func main() {
	redisURL := flag.String("redis", "redis://localhost:6379/0", "redis connection URL")
	queueName := flag.String("queue", "emails", "queue to publish onto")
	count := flag.Int("count", 10000, "number of events to publish")
	workers := flag.Int("workers", 4, "concurrent publishers")
	rate := flag.Int("rate", 0, "events per second across all workers, 0 = unthrottled")
	dirtyPct := flag.Int("suspicious-pct", 20, "percentage of events built to trip analyzers")
	tenantSpec := flag.String("tenants", "tenant-1:corp", "comma list of tenantID:alias pairs")
	flag.Parse()

	opts, err := redis.ParseURL(*redisURL)
	if err != nil {
		log.Fatalf("Invalid redis URL: %v", err)
	}
	client := redis.NewClient(opts)
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}

	q := queue.New(client, queue.Options{Name: *queueName, Consumer: "seeder"})
	tenants := parseTenants(*tenantSpec)

	var throttle <-chan time.Time
	if *rate > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(*rate))
		defer ticker.Stop()
		throttle = ticker.C
	}

	log.Printf("Seeding %d events onto queue %q (%d workers, %d%% suspicious, %d tenants)",
		*count, *queueName, *workers, *dirtyPct, len(tenants))

	var published, failed int64
	start := time.Now()

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				n := atomic.LoadInt64(&published)
				log.Printf("progress: %d/%d published (%.0f/sec)",
					n, *count, float64(n)/time.Since(start).Seconds())
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			f := &factory{
				rng:     rand.New(rand.NewSource(time.Now().UnixNano() + int64(w))),
				tenants: tenants,
				dirty:   *dirtyPct,
			}
			for n := w; n < *count; n += *workers {
				if throttle != nil {
					<-throttle
				}
				payload, err := json.Marshal(f.event(n))
				if err != nil {
					log.Fatalf("marshal event: %v", err)
				}
				if err := q.Publish(ctx, payload); err != nil {
					atomic.AddInt64(&failed, 1)
					continue
				}
				atomic.AddInt64(&published, 1)
			}
		}(w)
	}
	wg.Wait()
	close(done)

	elapsed := time.Since(start)
	log.Printf("Done: %d published, %d failed in %s (%.0f/sec)",
		atomic.LoadInt64(&published), atomic.LoadInt64(&failed),
		elapsed.Round(time.Millisecond), float64(atomic.LoadInt64(&published))/elapsed.Seconds())

	if stats, err := q.Stats(ctx); err == nil {
		log.Printf("Queue depth after seeding: pending=%d processing=%d delayed=%d dead=%d",
			stats.Pending, stats.Processing, stats.Delayed, stats.Dead)
	}
}
