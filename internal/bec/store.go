package bec

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ignite/ices-pipeline/internal/pkg/logger"
)

// Store owns the sender_profiles and sender_recipient_pairs tables.
// The schema is initialised lazily on first use; a failed
// initialisation is retried on the next call, so a database that comes
// up late only degrades the analyzer temporarily.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	ready bool
}

var errNoDatabase = errors.New("bec: no database configured")

// NewStore creates a profile store over an existing database handle.
// A nil handle is allowed; every operation then fails soft.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sender_profiles (
		id                  BIGSERIAL PRIMARY KEY,
		tenant_id           TEXT NOT NULL,
		sender_domain       TEXT NOT NULL,
		email_count         INT DEFAULT 0,
		first_seen_at       TIMESTAMPTZ,
		last_seen_at        TIMESTAMPTZ,
		known_display_names JSONB DEFAULT '[]',
		typical_categories  JSONB DEFAULT '{}',
		typical_send_hours  JSONB DEFAULT '{}',
		reply_to_domains    JSONB DEFAULT '[]',
		updated_at          TIMESTAMPTZ DEFAULT NOW(),
		UNIQUE(tenant_id, sender_domain)
	)`,
	`CREATE TABLE IF NOT EXISTS sender_recipient_pairs (
		id                    BIGSERIAL PRIMARY KEY,
		tenant_id             TEXT NOT NULL,
		sender_addr           TEXT NOT NULL,
		sender_domain         TEXT NOT NULL,
		recipient_addr        TEXT NOT NULL,
		message_count         INT DEFAULT 0,
		first_contact_at      TIMESTAMPTZ,
		last_contact_at       TIMESTAMPTZ,
		category_distribution JSONB DEFAULT '{}',
		updated_at            TIMESTAMPTZ DEFAULT NOW(),
		UNIQUE(tenant_id, sender_addr, recipient_addr)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sp_tenant_domain
		ON sender_profiles(tenant_id, sender_domain)`,
	`CREATE INDEX IF NOT EXISTS idx_srp_tenant_sender_recip
		ON sender_recipient_pairs(tenant_id, sender_addr, recipient_addr)`,
	`CREATE INDEX IF NOT EXISTS idx_srp_tenant_domain_recip
		ON sender_recipient_pairs(tenant_id, sender_domain, recipient_addr)`,
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if s.db == nil {
		return errNoDatabase
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bec schema: %w", err)
		}
	}
	s.ready = true
	logger.Info("BEC schema initialised")
	return nil
}

// GetProfile fetches the sender profile, or nil when the domain has not
// been seen in this tenant.
func (s *Store) GetProfile(ctx context.Context, tenantID, senderDomain string) (*SenderProfile, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	var (
		p            SenderProfile
		firstSeen    sql.NullTime
		lastSeen     sql.NullTime
		displayNames []byte
		categories   []byte
		sendHours    []byte
		replyDomains []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, sender_domain, email_count,
		       first_seen_at, last_seen_at,
		       known_display_names, typical_categories,
		       typical_send_hours, reply_to_domains
		FROM sender_profiles
		WHERE tenant_id = $1 AND sender_domain = $2
	`, tenantID, senderDomain).Scan(
		&p.TenantID, &p.SenderDomain, &p.EmailCount,
		&firstSeen, &lastSeen,
		&displayNames, &categories, &sendHours, &replyDomains,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	p.FirstSeenAt = firstSeen.Time
	p.LastSeenAt = lastSeen.Time
	for _, col := range []struct {
		raw []byte
		dst interface{}
	}{
		{displayNames, &p.KnownDisplayNames},
		{categories, &p.TypicalCategories},
		{sendHours, &p.TypicalSendHours},
		{replyDomains, &p.ReplyToDomains},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("get profile: decode jsonb: %w", err)
		}
	}
	return &p, nil
}

// GetPair fetches the pair record for an exact sender address, or nil.
func (s *Store) GetPair(ctx context.Context, tenantID, senderAddr, recipientAddr string) (*SenderRecipientPair, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	var (
		p            SenderRecipientPair
		firstContact sql.NullTime
		lastContact  sql.NullTime
		distribution []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, sender_addr, sender_domain, recipient_addr,
		       message_count, first_contact_at, last_contact_at,
		       category_distribution
		FROM sender_recipient_pairs
		WHERE tenant_id = $1 AND sender_addr = $2 AND recipient_addr = $3
	`, tenantID, senderAddr, recipientAddr).Scan(
		&p.TenantID, &p.SenderAddr, &p.SenderDomain, &p.RecipientAddr,
		&p.MessageCount, &firstContact, &lastContact, &distribution,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pair: %w", err)
	}

	p.FirstContactAt = firstContact.Time
	p.LastContactAt = lastContact.Time
	if len(distribution) > 0 {
		if err := json.Unmarshal(distribution, &p.CategoryDistribution); err != nil {
			return nil, fmt.Errorf("get pair: decode jsonb: %w", err)
		}
	}
	return &p, nil
}

// GetDomainPair aggregates all pair history from a sender domain to one
// recipient into a synthetic pair (`*@domain` sender), or nil when the
// domain has no history with the recipient. The synthetic pair carries
// the summed category distribution across all senders in the domain.
func (s *Store) GetDomainPair(ctx context.Context, tenantID, senderDomain, recipientAddr string) (*SenderRecipientPair, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	var (
		total        int
		firstContact sql.NullTime
		lastContact  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(message_count), 0), MIN(first_contact_at), MAX(last_contact_at)
		FROM sender_recipient_pairs
		WHERE tenant_id = $1 AND sender_domain = $2 AND recipient_addr = $3
	`, tenantID, senderDomain, recipientAddr).Scan(&total, &firstContact, &lastContact)
	if err != nil {
		return nil, fmt.Errorf("get domain pair: %w", err)
	}
	if total == 0 {
		return nil, nil
	}

	distribution := map[string]int{}
	rows, err := s.db.QueryContext(ctx, `
		SELECT kv.key, SUM((kv.value)::int)
		FROM sender_recipient_pairs p, jsonb_each_text(p.category_distribution) kv
		WHERE p.tenant_id = $1 AND p.sender_domain = $2 AND p.recipient_addr = $3
		GROUP BY kv.key
	`, tenantID, senderDomain, recipientAddr)
	if err != nil {
		return nil, fmt.Errorf("get domain pair: categories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			category string
			count    int
		)
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("get domain pair: categories: %w", err)
		}
		distribution[category] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get domain pair: categories: %w", err)
	}

	return &SenderRecipientPair{
		TenantID:             tenantID,
		SenderAddr:           "*@" + senderDomain,
		SenderDomain:         senderDomain,
		RecipientAddr:        recipientAddr,
		MessageCount:         total,
		FirstContactAt:       firstContact.Time,
		LastContactAt:        lastContact.Time,
		CategoryDistribution: distribution,
	}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ProfileUpdate carries one email's contribution to a sender profile.
// Empty fields are skipped; SendHour -1 means the hour is unknown.
type ProfileUpdate struct {
	DisplayName   string
	Category      string
	SendHour      int
	ReplyToDomain string
}

// upsertProfile bumps the base row then applies the conditional JSONB
// updates: set unions for display names and reply-to domains, counter
// bumps for categories and send hours. All updates are atomic on the
// database side so concurrent workers never lose increments.
func upsertProfile(ctx context.Context, ex execer, tenantID, senderDomain string, upd ProfileUpdate, now time.Time) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO sender_profiles
			(tenant_id, sender_domain, email_count, first_seen_at, last_seen_at,
			 known_display_names, typical_categories, typical_send_hours,
			 reply_to_domains, updated_at)
		VALUES ($1, $2, 1, $3, $3, '[]'::jsonb, '{}'::jsonb, '{}'::jsonb, '[]'::jsonb, $3)
		ON CONFLICT (tenant_id, sender_domain) DO UPDATE SET
			email_count = sender_profiles.email_count + 1,
			last_seen_at = $3,
			updated_at = $3
	`, tenantID, senderDomain, now)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}

	if upd.DisplayName != "" {
		name, _ := json.Marshal(upd.DisplayName)
		if _, err := ex.ExecContext(ctx, `
			UPDATE sender_profiles
			SET known_display_names = (
				SELECT jsonb_agg(DISTINCT elem)
				FROM jsonb_array_elements(known_display_names || $3::jsonb) AS elem
			)
			WHERE tenant_id = $1 AND sender_domain = $2
		`, tenantID, senderDomain, name); err != nil {
			return fmt.Errorf("upsert profile: display name: %w", err)
		}
	}

	if upd.Category != "" {
		if _, err := ex.ExecContext(ctx, `
			UPDATE sender_profiles
			SET typical_categories = jsonb_set(
				typical_categories, $3,
				to_jsonb(COALESCE((typical_categories->>$4)::int, 0) + 1)
			)
			WHERE tenant_id = $1 AND sender_domain = $2
		`, tenantID, senderDomain, "{"+upd.Category+"}", upd.Category); err != nil {
			return fmt.Errorf("upsert profile: category: %w", err)
		}
	}

	if upd.SendHour >= 0 {
		hourKey := strconv.Itoa(upd.SendHour)
		if _, err := ex.ExecContext(ctx, `
			UPDATE sender_profiles
			SET typical_send_hours = jsonb_set(
				typical_send_hours, $3,
				to_jsonb(COALESCE((typical_send_hours->>$4)::int, 0) + 1)
			)
			WHERE tenant_id = $1 AND sender_domain = $2
		`, tenantID, senderDomain, "{"+hourKey+"}", hourKey); err != nil {
			return fmt.Errorf("upsert profile: send hour: %w", err)
		}
	}

	if upd.ReplyToDomain != "" {
		domain, _ := json.Marshal(upd.ReplyToDomain)
		if _, err := ex.ExecContext(ctx, `
			UPDATE sender_profiles
			SET reply_to_domains = (
				SELECT jsonb_agg(DISTINCT elem)
				FROM jsonb_array_elements(reply_to_domains || $3::jsonb) AS elem
			)
			WHERE tenant_id = $1 AND sender_domain = $2
		`, tenantID, senderDomain, domain); err != nil {
			return fmt.Errorf("upsert profile: reply-to: %w", err)
		}
	}
	return nil
}

func upsertPair(ctx context.Context, ex execer, tenantID, senderAddr, senderDomain, recipientAddr, category string, now time.Time) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO sender_recipient_pairs
			(tenant_id, sender_addr, sender_domain, recipient_addr,
			 message_count, first_contact_at, last_contact_at,
			 category_distribution, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $5, '{}'::jsonb, $5)
		ON CONFLICT (tenant_id, sender_addr, recipient_addr) DO UPDATE SET
			message_count = sender_recipient_pairs.message_count + 1,
			last_contact_at = $5,
			updated_at = $5
	`, tenantID, senderAddr, senderDomain, recipientAddr, now)
	if err != nil {
		return fmt.Errorf("upsert pair: %w", err)
	}

	if category != "" {
		if _, err := ex.ExecContext(ctx, `
			UPDATE sender_recipient_pairs
			SET category_distribution = jsonb_set(
				category_distribution, $4,
				to_jsonb(COALESCE((category_distribution->>$5)::int, 0) + 1)
			)
			WHERE tenant_id = $1 AND sender_addr = $2 AND recipient_addr = $3
		`, tenantID, senderAddr, recipientAddr, "{"+category+"}", category); err != nil {
			return fmt.Errorf("upsert pair: category: %w", err)
		}
	}
	return nil
}
