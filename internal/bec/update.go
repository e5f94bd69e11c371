package bec

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/ices-pipeline/internal/models"
	"github.com/ignite/ices-pipeline/internal/pkg/logger"
)

// UpdateProfiles writes one email's contribution to the behavioural
// baseline: the sender profile plus one pair row per recipient, in a
// single transaction. It runs after the verdict is published so the
// analyze path stays read-only; callers treat failure as best-effort.
func (s *Store) UpdateProfiles(ctx context.Context, event *models.EmailEvent, verdict *models.Verdict) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}

	intentCategory := "informational"
	if result, ok := verdict.Result("bec_detector"); ok {
		if obs, ok := result.Get("intent_category"); ok && obs.String() != "" {
			intentCategory = obs.String()
		}
	}

	domain := senderDomain(event.Sender)

	replyToDomain := ""
	if replyTo := event.Headers["Reply-To"]; replyTo != "" {
		replyToDomain = senderDomain(replyTo)
		if replyToDomain == domain {
			replyToDomain = "" // same domain, not interesting
		}
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update profiles: %w", err)
	}
	defer tx.Rollback()

	if err := upsertProfile(ctx, tx, event.TenantID, domain, ProfileUpdate{
		DisplayName:   event.SenderName,
		Category:      intentCategory,
		SendHour:      sendHour(event),
		ReplyToDomain: replyToDomain,
	}, now); err != nil {
		return err
	}

	senderAddr := strings.ToLower(strings.TrimSpace(event.Sender))
	recipients := event.Recipients()
	for _, recipient := range recipients {
		if err := upsertPair(ctx, tx, event.TenantID, senderAddr, domain, recipient, intentCategory, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update profiles: %w", err)
	}

	logger.Info("BEC profiles updated",
		"sender", senderAddr,
		"domain", domain,
		"recipients", len(recipients))
	return nil
}
