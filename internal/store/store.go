// Package store persists email events, analyzer results, and policy
// outcomes to Postgres. Events and outcomes are idempotent upserts so
// the pipeline stays correct under at-least-once queue delivery.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ignite/ices-pipeline/internal/models"
)

// Store wraps the shared Postgres connection pool.
type Store struct{ db *sql.DB }

// New creates a store over an existing database handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

// schemaStatements run in order on startup. The DELETEs collapse
// duplicate rows written before the unique indexes existed, so the
// index creation that follows them cannot fail on legacy data.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS email_events (
		id BIGSERIAL PRIMARY KEY,
		message_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT '',
		tenant_alias TEXT NOT NULL DEFAULT '',
		sender TEXT NOT NULL DEFAULT '',
		recipients JSONB NOT NULL DEFAULT '[]',
		subject TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS analysis_results (
		id BIGSERIAL PRIMARY KEY,
		email_event_id BIGINT REFERENCES email_events(id),
		message_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL DEFAULT '',
		analyzer TEXT NOT NULL,
		observations JSONB NOT NULL DEFAULT '[]',
		processing_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS policy_outcomes (
		id BIGSERIAL PRIMARY KEY,
		message_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL DEFAULT '',
		policy_name TEXT NOT NULL DEFAULT '',
		action_taken TEXT NOT NULL DEFAULT 'none',
		matched_observations JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_tenant ON email_events (tenant_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_message ON email_events (message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_results_tenant_analyzer ON analysis_results (tenant_id, analyzer)`,
	`CREATE INDEX IF NOT EXISTS idx_results_message ON analysis_results (message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_tenant ON policy_outcomes (tenant_id)`,
	`DELETE FROM email_events
	 WHERE id NOT IN (SELECT MIN(id) FROM email_events GROUP BY message_id)`,
	`DELETE FROM policy_outcomes
	 WHERE id NOT IN (SELECT MAX(id) FROM policy_outcomes GROUP BY message_id, policy_name)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_message_unique ON email_events (message_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_outcomes_message_policy_unique ON policy_outcomes (message_id, policy_name)`,
}

// InitSchema creates tables and indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// StoreEvent upserts an email event and returns its row id. Replayed
// message ids return the id of the originally stored row.
func (s *Store) StoreEvent(ctx context.Context, ev *models.EmailEvent) (int64, error) {
	recipients, err := json.Marshal(ev.Recipients())
	if err != nil {
		return 0, fmt.Errorf("store event: marshal recipients: %w", err)
	}

	var receivedAt interface{}
	if ts, ok := ev.ReceivedTime(); ok {
		receivedAt = ts
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO email_events (message_id, user_id, tenant_id, tenant_alias, sender, recipients, subject, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (message_id) DO NOTHING
		RETURNING id
	`, ev.MessageID, ev.UserID, ev.TenantID, ev.TenantAlias, ev.Sender, recipients, ev.Subject, receivedAt).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		// Conflict path: the event already exists
		err = s.db.QueryRowContext(ctx,
			`SELECT id FROM email_events WHERE message_id = $1`,
			ev.MessageID,
		).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("store event: %w", err)
	}
	return id, nil
}

// StoreResults persists one row per analyzer result in a single transaction.
func (s *Store) StoreResults(ctx context.Context, eventID int64, messageID, tenantID string, results []models.AnalysisResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store results: %w", err)
	}
	defer tx.Rollback()

	for _, r := range results {
		observations, err := json.Marshal(r.Observations)
		if err != nil {
			return fmt.Errorf("store results: marshal observations: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO analysis_results (email_event_id, message_id, tenant_id, analyzer, observations, processing_time_ms)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, eventID, messageID, tenantID, r.Analyzer, observations, r.ProcessingTimeMS); err != nil {
			return fmt.Errorf("store results: %s: %w", r.Analyzer, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store results: %w", err)
	}
	return nil
}

// StoreOutcome upserts the policy outcome for a message. A later decision
// for the same (message, policy) pair overwrites the earlier one.
func (s *Store) StoreOutcome(ctx context.Context, messageID, tenantID, policyName, action string, details interface{}) error {
	matched, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("store outcome: marshal details: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_outcomes (message_id, tenant_id, policy_name, action_taken, matched_observations)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id, policy_name) DO UPDATE
		SET action_taken = EXCLUDED.action_taken,
		    matched_observations = EXCLUDED.matched_observations,
		    created_at = NOW()
	`, messageID, tenantID, policyName, action, matched); err != nil {
		return fmt.Errorf("store outcome: %w", err)
	}
	return nil
}

// IsMessageProcessed reports whether an outcome has already been recorded
// for the message. Both worker pools use this as their dedup gate.
func (s *Store) IsMessageProcessed(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM policy_outcomes WHERE message_id = $1 LIMIT 1`,
		messageID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	return true, nil
}
