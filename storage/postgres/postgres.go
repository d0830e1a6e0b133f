// Package postgres provides a PostgreSQL implementation of the payhook.Storage
// interface. Deduplication and exactly-once posting are enforced by unique
// constraints; concurrent duplicate deliveries are arbitrated by the database,
// not by application locks.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/payhook/pkg/payhook"
)

// Schema is the DDL this adapter expects. Apply it with your migration tool;
// tests apply it directly.
//
// The users and tenant_settings tables are read-only from this package and
// normally live in the product schema already; the statements here exist so a
// fresh database can run the full pipeline.
const Schema = `
CREATE TABLE IF NOT EXISTS webhook_events (
	id UUID PRIMARY KEY,
	provider TEXT NOT NULL,
	dedupe_key TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	event_id TEXT NOT NULL,
	signature_valid BOOLEAN NOT NULL,
	event_timestamp TIMESTAMPTZ NOT NULL,
	payload_hash TEXT NOT NULL,
	raw_payload JSONB,
	processed_at TIMESTAMPTZ,
	processing_result TEXT,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS webhook_signature_failures (
	id UUID PRIMARY KEY,
	provider TEXT NOT NULL,
	event_type TEXT,
	event_id TEXT,
	event_timestamp TIMESTAMPTZ,
	payload_hash TEXT,
	raw_payload JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	user_id TEXT,
	agent_id TEXT,
	branch_id TEXT,
	status TEXT NOT NULL,
	plan_id TEXT,
	current_period_start TIMESTAMPTZ,
	current_period_end TIMESTAMPTZ,
	cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
	canceled_at TIMESTAMPTZ,
	past_due_at TIMESTAMPTZ,
	grace_period_ends_at TIMESTAMPTZ,
	dunning_attempt_count INT NOT NULL DEFAULT 0,
	last_dunning_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS billing_invoices (
	id UUID PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	billing_entity TEXT NOT NULL,
	provider TEXT NOT NULL,
	provider_transaction_id TEXT NOT NULL,
	webhook_event_id TEXT,
	subscription_id TEXT,
	status TEXT NOT NULL,
	amount_total NUMERIC(20,6) NOT NULL,
	currency_code TEXT NOT NULL,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (tenant_id, billing_entity, provider_transaction_id)
);

CREATE TABLE IF NOT EXISTS billing_ledger (
	id UUID PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	billing_entity TEXT NOT NULL,
	invoice_id UUID NOT NULL REFERENCES billing_invoices(id),
	webhook_event_id TEXT,
	entry_type TEXT NOT NULL,
	provider TEXT NOT NULL,
	provider_transaction_id TEXT NOT NULL,
	amount NUMERIC(20,6) NOT NULL,
	currency_code TEXT NOT NULL,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (tenant_id, billing_entity, entry_type, provider, provider_transaction_id)
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	branch_id TEXT,
	agent_id TEXT,
	email TEXT,
	name TEXT,
	member_number TEXT,
	locale TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tenant_settings (
	tenant_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value JSONB,
	PRIMARY KEY (tenant_id, key)
);
`

// Storage implements payhook.Storage using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background forensic-retention goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration. Only invalid-signature forensic rows are ever
	// pruned; the intake log and the ledger are permanent.
	CleanupEnabled      bool
	CleanupInterval     time.Duration
	SignatureFailureTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:            10,
		MinConns:            2,
		MaxConnLifetime:     time.Hour,
		MaxConnIdleTime:     30 * time.Minute,
		CleanupEnabled:      true,
		CleanupInterval:     1 * time.Hour,
		SignatureFailureTTL: 30 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the connection pool and stops the background cleanup.
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InsertWebhookEvent implements payhook.Storage. The UNIQUE constraint on
// dedupe_key plus ON CONFLICT DO NOTHING RETURNING makes the dedupe gate
// atomic under concurrent duplicate deliveries: exactly one insert returns a
// row, every other one gets pgx.ErrNoRows.
func (s *Storage) InsertWebhookEvent(ctx context.Context, rec *payhook.WebhookEvent) (string, bool, error) {
	id := uuid.NewString()
	err := s.pool.QueryRow(ctx,
		`INSERT INTO webhook_events
			(id, provider, dedupe_key, event_type, event_id, signature_valid,
			 event_timestamp, payload_hash, raw_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING id`,
		id, rec.Provider, rec.DedupeKey, rec.EventType, rec.EventID,
		rec.SignatureValid, rec.EventTimestamp, rec.PayloadHash, string(rec.RawPayload),
	).Scan(&id)

	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to insert webhook event: %w", err)
	}

	rec.ID = id
	return id, true, nil
}

// RecordInvalidSignature implements payhook.Storage. Forensic rows live in
// their own table so they can never collide with, or be mistaken for, real
// intake rows.
func (s *Storage) RecordInvalidSignature(ctx context.Context, rec *payhook.WebhookEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_signature_failures
			(id, provider, event_type, event_id, event_timestamp, payload_hash, raw_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		uuid.NewString(), rec.Provider, rec.EventType, rec.EventID,
		rec.EventTimestamp, rec.PayloadHash, string(rec.RawPayload),
	)
	if err != nil {
		return fmt.Errorf("failed to record invalid signature: %w", err)
	}
	return nil
}

// MarkWebhookProcessed implements payhook.Storage.
func (s *Storage) MarkWebhookProcessed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_events
			SET processed_at = NOW(), processing_result = $1
			WHERE id = $2`,
		string(payhook.ProcessingOK), id)
	if err != nil {
		return fmt.Errorf("failed to mark webhook processed: %w", err)
	}
	return nil
}

// MarkWebhookFailed implements payhook.Storage.
func (s *Storage) MarkWebhookFailed(ctx context.Context, id string, message string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_events
			SET processed_at = NOW(), processing_result = $1, error_message = $2
			WHERE id = $3`,
		string(payhook.ProcessingError), message, id)
	if err != nil {
		return fmt.Errorf("failed to mark webhook failed: %w", err)
	}
	return nil
}

// GetSubscription implements payhook.Storage.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*payhook.Subscription, error) {
	var sub payhook.Subscription
	var userID, agentID, branchID, planID *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, user_id, agent_id, branch_id, status, plan_id,
				current_period_start, current_period_end, cancel_at_period_end,
				canceled_at, past_due_at, grace_period_ends_at,
				dunning_attempt_count, last_dunning_at, created_at, updated_at
			FROM subscriptions WHERE id = $1`,
		id).Scan(
		&sub.ID,
		&sub.TenantID,
		&userID,
		&agentID,
		&branchID,
		&sub.Status,
		&planID,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CanceledAt,
		&sub.PastDueAt,
		&sub.GracePeriodEndsAt,
		&sub.DunningAttemptCount,
		&sub.LastDunningAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payhook.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub.UserID = deref(userID)
	sub.AgentID = deref(agentID)
	sub.BranchID = deref(branchID)
	sub.PlanID = deref(planID)
	return &sub, nil
}

// UpsertSubscription implements payhook.Storage. One statement writes every
// provider-driven field, including NULLing out the dunning columns when the
// caller cleared them.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *payhook.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions
			(id, tenant_id, user_id, agent_id, branch_id, status, plan_id,
			 current_period_start, current_period_end, cancel_at_period_end,
			 canceled_at, past_due_at, grace_period_ends_at,
			 dunning_attempt_count, last_dunning_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			user_id = EXCLUDED.user_id,
			agent_id = EXCLUDED.agent_id,
			branch_id = EXCLUDED.branch_id,
			status = EXCLUDED.status,
			plan_id = EXCLUDED.plan_id,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			canceled_at = EXCLUDED.canceled_at,
			past_due_at = EXCLUDED.past_due_at,
			grace_period_ends_at = EXCLUDED.grace_period_ends_at,
			dunning_attempt_count = EXCLUDED.dunning_attempt_count,
			last_dunning_at = EXCLUDED.last_dunning_at,
			updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.TenantID, sub.UserID, sub.AgentID, sub.BranchID,
		string(sub.Status), sub.PlanID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.CanceledAt, sub.PastDueAt, sub.GracePeriodEndsAt,
		sub.DunningAttemptCount, sub.LastDunningAt, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// GetUser implements payhook.Storage.
func (s *Storage) GetUser(ctx context.Context, id string) (*payhook.UserRecord, error) {
	var user payhook.UserRecord

	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id,
				COALESCE(branch_id, ''), COALESCE(agent_id, ''),
				COALESCE(email, ''), COALESCE(name, ''),
				COALESCE(member_number, ''), COALESCE(locale, ''),
				created_at
			FROM users WHERE id = $1`,
		id).Scan(
		&user.ID,
		&user.TenantID,
		&user.BranchID,
		&user.AgentID,
		&user.Email,
		&user.Name,
		&user.MemberNumber,
		&user.Locale,
		&user.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payhook.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// GetTenantSetting implements payhook.Storage. A missing setting is not an
// error.
func (s *Storage) GetTenantSetting(ctx context.Context, tenantID, key string) (map[string]interface{}, error) {
	var value []byte

	err := s.pool.QueryRow(ctx,
		`SELECT value FROM tenant_settings WHERE tenant_id = $1 AND key = $2`,
		tenantID, key).Scan(&value)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant setting: %w", err)
	}

	var setting map[string]interface{}
	if len(value) > 0 {
		if err := json.Unmarshal(value, &setting); err != nil {
			// Legacy settings sometimes hold bare strings; surface those
			// under the historical "value" key.
			var s string
			if json.Unmarshal(value, &s) == nil {
				return map[string]interface{}{"value": s}, nil
			}
			return nil, nil
		}
	}
	return setting, nil
}

// PostInvoice implements payhook.Storage. The invoice upsert and the ledger
// insert commit or roll back together. A conflicting invoice touches only
// updated_at; a conflicting ledger entry inserts zero rows, which is the
// replay signal.
func (s *Storage) PostInvoice(ctx context.Context, posting *payhook.InvoicePosting) (*payhook.PostResult, error) {
	if posting == nil || posting.TenantID == "" || posting.ProviderTransactionID == "" {
		return nil, fmt.Errorf("invalid invoice posting")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	metadata := metadataValue(posting.Metadata)

	var invoiceID string
	err = tx.QueryRow(ctx,
		`INSERT INTO billing_invoices
			(id, tenant_id, billing_entity, provider, provider_transaction_id,
			 webhook_event_id, subscription_id, status, amount_total,
			 currency_code, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (tenant_id, billing_entity, provider_transaction_id)
		DO UPDATE SET updated_at = NOW()
		RETURNING id`,
		uuid.NewString(), posting.TenantID, string(posting.BillingEntity),
		posting.Provider, posting.ProviderTransactionID,
		posting.WebhookEventID, posting.SubscriptionID, payhook.InvoiceStatusPosted,
		posting.AmountTotal, posting.CurrencyCode, metadata,
	).Scan(&invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert invoice: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO billing_ledger
			(id, tenant_id, billing_entity, invoice_id, webhook_event_id,
			 entry_type, provider, provider_transaction_id, amount,
			 currency_code, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (tenant_id, billing_entity, entry_type, provider, provider_transaction_id)
		DO NOTHING`,
		uuid.NewString(), posting.TenantID, string(posting.BillingEntity),
		invoiceID, posting.WebhookEventID, payhook.LedgerEntryInvoicePosted,
		posting.Provider, posting.ProviderTransactionID, posting.AmountTotal,
		posting.CurrencyCode, metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &payhook.PostResult{
		InvoiceID: invoiceID,
		Replayed:  tag.RowsAffected() == 0,
	}, nil
}

// startCleanup prunes expired invalid-signature forensic rows.
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Cleanup(context.Background())
		}
	}
}

// Cleanup can be called manually to prune expired forensic rows.
func (s *Storage) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.SignatureFailureTTL)
	_, err := s.pool.Exec(ctx,
		`DELETE FROM webhook_signature_failures WHERE created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup signature failures: %w", err)
	}
	return nil
}

// metadataValue marshals metadata to a JSONB-compatible value, NULL when
// empty (pgx requires string or nil for JSONB, not []byte maps).
func metadataValue(metadata map[string]string) interface{} {
	if len(metadata) == 0 {
		return nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil
	}
	return string(b)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
