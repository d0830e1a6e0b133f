package payhook

import (
	"context"

	"github.com/shopspring/decimal"
)

// InvoicePosting carries everything the invariant poster writes for one
// settled transaction.
type InvoicePosting struct {
	TenantID              string
	BillingEntity         BillingEntity
	Provider              string
	ProviderTransactionID string
	WebhookEventID        string
	SubscriptionID        string
	AmountTotal           decimal.Decimal
	CurrencyCode          string
	Metadata              map[string]string
}

// PostResult is the invariant poster's outcome. Replayed means the ledger
// entry already existed; InvoiceID is the original invoice either way.
type PostResult struct {
	InvoiceID string
	Replayed  bool
}

// Storage is the persistence backend for the webhook core. The unique
// constraints described on each method are load-bearing correctness
// mechanisms: concurrent duplicate deliveries are arbitrated by the storage
// engine, not by application logic.
type Storage interface {
	// InsertWebhookEvent attempts the dedupe-gated intake insert. The row's
	// DedupeKey carries a storage-level unique constraint; when the constraint
	// rejects the insert, inserted is false and the caller must not run any
	// handler. rec.ID is assigned by the storage layer.
	InsertWebhookEvent(ctx context.Context, rec *WebhookEvent) (id string, inserted bool, err error)

	// RecordInvalidSignature logs an unauthenticated delivery attempt for
	// forensic visibility. These rows bypass the dedupe gate entirely and are
	// never routed to handlers.
	RecordInvalidSignature(ctx context.Context, rec *WebhookEvent) error

	// MarkWebhookProcessed stamps the terminal ok outcome on an intake row.
	// Mutually exclusive with MarkWebhookFailed per row.
	MarkWebhookProcessed(ctx context.Context, id string) error

	// MarkWebhookFailed stamps the terminal error outcome with a truncated
	// error message.
	MarkWebhookFailed(ctx context.Context, id string, message string) error

	// GetSubscription returns ErrSubscriptionNotFound when no row exists.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// UpsertSubscription inserts or updates by provider subscription id in a
	// single statement, writing every provider-driven field including the
	// dunning state.
	UpsertSubscription(ctx context.Context, sub *Subscription) error

	// GetUser returns ErrUserNotFound when no row exists.
	GetUser(ctx context.Context, id string) (*UserRecord, error)

	// GetTenantSetting returns a loosely-typed JSON settings blob, or
	// (nil, nil) when the setting does not exist.
	GetTenantSetting(ctx context.Context, tenantID, key string) (map[string]interface{}, error)

	// PostInvoice runs the invoice upsert and the append-only ledger insert
	// inside one atomic transaction. On invoice conflict only updated_at is
	// touched; a ledger conflict yields zero rows and is reported as
	// Replayed=true with the original invoice id.
	PostInvoice(ctx context.Context, posting *InvoicePosting) (*PostResult, error)
}
