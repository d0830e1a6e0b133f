package payhook

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventType is the provider-reported webhook event type.
type EventType string

const (
	// EventSubscriptionCreated is delivered once when a subscription is first created.
	EventSubscriptionCreated EventType = "subscription.created"
	// EventSubscriptionUpdated is delivered on any later subscription change (renewal,
	// plan change, cancellation, status flip).
	EventSubscriptionUpdated EventType = "subscription.updated"
	// EventSubscriptionPastDue is delivered when a recurring charge fails and the
	// provider starts dunning.
	EventSubscriptionPastDue EventType = "subscription.past_due"
	// EventTransactionCompleted is delivered when a payment settles.
	EventTransactionCompleted EventType = "transaction.completed"
)

// IsSubscription reports whether the event belongs to the subscription family.
func (t EventType) IsSubscription() bool {
	return strings.HasPrefix(string(t), "subscription.")
}

// IsTransaction reports whether the event belongs to the transaction family.
func (t EventType) IsTransaction() bool {
	return strings.HasPrefix(string(t), "transaction.")
}

// SubscriptionStatus is the internal subscription status.
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusPaused   SubscriptionStatus = "paused"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusExpired  SubscriptionStatus = "expired"
)

// ProcessingResult is the terminal outcome stamped on an intake row.
type ProcessingResult string

const (
	ProcessingOK    ProcessingResult = "ok"
	ProcessingError ProcessingResult = "error"
)

// WebhookEvent is one row of the event-intake log. A row is created once per
// attempted delivery that passes the unique dedupe insert and is immutable
// afterwards, except for the processing-outcome fields stamped by
// MarkWebhookProcessed / MarkWebhookFailed.
type WebhookEvent struct {
	ID               string
	Provider         string
	DedupeKey        string
	EventType        string
	EventID          string
	SignatureValid   bool
	EventTimestamp   time.Time
	PayloadHash      string
	RawPayload       []byte
	ProcessedAt      *time.Time
	ProcessingResult ProcessingResult
	Error            string
	CreatedAt        time.Time
}

// Subscription holds the provider-driven subscription state for one provider
// subscription id. Only provider-driven fields are written by this package.
type Subscription struct {
	ID                  string
	TenantID            string
	UserID              string
	AgentID             string
	BranchID            string
	Status              SubscriptionStatus
	PlanID              string
	CurrentPeriodStart  *time.Time
	CurrentPeriodEnd    *time.Time
	CancelAtPeriodEnd   bool
	CanceledAt          *time.Time
	PastDueAt           *time.Time
	GracePeriodEndsAt   *time.Time
	DunningAttemptCount int
	LastDunningAt       *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// InvoiceStatusPosted is the only status an invoice written by this package
// ever carries.
const InvoiceStatusPosted = "posted"

// BillingInvoice is the posted invoice for one real-world provider
// transaction. Unique per (tenant, billing entity, provider transaction id);
// duplicate deliveries touch only UpdatedAt.
type BillingInvoice struct {
	ID                    string
	TenantID              string
	BillingEntity         BillingEntity
	Provider              string
	ProviderTransactionID string
	WebhookEventID        string
	SubscriptionID        string
	Status                string
	AmountTotal           decimal.Decimal
	CurrencyCode          string
	Metadata              map[string]string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// LedgerEntryInvoicePosted is the entry type written when an invoice is posted.
const LedgerEntryInvoicePosted = "invoice.posted"

// BillingLedgerEntry is an append-only record of a financial event. There is
// no update path; a second insert for the same natural key yields zero rows,
// which the poster reports as a replay.
type BillingLedgerEntry struct {
	ID                    string
	TenantID              string
	BillingEntity         BillingEntity
	InvoiceID             string
	WebhookEventID        string
	EntryType             string
	Provider              string
	ProviderTransactionID string
	Amount                decimal.Decimal
	CurrencyCode          string
	Metadata              map[string]string
	CreatedAt             time.Time
}

// UserRecord is the slice of the product's user table this package reads for
// attribution: tenant ownership, agent/branch assignment and notification
// details.
type UserRecord struct {
	ID           string
	TenantID     string
	BranchID     string
	AgentID      string
	Email        string
	Name         string
	MemberNumber string
	Locale       string
	CreatedAt    time.Time
}

// Audit event actions emitted by the core. Every processing branch produces
// either a persisted row or one of these, never neither.
const (
	AuditWebhookReceived      = "webhook.received"
	AuditWebhookDuplicate     = "webhook.duplicate"
	AuditWebhookProcessed     = "webhook.processed"
	AuditWebhookFailed        = "webhook.failed"
	AuditSubscriptionUpdated  = "subscription.updated"
	AuditPaymentProcessed     = "payment.processed"
	AuditInvoicePosted        = "billing.invoice.posted"
	AuditInvoiceReplayIgnored = "billing.invoice.replay_ignored"
	AuditSignatureInvalid     = "webhook.signature_invalid"
)

// AuditEvent is the human-readable audit trail entry handed to the
// AuditLogger collaborator.
type AuditEvent struct {
	Action   string
	Provider string
	TenantID string
	Details  map[string]string
	At       time.Time
}

// Outcome classifies the result of processing one delivery.
type Outcome string

const (
	// OutcomeProcessed means a handler ran and its effects were persisted.
	OutcomeProcessed Outcome = "processed"
	// OutcomeDuplicate means the dedupe gate rejected the delivery; no handler ran.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSkipped means the event could not be attributed (missing user or
	// tenant context) and was intake-logged but not applied.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeIgnored means the event type is not one this core acts on.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeFailed means a handler returned an error; the intake row carries it.
	OutcomeFailed Outcome = "failed"
)

// Result describes what one call to Processor.Process did.
type Result struct {
	Outcome        Outcome
	WebhookEventID string
	EventID        string
	EventType      EventType
	// Replayed is set when a transaction.completed delivery hit an already
	// posted ledger entry; the original invoice id is in InvoiceID.
	Replayed  bool
	InvoiceID string
	Reason    string
}
