// Package memory provides an in-memory implementation of the payhook.Storage
// interface. This implementation is primarily intended for testing and
// development; it mirrors the PostgreSQL adapter's conflict semantics so the
// processor behaves identically against either backend.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/payhook/pkg/payhook"
)

// Storage implements payhook.Storage using in-memory maps guarded by one
// mutex, which stands in for the database's unique-constraint arbitration.
type Storage struct {
	mu sync.RWMutex

	events       map[string]*payhook.WebhookEvent // by event row id
	dedupe       map[string]string                // dedupe key -> event row id
	sigFailures  []*payhook.WebhookEvent
	subs         map[string]*payhook.Subscription
	users        map[string]*payhook.UserRecord
	settings     map[string]map[string]interface{} // tenantID/key
	invoices     map[string]*payhook.BillingInvoice
	invoiceIndex map[string]string // natural key -> invoice id
	ledger       map[string]*payhook.BillingLedgerEntry
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		events:       make(map[string]*payhook.WebhookEvent),
		dedupe:       make(map[string]string),
		subs:         make(map[string]*payhook.Subscription),
		users:        make(map[string]*payhook.UserRecord),
		settings:     make(map[string]map[string]interface{}),
		invoices:     make(map[string]*payhook.BillingInvoice),
		invoiceIndex: make(map[string]string),
		ledger:       make(map[string]*payhook.BillingLedgerEntry),
	}
}

// InsertWebhookEvent implements payhook.Storage.
func (s *Storage) InsertWebhookEvent(ctx context.Context, rec *payhook.WebhookEvent) (string, bool, error) {
	if rec == nil || rec.DedupeKey == "" {
		return "", false, fmt.Errorf("invalid webhook event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dedupe[rec.DedupeKey]; exists {
		return "", false, nil
	}

	recCopy := *rec
	recCopy.ID = uuid.NewString()
	recCopy.CreatedAt = time.Now().UTC()
	s.events[recCopy.ID] = &recCopy
	s.dedupe[recCopy.DedupeKey] = recCopy.ID

	rec.ID = recCopy.ID
	return recCopy.ID, true, nil
}

// RecordInvalidSignature implements payhook.Storage.
func (s *Storage) RecordInvalidSignature(ctx context.Context, rec *payhook.WebhookEvent) error {
	if rec == nil {
		return fmt.Errorf("invalid webhook event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := *rec
	recCopy.ID = uuid.NewString()
	recCopy.CreatedAt = time.Now().UTC()
	s.sigFailures = append(s.sigFailures, &recCopy)
	return nil
}

// MarkWebhookProcessed implements payhook.Storage.
func (s *Storage) MarkWebhookProcessed(ctx context.Context, id string) error {
	return s.markWebhook(id, payhook.ProcessingOK, "")
}

// MarkWebhookFailed implements payhook.Storage.
func (s *Storage) MarkWebhookFailed(ctx context.Context, id string, message string) error {
	return s.markWebhook(id, payhook.ProcessingError, message)
}

func (s *Storage) markWebhook(id string, result payhook.ProcessingResult, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[id]
	if !ok {
		return fmt.Errorf("webhook event %s not found", id)
	}
	now := time.Now().UTC()
	rec.ProcessedAt = &now
	rec.ProcessingResult = result
	rec.Error = message
	return nil
}

// GetSubscription implements payhook.Storage.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*payhook.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, payhook.ErrSubscriptionNotFound
	}

	// Return a copy to prevent external mutations
	subCopy := *sub
	return &subCopy, nil
}

// UpsertSubscription implements payhook.Storage.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *payhook.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	subCopy := *sub
	if existing, ok := s.subs[sub.ID]; ok {
		subCopy.CreatedAt = existing.CreatedAt
	}
	s.subs[sub.ID] = &subCopy
	return nil
}

// GetUser implements payhook.Storage.
func (s *Storage) GetUser(ctx context.Context, id string) (*payhook.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, payhook.ErrUserNotFound
	}

	userCopy := *user
	return &userCopy, nil
}

// GetTenantSetting implements payhook.Storage.
func (s *Storage) GetTenantSetting(ctx context.Context, tenantID, key string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	setting, ok := s.settings[tenantID+"/"+key]
	if !ok {
		return nil, nil
	}
	return setting, nil
}

// PostInvoice implements payhook.Storage with the same conflict semantics as
// the PostgreSQL adapter: the invoice upsert touches only UpdatedAt on
// conflict, and a ledger-key collision reports a replay with the original
// invoice id.
func (s *Storage) PostInvoice(ctx context.Context, posting *payhook.InvoicePosting) (*payhook.PostResult, error) {
	if posting == nil || posting.TenantID == "" || posting.ProviderTransactionID == "" {
		return nil, fmt.Errorf("invalid invoice posting")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	invoiceKey := posting.TenantID + "/" + string(posting.BillingEntity) + "/" + posting.ProviderTransactionID

	invoiceID, exists := s.invoiceIndex[invoiceKey]
	if exists {
		s.invoices[invoiceID].UpdatedAt = now
	} else {
		invoiceID = uuid.NewString()
		s.invoices[invoiceID] = &payhook.BillingInvoice{
			ID:                    invoiceID,
			TenantID:              posting.TenantID,
			BillingEntity:         posting.BillingEntity,
			Provider:              posting.Provider,
			ProviderTransactionID: posting.ProviderTransactionID,
			WebhookEventID:        posting.WebhookEventID,
			SubscriptionID:        posting.SubscriptionID,
			Status:                payhook.InvoiceStatusPosted,
			AmountTotal:           posting.AmountTotal,
			CurrencyCode:          posting.CurrencyCode,
			Metadata:              posting.Metadata,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		s.invoiceIndex[invoiceKey] = invoiceID
	}

	// The ledger key carries the provider; the invoice key does not. One
	// invoice per real-world transaction per tenant/entity, but postings from
	// distinct providers are distinct financial events.
	ledgerKey := invoiceKey + "/" + posting.Provider + "/" + payhook.LedgerEntryInvoicePosted
	if _, replay := s.ledger[ledgerKey]; replay {
		return &payhook.PostResult{InvoiceID: invoiceID, Replayed: true}, nil
	}

	s.ledger[ledgerKey] = &payhook.BillingLedgerEntry{
		ID:                    uuid.NewString(),
		TenantID:              posting.TenantID,
		BillingEntity:         posting.BillingEntity,
		InvoiceID:             invoiceID,
		WebhookEventID:        posting.WebhookEventID,
		EntryType:             payhook.LedgerEntryInvoicePosted,
		Provider:              posting.Provider,
		ProviderTransactionID: posting.ProviderTransactionID,
		Amount:                posting.AmountTotal,
		CurrencyCode:          posting.CurrencyCode,
		Metadata:              posting.Metadata,
		CreatedAt:             now,
	}
	return &payhook.PostResult{InvoiceID: invoiceID, Replayed: false}, nil
}

// --- seeding and inspection helpers for tests and examples ---

// SeedUser stores a user record.
func (s *Storage) SeedUser(user *payhook.UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userCopy := *user
	s.users[user.ID] = &userCopy
}

// SeedSubscription stores a subscription row directly.
func (s *Storage) SeedSubscription(sub *payhook.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subCopy := *sub
	s.subs[sub.ID] = &subCopy
}

// SeedTenantSetting stores a tenant setting blob.
func (s *Storage) SeedTenantSetting(tenantID, key string, value map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[tenantID+"/"+key] = value
}

// WebhookEvent returns a copy of an intake row by id.
func (s *Storage) WebhookEvent(id string) *payhook.WebhookEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.events[id]
	if !ok {
		return nil
	}
	recCopy := *rec
	return &recCopy
}

// WebhookEventCount returns the number of intake rows.
func (s *Storage) WebhookEventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// SignatureFailureCount returns the number of forensic rows.
func (s *Storage) SignatureFailureCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sigFailures)
}

// Invoice returns a copy of an invoice by id.
func (s *Storage) Invoice(id string) *payhook.BillingInvoice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil
	}
	invCopy := *inv
	return &invCopy
}

// InvoiceCount returns the number of invoices.
func (s *Storage) InvoiceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.invoices)
}

// LedgerEntryCount returns the number of ledger entries.
func (s *Storage) LedgerEntryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ledger)
}

// Subscription returns a copy of a subscription row, or nil.
func (s *Storage) Subscription(id string) *payhook.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil
	}
	subCopy := *sub
	return &subCopy
}
