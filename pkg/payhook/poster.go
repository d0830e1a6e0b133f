package payhook

import (
	"context"
	"fmt"
)

// postInvoice is the invariant poster: the single code path through which
// settled payments reach the books. It writes the invoice upsert and the
// append-only ledger insert atomically via Storage.PostInvoice and refuses to
// write anything when the tenant's billing entity contradicts the entity the
// route claimed.
func (p *Processor) postInvoice(ctx context.Context, claimed BillingEntity, posting *InvoicePosting) (*PostResult, error) {
	if posting.TenantID == "" {
		return nil, ErrMissingTenantContext
	}

	entity, ok := p.entities.EntityForTenant(posting.TenantID)
	if !ok {
		return nil, fmt.Errorf("%w: tenant %q has no billing entity", ErrUnknownBillingEntity, posting.TenantID)
	}
	if claimed != "" && claimed != entity {
		return nil, fmt.Errorf("%w: route claims %q but tenant %q belongs to %q",
			ErrEntityMismatch, claimed, posting.TenantID, entity)
	}

	posting.BillingEntity = entity
	posting.Provider = p.provider

	res, err := p.storage.PostInvoice(ctx, posting)
	if err != nil {
		return nil, fmt.Errorf("failed to post invoice for transaction %s: %w", posting.ProviderTransactionID, err)
	}

	action := AuditInvoicePosted
	if res.Replayed {
		action = AuditInvoiceReplayIgnored
		p.logger.Info("duplicate transaction replay ignored",
			Field{"transaction_id", posting.ProviderTransactionID},
			Field{"invoice_id", res.InvoiceID})
	}
	p.safeAudit(ctx, AuditEvent{
		Action:   action,
		TenantID: posting.TenantID,
		Details: map[string]string{
			"invoice_id":       res.InvoiceID,
			"billing_entity":   string(entity),
			"transaction_id":   posting.ProviderTransactionID,
			"webhook_event_id": posting.WebhookEventID,
			"amount":           posting.AmountTotal.String(),
			"currency":         posting.CurrencyCode,
		},
	})
	p.metrics.RecordInvoicePosting(p.provider, res.Replayed)

	return res, nil
}
