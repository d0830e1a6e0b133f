package payhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// maxStoredErrorLen bounds the error message stamped on a failed intake row.
const maxStoredErrorLen = 500

// Processor is the webhook core: verification, normalization, the dedupe
// gate, event dispatch and outcome stamping. One Processor serves all
// tenants and billing entities; each Process call is independent and there is
// no global lock — the storage-level unique constraint on the dedupe key is
// the only cross-request serialization point.
type Processor struct {
	provider    string
	storage     Storage
	entities    *EntityRegistry
	audit       AuditLogger
	notifier    Notifier
	commissions CommissionService
	logger      Logger
	metrics     Metrics
	sigHeader   string
	bypass      bool
	now         func() time.Time
}

// Delivery is one inbound webhook request.
type Delivery struct {
	// Body is the exact raw request bytes. Signature verification runs over
	// these bytes, never over re-serialized JSON.
	Body []byte

	// SignatureHeader is the provider's signature header value.
	SignatureHeader string

	// Entity is the billing entity claimed by the route in multi-entity
	// deployments. Optional; when set it scopes the dedupe key and must match
	// the tenant-derived entity on financial postings.
	Entity string
}

// handleOutcome is what a dispatched handler reports back.
type handleOutcome struct {
	ignored    bool
	skipReason string
	replayed   bool
	invoiceID  string
}

// Process runs one delivery through the full pipeline. Duplicates, replays
// and attribution skips are normal outcomes carried in the Result; an error
// return means the delivery was rejected (bad signature, malformed payload)
// or a handler failed after the intake row was written.
func (p *Processor) Process(ctx context.Context, d Delivery) (*Result, error) {
	started := p.now()

	if len(d.Body) == 0 {
		p.metrics.RecordWebhookError(p.provider, "invalid_payload")
		return nil, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}

	// Normalization runs first because secret resolution needs the tenant
	// hint from the payload. Verification below still uses the raw bytes.
	env, err := ParseEnvelope(d.Body)
	if err != nil {
		p.logger.Warn("webhook payload rejected",
			Field{"provider", p.provider}, Field{"error", err.Error()})
		p.metrics.RecordWebhookError(p.provider, "invalid_payload")
		return nil, err
	}

	claimed, entity, err := p.resolveEntity(d, env)
	if err != nil {
		p.metrics.RecordWebhookError(p.provider, "auth_failed")
		return nil, err
	}

	eventTime := env.OccurredAt
	if eventTime.IsZero() {
		eventTime = p.now().UTC()
	}
	rec := &WebhookEvent{
		Provider:       p.provider,
		DedupeKey:      p.dedupeKey(d, env, entity),
		EventType:      string(env.EventType),
		EventID:        env.EventID,
		EventTimestamp: eventTime,
		PayloadHash:    payloadHash(d.Body),
		RawPayload:     d.Body,
	}

	valid, bypassed, err := p.verify(ctx, d, entity, rec)
	if err != nil {
		return nil, err
	}
	rec.SignatureValid = valid

	id, inserted, err := p.storage.InsertWebhookEvent(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	if !inserted {
		p.safeAudit(ctx, AuditEvent{
			Action: AuditWebhookDuplicate,
			Details: map[string]string{
				"event_id":   env.EventID,
				"event_type": string(env.EventType),
				"dedupe_key": rec.DedupeKey,
			},
		})
		p.metrics.RecordWebhookEvent(p.provider, string(env.EventType), string(OutcomeDuplicate))
		p.metrics.RecordWebhookDuration(p.provider, string(env.EventType), p.now().Sub(started))
		return &Result{
			Outcome:   OutcomeDuplicate,
			EventID:   env.EventID,
			EventType: env.EventType,
		}, nil
	}

	received := map[string]string{
		"event_id":         env.EventID,
		"event_type":       string(env.EventType),
		"webhook_event_id": id,
	}
	if bypassed {
		received["signature_bypassed"] = "true"
	}
	p.safeAudit(ctx, AuditEvent{Action: AuditWebhookReceived, Details: received})

	out, err := p.dispatch(ctx, env, id, claimed)
	if err != nil {
		if markErr := p.storage.MarkWebhookFailed(ctx, id, truncate(err.Error(), maxStoredErrorLen)); markErr != nil {
			p.logger.Error("failed to mark webhook failed",
				Field{"webhook_event_id", id}, Field{"error", markErr.Error()})
		}
		p.safeAudit(ctx, AuditEvent{
			Action: AuditWebhookFailed,
			Details: map[string]string{
				"event_id":         env.EventID,
				"event_type":       string(env.EventType),
				"webhook_event_id": id,
				"error":            truncate(err.Error(), maxStoredErrorLen),
			},
		})
		p.metrics.RecordWebhookEvent(p.provider, string(env.EventType), string(OutcomeFailed))
		p.metrics.RecordWebhookError(p.provider, "processing_error")
		return &Result{
			Outcome:        OutcomeFailed,
			WebhookEventID: id,
			EventID:        env.EventID,
			EventType:      env.EventType,
		}, err
	}

	if markErr := p.storage.MarkWebhookProcessed(ctx, id); markErr != nil {
		p.logger.Error("failed to mark webhook processed",
			Field{"webhook_event_id", id}, Field{"error", markErr.Error()})
	}

	res := &Result{
		Outcome:        OutcomeProcessed,
		WebhookEventID: id,
		EventID:        env.EventID,
		EventType:      env.EventType,
		Replayed:       out.replayed,
		InvoiceID:      out.invoiceID,
	}
	switch {
	case out.skipReason != "":
		res.Outcome = OutcomeSkipped
		res.Reason = out.skipReason
		p.logger.Warn("webhook event skipped",
			Field{"event_id", env.EventID}, Field{"reason", out.skipReason})
	case out.ignored:
		res.Outcome = OutcomeIgnored
	}

	p.safeAudit(ctx, AuditEvent{
		Action: AuditWebhookProcessed,
		Details: map[string]string{
			"event_id":         env.EventID,
			"event_type":       string(env.EventType),
			"webhook_event_id": id,
			"outcome":          string(res.Outcome),
		},
	})
	p.metrics.RecordWebhookEvent(p.provider, string(env.EventType), string(res.Outcome))
	p.metrics.RecordWebhookDuration(p.provider, string(env.EventType), p.now().Sub(started))
	return res, nil
}

// resolveEntity picks the billing entity used for secret lookup. An explicit
// route-level claim wins; otherwise the tenant hint from the payload's custom
// data is mapped through the registry.
func (p *Processor) resolveEntity(d Delivery, env *Envelope) (claimed, entity BillingEntity, err error) {
	if d.Entity != "" {
		claimed = BillingEntity(d.Entity)
		if !p.entities.Known(claimed) {
			return "", "", fmt.Errorf("%w: %q", ErrUnknownBillingEntity, d.Entity)
		}
		return claimed, claimed, nil
	}
	entity, ok := p.entities.EntityForTenant(envTenantHint(env))
	if !ok {
		return "", "", fmt.Errorf("%w: no entity resolvable for delivery", ErrUnknownBillingEntity)
	}
	return "", entity, nil
}

// dedupeKey scopes deduplication to the tenant when one is resolvable at
// verification time, else to the billing-entity tag, so events for different
// tenants can never collide on a shared provider event id.
func (p *Processor) dedupeKey(d Delivery, env *Envelope, entity BillingEntity) string {
	scope := d.Entity
	if scope == "" {
		scope = envTenantHint(env)
	}
	if scope == "" {
		scope = string(entity)
	}
	return p.provider + ":" + scope + ":" + env.EventID
}

// verify checks the delivery signature against the entity's secret. Fails
// closed: an invalid signature with bypass disabled is logged through the
// forensic insert path and rejected before any business handler can run.
func (p *Processor) verify(ctx context.Context, d Delivery, entity BillingEntity, rec *WebhookEvent) (valid, bypassed bool, err error) {
	secret, source, err := p.entities.Secret(entity)
	if err != nil {
		return false, false, err
	}
	if source == SecretSourceLegacyFallback {
		p.logger.Warn("webhook secret resolved via legacy fallback",
			Field{"entity", string(entity)})
	}

	if verifySignature(d.SignatureHeader, d.Body, secret, p.now()) {
		return true, false, nil
	}
	if p.bypass {
		p.logger.Warn("signature verification bypassed",
			Field{"event_id", rec.EventID}, Field{"entity", string(entity)})
		return false, true, nil
	}

	forensic := *rec
	forensic.SignatureValid = false
	if recErr := p.storage.RecordInvalidSignature(ctx, &forensic); recErr != nil {
		p.logger.Error("failed to record invalid-signature attempt",
			Field{"event_id", rec.EventID}, Field{"error", recErr.Error()})
	}
	p.safeAudit(ctx, AuditEvent{
		Action: AuditSignatureInvalid,
		Details: map[string]string{
			"event_id":   rec.EventID,
			"event_type": rec.EventType,
			"entity":     string(entity),
		},
	})
	p.metrics.RecordWebhookError(p.provider, "auth_failed")
	return false, false, ErrInvalidSignature
}

func (p *Processor) dispatch(ctx context.Context, env *Envelope, webhookEventID string, claimed BillingEntity) (handleOutcome, error) {
	switch env.EventType {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return p.handleSubscriptionChanged(ctx, env, webhookEventID)
	case EventSubscriptionPastDue:
		return p.handleSubscriptionPastDue(ctx, env, webhookEventID)
	case EventTransactionCompleted:
		return p.handleTransactionCompleted(ctx, env, webhookEventID, claimed)
	default:
		return handleOutcome{ignored: true}, nil
	}
}

// safeAudit delivers an audit event without ever letting the collaborator
// fail webhook processing.
func (p *Processor) safeAudit(ctx context.Context, event AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("audit logger panicked", Field{"panic", r})
		}
	}()
	event.Provider = p.provider
	event.At = p.now().UTC()
	if err := p.audit.LogAuditEvent(ctx, event); err != nil {
		p.logger.Warn("audit event dropped",
			Field{"action", event.Action}, Field{"error", err.Error()})
	}
}

func envTenantHint(env *Envelope) string {
	switch {
	case env.Subscription != nil:
		return env.Subscription.CustomData.TenantID
	case env.Transaction != nil:
		return env.Transaction.CustomData.TenantID
	}
	return ""
}

func payloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
