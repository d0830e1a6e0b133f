package payhook

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// CommissionTypeNewMember tags commissions created for a first subscription.
const CommissionTypeNewMember = "new_member"

// handleSubscriptionChanged applies subscription.created and
// subscription.updated: upserts the full provider-driven subscription state
// and, when the status returns to active, clears the dunning bookkeeping in
// the same write.
func (p *Processor) handleSubscriptionChanged(ctx context.Context, env *Envelope, webhookEventID string) (handleOutcome, error) {
	pl := env.Subscription
	now := p.now().UTC()

	existing, err := p.loadSubscription(ctx, pl.ID)
	if err != nil {
		return handleOutcome{}, err
	}

	sc, skipReason, err := p.resolveSubscriptionContext(ctx, existing, pl.CustomData)
	if err != nil {
		return handleOutcome{}, err
	}
	if skipReason != "" {
		return handleOutcome{skipReason: skipReason}, nil
	}

	sub := &Subscription{ID: pl.ID, CreatedAt: now}
	oldStatus := ""
	if existing != nil {
		*sub = *existing
		oldStatus = string(existing.Status)
	}

	newStatus := MapProviderStatus(pl.Status)
	sub.TenantID = sc.TenantID
	sub.UserID = sc.UserID
	sub.AgentID = sc.AgentID
	sub.BranchID = sc.BranchID
	sub.Status = newStatus
	if pl.PlanID != "" {
		sub.PlanID = pl.PlanID
	}
	if pl.PeriodStart != nil {
		sub.CurrentPeriodStart = pl.PeriodStart
	}
	if pl.PeriodEnd != nil {
		sub.CurrentPeriodEnd = pl.PeriodEnd
	}
	sub.CancelAtPeriodEnd = pl.ScheduledAction == "cancel"
	switch newStatus {
	case StatusCanceled:
		if sub.CanceledAt == nil {
			sub.CanceledAt = &now
		}
	case StatusActive:
		sub.CanceledAt = nil
	}
	nextDunningState(newStatus, dunningStateOf(existing)).applyTo(sub)
	sub.UpdatedAt = now

	if err := p.storage.UpsertSubscription(ctx, sub); err != nil {
		return handleOutcome{}, fmt.Errorf("failed to upsert subscription %s: %w", pl.ID, err)
	}

	p.safeAudit(ctx, AuditEvent{
		Action:   AuditSubscriptionUpdated,
		TenantID: sc.TenantID,
		Details: map[string]string{
			"subscription_id":  pl.ID,
			"user_id":          sc.UserID,
			"old_status":       oldStatus,
			"new_status":       string(newStatus),
			"event_type":       string(env.EventType),
			"webhook_event_id": webhookEventID,
		},
	})

	if env.EventType == EventSubscriptionCreated {
		p.runCreationExtras(ctx, pl, sc, sub)
	}

	return handleOutcome{}, nil
}

// runCreationExtras fires the one-time side effects of a new subscription:
// the agent commission and the welcome letter. Both are best-effort; failures
// are logged and never fail the webhook, so the provider is not asked to
// redeliver an event whose financial state is already persisted.
func (p *Processor) runCreationExtras(ctx context.Context, pl *SubscriptionPayload, sc *SubscriptionContext, sub *Subscription) {
	var g errgroup.Group

	if sc.AgentID != "" {
		g.Go(func() error {
			amount, _ := decimal.NewFromString(pl.PlanPrice)
			err := p.commissions.CreateCommission(ctx, CommissionRequest{
				AgentID:        sc.AgentID,
				MemberID:       sc.UserID,
				SubscriptionID: pl.ID,
				Type:           CommissionTypeNewMember,
				Amount:         amount,
				Currency:       pl.PlanCurrency,
				TenantID:       sc.TenantID,
				Metadata: map[string]string{
					"plan_id":   pl.PlanID,
					"branch_id": sc.BranchID,
				},
			})
			if err != nil {
				p.logger.Warn("failed to create signup commission",
					Field{"subscription_id", pl.ID}, Field{"agent_id", sc.AgentID},
					Field{"error", err.Error()})
			}
			return nil
		})
	}

	if sc.User != nil && sc.User.Email != "" {
		user := sc.User
		g.Go(func() error {
			err := p.notifier.SendThankYouLetter(ctx, ThankYouLetter{
				Email:        user.Email,
				MemberName:   user.Name,
				MemberNumber: user.MemberNumber,
				PlanName:     pl.PlanID,
				PlanPrice:    pl.PlanPrice,
				PlanInterval: pl.PlanInterval,
				MemberSince:  user.CreatedAt,
				ExpiresAt:    sub.CurrentPeriodEnd,
				Locale:       user.Locale,
			})
			if err != nil {
				p.logger.Warn("failed to send thank-you letter",
					Field{"subscription_id", pl.ID}, Field{"user_id", user.ID},
					Field{"error", err.Error()})
			}
			return nil
		})
	}

	_ = g.Wait()
}

// handleSubscriptionPastDue applies one dunning notification. The attempt
// count advances on every delivery, but the grace window is anchored to the
// first attempt and never extended by repeats, and the member email goes out
// only once per dunning episode.
func (p *Processor) handleSubscriptionPastDue(ctx context.Context, env *Envelope, webhookEventID string) (handleOutcome, error) {
	pl := env.Subscription
	now := p.now().UTC()

	existing, err := p.loadSubscription(ctx, pl.ID)
	if err != nil {
		return handleOutcome{}, err
	}

	sc, skipReason, err := p.resolveSubscriptionContext(ctx, existing, pl.CustomData)
	if err != nil {
		return handleOutcome{}, err
	}
	if skipReason != "" {
		return handleOutcome{skipReason: skipReason}, nil
	}

	sub := &Subscription{ID: pl.ID, CreatedAt: now}
	if existing != nil {
		*sub = *existing
	}
	sub.TenantID = sc.TenantID
	sub.UserID = sc.UserID
	sub.AgentID = sc.AgentID
	sub.BranchID = sc.BranchID
	sub.Status = StatusPastDue

	next := escalateDunning(dunningStateOf(existing), now)
	next.applyTo(sub)
	sub.UpdatedAt = now

	if err := p.storage.UpsertSubscription(ctx, sub); err != nil {
		return handleOutcome{}, fmt.Errorf("failed to upsert subscription %s: %w", pl.ID, err)
	}

	p.safeAudit(ctx, AuditEvent{
		Action:   AuditSubscriptionUpdated,
		TenantID: sc.TenantID,
		Details: map[string]string{
			"subscription_id":      pl.ID,
			"user_id":              sc.UserID,
			"new_status":           string(StatusPastDue),
			"dunning_attempt":      strconv.Itoa(next.AttemptCount),
			"grace_period_ends_at": next.GracePeriodEndsAt.Format("2006-01-02"),
			"event_type":           string(env.EventType),
			"webhook_event_id":     webhookEventID,
		},
	})

	if next.AttemptCount == 1 && sc.User != nil && sc.User.Email != "" {
		err := p.notifier.SendPaymentFailedEmail(ctx, sc.User.Email, PaymentFailedEmail{
			MemberName:         sc.User.Name,
			PlanName:           sub.PlanID,
			GracePeriodDays:    GracePeriodDays,
			GracePeriodEndDate: *next.GracePeriodEndsAt,
		})
		if err != nil {
			p.logger.Warn("failed to send payment-failed email",
				Field{"subscription_id", pl.ID}, Field{"user_id", sc.UserID},
				Field{"error", err.Error()})
		}
	}

	return handleOutcome{}, nil
}

// handleTransactionCompleted attributes a settled payment to a tenant and
// hands it to the invariant poster. A transaction that cannot be attributed
// is skipped, never guessed into the wrong tenant's books.
func (p *Processor) handleTransactionCompleted(ctx context.Context, env *Envelope, webhookEventID string, claimed BillingEntity) (handleOutcome, error) {
	pl := env.Transaction

	tenantID, err := p.resolveTransactionTenant(ctx, pl)
	if err != nil {
		return handleOutcome{}, err
	}
	if tenantID == "" {
		return handleOutcome{skipReason: "no tenant resolvable for transaction " + pl.ID}, nil
	}

	res, err := p.postInvoice(ctx, claimed, &InvoicePosting{
		TenantID:              tenantID,
		ProviderTransactionID: pl.ID,
		WebhookEventID:        webhookEventID,
		SubscriptionID:        pl.SubscriptionID,
		AmountTotal:           pl.Total,
		CurrencyCode:          pl.CurrencyCode,
		Metadata: map[string]string{
			"event_id":    env.EventID,
			"customer_id": pl.CustomerID,
		},
	})
	if err != nil {
		return handleOutcome{}, err
	}

	p.safeAudit(ctx, AuditEvent{
		Action:   AuditPaymentProcessed,
		TenantID: tenantID,
		Details: map[string]string{
			"transaction_id":   pl.ID,
			"subscription_id":  pl.SubscriptionID,
			"amount":           pl.Total.String(),
			"currency":         pl.CurrencyCode,
			"invoice_id":       res.InvoiceID,
			"replayed":         strconv.FormatBool(res.Replayed),
			"webhook_event_id": webhookEventID,
		},
	})

	return handleOutcome{replayed: res.Replayed, invoiceID: res.InvoiceID}, nil
}

// resolveTransactionTenant attributes a transaction: the purchasing user's
// tenant wins, then the subscription row the transaction belongs to, then the
// custom-data tenant hint. Empty means unattributable.
func (p *Processor) resolveTransactionTenant(ctx context.Context, pl *TransactionPayload) (string, error) {
	if pl.CustomData.UserID != "" {
		user, err := p.storage.GetUser(ctx, pl.CustomData.UserID)
		if err != nil && !errors.Is(err, ErrUserNotFound) {
			return "", fmt.Errorf("failed to load user %s: %w", pl.CustomData.UserID, err)
		}
		if user != nil && user.TenantID != "" {
			return user.TenantID, nil
		}
	}
	if pl.SubscriptionID != "" {
		sub, err := p.loadSubscription(ctx, pl.SubscriptionID)
		if err != nil {
			return "", err
		}
		if sub != nil && sub.TenantID != "" {
			return sub.TenantID, nil
		}
	}
	return pl.CustomData.TenantID, nil
}

// loadSubscription tolerates absence: (nil, nil) when no row exists.
func (p *Processor) loadSubscription(ctx context.Context, id string) (*Subscription, error) {
	sub, err := p.storage.GetSubscription(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load subscription %s: %w", id, err)
	}
	return sub, nil
}
