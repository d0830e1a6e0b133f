package payhook

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// AuditLogger receives the audit trail. Calls are fire-and-forget: the
// processor logs and drops any error, so implementations may write to a
// database, a message stream or nothing at all without affecting webhook
// processing.
type AuditLogger interface {
	LogAuditEvent(ctx context.Context, event AuditEvent) error
}

// NoopAuditLogger discards audit events.
type NoopAuditLogger struct{}

func (n *NoopAuditLogger) LogAuditEvent(context.Context, AuditEvent) error { return nil }

// PaymentFailedEmail is the template payload for the first-dunning-attempt
// notification.
type PaymentFailedEmail struct {
	MemberName         string
	PlanName           string
	GracePeriodDays    int
	GracePeriodEndDate time.Time
}

// ThankYouLetter is the template payload for the one-time welcome
// notification on first subscription creation.
type ThankYouLetter struct {
	Email        string
	MemberName   string
	MemberNumber string
	PlanName     string
	PlanPrice    string
	PlanInterval string
	MemberSince  time.Time
	ExpiresAt    *time.Time
	Locale       string
}

// Notifier delivers member-facing messages. Failures are caught and logged by
// the caller, never propagated into webhook processing, and never retried.
type Notifier interface {
	SendPaymentFailedEmail(ctx context.Context, to string, email PaymentFailedEmail) error
	SendThankYouLetter(ctx context.Context, letter ThankYouLetter) error
}

// NoopNotifier drops all notifications.
type NoopNotifier struct{}

func (n *NoopNotifier) SendPaymentFailedEmail(context.Context, string, PaymentFailedEmail) error {
	return nil
}

func (n *NoopNotifier) SendThankYouLetter(context.Context, ThankYouLetter) error { return nil }

// CommissionRequest asks the commission system to credit an agent for a new
// subscription. The commission business rules live outside this package.
type CommissionRequest struct {
	AgentID        string
	MemberID       string
	SubscriptionID string
	Type           string
	Amount         decimal.Decimal
	Currency       string
	TenantID       string
	Metadata       map[string]string
}

// CommissionService creates agent commissions. Same fire-and-forget contract
// as Notifier.
type CommissionService interface {
	CreateCommission(ctx context.Context, req CommissionRequest) error
}

// NoopCommissionService drops commission requests.
type NoopCommissionService struct{}

func (n *NoopCommissionService) CreateCommission(context.Context, CommissionRequest) error {
	return nil
}
