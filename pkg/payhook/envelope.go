package payhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// The provider has shipped payloads under two field-naming conventions over
// the years (customerId vs customer_id). Normalization happens here, once,
// immediately after parsing: every field is extracted through an ordered list
// of key candidates and everything downstream consumes the one canonical
// Envelope type.

// CustomData is the pass-through block the checkout flow attaches to every
// subscription and transaction. It is the only attribution link back to our
// own user/tenant records.
type CustomData struct {
	UserID   string
	AgentID  string
	TenantID string
}

// SubscriptionPayload is the normalized data block of a subscription.* event.
type SubscriptionPayload struct {
	ID              string
	Status          string
	CustomerID      string
	CustomData      CustomData
	PlanID          string
	PlanPrice       string
	PlanCurrency    string
	PlanInterval    string
	PeriodStart     *time.Time
	PeriodEnd       *time.Time
	ScheduledAction string
}

// TransactionPayload is the normalized data block of a transaction.* event.
type TransactionPayload struct {
	ID             string
	Status         string
	SubscriptionID string
	CustomerID     string
	CustomData     CustomData
	Total          decimal.Decimal
	CurrencyCode   string
}

// Envelope is the canonical normalized event. Exactly one of Subscription or
// Transaction is set for the event families this core handles; both are nil
// for event types it ignores.
type Envelope struct {
	EventID      string
	EventType    EventType
	OccurredAt   time.Time
	Subscription *SubscriptionPayload
	Transaction  *TransactionPayload
}

// looseObject is a partially-decoded JSON object. All accessors fail softly:
// a missing or mistyped field reads as the zero value, and accessors are safe
// on a nil receiver so lookups chain without nil checks.
type looseObject map[string]json.RawMessage

func decodeObject(raw []byte) (looseObject, error) {
	var o looseObject
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, err
	}
	return o, nil
}

// raw returns the first present key from the candidate list.
func (o looseObject) raw(keys ...string) (json.RawMessage, bool) {
	for _, key := range keys {
		if v, ok := o[key]; ok && len(v) > 0 && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

func (o looseObject) str(keys ...string) string {
	v, ok := o.raw(keys...)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

func (o looseObject) object(keys ...string) looseObject {
	v, ok := o.raw(keys...)
	if !ok {
		return nil
	}
	nested, err := decodeObject(v)
	if err != nil {
		return nil
	}
	return nested
}

func (o looseObject) array(keys ...string) []json.RawMessage {
	v, ok := o.raw(keys...)
	if !ok {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(v, &items); err != nil {
		return nil
	}
	return items
}

func (o looseObject) timestamp(keys ...string) *time.Time {
	s := o.str(keys...)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano} {
		if ts, err := time.Parse(layout, s); err == nil {
			utc := ts.UTC()
			return &utc
		}
	}
	return nil
}

// amount reads a money value that arrives either as a string of minor units
// or as a bare JSON number.
func (o looseObject) amount(keys ...string) decimal.Decimal {
	v, ok := o.raw(keys...)
	if !ok {
		return decimal.Zero
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if d, err := decimal.NewFromString(s); err == nil {
			return d
		}
		return decimal.Zero
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		if d, err := decimal.NewFromString(n.String()); err == nil {
			return d
		}
	}
	return decimal.Zero
}

// ParseEnvelope normalizes a raw webhook body. A missing or unparseable
// required identifying field fails the whole event (wrapping
// ErrMalformedPayload); optional fields fail softly and read as absent.
func ParseEnvelope(body []byte) (*Envelope, error) {
	top, err := decodeObject(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	env := &Envelope{
		EventID:   top.str("event_id", "eventId"),
		EventType: EventType(top.str("event_type", "eventType")),
	}
	if env.EventID == "" || env.EventType == "" {
		return nil, fmt.Errorf("%w: missing event id or event type", ErrMalformedPayload)
	}
	if ts := top.timestamp("occurred_at", "occurredAt"); ts != nil {
		env.OccurredAt = *ts
	}

	data := top.object("data")
	if data == nil {
		// Older deliveries inlined the data block at the top level.
		data = top
	}

	switch {
	case env.EventType.IsSubscription():
		sub, err := parseSubscriptionPayload(data)
		if err != nil {
			return nil, err
		}
		env.Subscription = sub
	case env.EventType.IsTransaction():
		txn, err := parseTransactionPayload(data)
		if err != nil {
			return nil, err
		}
		env.Transaction = txn
	}

	return env, nil
}

func parseCustomData(o looseObject) CustomData {
	return CustomData{
		UserID:   o.str("userId", "user_id"),
		AgentID:  o.str("agentId", "agent_id"),
		TenantID: o.str("tenantId", "tenant_id"),
	}
}

func parseSubscriptionPayload(data looseObject) (*SubscriptionPayload, error) {
	p := &SubscriptionPayload{
		ID:              data.str("id", "subscription_id", "subscriptionId"),
		Status:          data.str("status"),
		CustomerID:      data.str("customer_id", "customerId"),
		CustomData:      parseCustomData(data.object("custom_data", "customData")),
		ScheduledAction: data.object("scheduled_change", "scheduledChange").str("action"),
	}
	if p.ID == "" || p.Status == "" {
		return nil, fmt.Errorf("%w: subscription event missing id or status", ErrMalformedPayload)
	}

	if period := data.object("current_billing_period", "currentBillingPeriod"); period != nil {
		p.PeriodStart = period.timestamp("starts_at", "startsAt")
		p.PeriodEnd = period.timestamp("ends_at", "endsAt")
	}

	if items := data.array("items"); len(items) > 0 {
		if first, err := decodeObject(items[0]); err == nil {
			price := first.object("price")
			p.PlanID = price.str("id")
			unitPrice := price.object("unit_price", "unitPrice")
			p.PlanPrice = unitPrice.str("amount")
			p.PlanCurrency = unitPrice.str("currency_code", "currencyCode")
			p.PlanInterval = price.object("billing_cycle", "billingCycle").str("interval")
		}
	}

	return p, nil
}

func parseTransactionPayload(data looseObject) (*TransactionPayload, error) {
	p := &TransactionPayload{
		ID:             data.str("id", "transaction_id", "transactionId"),
		Status:         data.str("status"),
		SubscriptionID: data.str("subscription_id", "subscriptionId"),
		CustomerID:     data.str("customer_id", "customerId"),
		CustomData:     parseCustomData(data.object("custom_data", "customData")),
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: transaction event missing transaction id", ErrMalformedPayload)
	}

	totals := data.object("details").object("totals")
	p.Total = totals.amount("total", "grand_total", "grandTotal")
	p.CurrencyCode = totals.str("currency_code", "currencyCode")
	if p.CurrencyCode == "" {
		p.CurrencyCode = data.str("currency_code", "currencyCode")
	}

	return p, nil
}
