package payhook

import "time"

// Metrics defines the interface for tracking webhook processing.
// All methods are optional - the processor gracefully handles nil metrics.
type Metrics interface {
	// RecordWebhookEvent records one processed delivery.
	// status: "processed", "duplicate", "skipped", "ignored" or "failed"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookDuration records end-to-end processing time for a delivery.
	RecordWebhookDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a rejected delivery.
	// errorType: "auth_failed", "invalid_payload", "payload_too_large", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordInvoicePosting records an invariant-poster outcome, split between
	// first-time postings and detected replays.
	RecordInvoicePosting(provider string, replayed bool)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                  {}
func (n *NoopMetrics) RecordWebhookDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                     {}
func (n *NoopMetrics) RecordInvoicePosting(_ string, _ bool)              {}
