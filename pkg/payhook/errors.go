package payhook

import "errors"

var (
	// ErrInvalidSignature is returned when webhook signature verification fails
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedPayload is returned when the webhook body cannot be parsed
	// or fails the schema check for its event family
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrUnknownBillingEntity is returned for an entity no registry knows about
	ErrUnknownBillingEntity = errors.New("unknown billing entity")

	// ErrEntityMismatch is returned when a caller-claimed billing entity
	// disagrees with the tenant-derived entity
	ErrEntityMismatch = errors.New("billing entity mismatch")

	// ErrEntityNotConfigured is returned when a billing entity lacks provider
	// credentials
	ErrEntityNotConfigured = errors.New("billing entity not configured")

	// ErrSubscriptionNotFound is returned when no subscription row exists
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrUserNotFound is returned when the referenced user record is missing
	ErrUserNotFound = errors.New("user not found")

	// ErrMissingTenantContext is returned when no tenant can be resolved for a
	// financial posting
	ErrMissingTenantContext = errors.New("missing tenant context")

	// ErrStorageRequired is returned by NewProcessor when no storage is wired
	ErrStorageRequired = errors.New("storage is required")

	// ErrBypassOutsideTests is returned by NewProcessor when signature bypass
	// is enabled outside automated-test execution
	ErrBypassOutsideTests = errors.New("signature bypass is only permitted in tests")
)
