package payhook

import (
	"testing"
	"time"
)

// DefaultSignatureHeader is the provider's signature header name.
const DefaultSignatureHeader = "Paddle-Signature"

// Config wires the processor. Storage and Entities are required; every
// collaborator is optional and defaults to a safe no-op so the core is
// testable without real network, email or commission systems.
type Config struct {
	// Provider tags intake rows, dedupe keys and audit events. Defaults to
	// "paddle".
	Provider string

	// Storage is the persistence backend. Required.
	Storage Storage

	// Entities maps tenants to billing entities and holds webhook secrets.
	// Required.
	Entities *EntityRegistry

	// Audit receives the audit trail. Defaults to NoopAuditLogger.
	Audit AuditLogger

	// Notifier delivers member-facing emails. Defaults to NoopNotifier.
	Notifier Notifier

	// Commissions creates agent commissions on first subscription creation.
	// Defaults to NoopCommissionService.
	Commissions CommissionService

	// Logger defaults to NoopLogger.
	Logger Logger

	// Metrics defaults to NoopMetrics.
	Metrics Metrics

	// SignatureHeader overrides the header the handler reads the provider
	// signature from. Defaults to DefaultSignatureHeader.
	SignatureHeader string

	// BypassSignatureVerification skips signature checks. Only permitted
	// while running under `go test`; NewProcessor rejects it anywhere else.
	BypassSignatureVerification bool

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// NewProcessor validates cfg, applies defaults and returns a ready Processor.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Storage == nil {
		return nil, ErrStorageRequired
	}
	if cfg.Entities == nil {
		return nil, ErrEntityNotConfigured
	}
	if cfg.BypassSignatureVerification && !testing.Testing() {
		return nil, ErrBypassOutsideTests
	}

	if cfg.Provider == "" {
		cfg.Provider = "paddle"
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	if cfg.Audit == nil {
		cfg.Audit = &NoopAuditLogger{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = &NoopNotifier{}
	}
	if cfg.Commissions == nil {
		cfg.Commissions = &NoopCommissionService{}
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Processor{
		provider:    cfg.Provider,
		storage:     cfg.Storage,
		entities:    cfg.Entities,
		audit:       cfg.Audit,
		notifier:    cfg.Notifier,
		commissions: cfg.Commissions,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		sigHeader:   cfg.SignatureHeader,
		bypass:      cfg.BypassSignatureVerification,
		now:         cfg.Now,
	}, nil
}
