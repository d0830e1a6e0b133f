package payhook

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// BillingEntity identifies the legal/tax entity a tenant is billed under.
// Distinct from the tenant id: many tenants map to one entity.
type BillingEntity string

// SecretSource labels where a webhook secret came from, so misconfiguration
// is distinguishable in logs from intended multi-entity config.
type SecretSource string

const (
	// SecretSourceEntity means the secret was configured for the entity itself.
	SecretSourceEntity SecretSource = "entity"
	// SecretSourceLegacyFallback means the shared single-secret fallback was
	// used. Only permitted outside production.
	SecretSourceLegacyFallback SecretSource = "legacy-fallback"
)

// EntityEnv is the environment surface for billing-entity credentials,
// processed with the PAYHOOK prefix. ENTITY_SECRETS uses envconfig map
// syntax: "us:whsec_aa,eu:whsec_bb".
type EntityEnv struct {
	EntitySecrets map[string]string `envconfig:"ENTITY_SECRETS"`
	LegacySecret  string            `envconfig:"WEBHOOK_SECRET"`
	Production    bool              `envconfig:"PRODUCTION"`
}

// LoadEntityEnv reads PAYHOOK_* environment variables.
func LoadEntityEnv() (EntityEnv, error) {
	var env EntityEnv
	if err := envconfig.Process("payhook", &env); err != nil {
		return EntityEnv{}, fmt.Errorf("failed to process entity environment: %w", err)
	}
	return env, nil
}

// EntityRegistryConfig configures the tenant-to-entity mapping and the
// per-entity webhook secrets.
type EntityRegistryConfig struct {
	// Entities is the full set of legal billing entities.
	Entities []BillingEntity

	// Secrets maps each entity to its webhook secret. In production every
	// entity listed in Entities must have one.
	Secrets map[BillingEntity]string

	// TenantEntities maps tenant ids to their billing entity. Tenants not
	// listed fall back to DefaultEntity.
	TenantEntities map[string]BillingEntity

	// DefaultEntity is used for tenants without an explicit mapping. Leave
	// empty to make unmapped tenants unresolvable.
	DefaultEntity BillingEntity

	// LegacySecret is a single shared secret used when an entity has no
	// secret of its own. Forbidden in production.
	LegacySecret string

	// Production enables the fail-fast credential guard.
	Production bool
}

// RegistryConfigFromEnv merges environment-provided credentials into a config
// that already carries the entity set and tenant mapping.
func RegistryConfigFromEnv(cfg EntityRegistryConfig, env EntityEnv) EntityRegistryConfig {
	if cfg.Secrets == nil {
		cfg.Secrets = make(map[BillingEntity]string, len(env.EntitySecrets))
	}
	for name, secret := range env.EntitySecrets {
		cfg.Secrets[BillingEntity(name)] = secret
	}
	if cfg.LegacySecret == "" {
		cfg.LegacySecret = env.LegacySecret
	}
	cfg.Production = cfg.Production || env.Production
	return cfg
}

// EntityRegistry resolves tenants to billing entities and entities to webhook
// secrets. Resolution is pure lookup; all state is fixed at construction.
type EntityRegistry struct {
	entities      []BillingEntity
	secrets       map[BillingEntity][]byte
	tenants       map[string]BillingEntity
	defaultEntity BillingEntity
	legacySecret  []byte
	production    bool
}

// NewEntityRegistry builds a registry and runs the production credential
// guard: a production registry with any known entity lacking its own secret
// is a fatal configuration error, never a silent fallback.
func NewEntityRegistry(cfg EntityRegistryConfig) (*EntityRegistry, error) {
	if len(cfg.Entities) == 0 {
		return nil, fmt.Errorf("%w: no billing entities configured", ErrEntityNotConfigured)
	}

	r := &EntityRegistry{
		entities:      append([]BillingEntity(nil), cfg.Entities...),
		secrets:       make(map[BillingEntity][]byte, len(cfg.Secrets)),
		tenants:       make(map[string]BillingEntity, len(cfg.TenantEntities)),
		defaultEntity: cfg.DefaultEntity,
		legacySecret:  []byte(cfg.LegacySecret),
		production:    cfg.Production,
	}
	for entity, secret := range cfg.Secrets {
		if secret != "" {
			r.secrets[entity] = []byte(secret)
		}
	}
	for tenant, entity := range cfg.TenantEntities {
		if !r.Known(entity) {
			return nil, fmt.Errorf("%w: tenant %q maps to unknown entity %q", ErrUnknownBillingEntity, tenant, entity)
		}
		r.tenants[tenant] = entity
	}
	if cfg.DefaultEntity != "" && !r.Known(cfg.DefaultEntity) {
		return nil, fmt.Errorf("%w: default entity %q", ErrUnknownBillingEntity, cfg.DefaultEntity)
	}

	if err := r.AssertConfigured(); err != nil {
		return nil, err
	}
	return r, nil
}

// Known reports whether entity is one of the registry's entities.
func (r *EntityRegistry) Known(entity BillingEntity) bool {
	for _, e := range r.entities {
		if e == entity {
			return true
		}
	}
	return false
}

// EntityForTenant maps a tenant id to its billing entity.
func (r *EntityRegistry) EntityForTenant(tenantID string) (BillingEntity, bool) {
	if entity, ok := r.tenants[tenantID]; ok {
		return entity, true
	}
	if r.defaultEntity != "" {
		return r.defaultEntity, true
	}
	return "", false
}

// Secret returns the webhook secret for entity and where it came from. The
// legacy fallback is only reachable outside production; AssertConfigured
// guarantees production registries never get here without an entity secret.
func (r *EntityRegistry) Secret(entity BillingEntity) ([]byte, SecretSource, error) {
	if !r.Known(entity) {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownBillingEntity, entity)
	}
	if secret, ok := r.secrets[entity]; ok {
		return secret, SecretSourceEntity, nil
	}
	if !r.production && len(r.legacySecret) > 0 {
		return r.legacySecret, SecretSourceLegacyFallback, nil
	}
	return nil, "", fmt.Errorf("%w: no secret for entity %q", ErrEntityNotConfigured, entity)
}

// AssertConfigured fails hard when a production registry has any entity
// without its own credentials. Deliberate fail-fast over running a partially
// configured fleet.
func (r *EntityRegistry) AssertConfigured() error {
	if !r.production {
		return nil
	}
	for _, entity := range r.entities {
		if _, ok := r.secrets[entity]; !ok {
			return fmt.Errorf("%w: entity %q has no webhook secret in production", ErrEntityNotConfigured, entity)
		}
	}
	return nil
}
