// Package redisstream provides a payhook.AuditLogger backed by a Redis
// Stream. Audit events are appended with XADD so downstream consumers
// (compliance export, alerting) read them with consumer groups, and the
// stream is capped so a slow consumer never exhausts Redis memory.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/payhook/pkg/payhook"
)

// AuditLogger implements payhook.AuditLogger using a Redis Stream.
type AuditLogger struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis Stream audit configuration.
type Config struct {
	// Stream is the Redis Stream key (default: "payhook:audit")
	Stream string

	// MaxLen caps the stream with approximate trimming (default: 100000,
	// 0 = unbounded)
	MaxLen int64

	// Timeout bounds each XADD call (default: 2s)
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Stream:  "payhook:audit",
		MaxLen:  100000,
		Timeout: 2 * time.Second,
	}
}

// New creates a new Redis Stream audit logger.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*AuditLogger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.Stream == "" {
		config.Stream = "payhook:audit"
	}
	if config.Timeout == 0 {
		config.Timeout = 2 * time.Second
	}

	return &AuditLogger{client: client, config: config}, nil
}

// LogAuditEvent implements payhook.AuditLogger.
func (a *AuditLogger) LogAuditEvent(ctx context.Context, event payhook.AuditEvent) error {
	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	values := map[string]interface{}{
		"action":   event.Action,
		"provider": event.Provider,
		"at":       event.At.UTC().Format(time.RFC3339Nano),
	}
	if event.TenantID != "" {
		values["tenant_id"] = event.TenantID
	}
	if len(event.Details) > 0 {
		details, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
		values["details"] = string(details)
	}

	err := a.client.XAdd(ctx, &redis.XAddArgs{
		Stream: a.config.Stream,
		MaxLen: a.config.MaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}
