package payhook

import (
	"context"
	"errors"
	"fmt"
)

// SubscriptionContext is the resolved ownership of a subscription event:
// which user, tenant, branch and agent it belongs to.
type SubscriptionContext struct {
	UserID   string
	TenantID string
	BranchID string
	AgentID  string
	User     *UserRecord
}

// DefaultBranchSettingKey is the tenant setting consulted when no agent
// branch is assignable.
const DefaultBranchSettingKey = "default_branch"

// defaultBranchKeys are the historical key names under which tenants have
// stored their default branch, tried in priority order. The first string
// match wins.
var defaultBranchKeys = []string{"branchId", "defaultBranchId", "id", "value"}

// branchFromSetting extracts a branch id from a loosely-typed legacy settings
// blob.
func branchFromSetting(setting map[string]interface{}) (string, bool) {
	for _, key := range defaultBranchKeys {
		if s, ok := setting[key].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// resolveSubscriptionContext attributes a subscription event. A non-empty
// skip reason means the event cannot be attributed and must be ignored with a
// warning; an error means storage failed and the event should be retried via
// provider redelivery.
func (p *Processor) resolveSubscriptionContext(
	ctx context.Context, existing *Subscription, custom CustomData,
) (*SubscriptionContext, string, error) {
	// Attribution always starts from the checkout custom data; without a user
	// id the event cannot be tied to anyone.
	if custom.UserID == "" {
		return nil, "no user id in event custom data", nil
	}

	sc := &SubscriptionContext{
		UserID:  custom.UserID,
		AgentID: custom.AgentID,
	}

	user, err := p.storage.GetUser(ctx, custom.UserID)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, "", fmt.Errorf("failed to load user %s: %w", custom.UserID, err)
	}
	sc.User = user

	// Tenant: an existing subscription row wins, so renewals keep their
	// tenant even when the provider stops echoing custom data. Fall back to
	// the user's tenant, then to the custom-data tenant hint.
	switch {
	case existing != nil && existing.TenantID != "":
		sc.TenantID = existing.TenantID
	case user != nil && user.TenantID != "":
		sc.TenantID = user.TenantID
	case custom.TenantID != "":
		sc.TenantID = custom.TenantID
	}
	if sc.TenantID == "" {
		return nil, "no tenant resolvable for user " + custom.UserID, nil
	}

	if sc.AgentID == "" && user != nil {
		sc.AgentID = user.AgentID
	}

	branch, err := p.resolveBranch(ctx, sc)
	if err != nil {
		return nil, "", err
	}
	sc.BranchID = branch

	return sc, "", nil
}

// resolveBranch prefers the assigned agent's branch and falls back to the
// tenant's default-branch setting.
func (p *Processor) resolveBranch(ctx context.Context, sc *SubscriptionContext) (string, error) {
	if sc.AgentID != "" {
		agent, err := p.storage.GetUser(ctx, sc.AgentID)
		if err != nil && !errors.Is(err, ErrUserNotFound) {
			return "", fmt.Errorf("failed to load agent %s: %w", sc.AgentID, err)
		}
		if agent != nil && agent.BranchID != "" {
			return agent.BranchID, nil
		}
	}
	if sc.User != nil && sc.User.BranchID != "" {
		return sc.User.BranchID, nil
	}

	setting, err := p.storage.GetTenantSetting(ctx, sc.TenantID, DefaultBranchSettingKey)
	if err != nil {
		return "", fmt.Errorf("failed to load tenant setting: %w", err)
	}
	if branch, ok := branchFromSetting(setting); ok {
		return branch, nil
	}
	return "", nil
}
