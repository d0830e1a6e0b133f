package payhook_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/payhook/pkg/payhook"
)

func TestDunningFirstAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser("user-1", "tenant-1")

	body := subscriptionEvent("evt_pd1", "subscription.past_due", "sub_1", "past_due", "user-1", "tenant-1")
	res, err := env.processor.Process(context.Background(), env.signed(body))
	require.NoError(t, err)
	assert.Equal(t, payhook.OutcomeProcessed, res.Outcome)

	sub := env.store.Subscription("sub_1")
	require.NotNil(t, sub)
	assert.Equal(t, payhook.StatusPastDue, sub.Status)
	assert.Equal(t, 1, sub.DunningAttemptCount)
	require.NotNil(t, sub.PastDueAt)
	require.NotNil(t, sub.GracePeriodEndsAt)
	assert.Equal(t, testTime, sub.PastDueAt.UTC())
	assert.Equal(t, testTime.AddDate(0, 0, payhook.GracePeriodDays), sub.GracePeriodEndsAt.UTC())

	require.Len(t, env.notifier.paymentFailed, 1)
	email := env.notifier.paymentFailed[0]
	assert.Equal(t, payhook.GracePeriodDays, email.GracePeriodDays)
	assert.Equal(t, *sub.GracePeriodEndsAt, email.GracePeriodEndDate)
	assert.Equal(t, []string{"user-1@example.com"}, env.notifier.failedEmailTos)
}

func TestDunningRepeatPreservesGraceWindow(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser("user-1", "tenant-1")

	first := subscriptionEvent("evt_pd1", "subscription.past_due", "sub_1", "past_due", "user-1", "tenant-1")
	_, err := env.processor.Process(context.Background(), env.signed(first))
	require.NoError(t, err)

	env.clock.Advance(3 * 24 * time.Hour)

	second := subscriptionEvent("evt_pd2", "subscription.past_due", "sub_1", "past_due", "user-1", "tenant-1")
	_, err = env.processor.Process(context.Background(), env.signed(second))
	require.NoError(t, err)

	sub := env.store.Subscription("sub_1")
	require.NotNil(t, sub)
	assert.Equal(t, 2, sub.DunningAttemptCount)
	// The window is anchored to the first attempt; repeats never extend it.
	assert.Equal(t, testTime, sub.PastDueAt.UTC())
	assert.Equal(t, testTime.AddDate(0, 0, payhook.GracePeriodDays), sub.GracePeriodEndsAt.UTC())
	require.NotNil(t, sub.LastDunningAt)
	assert.Equal(t, env.clock.Now(), sub.LastDunningAt.UTC())

	// Only the first attempt notifies the member.
	assert.Len(t, env.notifier.paymentFailed, 1)
}

func TestRecoveryClearsDunningState(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser("user-1", "tenant-1")

	pastDue := subscriptionEvent("evt_pd1", "subscription.past_due", "sub_1", "past_due", "user-1", "tenant-1")
	_, err := env.processor.Process(context.Background(), env.signed(pastDue))
	require.NoError(t, err)

	env.clock.Advance(2 * 24 * time.Hour)

	recovered := subscriptionEvent("evt_up1", "subscription.updated", "sub_1", "active", "user-1", "tenant-1")
	_, err = env.processor.Process(context.Background(), env.signed(recovered))
	require.NoError(t, err)

	sub := env.store.Subscription("sub_1")
	require.NotNil(t, sub)
	assert.Equal(t, payhook.StatusActive, sub.Status)
	assert.Nil(t, sub.PastDueAt)
	assert.Nil(t, sub.GracePeriodEndsAt)
	assert.Nil(t, sub.LastDunningAt)
	assert.Zero(t, sub.DunningAttemptCount)
}

func TestNonActiveUpdateKeepsDunningState(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser("user-1", "tenant-1")

	pastDue := subscriptionEvent("evt_pd1", "subscription.past_due", "sub_1", "past_due", "user-1", "tenant-1")
	_, err := env.processor.Process(context.Background(), env.signed(pastDue))
	require.NoError(t, err)

	paused := subscriptionEvent("evt_up1", "subscription.updated", "sub_1", "paused", "user-1", "tenant-1")
	_, err = env.processor.Process(context.Background(), env.signed(paused))
	require.NoError(t, err)

	sub := env.store.Subscription("sub_1")
	require.NotNil(t, sub)
	assert.Equal(t, payhook.StatusPaused, sub.Status)
	assert.Equal(t, 1, sub.DunningAttemptCount)
	require.NotNil(t, sub.GracePeriodEndsAt)
}

func TestCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser("user-1", "tenant-1")

	body := `{
		"event_id": "evt_c1",
		"event_type": "subscription.updated",
		"data": {
			"id": "sub_1",
			"status": "canceled",
			"custom_data": {"userId": "user-1", "tenantId": "tenant-1"},
			"scheduled_change": {"action": "cancel"}
		}
	}`
	_, err := env.processor.Process(context.Background(), env.signed(body))
	require.NoError(t, err)

	sub := env.store.Subscription("sub_1")
	require.NotNil(t, sub)
	assert.Equal(t, payhook.StatusCanceled, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	require.NotNil(t, sub.CanceledAt)
	assert.Equal(t, testTime, sub.CanceledAt.UTC())
}

func TestUnknownProviderStatusDegradesToExpired(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser("user-1", "tenant-1")

	body := subscriptionEvent("evt_1", "subscription.updated", "sub_1", "something_new", "user-1", "tenant-1")
	res, err := env.processor.Process(context.Background(), env.signed(body))
	require.NoError(t, err)
	assert.Equal(t, payhook.OutcomeProcessed, res.Outcome)

	sub := env.store.Subscription("sub_1")
	require.NotNil(t, sub)
	assert.Equal(t, payhook.StatusExpired, sub.Status)
}

func TestRenewalKeepsTenantWithoutCustomData(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser("user-1", "tenant-1")

	created := subscriptionEvent("evt_1", "subscription.created", "sub_1", "active", "user-1", "tenant-1")
	_, err := env.processor.Process(context.Background(), env.signed(created))
	require.NoError(t, err)

	// Renewal echoes the user id but drops the tenant hint.
	renewal := `{
		"event_id": "evt_2",
		"event_type": "subscription.updated",
		"data": {
			"id": "sub_1",
			"status": "active",
			"custom_data": {"userId": "user-1"}
		}
	}`
	_, err = env.processor.Process(context.Background(), env.signed(renewal))
	require.NoError(t, err)

	sub := env.store.Subscription("sub_1")
	require.NotNil(t, sub)
	assert.Equal(t, "tenant-1", sub.TenantID)
}

func TestBranchFallsBackToTenantDefault(t *testing.T) {
	keyVariants := map[string]map[string]interface{}{
		"branchId":        {"branchId": "branch-a"},
		"defaultBranchId": {"defaultBranchId": "branch-a"},
		"id":              {"id": "branch-a"},
		"value":           {"value": "branch-a"},
	}

	for name, setting := range keyVariants {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			env.seedUser("user-1", "tenant-1")
			env.store.SeedTenantSetting("tenant-1", payhook.DefaultBranchSettingKey, setting)

			body := subscriptionEvent("evt_1", "subscription.created", "sub_1", "active", "user-1", "tenant-1")
			_, err := env.processor.Process(context.Background(), env.signed(body))
			require.NoError(t, err)

			sub := env.store.Subscription("sub_1")
			require.NotNil(t, sub)
			assert.Equal(t, "branch-a", sub.BranchID)
		})
	}
}

func TestBranchKeyPriorityOrder(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser("user-1", "tenant-1")
	env.store.SeedTenantSetting("tenant-1", payhook.DefaultBranchSettingKey, map[string]interface{}{
		"value":    "branch-low",
		"branchId": "branch-high",
	})

	body := subscriptionEvent("evt_1", "subscription.created", "sub_1", "active", "user-1", "tenant-1")
	_, err := env.processor.Process(context.Background(), env.signed(body))
	require.NoError(t, err)

	sub := env.store.Subscription("sub_1")
	require.NotNil(t, sub)
	assert.Equal(t, "branch-high", sub.BranchID)
}

func TestMapProviderStatusTotality(t *testing.T) {
	cases := map[string]payhook.SubscriptionStatus{
		"active":    payhook.StatusActive,
		"ACTIVE":    payhook.StatusActive,
		"past_due":  payhook.StatusPastDue,
		"paused":    payhook.StatusPaused,
		"canceled":  payhook.StatusCanceled,
		"deleted":   payhook.StatusCanceled,
		"trialing":  payhook.StatusTrialing,
		"":          payhook.StatusExpired,
		"gibberish": payhook.StatusExpired,
		" active ":  payhook.StatusActive,
	}
	for input, want := range cases {
		assert.Equal(t, want, payhook.MapProviderStatus(input), "input %q", input)
	}
}
