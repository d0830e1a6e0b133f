package payhook

import (
	"strings"
	"time"
)

// GracePeriodDays is the fixed dunning grace period, counted from the first
// past-due notification. Repeated provider pings never extend it.
const GracePeriodDays = 14

const gracePeriod = GracePeriodDays * 24 * time.Hour

// MapProviderStatus maps a provider-reported subscription status to the
// internal status. Total over all inputs: unknown statuses degrade to
// StatusExpired rather than failing or keeping stale state.
func MapProviderStatus(status string) SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return StatusActive
	case "past_due":
		return StatusPastDue
	case "paused":
		return StatusPaused
	case "canceled", "deleted":
		return StatusCanceled
	case "trialing":
		return StatusTrialing
	default:
		return StatusExpired
	}
}

// dunningState is the persisted dunning bookkeeping on a subscription.
type dunningState struct {
	PastDueAt         *time.Time
	GracePeriodEndsAt *time.Time
	AttemptCount      int
	LastAttemptAt     *time.Time
}

func dunningStateOf(sub *Subscription) dunningState {
	if sub == nil {
		return dunningState{}
	}
	return dunningState{
		PastDueAt:         sub.PastDueAt,
		GracePeriodEndsAt: sub.GracePeriodEndsAt,
		AttemptCount:      sub.DunningAttemptCount,
		LastAttemptAt:     sub.LastDunningAt,
	}
}

// nextDunningState is the status-driven dunning patch: a return to active
// clears the whole dunning state in the same write; any other status carries
// the prior state forward untouched.
func nextDunningState(status SubscriptionStatus, prior dunningState) dunningState {
	if status == StatusActive {
		return dunningState{}
	}
	return prior
}

// escalateDunning advances the dunning state for one past-due notification at
// time now. The attempt count increments every time, but the original
// PastDueAt and the grace window are set only on the first attempt and
// preserved afterwards.
func escalateDunning(prior dunningState, now time.Time) dunningState {
	next := prior
	next.AttemptCount++
	next.LastAttemptAt = &now
	if next.PastDueAt == nil {
		pastDue := now
		graceEnd := now.Add(gracePeriod)
		next.PastDueAt = &pastDue
		next.GracePeriodEndsAt = &graceEnd
	}
	return next
}

func (d dunningState) applyTo(sub *Subscription) {
	sub.PastDueAt = d.PastDueAt
	sub.GracePeriodEndsAt = d.GracePeriodEndsAt
	sub.DunningAttemptCount = d.AttemptCount
	sub.LastDunningAt = d.LastAttemptAt
}
