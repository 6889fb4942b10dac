// Package billing translates Stripe subscription payloads into lifecycle
// updates and fetches the authoritative state for periodic refreshes.
package billing

import (
	"strings"
	"time"

	"github.com/abilashblnair/hearo-sub001/internal/subscription"
	"github.com/abilashblnair/hearo-sub001/pkg/entitlement"
)

// MapStripeStatus maps a Stripe subscription status to the lifecycle state
// gating runs on.
func MapStripeStatus(status string) entitlement.SubscriptionState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return entitlement.SubStateActive
	case "trialing":
		return entitlement.SubStateTrial
	case "past_due":
		return entitlement.SubStateGrace
	case "canceled":
		return entitlement.SubStateCanceled
	case "unpaid", "paused", "incomplete", "incomplete_expired":
		return entitlement.SubStateExpired
	default:
		// Fail closed: an unknown status must not grant premium.
		return entitlement.SubStateExpired
	}
}

// DerivePlanVersion prefers explicit plan metadata, falling back to the
// price ID so grandfathered terms stay pinned to something stable.
func DerivePlanVersion(metadata map[string]string, priceID string) string {
	if metadata != nil {
		if v := strings.TrimSpace(metadata["plan_version"]); v != "" {
			return v
		}
		if v := strings.TrimSpace(metadata["plan"]); v != "" {
			return v
		}
	}
	if strings.TrimSpace(priceID) != "" {
		return "stripe_price:" + strings.TrimSpace(priceID)
	}
	return "stripe"
}

// SubscriptionEvent is the slice of a customer.subscription.* webhook
// payload we consume. Decoding it locally keeps the handler tolerant of
// Stripe API version drift in fields we never read.
type SubscriptionEvent struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	TrialEnd          int64  `json:"trial_end"`

	// Older API versions carry the period end on the subscription.
	CurrentPeriodEnd int64 `json:"current_period_end"`

	Items struct {
		Data []struct {
			// Newer API versions carry the period end per item.
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID       string            `json:"id"`
				Metadata map[string]string `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`

	Metadata map[string]string `json:"metadata"`
}

// PeriodEnd returns the current period end, wherever the payload carries it.
func (e SubscriptionEvent) PeriodEnd() int64 {
	end := e.CurrentPeriodEnd
	for _, item := range e.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	return end
}

// PriceID returns the first item's price ID, if any.
func (e SubscriptionEvent) PriceID() string {
	for _, item := range e.Items.Data {
		if id := strings.TrimSpace(item.Price.ID); id != "" {
			return id
		}
	}
	return ""
}

// ToUpdate converts the payload into a lifecycle update.
func (e SubscriptionEvent) ToUpdate() subscription.Update {
	upd := subscription.Update{
		State:       MapStripeStatus(e.Status),
		CustomerRef: strings.TrimSpace(e.Customer),
		PlanVersion: DerivePlanVersion(e.Metadata, e.PriceID()),
	}
	if end := e.PeriodEnd(); end > 0 {
		t := time.Unix(end, 0)
		upd.ExpiresAt = &t
	}
	if e.TrialEnd > 0 {
		v := e.TrialEnd
		upd.TrialEndsAt = &v
	}
	return upd
}

// CanceledUpdate is the update for customer.subscription.deleted. The
// status on a deleted subscription is not trusted to say anything but
// canceled; access is revoked immediately.
func (e SubscriptionEvent) CanceledUpdate() subscription.Update {
	upd := e.ToUpdate()
	upd.State = entitlement.SubStateCanceled
	return upd
}
