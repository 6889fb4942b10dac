package billing

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/abilashblnair/hearo-sub001/pkg/entitlement"
	"github.com/stripe/stripe-go/v82"
)

func TestMapStripeStatus(t *testing.T) {
	tests := []struct {
		status string
		want   entitlement.SubscriptionState
	}{
		{"active", entitlement.SubStateActive},
		{"trialing", entitlement.SubStateTrial},
		{"past_due", entitlement.SubStateGrace},
		{"unpaid", entitlement.SubStateExpired},
		{"canceled", entitlement.SubStateCanceled},
		{"paused", entitlement.SubStateExpired},
		{"incomplete", entitlement.SubStateExpired},
		{"incomplete_expired", entitlement.SubStateExpired},
		{"  Active  ", entitlement.SubStateActive},
		{"TRIALING", entitlement.SubStateTrial},
		{"", entitlement.SubStateExpired},
		{"something_new", entitlement.SubStateExpired},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			if got := MapStripeStatus(tt.status); got != tt.want {
				t.Errorf("MapStripeStatus(%q) = %s, want %s", tt.status, got, tt.want)
			}
		})
	}
}

func TestUnknownStatusNeverGrantsPremium(t *testing.T) {
	for _, status := range []string{"", "paused", "bogus", "incomplete"} {
		state := MapStripeStatus(status)
		if entitlement.EffectiveTier(state) == entitlement.TierPremium {
			t.Errorf("status %q mapped to %s, which grants premium", status, state)
		}
	}
}

func TestDerivePlanVersion(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
		priceID  string
		want     string
	}{
		{"plan_version wins", map[string]string{"plan_version": "premium_v3", "plan": "x"}, "price_1", "premium_v3"},
		{"plan fallback", map[string]string{"plan": "premium_v2"}, "price_1", "premium_v2"},
		{"price fallback", nil, "price_1", "stripe_price:price_1"},
		{"price trimmed", map[string]string{}, "  price_1  ", "stripe_price:price_1"},
		{"bare default", nil, "", "stripe"},
		{"blank metadata ignored", map[string]string{"plan_version": "   "}, "", "stripe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DerivePlanVersion(tt.metadata, tt.priceID); got != tt.want {
				t.Errorf("DerivePlanVersion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSubscriptionEventToUpdate(t *testing.T) {
	payload := []byte(`{
		"id": "sub_123",
		"customer": "cus_123",
		"status": "trialing",
		"trial_end": 1750000000,
		"items": {"data": [{"current_period_end": 1751000000, "price": {"id": "price_premium", "metadata": {"plan_version": "premium_monthly_v2"}}}]},
		"metadata": {"plan_version": "premium_monthly_v2"}
	}`)

	var ev SubscriptionEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	upd := ev.ToUpdate()
	if upd.State != entitlement.SubStateTrial {
		t.Errorf("State = %s, want trial", upd.State)
	}
	if upd.CustomerRef != "cus_123" {
		t.Errorf("CustomerRef = %q, want cus_123", upd.CustomerRef)
	}
	if upd.PlanVersion != "premium_monthly_v2" {
		t.Errorf("PlanVersion = %q", upd.PlanVersion)
	}
	if upd.ExpiresAt == nil || upd.ExpiresAt.Unix() != 1751000000 {
		t.Errorf("ExpiresAt = %v, want unix 1751000000", upd.ExpiresAt)
	}
	if upd.TrialEndsAt == nil || *upd.TrialEndsAt != 1750000000 {
		t.Errorf("TrialEndsAt = %v, want 1750000000", upd.TrialEndsAt)
	}
}

func TestSubscriptionEventPeriodEndLegacyField(t *testing.T) {
	// Pre-basil API versions put current_period_end on the subscription.
	var ev SubscriptionEvent
	if err := json.Unmarshal([]byte(`{"status": "active", "current_period_end": 1751000000}`), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := ev.PeriodEnd(); got != 1751000000 {
		t.Errorf("PeriodEnd() = %d, want 1751000000", got)
	}
}

func TestCanceledUpdateIgnoresStatus(t *testing.T) {
	ev := SubscriptionEvent{Customer: "cus_123", Status: "active"}
	upd := ev.CanceledUpdate()
	if upd.State != entitlement.SubStateCanceled {
		t.Errorf("State = %s, want canceled", upd.State)
	}
	if upd.CustomerRef != "cus_123" {
		t.Errorf("CustomerRef = %q, want cus_123", upd.CustomerRef)
	}
}

func TestUpdateFromStripe(t *testing.T) {
	sub := &stripe.Subscription{
		Status:   stripe.SubscriptionStatusActive,
		Customer: &stripe.Customer{ID: "cus_999"},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					CurrentPeriodEnd: 1751000000,
					Price:            &stripe.Price{ID: "price_premium"},
				},
			},
		},
		Metadata: map[string]string{},
	}

	upd := updateFromStripe(sub, "cus_configured")
	if upd.State != entitlement.SubStateActive {
		t.Errorf("State = %s, want active", upd.State)
	}
	if upd.CustomerRef != "cus_999" {
		t.Errorf("CustomerRef = %q, want expanded customer id", upd.CustomerRef)
	}
	if upd.PlanVersion != "stripe_price:price_premium" {
		t.Errorf("PlanVersion = %q", upd.PlanVersion)
	}
	if upd.ExpiresAt == nil || upd.ExpiresAt.Unix() != 1751000000 {
		t.Errorf("ExpiresAt = %v", upd.ExpiresAt)
	}
	if upd.TrialEndsAt != nil {
		t.Errorf("TrialEndsAt = %v, want nil", upd.TrialEndsAt)
	}
}

func TestStatusRankPrefersLiveSubscription(t *testing.T) {
	if statusRank("active") <= statusRank("canceled") {
		t.Error("active should outrank canceled")
	}
	if statusRank("trialing") <= statusRank("incomplete_expired") {
		t.Error("trialing should outrank incomplete_expired")
	}
	if statusRank("past_due") <= statusRank("canceled") {
		t.Error("past_due should outrank canceled")
	}
}

func TestUpdateFromStripeTrial(t *testing.T) {
	sub := &stripe.Subscription{
		Status:   stripe.SubscriptionStatusTrialing,
		TrialEnd: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC).Unix(),
	}

	upd := updateFromStripe(sub, "cus_123")
	if upd.State != entitlement.SubStateTrial {
		t.Errorf("State = %s, want trial", upd.State)
	}
	if upd.CustomerRef != "cus_123" {
		t.Errorf("CustomerRef = %q, want configured fallback", upd.CustomerRef)
	}
	if upd.TrialEndsAt == nil {
		t.Fatal("TrialEndsAt should be set while trialing")
	}
}
