package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/abilashblnair/hearo-sub001/internal/subscription"
	"github.com/abilashblnair/hearo-sub001/pkg/entitlement"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// StripeProvider fetches the subscription for one Stripe customer. Webhooks
// keep the lifecycle fresh between polls; this poll is the reconciliation
// path when a webhook is lost or arrives out of order.
type StripeProvider struct {
	api        *client.API
	customerID string
}

// NewStripeProvider builds a provider scoped to one Stripe customer.
func NewStripeProvider(apiKey, customerID string) *StripeProvider {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeProvider{api: api, customerID: strings.TrimSpace(customerID)}
}

// Fetch implements subscription.Provider. A customer with no subscriptions
// at all reads as never-subscribed.
func (p *StripeProvider) Fetch(ctx context.Context) (subscription.Update, error) {
	if p.customerID == "" {
		return subscription.Update{}, fmt.Errorf("stripe customer is not configured")
	}

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(p.customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(10)

	var picked *stripe.Subscription
	iter := p.api.Subscriptions.List(params)
	for iter.Next() {
		sub := iter.Subscription()
		if picked == nil || statusRank(string(sub.Status)) > statusRank(string(picked.Status)) {
			picked = sub
		}
	}
	if err := iter.Err(); err != nil {
		return subscription.Update{}, fmt.Errorf("list stripe subscriptions: %w", err)
	}

	if picked == nil {
		return subscription.Update{
			State:       entitlement.SubStateNone,
			CustomerRef: p.customerID,
		}, nil
	}
	return updateFromStripe(picked, p.customerID), nil
}

// statusRank orders concurrent subscriptions so the healthiest one wins.
// A customer who resubscribed still has the old canceled row on the list.
func statusRank(status string) int {
	switch MapStripeStatus(status) {
	case entitlement.SubStateActive:
		return 5
	case entitlement.SubStateTrial:
		return 4
	case entitlement.SubStateGrace:
		return 3
	case entitlement.SubStateExpired:
		return 2
	default:
		return 1
	}
}

func updateFromStripe(sub *stripe.Subscription, customerID string) subscription.Update {
	upd := subscription.Update{
		State:       MapStripeStatus(string(sub.Status)),
		CustomerRef: customerID,
	}
	if sub.Customer != nil && sub.Customer.ID != "" {
		upd.CustomerRef = sub.Customer.ID
	}

	priceID := ""
	var periodEnd int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if priceID == "" && item.Price != nil {
				priceID = item.Price.ID
			}
			if item.CurrentPeriodEnd > periodEnd {
				periodEnd = item.CurrentPeriodEnd
			}
		}
	}
	upd.PlanVersion = DerivePlanVersion(sub.Metadata, priceID)
	if periodEnd > 0 {
		t := time.Unix(periodEnd, 0)
		upd.ExpiresAt = &t
	}
	if sub.TrialEnd > 0 {
		v := sub.TrialEnd
		upd.TrialEndsAt = &v
	}
	return upd
}
