package entitlement

import "slices"

// SubscriptionState is the billing lifecycle state of a subscription.
type SubscriptionState string

const (
	SubStateNone     SubscriptionState = "none"     // Never subscribed
	SubStateTrial    SubscriptionState = "trial"    // Introductory trial running
	SubStateActive   SubscriptionState = "active"   // Paid and in good standing
	SubStateGrace    SubscriptionState = "grace"    // Payment failed, billing retrying
	SubStateExpired  SubscriptionState = "expired"  // Lapsed without renewal
	SubStateCanceled SubscriptionState = "canceled" // Ended by the user
)

// IsValidSubscriptionState reports whether state is one of the known
// lifecycle states.
func IsValidSubscriptionState(state SubscriptionState) bool {
	switch state {
	case SubStateNone,
		SubStateTrial,
		SubStateActive,
		SubStateGrace,
		SubStateExpired,
		SubStateCanceled:
		return true
	default:
		return false
	}
}

// EffectiveTier maps a lifecycle state to the tier Evaluate gates on.
// Unknown states read as free.
func EffectiveTier(state SubscriptionState) Tier {
	switch state {
	case SubStateTrial, SubStateActive, SubStateGrace:
		return TierPremium
	default:
		return TierFree
	}
}

// StateBehavior describes what a subscription state means for the app.
type StateBehavior struct {
	// State is the subscription state this behavior applies to.
	State SubscriptionState

	// FeaturesAvailable indicates whether premium features are accessible.
	FeaturesAvailable bool

	// ShowWarning indicates whether the UI should show a billing banner.
	ShowWarning bool

	// Description is a human-readable description of the state behavior.
	Description string
}

// StateBehaviors maps each subscription state to its behavior rules.
var StateBehaviors = map[SubscriptionState]StateBehavior{
	SubStateNone: {
		State:             SubStateNone,
		FeaturesAvailable: false,
		ShowWarning:       false,
		Description:       "Free tier with daily caps and rewarded-ad bonuses.",
	},
	SubStateTrial: {
		State:             SubStateTrial,
		FeaturesAvailable: true,
		ShowWarning:       false,
		Description:       "Full Premium with a trial expiry timer.",
	},
	SubStateActive: {
		State:             SubStateActive,
		FeaturesAvailable: true,
		ShowWarning:       false,
		Description:       "Premium subscription in good standing.",
	},
	SubStateGrace: {
		State:             SubStateGrace,
		FeaturesAvailable: true,
		ShowWarning:       true,
		Description:       "Premium preserved while billing retries the payment.",
	},
	SubStateExpired: {
		State:             SubStateExpired,
		FeaturesAvailable: false,
		ShowWarning:       true,
		Description:       "Subscription lapsed; back on free caps, recordings kept.",
	},
	SubStateCanceled: {
		State:             SubStateCanceled,
		FeaturesAvailable: false,
		ShowWarning:       false,
		Description:       "Subscription ended; back on free caps, recordings kept.",
	},
}

// GetBehavior returns the behavior rules for the given state.
// Returns expired behavior as default for unknown states.
func GetBehavior(state SubscriptionState) StateBehavior {
	if b, ok := StateBehaviors[state]; ok {
		return b
	}
	return StateBehaviors[SubStateExpired]
}

// Transition represents a valid state transition.
type Transition struct {
	From SubscriptionState
	To   SubscriptionState
}

// validTransitions defines all allowed state transitions.
var validTransitions = map[Transition]bool{
	{SubStateNone, SubStateTrial}:      true, // Trial started
	{SubStateNone, SubStateActive}:     true, // Direct purchase without a trial
	{SubStateTrial, SubStateActive}:    true, // Trial converted to paid
	{SubStateTrial, SubStateExpired}:   true, // Trial ended without conversion
	{SubStateTrial, SubStateCanceled}:  true, // Auto-renew turned off during trial
	{SubStateActive, SubStateGrace}:    true, // Payment failed, entering grace
	{SubStateActive, SubStateCanceled}: true, // User canceled
	{SubStateActive, SubStateExpired}:  true, // Period ended without renewal
	{SubStateGrace, SubStateActive}:    true, // Payment recovered
	{SubStateGrace, SubStateExpired}:   true, // Grace period ended
	{SubStateGrace, SubStateCanceled}:  true, // User canceled during grace
	{SubStateExpired, SubStateActive}:  true, // Re-subscription
	{SubStateCanceled, SubStateActive}: true, // Re-subscription
}

// CanTransition checks if a transition from one state to another is valid.
// Same-state transitions are valid; they carry refreshed billing fields.
func CanTransition(from, to SubscriptionState) bool {
	if from == to {
		return IsValidSubscriptionState(to)
	}
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns all valid target states from the given state.
func ValidTransitionsFrom(from SubscriptionState) []SubscriptionState {
	targets := make([]SubscriptionState, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}

	// Stabilize ordering for deterministic callers/tests.
	slices.Sort(targets)
	return targets
}
