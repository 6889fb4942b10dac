package entitlement

import (
	"math"
	"time"
)

// Payload is the normalized entitlement response for client consumption.
// Clients should use this instead of inferring capabilities from tier names.
type Payload struct {
	// Capabilities lists all granted capability keys.
	Capabilities []string `json:"capabilities"`

	// Limits lists quantitative limits with current usage.
	Limits []LimitStatus `json:"limits"`

	// SubscriptionState is the current subscription lifecycle state.
	SubscriptionState string `json:"subscription_state"`

	// UpgradeReasons provides user-actionable upgrade prompts.
	UpgradeReasons []UpgradeReason `json:"upgrade_reasons"`

	// PlanVersion preserves grandfathered terms.
	PlanVersion string `json:"plan_version,omitempty"`

	// Tier is the marketing tier name (for display only, never gate on this).
	Tier string `json:"tier"`

	// ShowWarning mirrors the state behavior's billing banner flag.
	ShowWarning bool `json:"show_warning"`

	// TrialExpiresAt is the trial expiration Unix timestamp when in trial state.
	TrialExpiresAt *int64 `json:"trial_expires_at,omitempty"`

	// TrialDaysRemaining is the number of whole or partial days remaining in trial.
	TrialDaysRemaining *int `json:"trial_days_remaining,omitempty"`

	// RemainingRecordings is how many recordings may still be started today.
	// Omitted when recordings are unlimited.
	RemainingRecordings *int `json:"remaining_recordings,omitempty"`

	// MaxRecordingSeconds is the advisory per-recording cap (0 = uncapped).
	MaxRecordingSeconds int64 `json:"max_recording_seconds"`

	// HistoryRetentionDays is the history window in days (0 = unlimited).
	HistoryRetentionDays int `json:"history_retention_days"`

	// RewardedAdsPerBonus is how many rewarded ads earn one bonus recording.
	// Omitted when the tier has no recording cap to extend.
	RewardedAdsPerBonus int `json:"rewarded_ads_per_bonus,omitempty"`

	// MaxBonusRecordings caps the bonus slots a day can accumulate.
	MaxBonusRecordings int `json:"max_bonus_recordings,omitempty"`
}

// LimitStatus represents a quantitative limit with current usage state.
type LimitStatus struct {
	// Key is the limit identifier (e.g., "daily_recordings").
	Key string `json:"key"`

	// Limit is the maximum allowed value (0 = unlimited).
	Limit int64 `json:"limit"`

	// Current is the observed current usage.
	Current int64 `json:"current"`

	// State describes the over-limit UX state.
	// Values: "ok", "warning", "enforced"
	State string `json:"state"`
}

// UpgradeReason provides context for why a user should upgrade.
type UpgradeReason struct {
	// Key is the capability this reason relates to.
	Key string `json:"key"`

	// Reason is a user-facing description of why upgrading helps.
	Reason string `json:"reason"`

	// ActionURL is where the user can go to upgrade.
	ActionURL string `json:"action_url,omitempty"`
}

// Limit keys reported in Payload.Limits.
const (
	LimitKeyDailyRecordings = "daily_recordings"
	LimitKeyBonusRecordings = "bonus_recordings"
)

// BuildPayload constructs the normalized payload for the given lifecycle
// state, the day's usage, and the configured limits. trialEndsAt is the
// trial end as Unix seconds when known.
func BuildPayload(state SubscriptionState, planVersion string, usage UsageSnapshot, limits Limits, trialEndsAt *int64) Payload {
	behavior := GetBehavior(state)
	tier := EffectiveTier(behavior.State)

	payload := Payload{
		Capabilities:      append([]string(nil), TierFeatures[tier]...),
		Limits:            []LimitStatus{},
		SubscriptionState: string(behavior.State),
		UpgradeReasons:    []UpgradeReason{},
		PlanVersion:       planVersion,
		Tier:              string(tier),
		ShowWarning:       behavior.ShowWarning,
	}

	if payload.Capabilities == nil {
		payload.Capabilities = []string{}
	}

	if behavior.State == SubStateTrial {
		applyTrialWindow(&payload, trialEndsAt, time.Now().Unix())
	}

	if tier != TierPremium {
		payload.MaxRecordingSeconds = int64(limits.MaxRecordingDuration / time.Second)
		payload.HistoryRetentionDays = limits.HistoryRetentionDays
		payload.RewardedAdsPerBonus = limits.RewardedAdsPerBonus
		payload.MaxBonusRecordings = limits.MaxBonusRecordings

		if remaining, limited := RemainingRecordings(usage, limits); limited {
			payload.RemainingRecordings = &remaining
			effectiveLimit := int64(limits.DailyRecordingLimit + usage.BonusRecordings)
			payload.Limits = append(payload.Limits, LimitStatus{
				Key:     LimitKeyDailyRecordings,
				Limit:   effectiveLimit,
				Current: int64(usage.RecordingsStarted),
				State:   LimitState(int64(usage.RecordingsStarted), effectiveLimit),
			})
		}
		if limits.MaxBonusRecordings > 0 {
			payload.Limits = append(payload.Limits, LimitStatus{
				Key:     LimitKeyBonusRecordings,
				Limit:   int64(limits.MaxBonusRecordings),
				Current: int64(usage.BonusRecordings),
				State:   LimitState(int64(usage.BonusRecordings), int64(limits.MaxBonusRecordings)),
			})
		}
	}

	reasons := GenerateUpgradeReasons(payload.Capabilities)
	payload.UpgradeReasons = make([]UpgradeReason, 0, len(reasons))
	for _, reason := range reasons {
		payload.UpgradeReasons = append(payload.UpgradeReasons, UpgradeReason{
			Key:       reason.Feature,
			Reason:    reason.Reason,
			ActionURL: reason.ActionURL,
		})
	}

	return payload
}

func applyTrialWindow(payload *Payload, trialEndsAt *int64, nowUnix int64) {
	if payload == nil || trialEndsAt == nil {
		return
	}
	expiresAtUnix := *trialEndsAt
	payload.TrialExpiresAt = &expiresAtUnix
	daysRemaining := remainingTrialDays(expiresAtUnix, nowUnix)
	payload.TrialDaysRemaining = &daysRemaining
}

func remainingTrialDays(expiresAtUnix, nowUnix int64) int {
	daysRemaining := int(math.Ceil(float64(expiresAtUnix-nowUnix) / 86400.0))
	if daysRemaining < 0 {
		daysRemaining = 0
	}
	return daysRemaining
}

// LimitState returns the over-limit UX state string.
func LimitState(current, limit int64) string {
	if limit <= 0 {
		return "ok" // unlimited
	}
	if current >= limit {
		return "enforced"
	}
	// For small limits (<=10, but >1), warn at N-1 so users get notice before
	// hitting the wall. For larger limits, use a 90% threshold.
	if limit > 1 && limit <= 10 {
		if current >= limit-1 {
			return "warning"
		}
	} else if current*10 >= limit*9 {
		return "warning"
	}
	return "ok"
}
