package entitlement

import (
	"strings"
	"time"
)

// Request identifies one gated action a caller wants to perform.
type Request struct {
	// Feature is one of the Feature* key constants.
	Feature string

	// Language is the requested transcription language (BCP 47). Only
	// meaningful when Feature is FeatureAllLanguages.
	Language string
}

// Decision is the outcome of evaluating a Request. It is computed fresh on
// every call and never persisted.
type Decision struct {
	// Allowed reports whether the action may proceed.
	Allowed bool

	// Reason is the user-facing denial copy. Empty when allowed.
	Reason string

	// TriggersPaywall is set on every denial so the caller can present the
	// upgrade sheet.
	TriggersPaywall bool

	// UpgradeURL is where the paywall should send the user. Empty when allowed.
	UpgradeURL string

	// MaxDuration is the advisory per-recording cap attached to allowed
	// FeatureUnlimitedDuration requests on the free tier. Zero means uncapped.
	MaxDuration time.Duration

	// RetentionDays is the advisory history window attached to allowed
	// FeatureUnlimitedHistory requests on the free tier. Zero means unlimited.
	RetentionDays int
}

// UsageSnapshot is a read-only view of one calendar day's counters.
type UsageSnapshot struct {
	// Day is the counter day key in "2006-01-02" form.
	Day string `json:"day"`

	// RecordingsStarted is how many recordings were started on Day.
	RecordingsStarted int `json:"recordings_started"`

	// BonusRecordings is how many extra recording slots rewarded ads earned
	// on Day. Never exceeds Limits.MaxBonusRecordings.
	BonusRecordings int `json:"bonus_recordings"`

	// RewardedAdsWatched is how many rewarded ads completed on Day.
	RewardedAdsWatched int `json:"rewarded_ads_watched"`
}

// Evaluate decides whether tier may perform req given the day's usage and
// the configured limits.
//
// It is a pure function: no clock, no locks, no I/O, no mutation of its
// inputs. Identical inputs always produce the identical Decision. Consuming
// quota (incrementing counters) is the caller's separate, explicit step
// after the gated action proceeds.
//
// Any tier other than TierPremium gates as free, so an unknown or
// unresolved subscription fails closed without erroring.
func Evaluate(req Request, tier Tier, usage UsageSnapshot, limits Limits) Decision {
	if tier == TierPremium {
		return allow()
	}

	switch req.Feature {
	case FeatureUnlimitedRecordings:
		if limits.DailyRecordingLimit <= 0 {
			return allow()
		}
		// Accrual caps the bonus; a stale snapshot can never widen the gate
		// past the cap.
		bonus := usage.BonusRecordings
		if limits.MaxBonusRecordings >= 0 && bonus > limits.MaxBonusRecordings {
			bonus = limits.MaxBonusRecordings
		}
		if usage.RecordingsStarted < limits.DailyRecordingLimit+bonus {
			return allow()
		}
		return deny(FeatureUnlimitedRecordings)

	case FeatureUnlimitedDuration:
		d := allow()
		d.MaxDuration = limits.MaxRecordingDuration
		return d

	case FeatureAllLanguages:
		if languageAllowed(req.Language, limits.AllowedLanguages) {
			return allow()
		}
		return deny(FeatureAllLanguages)

	case FeatureUnlimitedHistory:
		d := allow()
		d.RetentionDays = limits.HistoryRetentionDays
		return d

	case FeatureExport, FeatureFolderManagement, FeatureNoAds, FeatureEarlyAccess:
		return deny(req.Feature)

	default:
		// Unknown feature keys deny rather than silently allow.
		return deny(req.Feature)
	}
}

// RemainingRecordings reports how many recordings may still be started on
// the snapshot's day under the free tier, including earned bonus slots, and
// whether a daily limit applies at all.
func RemainingRecordings(usage UsageSnapshot, limits Limits) (int, bool) {
	if limits.DailyRecordingLimit <= 0 {
		return 0, false
	}
	bonus := usage.BonusRecordings
	if limits.MaxBonusRecordings >= 0 && bonus > limits.MaxBonusRecordings {
		bonus = limits.MaxBonusRecordings
	}
	remaining := limits.DailyRecordingLimit + bonus - usage.RecordingsStarted
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(feature string) Decision {
	return Decision{
		Reason:          DenialReason(feature),
		TriggersPaywall: true,
		UpgradeURL:      UpgradeURLForFeature(feature),
	}
}

// languageAllowed checks code against the allow-list. Matching is
// case-insensitive and regional variants fall back to the primary subtag
// ("es-MX" matches "es"). An empty allow-list places no restriction.
func languageAllowed(code string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	primary := primarySubtag(code)
	if primary == "" {
		return false
	}
	for _, candidate := range allowed {
		if primarySubtag(candidate) == primary {
			return true
		}
	}
	return false
}

// primarySubtag lowercases a BCP 47 tag and strips everything after the
// primary language subtag.
func primarySubtag(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i >= 0 {
		code = code[:i]
	}
	return code
}
