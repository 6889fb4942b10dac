// Package entitlement defines Hearo's shared feature and tier contracts.
//
// This package is the single source of truth for the free/premium split.
// Runtime surfaces gate on feature keys and the Evaluate decision, never on
// tier names.
package entitlement

import "time"

// Feature constants represent gated features in Hearo.
// These are the keys callers pass to Evaluate and the keys used in payloads.
const (
	FeatureUnlimitedRecordings = "unlimited_recordings" // No daily cap on recordings started
	FeatureUnlimitedDuration   = "unlimited_duration"   // No per-recording duration cap
	FeatureAllLanguages        = "all_languages"        // Transcription beyond the free allow-list
	FeatureExport              = "export"               // PDF/TXT/SRT export and share
	FeatureUnlimitedHistory    = "unlimited_history"    // Recordings kept past the retention window
	FeatureFolderManagement    = "folder_management"    // Organizing recordings into folders
	FeatureNoAds               = "no_ads"               // No banner or interstitial ads
	FeatureEarlyAccess         = "early_access"         // New features before general release
)

// Tier represents a subscription tier.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// freeFeatures is empty on purpose: every gated capability key is
// premium-only. The free tier gets capped equivalents through Evaluate
// (daily recording quota, duration cap, language allow-list, retention
// window) rather than capability grants.
var freeFeatures = []string{}

// premiumFeatures grants every gated capability.
var premiumFeatures = appendFeatures(freeFeatures,
	FeatureUnlimitedRecordings,
	FeatureUnlimitedDuration,
	FeatureAllLanguages,
	FeatureExport,
	FeatureUnlimitedHistory,
	FeatureFolderManagement,
	FeatureNoAds,
	FeatureEarlyAccess,
)

// appendFeatures returns a new slice with extra features appended (no mutation).
func appendFeatures(base []string, extra ...string) []string {
	result := make([]string, len(base), len(base)+len(extra))
	copy(result, base)
	return append(result, extra...)
}

// TierFeatures maps each tier to its included features.
var TierFeatures = map[Tier][]string{
	TierFree:    freeFeatures,
	TierPremium: premiumFeatures,
}

// Limits holds the configured free-tier gating limits. Zero values mean
// "no limit" for the numeric fields and "no restriction" for the language
// allow-list.
type Limits struct {
	// DailyRecordingLimit is the number of recordings a free user may start
	// per calendar day, before bonus slots.
	DailyRecordingLimit int

	// MaxRecordingDuration is the advisory per-recording cap for free users.
	MaxRecordingDuration time.Duration

	// AllowedLanguages is the free transcription language allow-list
	// (primary BCP 47 subtags; matching is case-insensitive and regional
	// variants fall back to the primary subtag).
	AllowedLanguages []string

	// HistoryRetentionDays is how many days of recordings free users keep.
	HistoryRetentionDays int

	// MaxBonusRecordings caps how many bonus slots rewarded ads can add to
	// a single day.
	MaxBonusRecordings int

	// RewardedAdsPerBonus is how many completed rewarded ads earn one bonus
	// recording slot.
	RewardedAdsPerBonus int
}

// DefaultLimits returns the shipped free-tier limits.
func DefaultLimits() Limits {
	return Limits{
		DailyRecordingLimit:  2,
		MaxRecordingDuration: 30 * time.Minute,
		AllowedLanguages:     []string{"en", "es", "fr"},
		HistoryRetentionDays: 7,
		MaxBonusRecordings:   2,
		RewardedAdsPerBonus:  2,
	}
}

// Clone returns a deep copy so callers can't mutate shared limits through
// the slice field.
func (l Limits) Clone() Limits {
	cp := l
	cp.AllowedLanguages = append([]string(nil), l.AllowedLanguages...)
	return cp
}

// TierHasFeature checks if a tier includes a specific feature.
func TierHasFeature(tier Tier, feature string) bool {
	features, ok := TierFeatures[tier]
	if !ok {
		return false
	}
	for _, f := range features {
		if f == feature {
			return true
		}
	}
	return false
}

// GetTierDisplayName returns a human-readable name for the tier.
func GetTierDisplayName(tier Tier) string {
	switch tier {
	case TierFree:
		return "Hearo Free"
	case TierPremium:
		return "Hearo Premium"
	default:
		return "Unknown"
	}
}

// GetFeatureMinTierName returns the display name of the lowest tier that
// includes the given feature. Used for user-facing messages like
// "requires Hearo Premium".
func GetFeatureMinTierName(feature string) string {
	orderedTiers := []Tier{TierFree, TierPremium}
	for _, tier := range orderedTiers {
		if TierHasFeature(tier, feature) {
			return GetTierDisplayName(tier)
		}
	}
	return "Hearo Premium" // fallback
}

// GetFeatureDisplayName returns a human-readable name for a feature.
func GetFeatureDisplayName(feature string) string {
	switch feature {
	case FeatureUnlimitedRecordings:
		return "Unlimited Recordings"
	case FeatureUnlimitedDuration:
		return "Unlimited Recording Length"
	case FeatureAllLanguages:
		return "All Transcription Languages"
	case FeatureExport:
		return "Export & Share (PDF/TXT/SRT)"
	case FeatureUnlimitedHistory:
		return "Unlimited Recording History"
	case FeatureFolderManagement:
		return "Folders"
	case FeatureNoAds:
		return "Ad-Free Experience"
	case FeatureEarlyAccess:
		return "Early Access"
	default:
		return feature
	}
}
