package entitlement

import "sort"

// DefaultUpgradeURL is used when no feature-specific URL mapping exists.
const DefaultUpgradeURL = "https://hearo.app/premium?utm_source=hearo&utm_medium=app&utm_campaign=upgrade"

// UpgradeURLForFeature returns the canonical upgrade URL for a feature key.
func UpgradeURLForFeature(feature string) string {
	switch feature {
	case FeatureUnlimitedRecordings:
		return DefaultUpgradeURL + "&feature=unlimited_recordings"
	case FeatureUnlimitedDuration:
		return DefaultUpgradeURL + "&feature=unlimited_duration"
	case FeatureAllLanguages:
		return DefaultUpgradeURL + "&feature=all_languages"
	case FeatureExport:
		return DefaultUpgradeURL + "&feature=export"
	case FeatureUnlimitedHistory:
		return DefaultUpgradeURL + "&feature=unlimited_history"
	case FeatureFolderManagement:
		return DefaultUpgradeURL + "&feature=folder_management"
	case FeatureNoAds:
		return DefaultUpgradeURL + "&feature=no_ads"
	case FeatureEarlyAccess:
		return DefaultUpgradeURL + "&feature=early_access"
	default:
		return DefaultUpgradeURL
	}
}

// denialReasons is the user-facing copy attached to a denied Decision.
// Denial copy says why the action is blocked right now; the upgrade matrix
// below says why upgrading helps.
var denialReasons = map[string]string{
	FeatureUnlimitedRecordings: "You've used today's free recordings. Watch a rewarded ad for a bonus recording, or go Premium for unlimited recordings.",
	FeatureUnlimitedDuration:   "Free recordings stop at 30 minutes. Go Premium to record without a time cap.",
	FeatureAllLanguages:        "This language needs Hearo Premium. Free includes English, Spanish, and French.",
	FeatureExport:              "Exporting transcripts is a Premium feature.",
	FeatureUnlimitedHistory:    "Recordings older than 7 days need Hearo Premium.",
	FeatureFolderManagement:    "Folders are a Premium feature.",
	FeatureNoAds:               "Hearo Free is ad-supported. Go Premium to remove ads.",
	FeatureEarlyAccess:         "Early access is reserved for Premium members.",
}

// DenialReason returns the paywall copy for a denied feature key.
func DenialReason(feature string) string {
	if reason, ok := denialReasons[feature]; ok {
		return reason
	}
	return "This feature needs " + GetFeatureMinTierName(feature) + "."
}

// ReasonEntry defines an actionable upgrade prompt tied to a missing feature.
type ReasonEntry struct {
	Feature   string // Feature key constant (e.g., "export")
	Reason    string // User-facing description
	ActionURL string // Parameterized upgrade URL with UTM
	Priority  int    // Sort order (lower = more important)
}

// UpgradeReasonMatrix is the canonical feature-to-upgrade-reason mapping.
var UpgradeReasonMatrix = []ReasonEntry{
	{
		Feature:   FeatureUnlimitedRecordings,
		Reason:    "Go Premium to record as often as you need. Free includes 2 recordings per day plus rewarded-ad bonuses.",
		ActionURL: UpgradeURLForFeature(FeatureUnlimitedRecordings),
		Priority:  1,
	},
	{
		Feature:   FeatureUnlimitedDuration,
		Reason:    "Go Premium to keep long meetings in one take. Free recordings stop at 30 minutes.",
		ActionURL: UpgradeURLForFeature(FeatureUnlimitedDuration),
		Priority:  2,
	},
	{
		Feature:   FeatureExport,
		Reason:    "Go Premium to export transcripts as PDF, TXT, or SRT and share them anywhere.",
		ActionURL: UpgradeURLForFeature(FeatureExport),
		Priority:  3,
	},
	{
		Feature:   FeatureAllLanguages,
		Reason:    "Go Premium to transcribe in every supported language. Free includes English, Spanish, and French.",
		ActionURL: UpgradeURLForFeature(FeatureAllLanguages),
		Priority:  4,
	},
	{
		Feature:   FeatureUnlimitedHistory,
		Reason:    "Go Premium to keep your whole recording history. Free keeps the last 7 days.",
		ActionURL: UpgradeURLForFeature(FeatureUnlimitedHistory),
		Priority:  5,
	},
	{
		Feature:   FeatureFolderManagement,
		Reason:    "Go Premium to organize recordings into folders.",
		ActionURL: UpgradeURLForFeature(FeatureFolderManagement),
		Priority:  6,
	},
	{
		Feature:   FeatureNoAds,
		Reason:    "Go Premium for an ad-free Hearo.",
		ActionURL: UpgradeURLForFeature(FeatureNoAds),
		Priority:  7,
	},
	{
		Feature:   FeatureEarlyAccess,
		Reason:    "Go Premium to try new features before everyone else.",
		ActionURL: UpgradeURLForFeature(FeatureEarlyAccess),
		Priority:  8,
	},
}

// GenerateUpgradeReasons returns upgrade reasons for features missing in capabilities.
func GenerateUpgradeReasons(capabilities []string) []ReasonEntry {
	capSet := make(map[string]struct{}, len(capabilities))
	for _, capability := range capabilities {
		capSet[capability] = struct{}{}
	}

	reasons := make([]ReasonEntry, 0, len(UpgradeReasonMatrix))
	for _, entry := range UpgradeReasonMatrix {
		if _, hasFeature := capSet[entry.Feature]; hasFeature {
			continue
		}
		reasons = append(reasons, entry)
	}

	sort.SliceStable(reasons, func(i, j int) bool {
		if reasons[i].Priority == reasons[j].Priority {
			return reasons[i].Feature < reasons[j].Feature
		}
		return reasons[i].Priority < reasons[j].Priority
	})

	return reasons
}
