package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/abilashblnair/hearo-sub001/internal/config"
	"github.com/abilashblnair/hearo-sub001/pkg/entitlement"
	"github.com/spf13/cobra"
)

var (
	checkFeature    string
	checkLanguage   string
	checkTier       string
	checkRecordings int
	checkBonus      int
	checkAds        int
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate one gate decision from the command line",
	Long:  `Evaluate a feature gate against a hypothetical usage snapshot using the configured limits (environment plus the limits override file). Useful for verifying limit changes before shipping them.`,
	Example: `  # Third recording of the day on the free tier
  hearod check --feature unlimited_recordings --recordings 2

  # German transcription on the free tier
  hearod check --feature all_languages --language de

  # Anything on premium
  hearod check --feature export --tier premium`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(checkFeature) == "" {
			return fmt.Errorf("--feature is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}

		// The watcher constructor applies the override file once; the
		// command exits before following edits matters.
		limits := config.NewLimitsWatcher(cfg.LimitsFile, cfg.Limits).Limits()

		tier := entitlement.TierFree
		if strings.EqualFold(strings.TrimSpace(checkTier), string(entitlement.TierPremium)) {
			tier = entitlement.TierPremium
		}

		snapshot := entitlement.UsageSnapshot{
			Day:                time.Now().In(cfg.Location()).Format("2006-01-02"),
			RecordingsStarted:  checkRecordings,
			BonusRecordings:    checkBonus,
			RewardedAdsWatched: checkAds,
		}

		decision := entitlement.Evaluate(entitlement.Request{
			Feature:  strings.TrimSpace(checkFeature),
			Language: strings.TrimSpace(checkLanguage),
		}, tier, snapshot, limits)

		out := struct {
			Feature            string `json:"feature"`
			Tier               string `json:"tier"`
			Allowed            bool   `json:"allowed"`
			Reason             string `json:"reason,omitempty"`
			TriggersPaywall    bool   `json:"triggers_paywall"`
			UpgradeURL         string `json:"upgrade_url,omitempty"`
			MaxDurationSeconds int64  `json:"max_duration_seconds,omitempty"`
			RetentionDays      int    `json:"retention_days,omitempty"`
		}{
			Feature:            strings.TrimSpace(checkFeature),
			Tier:               string(tier),
			Allowed:            decision.Allowed,
			Reason:             decision.Reason,
			TriggersPaywall:    decision.TriggersPaywall,
			UpgradeURL:         decision.UpgradeURL,
			MaxDurationSeconds: int64(decision.MaxDuration / time.Second),
			RetentionDays:      decision.RetentionDays,
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkFeature, "feature", "", "Feature key to evaluate (e.g. unlimited_recordings, all_languages, export)")
	checkCmd.Flags().StringVar(&checkLanguage, "language", "", "Transcription language for all_languages checks (BCP 47)")
	checkCmd.Flags().StringVar(&checkTier, "tier", "free", "Tier to evaluate as: free or premium")
	checkCmd.Flags().IntVar(&checkRecordings, "recordings", 0, "Recordings already started today")
	checkCmd.Flags().IntVar(&checkBonus, "bonus", 0, "Bonus recording slots already earned today")
	checkCmd.Flags().IntVar(&checkAds, "ads", 0, "Rewarded ads already watched today")
}
