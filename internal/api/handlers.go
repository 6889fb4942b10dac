package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/abilashblnair/hearo-sub001/internal/metrics"
	"github.com/abilashblnair/hearo-sub001/internal/push"
	"github.com/abilashblnair/hearo-sub001/internal/subscription"
	"github.com/abilashblnair/hearo-sub001/internal/usage"
	"github.com/abilashblnair/hearo-sub001/pkg/entitlement"
)

// EntitlementHandlers serves the gating API: the normalized entitlement
// payload, pure gate checks, and the endpoints that consume quota.
type EntitlementHandlers struct {
	tracker *usage.Tracker
	manager *subscription.Manager
	limits  func() entitlement.Limits
	hub     *push.Hub
}

// NewEntitlementHandlers wires the gating endpoints. limits is read per
// request so hot-reloaded overrides take effect without restart. hub may be
// nil (no push).
func NewEntitlementHandlers(tracker *usage.Tracker, manager *subscription.Manager, limits func() entitlement.Limits, hub *push.Hub) *EntitlementHandlers {
	if limits == nil {
		limits = entitlement.DefaultLimits
	}
	return &EntitlementHandlers{
		tracker: tracker,
		manager: manager,
		limits:  limits,
		hub:     hub,
	}
}

// decisionPayload is the JSON form of an evaluated gate decision.
type decisionPayload struct {
	Allowed         bool   `json:"allowed"`
	Reason          string `json:"reason,omitempty"`
	TriggersPaywall bool   `json:"triggers_paywall"`
	UpgradeURL      string `json:"upgrade_url,omitempty"`

	// MaxDurationSeconds is the advisory per-recording cap attached to
	// allowed duration checks (0 = uncapped). The client enforces the hard
	// stop; the decision itself stays allowed.
	MaxDurationSeconds int64 `json:"max_duration_seconds,omitempty"`

	// RetentionDays is the advisory history window on allowed history
	// checks (0 = unlimited).
	RetentionDays int `json:"retention_days,omitempty"`

	// CapExceeded is set when the caller reported an elapsed duration at or
	// past the advisory cap. The client should stop the recording.
	CapExceeded bool `json:"cap_exceeded,omitempty"`

	// RemainingRecordings accompanies recording-gate decisions on capped
	// tiers.
	RemainingRecordings *int `json:"remaining_recordings,omitempty"`
}

func decisionPayloadFrom(feature string, d entitlement.Decision, usageSnap entitlement.UsageSnapshot, limits entitlement.Limits) decisionPayload {
	p := decisionPayload{
		Allowed:            d.Allowed,
		Reason:             d.Reason,
		TriggersPaywall:    d.TriggersPaywall,
		UpgradeURL:         d.UpgradeURL,
		MaxDurationSeconds: int64(d.MaxDuration / time.Second),
		RetentionDays:      d.RetentionDays,
	}
	if feature == entitlement.FeatureUnlimitedRecordings {
		if remaining, limited := entitlement.RemainingRecordings(usageSnap, limits); limited {
			p.RemainingRecordings = &remaining
		}
	}
	return p
}

// paywallPayload is the canonical body for 402 responses; the app's upgrade
// sheet renders it directly.
type paywallPayload struct {
	Feature      string                    `json:"feature"`
	Reason       string                    `json:"reason"`
	UpgradeURL   string                    `json:"upgrade_url"`
	Usage        entitlement.UsageSnapshot `json:"usage"`
	Entitlements entitlement.Payload       `json:"entitlements"`
}

func (h *EntitlementHandlers) paywallPayloadFrom(feature string, d entitlement.Decision, usageSnap entitlement.UsageSnapshot, limits entitlement.Limits) paywallPayload {
	snap := h.manager.Status()
	return paywallPayload{
		Feature:      feature,
		Reason:       d.Reason,
		UpgradeURL:   d.UpgradeURL,
		Usage:        usageSnap,
		Entitlements: entitlement.BuildPayload(snap.State, snap.PlanVersion, usageSnap, limits, snap.TrialEndsAt),
	}
}

// HandleEntitlements returns the normalized entitlement payload for the
// device. This is the primary endpoint clients should use for feature
// gating decisions.
func (h *EntitlementHandlers) HandleEntitlements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	usageSnap, err := h.tracker.Snapshot()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "usage_unavailable",
			sanitizeErrorForClient(err, "Failed to load usage counters"), nil)
		return
	}

	snap := h.manager.Status()
	payload := entitlement.BuildPayload(snap.State, snap.PlanVersion, usageSnap, h.limits(), snap.TrialEndsAt)
	writeJSON(w, http.StatusOK, payload)
}

type gateCheckRequest struct {
	Feature  string `json:"feature"`
	Language string `json:"language,omitempty"`

	// DurationElapsedSeconds lets an in-progress recording ask whether it
	// has crossed the advisory cap.
	DurationElapsedSeconds int64 `json:"duration_elapsed,omitempty"`
}

// HandleGateCheck evaluates one feature request without consuming quota.
// The HTTP status is 200 for both outcomes; the decision carries allow/deny.
func (h *EntitlementHandlers) HandleGateCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req gateCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Failed to decode request body", nil)
		return
	}
	req.Feature = strings.TrimSpace(req.Feature)
	if req.Feature == "" {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "feature is required", nil)
		return
	}

	usageSnap, err := h.tracker.Snapshot()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "usage_unavailable",
			sanitizeErrorForClient(err, "Failed to load usage counters"), nil)
		return
	}

	limits := h.limits()
	decision := entitlement.Evaluate(entitlement.Request{
		Feature:  req.Feature,
		Language: req.Language,
	}, h.manager.Tier(), usageSnap, limits)

	metrics.Get().RecordDecision(req.Feature, decision.Allowed)
	if decision.TriggersPaywall {
		metrics.Get().RecordPaywallTrigger(req.Feature, decision.Reason)
	}

	payload := decisionPayloadFrom(req.Feature, decision, usageSnap, limits)
	if req.DurationElapsedSeconds > 0 && payload.MaxDurationSeconds > 0 &&
		req.DurationElapsedSeconds >= payload.MaxDurationSeconds {
		payload.CapExceeded = true
	}
	writeJSON(w, http.StatusOK, payload)
}

// recordingStartResponse confirms a consumed recording slot. The duration
// cap rides along so the client can arm its stop timer from one call.
type recordingStartResponse struct {
	Decision decisionPayload           `json:"decision"`
	Usage    entitlement.UsageSnapshot `json:"usage"`
}

// HandleRecordingStart gates and consumes one recording slot atomically.
// Denials return 402 with the canonical paywall payload.
func (h *EntitlementHandlers) HandleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tier := h.manager.Tier()
	limits := h.limits()

	decision, counters, err := h.tracker.TryStartRecording(tier, limits)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "usage_store_failed",
			sanitizeErrorForClient(err, "Failed to record recording start"), nil)
		return
	}

	metrics.Get().RecordDecision(entitlement.FeatureUnlimitedRecordings, decision.Allowed)

	if !decision.Allowed {
		metrics.Get().RecordPaywallTrigger(entitlement.FeatureUnlimitedRecordings, decision.Reason)
		writeJSON(w, http.StatusPaymentRequired,
			h.paywallPayloadFrom(entitlement.FeatureUnlimitedRecordings, decision, counters.Snapshot(), limits))
		return
	}

	metrics.Get().RecordRecordingStarted()
	usageSnap := counters.Snapshot()
	if h.hub != nil {
		h.hub.Broadcast(push.EventUsageChanged, usageSnap)
	}

	payload := decisionPayloadFrom(entitlement.FeatureUnlimitedRecordings, decision, usageSnap, limits)
	durationDecision := entitlement.Evaluate(entitlement.Request{
		Feature: entitlement.FeatureUnlimitedDuration,
	}, tier, usageSnap, limits)
	payload.MaxDurationSeconds = int64(durationDecision.MaxDuration / time.Second)

	writeJSON(w, http.StatusOK, recordingStartResponse{
		Decision: payload,
		Usage:    usageSnap,
	})
}

type adRewardRequest struct {
	// EventID is the ad network's completion event ID, used as the
	// idempotency key so delivery retries never double-grant.
	EventID string `json:"event_id"`
}

type adRewardResponse struct {
	// Granted reports whether this completion earned a bonus recording slot.
	Granted bool                      `json:"granted"`
	Usage   entitlement.UsageSnapshot `json:"usage"`

	// AdsUntilNextBonus is how many more completions earn the next slot.
	// Omitted once the day's bonus cap is reached.
	AdsUntilNextBonus int `json:"ads_until_next_bonus,omitempty"`
}

// HandleAdReward records a rewarded-ad completion. Duplicate event IDs
// return 409 and change nothing.
func (h *EntitlementHandlers) HandleAdReward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req adRewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Failed to decode request body", nil)
		return
	}

	limits := h.limits()
	counters, granted, err := h.tracker.RecordAdWatched(req.EventID, limits)
	if err != nil {
		switch {
		case errors.Is(err, usage.ErrDuplicateEvent):
			writeErrorResponse(w, http.StatusConflict, "duplicate_event",
				"Rewarded ad event was already recorded", map[string]string{"event_id": strings.TrimSpace(req.EventID)})
		case errors.Is(err, usage.ErrIdempotencyKeyLimitExceeded):
			writeErrorResponse(w, http.StatusTooManyRequests, "too_many_events",
				"Too many rewarded ad events today", nil)
		default:
			writeErrorResponse(w, http.StatusInternalServerError, "usage_store_failed",
				sanitizeErrorForClient(err, "Failed to record rewarded ad"), nil)
		}
		return
	}

	metrics.Get().RecordRewardedAd(granted)

	usageSnap := counters.Snapshot()
	if h.hub != nil {
		if granted {
			h.hub.Broadcast(push.EventBonusGranted, usageSnap)
		} else {
			h.hub.Broadcast(push.EventUsageChanged, usageSnap)
		}
	}

	writeJSON(w, http.StatusOK, adRewardResponse{
		Granted:           granted,
		Usage:             usageSnap,
		AdsUntilNextBonus: adsUntilNextBonus(counters, limits),
	})
}

func adsUntilNextBonus(c usage.Counters, limits entitlement.Limits) int {
	if limits.RewardedAdsPerBonus <= 0 || c.BonusRecordings >= limits.MaxBonusRecordings {
		return 0
	}
	return limits.RewardedAdsPerBonus - c.RewardedAdsWatched%limits.RewardedAdsPerBonus
}

type usageResponse struct {
	Usage entitlement.UsageSnapshot `json:"usage"`

	// RemainingRecordings is attached for capped tiers only.
	RemainingRecordings *int `json:"remaining_recordings,omitempty"`
}

// HandleUsage returns the current day's counters.
func (h *EntitlementHandlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	usageSnap, err := h.tracker.Snapshot()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "usage_unavailable",
			sanitizeErrorForClient(err, "Failed to load usage counters"), nil)
		return
	}

	resp := usageResponse{Usage: usageSnap}
	if h.manager.Tier() != entitlement.TierPremium {
		if remaining, limited := entitlement.RemainingRecordings(usageSnap, h.limits()); limited {
			resp.RemainingRecordings = &remaining
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// subscriptionResponse adds the derived tier to the raw snapshot.
type subscriptionResponse struct {
	subscription.Snapshot
	Tier string `json:"tier"`
}

// HandleSubscription returns the cached subscription snapshot. It never
// blocks on the billing provider.
func (h *EntitlementHandlers) HandleSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := h.manager.Status()
	writeJSON(w, http.StatusOK, subscriptionResponse{
		Snapshot: snap,
		Tier:     string(snap.Tier()),
	})
}

// HandleSubscriptionRefresh forces a reconcile with the billing provider.
// Clients call this after a purchase or restore completes so the paywall
// dismisses without waiting for the periodic refresh.
func (h *EntitlementHandlers) HandleSubscriptionRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.manager.Refresh(r.Context()); err != nil {
		writeErrorResponse(w, http.StatusBadGateway, "billing_refresh_failed",
			sanitizeErrorForClient(err, "Failed to refresh subscription from billing provider"), nil)
		return
	}

	snap := h.manager.Status()
	writeJSON(w, http.StatusOK, subscriptionResponse{
		Snapshot: snap,
		Tier:     string(snap.Tier()),
	})
}
