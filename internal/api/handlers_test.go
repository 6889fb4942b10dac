package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/abilashblnair/hearo-sub001/internal/subscription"
	"github.com/abilashblnair/hearo-sub001/internal/usage"
	"github.com/abilashblnair/hearo-sub001/pkg/entitlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimits() entitlement.Limits {
	return entitlement.Limits{
		DailyRecordingLimit:  2,
		MaxRecordingDuration: 30 * time.Minute,
		AllowedLanguages:     []string{"en", "es", "fr"},
		HistoryRetentionDays: 7,
		MaxBonusRecordings:   2,
		RewardedAdsPerBonus:  2,
	}
}

func newTestHandlers(t *testing.T) (*EntitlementHandlers, *subscription.Manager) {
	t.Helper()

	tracker := usage.NewTracker(nil, time.UTC)
	manager := subscription.NewManager(nil, nil)
	limits := testLimits()
	h := NewEntitlementHandlers(tracker, manager, func() entitlement.Limits { return limits }, nil)
	return h, manager
}

func makePremium(t *testing.T, manager *subscription.Manager) {
	t.Helper()
	require.NoError(t, manager.Apply(subscription.Update{State: entitlement.SubStateActive}))
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func getPath(t *testing.T, handler http.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), "body: %s", rec.Body.String())
	return v
}

func TestHandleEntitlementsFreeTier(t *testing.T) {
	h, _ := newTestHandlers(t)

	rec := getPath(t, h.HandleEntitlements, "/api/entitlements")
	require.Equal(t, http.StatusOK, rec.Code)

	payload := decodeBody[entitlement.Payload](t, rec)
	assert.Equal(t, "free", payload.Tier)
	assert.Equal(t, "none", payload.SubscriptionState)
	assert.Empty(t, payload.Capabilities)
	assert.NotEmpty(t, payload.UpgradeReasons)
	require.NotNil(t, payload.RemainingRecordings)
	assert.Equal(t, 2, *payload.RemainingRecordings)
	assert.Equal(t, int64(1800), payload.MaxRecordingSeconds)
	assert.Equal(t, 7, payload.HistoryRetentionDays)
}

func TestHandleEntitlementsPremium(t *testing.T) {
	h, manager := newTestHandlers(t)
	makePremium(t, manager)

	rec := getPath(t, h.HandleEntitlements, "/api/entitlements")
	require.Equal(t, http.StatusOK, rec.Code)

	payload := decodeBody[entitlement.Payload](t, rec)
	assert.Equal(t, "premium", payload.Tier)
	assert.Equal(t, "active", payload.SubscriptionState)
	assert.Contains(t, payload.Capabilities, entitlement.FeatureExport)
	assert.Nil(t, payload.RemainingRecordings)
	assert.Empty(t, payload.Limits)
	assert.Empty(t, payload.UpgradeReasons)
}

func TestHandleEntitlementsMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandlers(t)

	rec := postJSON(t, h.HandleEntitlements, "/api/entitlements", map[string]string{})
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleGateCheckDeniesPremiumFeatures(t *testing.T) {
	h, _ := newTestHandlers(t)

	for _, feature := range []string{
		entitlement.FeatureExport,
		entitlement.FeatureFolderManagement,
		entitlement.FeatureNoAds,
		entitlement.FeatureEarlyAccess,
	} {
		rec := postJSON(t, h.HandleGateCheck, "/api/gate/check", gateCheckRequest{Feature: feature})
		require.Equal(t, http.StatusOK, rec.Code, "feature %s", feature)

		decision := decodeBody[decisionPayload](t, rec)
		assert.False(t, decision.Allowed, "feature %s", feature)
		assert.True(t, decision.TriggersPaywall, "feature %s", feature)
		assert.NotEmpty(t, decision.Reason, "feature %s", feature)
		assert.NotEmpty(t, decision.UpgradeURL, "feature %s", feature)
	}
}

func TestHandleGateCheckLanguageAllowList(t *testing.T) {
	h, _ := newTestHandlers(t)

	rec := postJSON(t, h.HandleGateCheck, "/api/gate/check", gateCheckRequest{
		Feature:  entitlement.FeatureAllLanguages,
		Language: "es-MX",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[decisionPayload](t, rec).Allowed, "regional variant of allowed language")

	rec = postJSON(t, h.HandleGateCheck, "/api/gate/check", gateCheckRequest{
		Feature:  entitlement.FeatureAllLanguages,
		Language: "de",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decision := decodeBody[decisionPayload](t, rec)
	assert.False(t, decision.Allowed)
	assert.True(t, decision.TriggersPaywall)
}

func TestHandleGateCheckValidation(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/api/gate/check", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.HandleGateCheck(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h.HandleGateCheck, "/api/gate/check", gateCheckRequest{Feature: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = getPath(t, h.HandleGateCheck, "/api/gate/check")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleGateCheckDurationCap(t *testing.T) {
	h, manager := newTestHandlers(t)

	rec := postJSON(t, h.HandleGateCheck, "/api/gate/check", gateCheckRequest{
		Feature:                entitlement.FeatureUnlimitedDuration,
		DurationElapsedSeconds: 100,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decision := decodeBody[decisionPayload](t, rec)
	assert.True(t, decision.Allowed, "duration checks always allow; the cap is advisory")
	assert.Equal(t, int64(1800), decision.MaxDurationSeconds)
	assert.False(t, decision.CapExceeded)

	rec = postJSON(t, h.HandleGateCheck, "/api/gate/check", gateCheckRequest{
		Feature:                entitlement.FeatureUnlimitedDuration,
		DurationElapsedSeconds: 1800,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decision = decodeBody[decisionPayload](t, rec)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.CapExceeded)

	makePremium(t, manager)
	rec = postJSON(t, h.HandleGateCheck, "/api/gate/check", gateCheckRequest{
		Feature:                entitlement.FeatureUnlimitedDuration,
		DurationElapsedSeconds: 7200,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decision = decodeBody[decisionPayload](t, rec)
	assert.True(t, decision.Allowed)
	assert.Zero(t, decision.MaxDurationSeconds)
	assert.False(t, decision.CapExceeded)
}

func TestHandleRecordingStartConsumesQuota(t *testing.T) {
	h, _ := newTestHandlers(t)

	rec := postJSON(t, h.HandleRecordingStart, "/api/recordings/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[recordingStartResponse](t, rec)
	assert.True(t, resp.Decision.Allowed)
	assert.Equal(t, 1, resp.Usage.RecordingsStarted)
	require.NotNil(t, resp.Decision.RemainingRecordings)
	assert.Equal(t, 1, *resp.Decision.RemainingRecordings)
	assert.Equal(t, int64(1800), resp.Decision.MaxDurationSeconds, "start response carries the stop-timer cap")

	rec = postJSON(t, h.HandleRecordingStart, "/api/recordings/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeBody[recordingStartResponse](t, rec)
	assert.Equal(t, 2, resp.Usage.RecordingsStarted)
	require.NotNil(t, resp.Decision.RemainingRecordings)
	assert.Equal(t, 0, *resp.Decision.RemainingRecordings)

	rec = postJSON(t, h.HandleRecordingStart, "/api/recordings/start", nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	paywall := decodeBody[paywallPayload](t, rec)
	assert.Equal(t, entitlement.FeatureUnlimitedRecordings, paywall.Feature)
	assert.NotEmpty(t, paywall.Reason)
	assert.NotEmpty(t, paywall.UpgradeURL)
	assert.Equal(t, 2, paywall.Usage.RecordingsStarted, "denied start consumes nothing")
	require.NotNil(t, paywall.Entitlements.RemainingRecordings)
	assert.Equal(t, 0, *paywall.Entitlements.RemainingRecordings)
}

func TestHandleRecordingStartPremiumUnlimited(t *testing.T) {
	h, manager := newTestHandlers(t)
	makePremium(t, manager)

	for i := 0; i < 5; i++ {
		rec := postJSON(t, h.HandleRecordingStart, "/api/recordings/start", nil)
		require.Equal(t, http.StatusOK, rec.Code, "start %d", i+1)
		resp := decodeBody[recordingStartResponse](t, rec)
		assert.True(t, resp.Decision.Allowed)
		assert.Nil(t, resp.Decision.RemainingRecordings)
		assert.Zero(t, resp.Decision.MaxDurationSeconds)
	}
}

func TestHandleAdRewardAccrual(t *testing.T) {
	h, _ := newTestHandlers(t)

	rec := postJSON(t, h.HandleAdReward, "/api/ads/reward", adRewardRequest{EventID: "ad-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[adRewardResponse](t, rec)
	assert.False(t, resp.Granted)
	assert.Equal(t, 1, resp.Usage.RewardedAdsWatched)
	assert.Equal(t, 1, resp.AdsUntilNextBonus)

	rec = postJSON(t, h.HandleAdReward, "/api/ads/reward", adRewardRequest{EventID: "ad-2"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeBody[adRewardResponse](t, rec)
	assert.True(t, resp.Granted)
	assert.Equal(t, 1, resp.Usage.BonusRecordings)
	assert.Equal(t, 2, resp.AdsUntilNextBonus)
}

func TestHandleAdRewardDuplicate(t *testing.T) {
	h, _ := newTestHandlers(t)

	rec := postJSON(t, h.HandleAdReward, "/api/ads/reward", adRewardRequest{EventID: "ad-dup"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, h.HandleAdReward, "/api/ads/reward", adRewardRequest{EventID: "ad-dup"})
	require.Equal(t, http.StatusConflict, rec.Code)
	apiErr := decodeBody[APIError](t, rec)
	assert.Equal(t, "duplicate_event", apiErr.Code)
	assert.Equal(t, "ad-dup", apiErr.Details["event_id"])

	rec = getPath(t, h.HandleUsage, "/api/usage")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[usageResponse](t, rec).Usage.RewardedAdsWatched, "duplicate must not double-count")
}

func TestHandleAdRewardBonusExtendsRecordingQuota(t *testing.T) {
	h, _ := newTestHandlers(t)

	// Exhaust the base quota.
	for i := 0; i < 2; i++ {
		rec := postJSON(t, h.HandleRecordingStart, "/api/recordings/start", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := postJSON(t, h.HandleRecordingStart, "/api/recordings/start", nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	// Earn one bonus slot.
	for _, id := range []string{"ad-a", "ad-b"} {
		rec = postJSON(t, h.HandleAdReward, "/api/ads/reward", adRewardRequest{EventID: id})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec = postJSON(t, h.HandleRecordingStart, "/api/recordings/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[recordingStartResponse](t, rec)
	assert.Equal(t, 3, resp.Usage.RecordingsStarted)

	rec = postJSON(t, h.HandleRecordingStart, "/api/recordings/start", nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code, "bonus slot is spent")
}

func TestHandleAdRewardValidation(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/api/ads/reward", strings.NewReader("nope"))
	rec := httptest.NewRecorder()
	h.HandleAdReward(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = getPath(t, h.HandleAdReward, "/api/ads/reward")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleUsageRemaining(t *testing.T) {
	h, manager := newTestHandlers(t)

	rec := postJSON(t, h.HandleRecordingStart, "/api/recordings/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = getPath(t, h.HandleUsage, "/api/usage")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[usageResponse](t, rec)
	assert.Equal(t, 1, resp.Usage.RecordingsStarted)
	require.NotNil(t, resp.RemainingRecordings)
	assert.Equal(t, 1, *resp.RemainingRecordings)

	makePremium(t, manager)
	rec = getPath(t, h.HandleUsage, "/api/usage")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decodeBody[usageResponse](t, rec).RemainingRecordings)
}

func TestHandleSubscription(t *testing.T) {
	h, manager := newTestHandlers(t)

	rec := getPath(t, h.HandleSubscription, "/api/subscription")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		State string `json:"state"`
		Tier  string `json:"tier"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "none", resp.State)
	assert.Equal(t, "free", resp.Tier)

	makePremium(t, manager)
	rec = getPath(t, h.HandleSubscription, "/api/subscription")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "active", resp.State)
	assert.Equal(t, "premium", resp.Tier)
}

func TestHandleSubscriptionRefreshWithoutProvider(t *testing.T) {
	h, _ := newTestHandlers(t)

	rec := postJSON(t, h.HandleSubscriptionRefresh, "/api/subscription/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		State string `json:"state"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "none", resp.State)
}

func TestAdsUntilNextBonus(t *testing.T) {
	limits := testLimits()

	tests := []struct {
		name     string
		counters usage.Counters
		want     int
	}{
		{"fresh day", usage.Counters{}, 2},
		{"one ad in", usage.Counters{RewardedAdsWatched: 1}, 1},
		{"just granted", usage.Counters{RewardedAdsWatched: 2, BonusRecordings: 1}, 2},
		{"bonus capped", usage.Counters{RewardedAdsWatched: 4, BonusRecordings: 2}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, adsUntilNextBonus(tt.counters, limits))
		})
	}
}
