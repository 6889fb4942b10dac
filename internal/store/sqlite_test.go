package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/abilashblnair/hearo-sub001/internal/subscription"
	"github.com/abilashblnair/hearo-sub001/internal/usage"
	"github.com/abilashblnair/hearo-sub001/pkg/entitlement"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "hearo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(day, key string, kind usage.EventKind) usage.Event {
	return usage.Event{
		ID:             ulid.Make().String(),
		Day:            day,
		Kind:           kind,
		IdempotencyKey: key,
		RecordedAt:     time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestLoadDayMissing(t *testing.T) {
	s := openTestStore(t)

	_, found, err := s.LoadDay("2025-06-01")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRecordEventRoundTrip(t *testing.T) {
	s := openTestStore(t)

	c := usage.Counters{Day: "2025-06-01", RecordingsStarted: 1}
	require.NoError(t, s.RecordEvent(testEvent("2025-06-01", "", usage.EventRecordingStarted), c))

	got, found, err := s.LoadDay("2025-06-01")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, c, got)
}

func TestRecordEventUpsertsCounters(t *testing.T) {
	s := openTestStore(t)

	day := "2025-06-01"
	require.NoError(t, s.RecordEvent(testEvent(day, "", usage.EventRecordingStarted),
		usage.Counters{Day: day, RecordingsStarted: 1}))
	require.NoError(t, s.RecordEvent(testEvent(day, "ad-1", usage.EventAdWatched),
		usage.Counters{Day: day, RecordingsStarted: 1, RewardedAdsWatched: 1}))
	require.NoError(t, s.RecordEvent(testEvent(day, "ad-2", usage.EventAdWatched),
		usage.Counters{Day: day, RecordingsStarted: 1, BonusRecordings: 1, RewardedAdsWatched: 2}))

	got, found, err := s.LoadDay(day)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, got.RecordingsStarted)
	assert.Equal(t, 1, got.BonusRecordings)
	assert.Equal(t, 2, got.RewardedAdsWatched)
}

func TestRecordEventDuplicateKey(t *testing.T) {
	s := openTestStore(t)

	day := "2025-06-01"
	c := usage.Counters{Day: day, RewardedAdsWatched: 1}
	require.NoError(t, s.RecordEvent(testEvent(day, "ad-1", usage.EventAdWatched), c))

	err := s.RecordEvent(testEvent(day, "ad-1", usage.EventAdWatched),
		usage.Counters{Day: day, RewardedAdsWatched: 2})
	assert.ErrorIs(t, err, usage.ErrDuplicateEvent)

	// The rejected write must not touch the counters either.
	got, _, err := s.LoadDay(day)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RewardedAdsWatched)
}

func TestDuplicateKeyScopedToDay(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordEvent(testEvent("2025-06-01", "ad-1", usage.EventAdWatched),
		usage.Counters{Day: "2025-06-01", RewardedAdsWatched: 1}))

	// Same key on the next day is a fresh event.
	err := s.RecordEvent(testEvent("2025-06-02", "ad-1", usage.EventAdWatched),
		usage.Counters{Day: "2025-06-02", RewardedAdsWatched: 1})
	assert.NoError(t, err)
}

func TestEmptyKeysNeverCollide(t *testing.T) {
	s := openTestStore(t)

	day := "2025-06-01"
	require.NoError(t, s.RecordEvent(testEvent(day, "", usage.EventRecordingStarted),
		usage.Counters{Day: day, RecordingsStarted: 1}))
	require.NoError(t, s.RecordEvent(testEvent(day, "", usage.EventRecordingStarted),
		usage.Counters{Day: day, RecordingsStarted: 2}))

	got, _, err := s.LoadDay(day)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RecordingsStarted)
}

func TestHasEvent(t *testing.T) {
	s := openTestStore(t)

	day := "2025-06-01"
	require.NoError(t, s.RecordEvent(testEvent(day, "ad-1", usage.EventAdWatched),
		usage.Counters{Day: day, RewardedAdsWatched: 1}))

	seen, err := s.HasEvent(day, "ad-1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = s.HasEvent(day, "ad-2")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = s.HasEvent("2025-06-02", "ad-1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = s.HasEvent(day, "")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestCountersSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hearo.db")

	s, err := Open(path)
	require.NoError(t, err)
	day := "2025-06-01"
	require.NoError(t, s.RecordEvent(testEvent(day, "", usage.EventRecordingStarted),
		usage.Counters{Day: day, RecordingsStarted: 2, BonusRecordings: 1, RewardedAdsWatched: 2}))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, found, err := s2.LoadDay(day)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, got.RecordingsStarted)
	assert.Equal(t, 1, got.BonusRecordings)
	assert.Equal(t, 2, got.RewardedAdsWatched)

	seen, err := s2.HasEvent(day, "")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestPruneUsageBefore(t *testing.T) {
	s := openTestStore(t)

	for _, day := range []string{"2025-05-30", "2025-05-31", "2025-06-01"} {
		require.NoError(t, s.RecordEvent(testEvent(day, "", usage.EventRecordingStarted),
			usage.Counters{Day: day, RecordingsStarted: 1}))
	}

	pruned, err := s.PruneUsageBefore("2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	_, found, err := s.LoadDay("2025-05-31")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = s.LoadDay("2025-06-01")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSubscriptionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, found, err := s.LoadSubscription()
	require.NoError(t, err)
	assert.False(t, found)

	expires := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	trialEnd := expires.Unix()
	snap := subscription.Snapshot{
		State:       entitlement.SubStateTrial,
		PlanVersion: "premium_monthly_v2",
		CustomerRef: "cus_123",
		ExpiresAt:   &expires,
		TrialEndsAt: &trialEnd,
		RefreshedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveSubscription(snap))

	got, found, err := s.LoadSubscription()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, entitlement.SubStateTrial, got.State)
	assert.Equal(t, "premium_monthly_v2", got.PlanVersion)
	assert.Equal(t, "cus_123", got.CustomerRef)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, expires.Unix(), got.ExpiresAt.Unix())
	require.NotNil(t, got.TrialEndsAt)
	assert.Equal(t, trialEnd, *got.TrialEndsAt)
	assert.Equal(t, snap.RefreshedAt.Unix(), got.RefreshedAt.Unix())
}

func TestSubscriptionOverwrite(t *testing.T) {
	s := openTestStore(t)

	expires := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveSubscription(subscription.Snapshot{
		State:       entitlement.SubStateActive,
		PlanVersion: "premium_monthly_v2",
		ExpiresAt:   &expires,
		RefreshedAt: time.Now(),
	}))

	// Second save replaces the single row, clearing optional fields.
	require.NoError(t, s.SaveSubscription(subscription.Snapshot{
		State:       entitlement.SubStateCanceled,
		PlanVersion: "premium_monthly_v2",
		RefreshedAt: time.Now(),
	}))

	got, found, err := s.LoadSubscription()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, entitlement.SubStateCanceled, got.State)
	assert.Nil(t, got.ExpiresAt)
	assert.Nil(t, got.TrialEndsAt)
}

func TestMarkWebhookProcessed(t *testing.T) {
	s := openTestStore(t)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	already, err := s.MarkWebhookProcessed("evt_1", "customer.subscription.updated", now)
	require.NoError(t, err)
	assert.False(t, already)

	already, err = s.MarkWebhookProcessed("evt_1", "customer.subscription.updated", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, already)

	already, err = s.MarkWebhookProcessed("evt_2", "customer.subscription.deleted", now)
	require.NoError(t, err)
	assert.False(t, already)
}

func TestPruneWebhookEventsBefore(t *testing.T) {
	s := openTestStore(t)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	_, err := s.MarkWebhookProcessed("evt_old", "customer.subscription.updated", now.Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = s.MarkWebhookProcessed("evt_new", "customer.subscription.updated", now)
	require.NoError(t, err)

	pruned, err := s.PruneWebhookEventsBefore(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	// The pruned ID may be seen again.
	already, err := s.MarkWebhookProcessed("evt_old", "customer.subscription.updated", now)
	require.NoError(t, err)
	assert.False(t, already)
}
