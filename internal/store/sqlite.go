// Package store provides SQLite-backed persistence for usage events, day
// counters, the subscription snapshot, and webhook dedup state.
package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/abilashblnair/hearo-sub001/internal/subscription"
	"github.com/abilashblnair/hearo-sub001/internal/usage"
	"github.com/abilashblnair/hearo-sub001/pkg/entitlement"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the single durable store for the service. It implements
// usage.Store, subscription.Store, and the billing webhook deduper.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at dbPath and ensures the
// schema exists.
func Open(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	// Pragmas ride in the DSN so every pool connection is configured.
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("Store opened")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		-- Append-only usage event log. Day counters are reductions over
		-- this log; usage_days keeps the reduced row for O(1) reads.
		CREATE TABLE IF NOT EXISTS usage_events (
			id TEXT PRIMARY KEY,
			day TEXT NOT NULL,
			kind TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			recorded_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_usage_events_day ON usage_events(day);

		-- Client-supplied keys deduplicate within a day.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_events_dedup
		ON usage_events(day, idempotency_key) WHERE idempotency_key <> '';

		CREATE TABLE IF NOT EXISTS usage_days (
			day TEXT PRIMARY KEY,
			recordings_started INTEGER NOT NULL DEFAULT 0,
			bonus_recordings INTEGER NOT NULL DEFAULT 0,
			rewarded_ads_watched INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);

		-- Last known billing snapshot (single row) so restarts keep their
		-- tier without waiting for the provider.
		CREATE TABLE IF NOT EXISTS subscription_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			state TEXT NOT NULL,
			plan_version TEXT NOT NULL DEFAULT '',
			customer_ref TEXT NOT NULL DEFAULT '',
			expires_at INTEGER,
			trial_ends_at INTEGER,
			refreshed_at INTEGER NOT NULL
		);

		-- Processed billing webhook events, for replay dedup.
		CREATE TABLE IF NOT EXISTS webhook_events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL DEFAULT '',
			processed_at INTEGER NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadDay implements usage.Store.
func (s *SQLiteStore) LoadDay(day string) (usage.Counters, bool, error) {
	var c usage.Counters
	c.Day = day
	err := s.db.QueryRow(
		`SELECT recordings_started, bonus_recordings, rewarded_ads_watched
		 FROM usage_days WHERE day = ?`, day,
	).Scan(&c.RecordingsStarted, &c.BonusRecordings, &c.RewardedAdsWatched)
	if err == sql.ErrNoRows {
		return usage.Counters{}, false, nil
	}
	if err != nil {
		return usage.Counters{}, false, fmt.Errorf("load usage day %s: %w", day, err)
	}
	return c, true, nil
}

// RecordEvent implements usage.Store: the event append and the counter
// snapshot land in one transaction, so a crash can never tear them apart.
func (s *SQLiteStore) RecordEvent(ev usage.Event, c usage.Counters) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin usage tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO usage_events (id, day, kind, idempotency_key, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.Day, string(ev.Kind), ev.IdempotencyKey, ev.RecordedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return usage.ErrDuplicateEvent
		}
		return fmt.Errorf("insert usage event: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO usage_days (day, recordings_started, bonus_recordings, rewarded_ads_watched, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(day) DO UPDATE SET
			recordings_started = excluded.recordings_started,
			bonus_recordings = excluded.bonus_recordings,
			rewarded_ads_watched = excluded.rewarded_ads_watched,
			updated_at = excluded.updated_at`,
		c.Day, c.RecordingsStarted, c.BonusRecordings, c.RewardedAdsWatched, ev.RecordedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("update usage day %s: %w", c.Day, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage tx: %w", err)
	}
	return nil
}

// HasEvent implements usage.Store.
func (s *SQLiteStore) HasEvent(day, idempotencyKey string) (bool, error) {
	if idempotencyKey == "" {
		return false, nil
	}
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM usage_events WHERE day = ? AND idempotency_key = ?`,
		day, idempotencyKey,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check usage event: %w", err)
	}
	return count > 0, nil
}

// PruneUsageBefore deletes usage rows for days strictly before the cutoff
// day key and returns how many event rows went away.
func (s *SQLiteStore) PruneUsageBefore(day string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM usage_events WHERE day < ?`, day)
	if err != nil {
		return 0, fmt.Errorf("prune usage events: %w", err)
	}
	pruned, _ := res.RowsAffected()
	if _, err := s.db.Exec(`DELETE FROM usage_days WHERE day < ?`, day); err != nil {
		return pruned, fmt.Errorf("prune usage days: %w", err)
	}
	return pruned, nil
}

// LoadSubscription implements subscription.Store.
func (s *SQLiteStore) LoadSubscription() (subscription.Snapshot, bool, error) {
	var (
		snap        subscription.Snapshot
		state       string
		expiresAt   sql.NullInt64
		trialEndsAt sql.NullInt64
		refreshedAt int64
	)
	err := s.db.QueryRow(
		`SELECT state, plan_version, customer_ref, expires_at, trial_ends_at, refreshed_at
		 FROM subscription_state WHERE id = 1`,
	).Scan(&state, &snap.PlanVersion, &snap.CustomerRef, &expiresAt, &trialEndsAt, &refreshedAt)
	if err == sql.ErrNoRows {
		return subscription.Snapshot{}, false, nil
	}
	if err != nil {
		return subscription.Snapshot{}, false, fmt.Errorf("load subscription state: %w", err)
	}

	snap.State = entitlement.SubscriptionState(state)
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		snap.ExpiresAt = &t
	}
	if trialEndsAt.Valid {
		v := trialEndsAt.Int64
		snap.TrialEndsAt = &v
	}
	snap.RefreshedAt = time.Unix(refreshedAt, 0)
	return snap, true, nil
}

// SaveSubscription implements subscription.Store.
func (s *SQLiteStore) SaveSubscription(snap subscription.Snapshot) error {
	var expiresAt, trialEndsAt interface{}
	if snap.ExpiresAt != nil {
		expiresAt = snap.ExpiresAt.Unix()
	}
	if snap.TrialEndsAt != nil {
		trialEndsAt = *snap.TrialEndsAt
	}

	_, err := s.db.Exec(
		`INSERT INTO subscription_state (id, state, plan_version, customer_ref, expires_at, trial_ends_at, refreshed_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			plan_version = excluded.plan_version,
			customer_ref = excluded.customer_ref,
			expires_at = excluded.expires_at,
			trial_ends_at = excluded.trial_ends_at,
			refreshed_at = excluded.refreshed_at`,
		string(snap.State), snap.PlanVersion, snap.CustomerRef, expiresAt, trialEndsAt, snap.RefreshedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save subscription state: %w", err)
	}
	return nil
}

// MarkWebhookProcessed records a billing webhook event ID, reporting
// whether it was already processed. Used so event replays become no-ops.
func (s *SQLiteStore) MarkWebhookProcessed(eventID, eventType string, at time.Time) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO webhook_events (event_id, event_type, processed_at)
		 VALUES (?, ?, ?)`,
		eventID, eventType, at.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("mark webhook processed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark webhook processed: %w", err)
	}
	return affected == 0, nil
}

// PruneWebhookEventsBefore drops dedup rows older than the cutoff.
func (s *SQLiteStore) PruneWebhookEventsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM webhook_events WHERE processed_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune webhook events: %w", err)
	}
	pruned, _ := res.RowsAffected()
	return pruned, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
