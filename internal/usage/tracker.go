// Package usage tracks Hearo's day-keyed free-tier counters: recordings
// started, rewarded ads watched, and the bonus recording slots those ads
// earn. Counters roll over lazily at the calendar-day boundary and persist
// through a Store so restarts keep the day's consumption.
package usage

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/abilashblnair/hearo-sub001/pkg/entitlement"
	"github.com/oklog/ulid/v2"
)

// MaxIdempotencyKeysPerDay bounds memory used by deduplication state.
const MaxIdempotencyKeysPerDay = 10000

// Errors
var (
	ErrDuplicateEvent              = errors.New("duplicate event (idempotency key already seen)")
	ErrIdempotencyKeyLimitExceeded = errors.New("idempotency key limit exceeded for day")
)

// EventKind is the category of a recorded usage event.
type EventKind string

const (
	EventRecordingStarted EventKind = "recording_started"
	EventAdWatched        EventKind = "ad_watched"
)

// Event is one append-only usage log entry. Day counters are reductions
// over the event log; the Store also keeps a per-day snapshot row so reads
// stay O(1).
type Event struct {
	// ID is a ULID, sortable by creation time.
	ID string

	// Day is the counter day key in "2006-01-02" form.
	Day string

	// Kind is the event category.
	Kind EventKind

	// IdempotencyKey deduplicates client retries (rewarded-ad completions).
	// Empty for events with no client-supplied key.
	IdempotencyKey string

	// RecordedAt is when the event was recorded.
	RecordedAt time.Time
}

// Counters holds one calendar day's usage totals. All fields are >= 0 and
// BonusRecordings never exceeds the configured cap.
type Counters struct {
	Day                string
	RecordingsStarted  int
	BonusRecordings    int
	RewardedAdsWatched int
}

// Snapshot converts the counters to the read-only view Evaluate consumes.
func (c Counters) Snapshot() entitlement.UsageSnapshot {
	return entitlement.UsageSnapshot{
		Day:                c.Day,
		RecordingsStarted:  c.RecordingsStarted,
		BonusRecordings:    c.BonusRecordings,
		RewardedAdsWatched: c.RewardedAdsWatched,
	}
}

// Store persists the usage event log and per-day counter snapshots.
// Implementations must apply RecordEvent atomically: either both the event
// row and the counter snapshot land, or neither does.
type Store interface {
	// LoadDay returns the persisted counters for a day key. ok is false
	// when the day has no row yet.
	LoadDay(day string) (Counters, bool, error)

	// RecordEvent appends ev and writes the day's new counters in one
	// transaction. Returns ErrDuplicateEvent when ev.IdempotencyKey was
	// already recorded for ev.Day.
	RecordEvent(ev Event, c Counters) error

	// HasEvent reports whether an event with the idempotency key already
	// exists for the day.
	HasEvent(day, idempotencyKey string) (bool, error)
}

// Tracker owns the current day's counters. A single mutex serializes every
// read-modify-write so two near-simultaneous "start recording" taps cannot
// double-count. Evaluation stays in entitlement.Evaluate; the tracker only
// adds the explicit consumption step and the tap-race-safe combination of
// the two.
type Tracker struct {
	mu sync.Mutex

	store Store
	loc   *time.Location
	now   func() time.Time

	// counters is the cached current-day row; Day == "" until first use.
	counters Counters

	// seenKeys caches the day's idempotency keys so duplicate rewarded-ad
	// events are rejected without a store round-trip. Reset at rollover.
	seenKeys map[string]bool
}

// NewTracker creates a tracker persisting through store. Day keys are
// computed in loc; nil means time.Local.
func NewTracker(store Store, loc *time.Location) *Tracker {
	if loc == nil {
		loc = time.Local
	}
	return &Tracker{
		store:    store,
		loc:      loc,
		now:      time.Now,
		seenKeys: make(map[string]bool),
	}
}

// dayKey returns the current calendar day in the tracker's timezone.
func (t *Tracker) dayKey() string {
	return t.now().In(t.loc).Format("2006-01-02")
}

// rollLocked makes the cached counters current for today, applying the lazy
// day rollover: when the stored day no longer matches, counters reset and
// the store is consulted for any row today already has (restart mid-day).
// Callers must hold t.mu.
func (t *Tracker) rollLocked() error {
	day := t.dayKey()
	if t.counters.Day == day {
		return nil
	}

	t.counters = Counters{Day: day}
	t.seenKeys = make(map[string]bool)

	if t.store == nil {
		return nil
	}
	persisted, ok, err := t.store.LoadDay(day)
	if err != nil {
		return fmt.Errorf("load usage counters for %s: %w", day, err)
	}
	if ok {
		persisted.Day = day
		t.counters = persisted
	}
	return nil
}

// Snapshot returns the current day's counters, rolling over first when the
// calendar day has changed. Reads never mutate persisted state.
func (t *Tracker) Snapshot() (entitlement.UsageSnapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.rollLocked(); err != nil {
		return entitlement.UsageSnapshot{}, err
	}
	return t.counters.Snapshot(), nil
}

// Counters returns the current day's raw counters.
func (t *Tracker) Counters() (Counters, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.rollLocked(); err != nil {
		return Counters{}, err
	}
	return t.counters, nil
}

// RecordRecordingStarted consumes one recording slot. This is the explicit
// mutation step a caller performs after its gated action actually proceeds;
// it does not re-check the gate.
func (t *Tracker) RecordRecordingStarted() (Counters, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.rollLocked(); err != nil {
		return Counters{}, err
	}
	return t.consumeRecordingLocked()
}

// TryStartRecording evaluates the daily recording gate and, only when
// allowed, consumes a slot - all under the tracker lock, so concurrent taps
// serialize and the counter can never pass the gate twice on the same slot.
// The returned counters reflect the post-consumption state (or the
// unchanged state on denial).
func (t *Tracker) TryStartRecording(tier entitlement.Tier, limits entitlement.Limits) (entitlement.Decision, Counters, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.rollLocked(); err != nil {
		return entitlement.Decision{}, Counters{}, err
	}

	decision := entitlement.Evaluate(
		entitlement.Request{Feature: entitlement.FeatureUnlimitedRecordings},
		tier,
		t.counters.Snapshot(),
		limits,
	)
	if !decision.Allowed {
		return decision, t.counters, nil
	}

	next, err := t.consumeRecordingLocked()
	if err != nil {
		return decision, t.counters, err
	}
	return decision, next, nil
}

// consumeRecordingLocked persists the increment before adopting it, so a
// storage failure leaves the cached counters untouched.
func (t *Tracker) consumeRecordingLocked() (Counters, error) {
	next := t.counters
	next.RecordingsStarted++

	ev := Event{
		ID:         ulid.Make().String(),
		Day:        next.Day,
		Kind:       EventRecordingStarted,
		RecordedAt: t.now(),
	}
	if t.store != nil {
		if err := t.store.RecordEvent(ev, next); err != nil {
			return Counters{}, fmt.Errorf("record recording started: %w", err)
		}
	}
	t.counters = next
	return next, nil
}

// RecordAdWatched records a completed rewarded ad. Every
// limits.RewardedAdsPerBonus-th ad of the day grants one bonus recording
// slot, capped at limits.MaxBonusRecordings. The returned bool reports
// whether this event granted a bonus.
//
// idempotencyKey deduplicates ad-network retries: a key already recorded
// for the day returns ErrDuplicateEvent and changes nothing.
func (t *Tracker) RecordAdWatched(idempotencyKey string, limits entitlement.Limits) (Counters, bool, error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.rollLocked(); err != nil {
		return Counters{}, false, err
	}

	if idempotencyKey != "" {
		if t.seenKeys[idempotencyKey] {
			return Counters{}, false, ErrDuplicateEvent
		}
		if len(t.seenKeys) >= MaxIdempotencyKeysPerDay {
			return Counters{}, false, ErrIdempotencyKeyLimitExceeded
		}
		// The in-memory set resets on restart; the store remembers the day.
		if t.store != nil {
			seen, err := t.store.HasEvent(t.counters.Day, idempotencyKey)
			if err != nil {
				return Counters{}, false, fmt.Errorf("check ad event dedup: %w", err)
			}
			if seen {
				t.seenKeys[idempotencyKey] = true
				return Counters{}, false, ErrDuplicateEvent
			}
		}
	}

	next := t.counters
	next.RewardedAdsWatched++

	granted := false
	if limits.RewardedAdsPerBonus > 0 &&
		next.RewardedAdsWatched%limits.RewardedAdsPerBonus == 0 &&
		next.BonusRecordings < limits.MaxBonusRecordings {
		next.BonusRecordings++
		granted = true
	}

	ev := Event{
		ID:             ulid.Make().String(),
		Day:            next.Day,
		Kind:           EventAdWatched,
		IdempotencyKey: idempotencyKey,
		RecordedAt:     t.now(),
	}
	if t.store != nil {
		if err := t.store.RecordEvent(ev, next); err != nil {
			if errors.Is(err, ErrDuplicateEvent) {
				t.seenKeys[idempotencyKey] = true
				return Counters{}, false, ErrDuplicateEvent
			}
			return Counters{}, false, fmt.Errorf("record ad watched: %w", err)
		}
	}

	t.counters = next
	if idempotencyKey != "" {
		t.seenKeys[idempotencyKey] = true
	}
	return next, granted, nil
}
