// Package subscription holds the device's billing lifecycle snapshot. The
// snapshot is refreshed asynchronously from the billing provider and read
// synchronously by every gated surface; an unrefreshed snapshot reads as
// free, so entitlement checks fail closed and never wait on the network.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abilashblnair/hearo-sub001/pkg/entitlement"
	"github.com/rs/zerolog/log"
)

// ErrInvalidTransition is returned when an update names a lifecycle
// transition the state machine does not allow. The current snapshot is
// preserved.
var ErrInvalidTransition = errors.New("invalid subscription state transition")

// Snapshot is the cached subscription state. It is a value type; readers
// get a copy and can never mutate the manager's state through it.
type Snapshot struct {
	// State is the billing lifecycle state.
	State entitlement.SubscriptionState `json:"state"`

	// PlanVersion preserves grandfathered plan terms across price changes.
	PlanVersion string `json:"plan_version,omitempty"`

	// CustomerRef is the billing provider's customer identifier.
	CustomerRef string `json:"customer_ref,omitempty"`

	// ExpiresAt is the current period end when the provider reports one.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// TrialEndsAt is the trial end as Unix seconds while trialing.
	TrialEndsAt *int64 `json:"trial_ends_at,omitempty"`

	// RefreshedAt is when this snapshot last came from the provider.
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Tier maps the snapshot to the tier Evaluate gates on.
func (s Snapshot) Tier() entitlement.Tier {
	return entitlement.EffectiveTier(s.State)
}

// Clone deep-copies the snapshot's pointer fields.
func (s Snapshot) Clone() Snapshot {
	cp := s
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		cp.ExpiresAt = &t
	}
	if s.TrialEndsAt != nil {
		v := *s.TrialEndsAt
		cp.TrialEndsAt = &v
	}
	return cp
}

// Update carries the fields a billing event or refresh may change.
type Update struct {
	State       entitlement.SubscriptionState
	PlanVersion string
	CustomerRef string
	ExpiresAt   *time.Time
	TrialEndsAt *int64
}

// Provider fetches the authoritative subscription state from billing.
type Provider interface {
	Fetch(ctx context.Context) (Update, error)
}

// Store persists the last known snapshot so restarts keep their tier
// without waiting for a billing round-trip.
type Store interface {
	LoadSubscription() (Snapshot, bool, error)
	SaveSubscription(Snapshot) error
}

// Manager is the process-wide subscription holder. Status reads are
// RWMutex-guarded and synchronous; refreshes and billing events mutate the
// snapshot through Apply, which validates lifecycle transitions.
type Manager struct {
	mu       sync.RWMutex
	snapshot Snapshot
	onChange []func(Snapshot)

	store    Store
	provider Provider
	now      func() time.Time
}

// NewManager creates a manager seeded from the persisted snapshot when one
// exists, otherwise starting at "none" (free tier).
func NewManager(store Store, provider Provider) *Manager {
	m := &Manager{
		store:    store,
		provider: provider,
		now:      time.Now,
		snapshot: Snapshot{State: entitlement.SubStateNone},
	}

	if store != nil {
		persisted, ok, err := store.LoadSubscription()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load persisted subscription state, starting as free")
		} else if ok && entitlement.IsValidSubscriptionState(persisted.State) {
			m.snapshot = persisted.Clone()
		}
	}

	return m
}

// Status returns the current snapshot. It never blocks on the network. A
// trial past its end reads as expired without waiting for the provider to
// say so.
func (m *Manager) Status() Snapshot {
	m.mu.RLock()
	snap := m.snapshot.Clone()
	m.mu.RUnlock()

	return normalizeTrialExpiry(snap, m.now())
}

// Tier returns the tier gated surfaces should evaluate against right now.
func (m *Manager) Tier() entitlement.Tier {
	return m.Status().Tier()
}

// OnChange registers a callback fired after each applied update. Callbacks
// run synchronously on the applying goroutine, outside the manager lock;
// this is the explicit contract replacing implicit reactive bindings.
func (m *Manager) OnChange(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Apply moves the lifecycle to the update's state after validating the
// transition. Invalid transitions return ErrInvalidTransition and leave the
// snapshot untouched. Persistence is best-effort: a storage failure is
// logged but the in-memory state (what gating reads) still advances.
func (m *Manager) Apply(u Update) error {
	if !entitlement.IsValidSubscriptionState(u.State) {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, u.State)
	}

	m.mu.Lock()
	from := m.snapshot.State
	if !entitlement.CanTransition(from, u.State) {
		m.mu.Unlock()
		log.Warn().
			Str("from", string(from)).
			Str("to", string(u.State)).
			Msg("Rejected subscription state transition")
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, u.State)
	}

	next := Snapshot{
		State:       u.State,
		PlanVersion: u.PlanVersion,
		CustomerRef: u.CustomerRef,
		RefreshedAt: m.now(),
	}
	if next.PlanVersion == "" {
		next.PlanVersion = m.snapshot.PlanVersion
	}
	if next.CustomerRef == "" {
		next.CustomerRef = m.snapshot.CustomerRef
	}
	if u.ExpiresAt != nil {
		t := *u.ExpiresAt
		next.ExpiresAt = &t
	}
	if u.TrialEndsAt != nil {
		v := *u.TrialEndsAt
		next.TrialEndsAt = &v
	}

	m.snapshot = next
	callbacks := make([]func(Snapshot), len(m.onChange))
	copy(callbacks, m.onChange)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveSubscription(next.Clone()); err != nil {
			log.Error().Err(err).Msg("Failed to persist subscription state")
		}
	}

	log.Info().
		Str("from", string(from)).
		Str("to", string(next.State)).
		Str("plan_version", next.PlanVersion).
		Msg("Subscription state changed")

	for _, fn := range callbacks {
		fn(next.Clone())
	}
	return nil
}

// Refresh pulls the current state from the billing provider and applies it.
// A provider failure leaves the last snapshot intact; gating keeps reading
// the cached state.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}

	update, err := m.provider.Fetch(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Subscription refresh failed, keeping cached snapshot")
		return fmt.Errorf("refresh subscription: %w", err)
	}

	if err := m.Apply(update); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			log.Warn().Err(err).Msg("Subscription refresh produced an invalid transition, keeping cached snapshot")
		}
		return err
	}
	return nil
}

// Run refreshes on the given interval until ctx is canceled. An immediate
// refresh runs first so a restart converges quickly.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	if err := m.Refresh(ctx); err != nil {
		log.Debug().Err(err).Msg("Initial subscription refresh failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				log.Debug().Err(err).Msg("Periodic subscription refresh failed")
			}
		}
	}
}

// normalizeTrialExpiry downgrades a trial whose end has passed. The stored
// snapshot is left alone; only the returned view changes, and the next
// provider refresh makes the downgrade durable.
func normalizeTrialExpiry(snap Snapshot, now time.Time) Snapshot {
	if snap.State != entitlement.SubStateTrial || snap.TrialEndsAt == nil {
		return snap
	}
	if now.Unix() < *snap.TrialEndsAt {
		return snap
	}
	snap.State = entitlement.SubStateExpired
	return snap
}
