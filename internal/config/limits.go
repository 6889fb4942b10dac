package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/abilashblnair/hearo-sub001/pkg/entitlement"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// limitsOverride is the JSON shape of the hot-reloadable limits file. All
// fields are optional; absent fields keep their configured value.
type limitsOverride struct {
	DailyRecordingLimit         *int     `json:"daily_recording_limit"`
	MaxRecordingDurationSeconds *int     `json:"max_recording_duration_seconds"`
	AllowedLanguages            []string `json:"allowed_languages"`
	HistoryRetentionDays        *int     `json:"history_retention_days"`
	MaxBonusRecordings          *int     `json:"max_bonus_recordings"`
	RewardedAdsPerBonus         *int     `json:"rewarded_ads_per_bonus"`
}

// LimitsWatcher keeps the effective gating limits current, merging the base
// limits with the override file whenever the file changes. Removing the
// file reverts to the base limits.
type LimitsWatcher struct {
	path string
	base entitlement.Limits

	mu       sync.RWMutex
	current  entitlement.Limits
	onChange []func(entitlement.Limits)

	watcher  *fsnotify.Watcher
	stop     chan struct{}
	stopOnce sync.Once
	lastMod  time.Time
}

// NewLimitsWatcher builds a watcher. The override file is applied
// immediately when it already exists; call Start to follow later edits.
func NewLimitsWatcher(path string, base entitlement.Limits) *LimitsWatcher {
	w := &LimitsWatcher{
		path:    path,
		base:    base.Clone(),
		current: base.Clone(),
		stop:    make(chan struct{}),
	}
	w.reload()
	return w
}

// Limits returns the effective limits right now.
func (w *LimitsWatcher) Limits() entitlement.Limits {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current.Clone()
}

// OnChange registers a callback fired whenever the effective limits change.
// Callbacks run on the watcher goroutine.
func (w *LimitsWatcher) OnChange(fn func(entitlement.Limits)) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.onChange = append(w.onChange, fn)
	w.mu.Unlock()
}

// Start begins watching the override file's directory, falling back to
// polling when fsnotify cannot watch it.
func (w *LimitsWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("fsnotify unavailable, polling for limits changes")
		go w.pollForChanges()
		return nil
	}

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		log.Warn().Err(err).Str("path", filepath.Dir(w.path)).Msg("Failed to watch limits directory, polling instead")
		go w.pollForChanges()
		return nil
	}

	w.watcher = watcher
	go w.watchForChanges()
	log.Info().Str("path", w.path).Msg("Watching limits override file")
	return nil
}

// Stop stops the watcher.
func (w *LimitsWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func (w *LimitsWatcher) watchForChanges() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) && event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce; editors write in bursts.
			time.Sleep(100 * time.Millisecond)
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Limits watcher error")

		case <-w.stop:
			return
		}
	}
}

func (w *LimitsWatcher) pollForChanges() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.path)
			if err != nil {
				if !w.lastMod.IsZero() {
					// File removed; revert to base.
					w.lastMod = time.Time{}
					w.reload()
				}
				continue
			}
			if stat.ModTime().After(w.lastMod) {
				w.lastMod = stat.ModTime()
				w.reload()
			}

		case <-w.stop:
			return
		}
	}
}

// reload recomputes the effective limits from base + override file. A
// malformed or unreadable file keeps the current limits.
func (w *LimitsWatcher) reload() {
	next := w.base.Clone()

	data, err := os.ReadFile(w.path)
	switch {
	case os.IsNotExist(err):
		// No override file; the base limits apply.
	case err != nil:
		log.Error().Err(err).Str("path", w.path).Msg("Failed to read limits override, keeping current limits")
		return
	default:
		var ov limitsOverride
		if err := json.Unmarshal(data, &ov); err != nil {
			log.Error().Err(err).Str("path", w.path).Msg("Malformed limits override ignored")
			return
		}
		applyOverride(&next, ov)
	}

	w.mu.Lock()
	changed := !limitsEqual(w.current, next)
	w.current = next
	callbacks := make([]func(entitlement.Limits), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.Unlock()

	if !changed {
		return
	}

	log.Info().
		Int("daily_recording_limit", next.DailyRecordingLimit).
		Dur("max_recording_duration", next.MaxRecordingDuration).
		Strs("allowed_languages", next.AllowedLanguages).
		Int("max_bonus_recordings", next.MaxBonusRecordings).
		Int("rewarded_ads_per_bonus", next.RewardedAdsPerBonus).
		Msg("Gating limits updated")

	for _, fn := range callbacks {
		fn(next.Clone())
	}
}

func applyOverride(l *entitlement.Limits, ov limitsOverride) {
	if ov.DailyRecordingLimit != nil && *ov.DailyRecordingLimit >= 0 {
		l.DailyRecordingLimit = *ov.DailyRecordingLimit
	}
	if ov.MaxRecordingDurationSeconds != nil && *ov.MaxRecordingDurationSeconds >= 0 {
		l.MaxRecordingDuration = time.Duration(*ov.MaxRecordingDurationSeconds) * time.Second
	}
	if len(ov.AllowedLanguages) > 0 {
		l.AllowedLanguages = append([]string(nil), ov.AllowedLanguages...)
	}
	if ov.HistoryRetentionDays != nil && *ov.HistoryRetentionDays >= 0 {
		l.HistoryRetentionDays = *ov.HistoryRetentionDays
	}
	if ov.MaxBonusRecordings != nil && *ov.MaxBonusRecordings >= 0 {
		l.MaxBonusRecordings = *ov.MaxBonusRecordings
	}
	if ov.RewardedAdsPerBonus != nil && *ov.RewardedAdsPerBonus > 0 {
		l.RewardedAdsPerBonus = *ov.RewardedAdsPerBonus
	}
}

func limitsEqual(a, b entitlement.Limits) bool {
	return a.DailyRecordingLimit == b.DailyRecordingLimit &&
		a.MaxRecordingDuration == b.MaxRecordingDuration &&
		a.HistoryRetentionDays == b.HistoryRetentionDays &&
		a.MaxBonusRecordings == b.MaxBonusRecordings &&
		a.RewardedAdsPerBonus == b.RewardedAdsPerBonus &&
		slices.Equal(a.AllowedLanguages, b.AllowedLanguages)
}
