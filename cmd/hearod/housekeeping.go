package main

import (
	"context"
	"time"

	"github.com/abilashblnair/hearo-sub001/internal/config"
	"github.com/abilashblnair/hearo-sub001/internal/push"
	"github.com/abilashblnair/hearo-sub001/internal/store"
	"github.com/abilashblnair/hearo-sub001/internal/usage"
	"github.com/rs/zerolog/log"
)

const housekeepingInterval = time.Minute

// runHousekeeping owns the periodic chores: announcing the calendar-day
// rollover to push clients and pruning usage and webhook rows past the
// retention window.
func runHousekeeping(ctx context.Context, st *store.SQLiteStore, tracker *usage.Tracker, hub *push.Hub, cfg *config.Config) {
	loc := cfg.Location()
	lastDay := time.Now().In(loc).Format("2006-01-02")

	pruneStore(st, cfg, loc)

	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case now := <-ticker.C:
			day := now.In(loc).Format("2006-01-02")
			if day == lastDay {
				continue
			}
			lastDay = day

			// The tracker rolls over lazily on its next read; snapshotting
			// here forces the roll so clients get the zeroed counters.
			snap, err := tracker.Snapshot()
			if err != nil {
				log.Error().Err(err).Msg("Failed to roll usage counters at day boundary")
				continue
			}
			hub.Broadcast(push.EventDayRolledOver, snap)
			log.Info().Str("day", day).Msg("Usage day rolled over")

			pruneStore(st, cfg, loc)
		}
	}
}

func pruneStore(st *store.SQLiteStore, cfg *config.Config, loc *time.Location) {
	if cfg.UsageRetentionDays <= 0 {
		return
	}
	cutoff := time.Now().In(loc).AddDate(0, 0, -cfg.UsageRetentionDays)
	cutoffDay := cutoff.Format("2006-01-02")

	if pruned, err := st.PruneUsageBefore(cutoffDay); err != nil {
		log.Error().Err(err).Msg("Failed to prune usage history")
	} else if pruned > 0 {
		log.Info().Int64("events", pruned).Str("before", cutoffDay).Msg("Pruned usage history")
	}

	if pruned, err := st.PruneWebhookEventsBefore(cutoff); err != nil {
		log.Error().Err(err).Msg("Failed to prune webhook dedup rows")
	} else if pruned > 0 {
		log.Info().Int64("events", pruned).Msg("Pruned webhook dedup rows")
	}
}
