package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/abilashblnair/hearo-sub001/internal/api"
	"github.com/abilashblnair/hearo-sub001/internal/billing"
	"github.com/abilashblnair/hearo-sub001/internal/config"
	"github.com/abilashblnair/hearo-sub001/internal/logging"
	"github.com/abilashblnair/hearo-sub001/internal/metrics"
	"github.com/abilashblnair/hearo-sub001/internal/push"
	"github.com/abilashblnair/hearo-sub001/internal/store"
	"github.com/abilashblnair/hearo-sub001/internal/subscription"
	"github.com/abilashblnair/hearo-sub001/internal/usage"
	"github.com/abilashblnair/hearo-sub001/pkg/entitlement"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "hearod",
	Short:   "Hearo entitlement and usage gating service",
	Long:    `hearod decides what the Hearo app may do on the free and premium tiers: daily recording quotas, recording duration caps, transcription language allow-lists, rewarded-ad bonus slots, and the Stripe subscription lifecycle behind them.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hearod %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "hearod",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Re-initialize logging with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "hearod",
	})

	log.Info().Str("version", Version).Msg("Starting Hearo entitlement service")

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("Failed to open store")
	}
	defer st.Close()

	limitsWatcher := config.NewLimitsWatcher(cfg.LimitsFile, cfg.Limits)
	if err := limitsWatcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start limits watcher, override changes require a restart")
	}
	defer limitsWatcher.Stop()

	tracker := usage.NewTracker(st, cfg.Location())

	var provider subscription.Provider
	if cfg.StripeAPIKey != "" {
		provider = billing.NewStripeProvider(cfg.StripeAPIKey, cfg.StripeCustomerID)
	} else {
		log.Warn().Msg("STRIPE_API_KEY not set, subscription state runs on webhooks and the persisted snapshot only")
	}
	manager := subscription.NewManager(st, provider)
	metrics.Get().SetSubscriptionState(manager.Status().State)

	hub := push.NewHub(splitOrigins(cfg.AllowedOrigins))
	hub.SetSnapshot(func() push.Event {
		return push.Event{
			Type:    push.EventSubscriptionChanged,
			Payload: currentEntitlements(manager, tracker, limitsWatcher),
			TS:      time.Now().UTC(),
		}
	})

	// Every lifecycle or limits change reaches open clients immediately;
	// paywalls dismiss without waiting for the next HTTP poll.
	manager.OnChange(func(snap subscription.Snapshot) {
		metrics.Get().SetSubscriptionState(snap.State)
		hub.Broadcast(push.EventSubscriptionChanged, currentEntitlements(manager, tracker, limitsWatcher))
	})
	limitsWatcher.OnChange(func(entitlement.Limits) {
		hub.Broadcast(push.EventLimitsChanged, currentEntitlements(manager, tracker, limitsWatcher))
	})

	router := api.NewRouter(cfg, tracker, manager, limitsWatcher.Limits, hub, st)

	// NOTE: ReadHeaderTimeout instead of ReadTimeout. A full-request deadline
	// set on the connection persists after the WebSocket upgrade and would
	// disconnect push clients mid-stream.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	g.Go(func() error {
		manager.Run(ctx, cfg.RefreshInterval)
		return nil
	})

	g.Go(func() error {
		runHousekeeping(ctx, st, tracker, hub, cfg)
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Service terminated with error")
	}

	log.Info().Msg("Server stopped")
}

// currentEntitlements assembles the full entitlement payload clients receive
// on connect and after every change.
func currentEntitlements(manager *subscription.Manager, tracker *usage.Tracker, limits *config.LimitsWatcher) entitlement.Payload {
	snap := manager.Status()
	usageSnap, err := tracker.Snapshot()
	if err != nil {
		log.Error().Err(err).Msg("Failed to read usage counters for push payload")
	}
	return entitlement.BuildPayload(snap.State, snap.PlanVersion, usageSnap, limits.Limits(), snap.TrialEndsAt)
}

func splitOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
