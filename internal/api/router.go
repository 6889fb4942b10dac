package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/abilashblnair/hearo-sub001/internal/config"
	"github.com/abilashblnair/hearo-sub001/internal/push"
	"github.com/abilashblnair/hearo-sub001/internal/subscription"
	"github.com/abilashblnair/hearo-sub001/internal/usage"
	"github.com/abilashblnair/hearo-sub001/pkg/entitlement"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Router handles HTTP routing
type Router struct {
	mux       *http.ServeMux
	config    *config.Config
	tracker   *usage.Tracker
	manager   *subscription.Manager
	limits    func() entitlement.Limits
	hub       *push.Hub
	whStore   WebhookStore
	startTime time.Time
}

// NewRouter creates a new router instance. limits is read per request so
// hot-reloaded overrides apply without restart; hub and whStore may be nil
// (push and webhook processing disabled).
func NewRouter(cfg *config.Config, tracker *usage.Tracker, manager *subscription.Manager, limits func() entitlement.Limits, hub *push.Hub, whStore WebhookStore) http.Handler {
	r := &Router{
		mux:       http.NewServeMux(),
		config:    cfg,
		tracker:   tracker,
		manager:   manager,
		limits:    limits,
		hub:       hub,
		whStore:   whStore,
		startTime: time.Now(),
	}

	r.setupRoutes()
	return ErrorHandler(r)
}

// setupRoutes configures all routes
func (r *Router) setupRoutes() {
	gateHandlers := NewEntitlementHandlers(r.tracker, r.manager, r.limits, r.hub)
	webhookHandler := NewStripeWebhookHandler(r.config.StripeWebhookSecret, r.config.StripeCustomerID, r.manager, r.whStore)

	// Device API routes (bearer auth, rate limited)
	r.mux.HandleFunc("/api/entitlements", r.protected(gateHandlers.HandleEntitlements))
	r.mux.HandleFunc("/api/gate/check", r.protected(gateHandlers.HandleGateCheck))
	r.mux.HandleFunc("/api/recordings/start", r.protected(gateHandlers.HandleRecordingStart))
	r.mux.HandleFunc("/api/ads/reward", r.protected(gateHandlers.HandleAdReward))
	r.mux.HandleFunc("/api/usage", r.protected(gateHandlers.HandleUsage))
	r.mux.HandleFunc("/api/subscription", r.protected(gateHandlers.HandleSubscription))
	r.mux.HandleFunc("/api/subscription/refresh", r.protected(gateHandlers.HandleSubscriptionRefresh))

	// Billing webhook: the Stripe signature is the auth, and delivery
	// retries must never be rate limited away.
	r.mux.HandleFunc("/api/billing/webhook", webhookHandler.HandleWebhook)

	// WebSocket endpoint (origin-checked in the hub)
	if r.hub != nil {
		r.mux.HandleFunc("/ws", r.hub.ServeWS)
	}

	r.mux.HandleFunc("/healthz", r.handleHealth)
	r.mux.Handle("/metrics", promhttp.Handler())
}

// protected wraps a handler with bearer auth and per-device rate limiting.
func (r *Router) protected(handler http.HandlerFunc) http.HandlerFunc {
	return RequireAuth(r.config.AuthSecret, RateLimit(apiLimiter, handler))
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Add CORS headers if configured
	if r.config.AllowedOrigins != "" {
		w.Header().Set("Access-Control-Allow-Origin", r.config.AllowedOrigins)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	}

	// Handle preflight requests
	if req.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Add security headers for API endpoints
	if strings.HasPrefix(req.URL.Path, "/api/") || strings.HasPrefix(req.URL.Path, "/ws") {
		addSecurityHeaders(w)
	}

	start := time.Now()
	r.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

// addSecurityHeaders adds security headers to the response
func addSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(r.startTime).Seconds(),
	})
}
