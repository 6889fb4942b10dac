package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/abilashblnair/hearo-sub001/internal/billing"
	"github.com/abilashblnair/hearo-sub001/internal/metrics"
	"github.com/abilashblnair/hearo-sub001/internal/subscription"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const stripeWebhookBodyLimit = 1024 * 1024 // 1MiB

// WebhookStore persists processed Stripe event IDs so delivery retries stay
// idempotent.
type WebhookStore interface {
	MarkWebhookProcessed(eventID, eventType string, at time.Time) (bool, error)
}

// StripeWebhookHandler applies Stripe subscription lifecycle webhooks to the
// subscription manager.
//
// SECURITY: Signature verification (ConstructEvent) is the authentication
// mechanism for this endpoint.
type StripeWebhookHandler struct {
	secret     string
	customerID string

	manager *subscription.Manager
	store   WebhookStore

	now func() time.Time
}

// NewStripeWebhookHandler creates the webhook handler. customerID, when
// set, scopes processing to one Stripe customer; events for anyone else are
// acknowledged and dropped.
func NewStripeWebhookHandler(secret, customerID string, manager *subscription.Manager, store WebhookStore) *StripeWebhookHandler {
	return &StripeWebhookHandler{
		secret:     strings.TrimSpace(secret),
		customerID: strings.TrimSpace(customerID),
		manager:    manager,
		store:      store,
		now:        time.Now,
	}
}

func (h *StripeWebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.secret == "" {
		writeErrorResponse(w, http.StatusServiceUnavailable, "stripe_unavailable", "Stripe webhook secret is not configured", nil)
		return
	}
	if h.manager == nil || h.store == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "stripe_unavailable", "Stripe webhook handler is not configured", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, stripeWebhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Failed to read request body", nil)
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		// Intentionally vague; missing signature is treated as invalid auth.
		writeErrorResponse(w, http.StatusBadRequest, "invalid_signature", "Invalid Stripe signature", nil)
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		metrics.Get().RecordWebhookEvent("unknown", "invalid_signature")
		writeErrorResponse(w, http.StatusBadRequest, "invalid_signature", "Invalid Stripe signature", nil)
		return
	}

	update, handled, err := h.translateEvent(&event)
	if err != nil {
		metrics.Get().RecordWebhookEvent(string(event.Type), "decode_failed")
		log.Error().Err(err).Str("event_id", event.ID).Str("type", string(event.Type)).Msg("Stripe webhook decode failed")
		writeErrorResponse(w, http.StatusBadRequest, "invalid_payload", "Failed to decode Stripe event", nil)
		return
	}

	already, err := h.store.MarkWebhookProcessed(event.ID, string(event.Type), h.now())
	if err != nil {
		// Not marked, so Stripe's retry reprocesses from scratch.
		log.Error().Err(err).Str("event_id", event.ID).Str("type", string(event.Type)).Msg("Stripe webhook dedup store failed")
		writeErrorResponse(w, http.StatusInternalServerError, "stripe_processing_failed", "Failed to process Stripe webhook", nil)
		return
	}
	if already {
		metrics.Get().RecordWebhookEvent(string(event.Type), "duplicate")
		// Stripe treats any 2xx as success; returning JSON helps local debugging.
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"received": true,
			"status":   "duplicate",
		})
		return
	}

	status := "ignored"
	if handled {
		status = "processed"
		if err := h.manager.Apply(update); err != nil {
			// Out-of-order delivery produces transitions that can never
			// apply; a retry would hit the same wall. The periodic provider
			// refresh reconciles the true state.
			log.Warn().Err(err).
				Str("event_id", event.ID).
				Str("type", string(event.Type)).
				Str("to", string(update.State)).
				Msg("Stripe webhook ignored (inapplicable transition)")
			status = "ignored"
		}
	}

	metrics.Get().RecordWebhookEvent(string(event.Type), status)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"received": true,
		"status":   status,
	})
}

// translateEvent maps a verified Stripe event to a subscription update.
// handled is false for event types this service does not consume and for
// events scoped to some other customer.
func (h *StripeWebhookHandler) translateEvent(event *stripe.Event) (subscription.Update, bool, error) {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		var sub billing.SubscriptionEvent
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return subscription.Update{}, false, fmt.Errorf("decode subscription: %w", err)
		}
		if !h.eventForCustomer(sub.Customer) {
			log.Warn().
				Str("event_id", event.ID).
				Str("customer", strings.TrimSpace(sub.Customer)).
				Msg("Stripe webhook ignored (customer mismatch)")
			return subscription.Update{}, false, nil
		}
		return sub.ToUpdate(), true, nil

	case "customer.subscription.deleted":
		var sub billing.SubscriptionEvent
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return subscription.Update{}, false, fmt.Errorf("decode subscription: %w", err)
		}
		if !h.eventForCustomer(sub.Customer) {
			log.Warn().
				Str("event_id", event.ID).
				Str("customer", strings.TrimSpace(sub.Customer)).
				Msg("Stripe webhook ignored (customer mismatch)")
			return subscription.Update{}, false, nil
		}
		return sub.CanceledUpdate(), true, nil

	default:
		log.Info().Str("type", string(event.Type)).Str("event_id", event.ID).Msg("Stripe webhook ignored (unhandled type)")
		return subscription.Update{}, false, nil
	}
}

func (h *StripeWebhookHandler) eventForCustomer(customer string) bool {
	if h.customerID == "" {
		return true
	}
	return strings.TrimSpace(customer) == h.customerID
}
