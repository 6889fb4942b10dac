// Package metrics exposes Prometheus instrumentation for gating activity.
package metrics

import (
	"sync"

	"github.com/abilashblnair/hearo-sub001/pkg/entitlement"
	"github.com/prometheus/client_golang/prometheus"
)

// GatingMetrics instruments gate decisions, usage consumption, rewarded
// ads, billing webhooks, and push connections.
type GatingMetrics struct {
	decisionsTotal     *prometheus.CounterVec
	paywallTotal       *prometheus.CounterVec
	recordingsTotal    prometheus.Counter
	rewardedAdsTotal   prometheus.Counter
	bonusGrantsTotal   prometheus.Counter
	webhookEventsTotal *prometheus.CounterVec
	subscriptionState  *prometheus.GaugeVec
	pushClients        prometheus.Gauge
}

var (
	instance *GatingMetrics
	once     sync.Once
)

// Get returns the singleton gating metrics instance.
func Get() *GatingMetrics {
	once.Do(func() {
		instance = newGatingMetrics()
	})
	return instance
}

func newGatingMetrics() *GatingMetrics {
	m := &GatingMetrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hearo",
				Subsystem: "gate",
				Name:      "decisions_total",
				Help:      "Total gate decisions by feature and outcome",
			},
			[]string{"feature", "outcome"},
		),
		paywallTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hearo",
				Subsystem: "gate",
				Name:      "paywall_triggers_total",
				Help:      "Total denials that trigger the paywall, by feature and reason",
			},
			[]string{"feature", "reason"},
		),
		recordingsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hearo",
				Subsystem: "usage",
				Name:      "recordings_started_total",
				Help:      "Total recordings started through the gate",
			},
		),
		rewardedAdsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hearo",
				Subsystem: "usage",
				Name:      "rewarded_ads_total",
				Help:      "Total rewarded ad completions accepted",
			},
		),
		bonusGrantsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hearo",
				Subsystem: "usage",
				Name:      "bonus_grants_total",
				Help:      "Total bonus recording slots granted by rewarded ads",
			},
		),
		webhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hearo",
				Subsystem: "billing",
				Name:      "webhook_events_total",
				Help:      "Total billing webhook events by type and status",
			},
			[]string{"type", "status"},
		),
		subscriptionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "hearo",
				Subsystem: "billing",
				Name:      "subscription_state",
				Help:      "Current subscription lifecycle state (1 for the active state)",
			},
			[]string{"state"},
		),
		pushClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hearo",
				Subsystem: "push",
				Name:      "clients",
				Help:      "Connected WebSocket push clients",
			},
		),
	}

	prometheus.MustRegister(
		m.decisionsTotal,
		m.paywallTotal,
		m.recordingsTotal,
		m.rewardedAdsTotal,
		m.bonusGrantsTotal,
		m.webhookEventsTotal,
		m.subscriptionState,
		m.pushClients,
	)

	return m
}

// RecordDecision records one gate decision.
func (m *GatingMetrics) RecordDecision(feature string, allowed bool) {
	if feature == "" {
		feature = "unknown"
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.decisionsTotal.WithLabelValues(feature, outcome).Inc()
}

// RecordPaywallTrigger records a denial that should surface the paywall.
func (m *GatingMetrics) RecordPaywallTrigger(feature, reason string) {
	if feature == "" {
		feature = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	m.paywallTotal.WithLabelValues(feature, reason).Inc()
}

// RecordRecordingStarted records one consumed recording slot.
func (m *GatingMetrics) RecordRecordingStarted() {
	m.recordingsTotal.Inc()
}

// RecordRewardedAd records an accepted rewarded ad and whether it granted a
// bonus slot.
func (m *GatingMetrics) RecordRewardedAd(grantedBonus bool) {
	m.rewardedAdsTotal.Inc()
	if grantedBonus {
		m.bonusGrantsTotal.Inc()
	}
}

// RecordWebhookEvent records one billing webhook delivery.
func (m *GatingMetrics) RecordWebhookEvent(eventType, status string) {
	if eventType == "" {
		eventType = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	m.webhookEventsTotal.WithLabelValues(eventType, status).Inc()
}

// SetSubscriptionState marks the current lifecycle state gauge.
func (m *GatingMetrics) SetSubscriptionState(state entitlement.SubscriptionState) {
	for s := range entitlement.StateBehaviors {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.subscriptionState.WithLabelValues(string(s)).Set(v)
	}
}

// SetPushClients sets the connected WebSocket client count.
func (m *GatingMetrics) SetPushClients(n int) {
	m.pushClients.Set(float64(n))
}
