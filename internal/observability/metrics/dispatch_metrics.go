package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DispatchMetrics are the prometheus series scraped from /metrics for the send path.
type DispatchMetrics struct {
	providerCalls    *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	retriesScheduled *prometheus.CounterVec
	terminal         *prometheus.CounterVec
	budgetBlocked    prometheus.Counter
	webhookLatency   prometheus.Histogram
	webhookDisabled  prometheus.Counter
	closures         *prometheus.CounterVec
}

func NewDispatchMetrics(cfg Config) *DispatchMetrics {
	return newDispatchMetrics(prometheus.DefaultRegisterer, cfg)
}

func newDispatchMetrics(registerer prometheus.Registerer, cfg Config) *DispatchMetrics {
	labels := constLabels(cfg)
	m := &DispatchMetrics{
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "smsgate_provider_calls_total",
			Help:        "Provider gateway calls by provider and outcome.",
			ConstLabels: labels,
		}, []string{"provider", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "smsgate_provider_call_duration_seconds",
			Help:        "Provider gateway call latency.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			ConstLabels: labels,
		}, []string{"provider"}),
		retriesScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "smsgate_dispatch_retries_scheduled_total",
			Help:        "Send attempts re-enqueued with backoff.",
			ConstLabels: labels,
		}, []string{"reason"}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "smsgate_dispatch_terminal_total",
			Help:        "Send attempts reaching a terminal status.",
			ConstLabels: labels,
		}, []string{"status", "reason"}),
		budgetBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "smsgate_budget_blocked_total",
			Help:        "Send attempts blocked by a billing entity budget.",
			ConstLabels: labels,
		}),
		webhookLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "smsgate_webhook_delivery_duration_seconds",
			Help:        "Webhook POST latency.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: labels,
		}),
		webhookDisabled: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "smsgate_webhook_subscriptions_disabled_total",
			Help:        "Webhook subscriptions disabled after consecutive failures.",
			ConstLabels: labels,
		}),
		closures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "smsgate_period_closures_total",
			Help:        "Period closure outcomes.",
			ConstLabels: labels,
		}, []string{"status"}),
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	registerer.MustRegister(
		m.providerCalls,
		m.providerLatency,
		m.retriesScheduled,
		m.terminal,
		m.budgetBlocked,
		m.webhookLatency,
		m.webhookDisabled,
		m.closures,
	)
	return m
}

func (m *DispatchMetrics) ObserveProviderCall(provider, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, outcome).Inc()
	m.providerLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (m *DispatchMetrics) IncRetryScheduled(reason string) {
	if m == nil {
		return
	}
	m.retriesScheduled.WithLabelValues(reason).Inc()
}

func (m *DispatchMetrics) IncTerminal(status, reason string) {
	if m == nil {
		return
	}
	m.terminal.WithLabelValues(status, reason).Inc()
}

func (m *DispatchMetrics) IncBudgetBlocked() {
	if m == nil {
		return
	}
	m.budgetBlocked.Inc()
}

func (m *DispatchMetrics) ObserveWebhookDelivery(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.webhookLatency.Observe(elapsed.Seconds())
}

func (m *DispatchMetrics) IncWebhookDisabled() {
	if m == nil {
		return
	}
	m.webhookDisabled.Inc()
}

func (m *DispatchMetrics) IncClosure(status string) {
	if m == nil {
		return
	}
	m.closures.WithLabelValues(status).Inc()
}
