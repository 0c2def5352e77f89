// Package metrics exposes the prometheus instruments shared across the bot.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the bot records into.
type Metrics struct {
	registry *prometheus.Registry

	IncomingMessages *prometheus.CounterVec
	RuleHits         *prometheus.CounterVec
	GeminiRequests   *prometheus.CounterVec
	GeminiLatency    *prometheus.HistogramVec
	WebhookRequests  *prometheus.CounterVec
	CheckoutTotal    *prometheus.CounterVec
	Errors           *prometheus.CounterVec
}

// New registers all collectors under the given namespace.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		IncomingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incoming_messages_total",
			Help:      "Inbound Telegram messages by payload type.",
		}, []string{"type"}),
		RuleHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intent_rule_hits_total",
			Help:      "Messages handled per intent-cascade rule.",
		}, []string{"rule"}),
		GeminiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gemini_requests_total",
			Help:      "Gemini API calls by outcome.",
		}, []string{"status"}),
		GeminiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gemini_latency_seconds",
			Help:      "Gemini API latency by HTTP status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		WebhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "n8n_requests_total",
			Help:      "Workflow webhook calls by outcome.",
		}, []string{"status"}),
		CheckoutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_total",
			Help:      "Checkout attempts by result.",
		}, []string{"result"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Internal errors by component.",
		}, []string{"component"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.IncomingMessages,
		m.RuleHits,
		m.GeminiRequests,
		m.GeminiLatency,
		m.WebhookRequests,
		m.CheckoutTotal,
		m.Errors,
	)
	return m
}

// Handler serves the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
