package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Record methods are safe on a nil
// *Metrics so components can run without a registry in tests.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook metrics
	WebhookEventsTotal *prometheus.CounterVec
	WebhookDuration    *prometheus.HistogramVec

	// Billing metrics
	ReconciliationsTotal *prometheus.CounterVec
	QuotaDecisionsTotal  *prometheus.CounterVec
	PlanLookupsTotal     *prometheus.CounterVec
	TransactionsTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meter_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_webhook_events_total",
				Help: "Webhook deliveries by provider, event type and outcome",
			},
			[]string{"provider", "event_type", "outcome"},
		),
		WebhookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meter_webhook_duration_seconds",
				Help:    "Webhook handling duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		ReconciliationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_reconciliations_total",
				Help: "Subscription reconciliations by outcome",
			},
			[]string{"outcome"},
		),
		QuotaDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_quota_decisions_total",
				Help: "Quota guard decisions by operation",
			},
			[]string{"operation", "allowed"},
		),
		PlanLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_plan_lookups_total",
				Help: "Provider plan name lookups by source",
			},
			[]string{"provider", "source"},
		),
		TransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_transactions_total",
				Help: "Ledger rows appended by provider and status",
			},
			[]string{"provider", "status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhookEventsTotal,
		m.WebhookDuration,
		m.ReconciliationsTotal,
		m.QuotaDecisionsTotal,
		m.PlanLookupsTotal,
		m.TransactionsTotal,
	)

	return m
}

// RecordWebhook counts one webhook delivery
func (m *Metrics) RecordWebhook(provider, eventType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(provider, eventType, outcome).Inc()
	m.WebhookDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordReconciliation counts one reconciliation attempt
func (m *Metrics) RecordReconciliation(outcome string) {
	if m == nil {
		return
	}
	m.ReconciliationsTotal.WithLabelValues(outcome).Inc()
}

// RecordQuotaDecision counts one guard decision
func (m *Metrics) RecordQuotaDecision(operation string, allowed bool) {
	if m == nil {
		return
	}
	m.QuotaDecisionsTotal.WithLabelValues(operation, strconv.FormatBool(allowed)).Inc()
}

// RecordPlanLookup counts where a plan name came from: payload, cache, api or fallback
func (m *Metrics) RecordPlanLookup(provider, source string) {
	if m == nil {
		return
	}
	m.PlanLookupsTotal.WithLabelValues(provider, source).Inc()
}

// RecordTransaction counts one appended ledger row
func (m *Metrics) RecordTransaction(provider, status string) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(provider, status).Inc()
}

// statusRecorder wraps http.ResponseWriter to capture the status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments requests, labelled by the mux route
// template to keep cardinality bounded
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
