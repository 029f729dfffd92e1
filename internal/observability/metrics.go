package observability

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the broker API.
type Metrics struct {
	registry prometheus.Gatherer

	QuoteCacheHits      *prometheus.CounterVec
	QuoteCacheMisses    *prometheus.CounterVec
	QuoteProviderCalls  *prometheus.CounterVec
	QuoteProviderErrors *prometheus.CounterVec
	QuoteRefreshSeconds *prometheus.HistogramVec

	LedgerEntries   *prometheus.CounterVec
	OrdersPlaced    *prometheus.CounterVec
	CashDecisions   *prometheus.CounterVec
	EventPublishErr prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates all collectors on a fresh registry.
// A private registry keeps repeated construction in tests from colliding.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		QuoteCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_quote_cache_hits_total",
			Help: "Quote reads served from cache",
		}, []string{"bucket"}),

		QuoteCacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_quote_cache_misses_total",
			Help: "Quote reads that triggered a refresh",
		}, []string{"bucket"}),

		QuoteProviderCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_quote_provider_calls_total",
			Help: "Calls made to the external quote provider",
		}, []string{"bucket"}),

		QuoteProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_quote_provider_errors_total",
			Help: "Per-symbol quote provider failures",
		}, []string{"bucket"}),

		QuoteRefreshSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_quote_refresh_duration_seconds",
			Help:    "Time to refresh one bucket",
			Buckets: prometheus.DefBuckets,
		}, []string{"bucket"}),

		LedgerEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_ledger_entries_total",
			Help: "Ledger entries committed",
		}, []string{"reason_kind"}),

		OrdersPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_orders_placed_total",
			Help: "Immediate-fill orders recorded",
		}, []string{"side"}),

		CashDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_cash_request_decisions_total",
			Help: "Cash request approvals and rejections",
		}, []string{"type", "status"}),

		EventPublishErr: f.NewCounter(prometheus.CounterOpts{
			Name: "broker_event_publish_errors_total",
			Help: "Ledger events that failed to publish",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}
