// Package metrics provides Prometheus instrumentation for the deal engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dealcore",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dealcore",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Negotiation metrics ---

	NegotiationsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dealcore",
		Name:      "negotiations_created_total",
		Help:      "Total negotiations opened.",
	})

	OffersSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealcore",
		Name:      "offers_submitted_total",
		Help:      "Total offers recorded by kind.",
	}, []string{"kind"})

	NegotiationsClosedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealcore",
		Name:      "negotiations_closed_total",
		Help:      "Total negotiations reaching a terminal status.",
	}, []string{"status"})

	TimeToAcceptSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dealcore",
		Name:      "time_to_accept_seconds",
		Help:      "Time from negotiation creation to offer acceptance in seconds.",
		Buckets:   []float64{60, 600, 3600, 21600, 86400, 259200, 604800},
	})

	// --- Escrow metrics ---

	EscrowAccountsOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dealcore",
		Name:      "escrow_accounts_opened_total",
		Help:      "Total escrow accounts opened with the provider.",
	})

	EscrowTransactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealcore",
		Name:      "escrow_transactions_total",
		Help:      "Total ledger transactions appended by type.",
	}, []string{"type"})

	EscrowProviderErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealcore",
		Name:      "escrow_provider_errors_total",
		Help:      "Total escrow provider call failures by operation.",
	}, []string{"op"})

	ReconciliationChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealcore",
		Name:      "reconciliation_checks_total",
		Help:      "Total reconciliation checks by result (ok, mismatch).",
	}, []string{"result"})

	WebhookEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealcore",
		Name:      "escrow_webhook_events_total",
		Help:      "Total provider webhook events by type and result.",
	}, []string{"event", "result"})

	// --- Contract revision metrics ---

	RevisionsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dealcore",
		Name:      "contract_revisions_created_total",
		Help:      "Total contract revisions created.",
	})

	RevisionStatusChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealcore",
		Name:      "contract_revision_status_changes_total",
		Help:      "Total revision status transitions by new status.",
	}, []string{"status"})

	// --- Event publisher metrics ---

	EventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealcore",
		Name:      "events_published_total",
		Help:      "Total domain events published by type.",
	}, []string{"type"})

	EventDeliveryErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealcore",
		Name:      "event_delivery_errors_total",
		Help:      "Total event sink delivery failures by type.",
	}, []string{"type"})

	// ActiveWebSocketClients tracks connected timeline clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dealcore",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// --- DB / runtime gauges ---

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dealcore", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dealcore", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dealcore", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dealcore", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		NegotiationsCreatedTotal,
		OffersSubmittedTotal,
		NegotiationsClosedTotal,
		TimeToAcceptSeconds,
		EscrowAccountsOpenedTotal,
		EscrowTransactionsTotal,
		EscrowProviderErrorsTotal,
		ReconciliationChecksTotal,
		WebhookEventsTotal,
		RevisionsCreatedTotal,
		RevisionStatusChangesTotal,
		EventsPublishedTotal,
		EventDeliveryErrorsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
