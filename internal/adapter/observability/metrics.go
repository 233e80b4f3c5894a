package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	BroadcastSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_sent_total",
			Help: "Total number of broadcast messages delivered",
		},
		[]string{"campaign"},
	)
	BroadcastFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_failed_total",
			Help: "Total number of broadcast messages permanently failed",
		},
		[]string{"campaign"},
	)
	BroadcastRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_retries_total",
			Help: "Total number of broadcast deliveries scheduled for retry",
		},
		[]string{"campaign"},
	)
	BroadcastActiveCampaigns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broadcast_active_campaigns",
			Help: "Number of campaigns currently running",
		},
	)
	BroadcastPendingMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broadcast_pending_messages",
			Help: "Number of outbox rows awaiting dispatch",
		},
	)
	BroadcastWorkerHasLock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broadcast_worker_has_lock",
			Help: "1 when this replica holds the broadcast worker lease",
		},
	)
	TelegramRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telegram_request_duration_seconds",
			Help:    "Telegram Bot API request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"method"},
	)
)

// InitMetrics registers all collectors; call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(BroadcastSentTotal)
	prometheus.MustRegister(BroadcastFailedTotal)
	prometheus.MustRegister(BroadcastRetriesTotal)
	prometheus.MustRegister(BroadcastActiveCampaigns)
	prometheus.MustRegister(BroadcastPendingMessages)
	prometheus.MustRegister(BroadcastWorkerHasLock)
	prometheus.MustRegister(TelegramRequestDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
