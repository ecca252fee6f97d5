package http

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agent-warden/warden/internal/service"
)

// Metrics holds the Prometheus instruments recorded by the transport.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration prometheus.Histogram
	RateLimitedTotal prometheus.Counter
}

// NewMetrics creates and registers the transport metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "warden",
				Name:      "requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "warden",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "warden",
				Name:      "decisions_total",
				Help:      "Total runtime decisions by outcome and error code",
			},
			[]string{"outcome", "code"}, // outcome=allowed/blocked
		),
		DecisionDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "warden",
				Name:      "decision_duration_seconds",
				Help:      "End-to-end decision latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		RateLimitedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "warden",
				Name:      "rate_limited_total",
				Help:      "Total requests rejected by the per-key rate limit",
			},
		),
	}
}

// RegisterAuditCollectors exposes the audit writer's queue depth and drop
// count as gauges sampled at scrape time.
func RegisterAuditCollectors(reg prometheus.Registerer, audits *service.AuditService) {
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "audit_queue_depth",
			Help:      "Audit entries waiting to be persisted",
		},
		func() float64 { return float64(audits.ChannelDepth()) },
	))
	reg.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "audit_drops_total",
			Help:      "Audit entries dropped because the queue was full",
		},
		func() float64 { return float64(audits.DroppedEntries()) },
	))
}

// MetricsMiddleware records request counts and latency. The metrics and
// health endpoints themselves are excluded so scrapes do not inflate totals.
func MetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
			metrics.RequestsTotal.WithLabelValues(r.Method, statusToLabel(wrapped.status)).Inc()
		})
	}
}

// statusRecorder captures the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func statusToLabel(code int) string {
	if code >= 200 && code < 400 {
		return "ok"
	}
	return "error"
}
