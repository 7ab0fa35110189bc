package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const (
	routeLabelKey   ctxKey = "metrics_route"
	requestIDCtxKey ctxKey = "metrics_request_id"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconattend_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconattend_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "beaconattend_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "beaconattend_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "beaconattend_batch_records",
		Help:    "Number of records per ingested scanner batch.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})

	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconattend_records_total",
		Help: "Ingested scanner records by outcome.",
	}, []string{"outcome"})

	windowUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconattend_event_window_updates_total",
		Help: "Event window expansions by result.",
	}, []string{"result"})

	recalculationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconattend_recalculations_total",
		Help: "Per-user attendance recalculations by result.",
	}, []string{"result"})

	recalcQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beaconattend_recalc_queue_depth",
		Help: "Events waiting for background recalculation.",
	})

	recalcDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beaconattend_recalc_dropped_total",
		Help: "Events not queued for recalculation because the queue was full.",
	})

	authFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconattend_auth_failures_total",
		Help: "Rejected API key authentications by reason.",
	}, []string{"reason"})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := middleware.GetReqID(r.Context())

			ctx := context.WithValue(r.Context(), routeLabelKey, r.URL.Path)
			if reqID != "" {
				ctx = context.WithValue(ctx, requestIDCtxKey, reqID)
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			// The pattern is only known once chi has matched the route.
			route := routePattern(r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			method := r.Method
			duration := time.Since(start).Seconds()
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(method, route).Inc()
			httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration)
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	route := routeFromContext(ctx)
	dbLatency.WithLabelValues(operation, route).Observe(time.Since(start).Seconds())
}

// ObserveBatch records the size of an ingested batch.
func ObserveBatch(records int) {
	batchSize.Observe(float64(records))
}

// RecordOutcome counts one ingested record. outcome is "success", "duplicate"
// or the error kind.
func RecordOutcome(outcome string) {
	recordsTotal.WithLabelValues(outcome).Inc()
}

// WindowUpdate counts an event window expansion attempt.
func WindowUpdate(result string) {
	windowUpdatesTotal.WithLabelValues(result).Inc()
}

// Recalculation counts a per-user summary recalculation.
func Recalculation(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	recalculationsTotal.WithLabelValues(result).Inc()
}

// SetRecalcQueueDepth reports the number of queued events.
func SetRecalcQueueDepth(n int) {
	recalcQueueDepth.Set(float64(n))
}

// RecalcDropped counts an event that could not be queued.
func RecalcDropped() {
	recalcDropped.Inc()
}

// AuthFailure counts a rejected API key.
func AuthFailure(reason string) {
	authFailuresTotal.WithLabelValues(reason).Inc()
}

// RequestIDFromContext extracts the request ID stored by the metrics middleware.
func RequestIDFromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return reqID
	}
	return ""
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
