package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servd",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route pattern, method and status code.",
	}, []string{"route", "method", "code"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "servd",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency. Infer requests include streaming time.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	httpInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "servd",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "HTTP requests currently being served.",
	})

	directivesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servd",
		Subsystem: "http",
		Name:      "directive_outcomes_total",
		Help:      "Servable outcomes of management directives, by action and result.",
	}, []string{"action", "result"})

	inferRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servd",
		Subsystem: "http",
		Name:      "infer_rejected_total",
		Help:      "Infer requests rejected before generation, by servable and reason.",
	}, []string{"servable", "reason"})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInflight, directivesTotal, inferRejectedTotal)
}

// statusRecorder captures the response code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps NDJSON streaming working through the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// MetricsMiddleware instruments requests. Mounted with Use on a chi router the
// route label is the matched pattern, so servable names do not become labels.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInflight.Inc()
		defer httpInflight.Dec()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)
		route := routeLabel(r)
		httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(sr.status)).Inc()
		httpRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// routeLabel must run after routing; unmatched requests share one label.
func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// recordOutcome counts one servable outcome of a directive or reconcile pass.
func recordOutcome(action, result string) {
	directivesTotal.WithLabelValues(action, result).Inc()
}

// recordRejection counts an infer request refused with reason (queue_full,
// not_found, unavailable, ...).
func recordRejection(servable, reason string) {
	if servable == "" {
		servable = "default"
	}
	inferRejectedTotal.WithLabelValues(servable, reason).Inc()
}
