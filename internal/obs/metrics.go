package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Identity and session metrics.
var (
	LoginOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idsync_login_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	Lockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idsync_lockouts_total",
		Help: "Accounts moved into the locked state.",
	})

	DegradedFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idsync_degraded_fallbacks_total",
			Help: "Session state calls served from the in-memory cache because the store was unavailable.",
		},
		[]string{"op"},
	)

	EmployeeIDFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idsync_employee_id_placeholders_total",
			Help: "Employee ids assigned as placeholders because the counter failed.",
		},
		[]string{"role"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "idsync_ready",
		Help: "1 when the directory and the metadata store answered the last readiness check.",
	})

	AuditFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idsync_audit_write_failures_total",
			Help: "Audit records that could not be persisted.",
		},
		[]string{"kind"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Repeated calls are no-ops.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			LoginOutcomes, Lockouts, DegradedFallbacks, EmployeeIDFallbacks, AuditFailures, readyGauge,
		)
	})
}

// SetReady records the outcome of the last readiness check.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request count, latency and in-flight gauge per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

var userSubresources = map[string]bool{
	"role": true, "level": true, "password": true, "unlock": true, "stats": true, "sessions": true,
}

// CanonicalPath replaces path parameters with placeholders so metric label
// cardinality stays bounded. Unknown shapes are returned unchanged.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "auth" && parts[2] == "lockout":
		return "/v1/auth/lockout/:username"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "employees":
		return "/v1/admin/employees/:employee_id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "compact":
		return "/v1/admin/compact/:table"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "users":
		return "/v1/admin/users/:username"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "users" && userSubresources[parts[4]]:
		return "/v1/admin/users/:username/" + parts[4]
	}
	return path
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
