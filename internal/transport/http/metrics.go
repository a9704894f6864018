package httpserver

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterpoller_http_requests_total",
			Help: "Total number of HTTP requests served.",
		},
		[]string{"route", "method", "status"},
	)
	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meterpoller_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)

func observeHTTPRequest(r *http.Request, status int, dur time.Duration) {
	route := routeLabel(r.URL.Path)
	method := r.Method

	httpRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	httpRequestDurationSeconds.WithLabelValues(route, method).Observe(dur.Seconds())
}

func routeLabel(path string) string {
	switch path {
	case "/":
		return "index"
	case "/api/readings":
		return "api_readings"
	case "/api/readings.csv":
		return "api_readings_csv"
	case "/api/jobs":
		return "api_jobs"
	case "/api/sessions":
		return "api_sessions"
	case "/healthz":
		return "healthz"
	case "/metrics":
		return "metrics"
	default:
		if strings.HasPrefix(path, "/api/tables/") && strings.HasSuffix(path, "/preview") {
			return "api_table_preview"
		}
		if strings.HasPrefix(path, "/api/sessions/") && strings.HasSuffix(path, "/reconnect") {
			return "api_session_reconnect"
		}
		return "other"
	}
}
