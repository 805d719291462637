// Package metrics declares the Prometheus collectors exported by the
// sandbox execution service and a small Timer helper for histogram
// observations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_sessions_total",
			Help: "Total number of sessions created, by tier and environment",
		},
		[]string{"tier", "environment"},
	)

	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandboxd_sessions_active",
			Help: "Number of non-terminal sessions, by state",
		},
		[]string{"state"},
	)

	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_rate_limit_rejections_total",
			Help: "Total number of admission rejections, by kind",
		},
		[]string{"kind"},
	)

	CircuitBreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_circuit_breaker_open",
			Help: "Whether the circuit breaker is currently open (1) or closed (0)",
		},
	)

	ContainerProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_container_provision_duration_seconds",
			Help:    "Time taken to create and start a sandbox container",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerDestroyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_container_destroy_duration_seconds",
			Help:    "Time taken to kill and remove a sandbox container",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReaperCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_reaper_cycles_total",
			Help: "Total number of idle-reaper scan cycles",
		},
	)

	TerminalConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_terminal_connections_active",
			Help: "Number of currently attached terminal connections",
		},
	)

	TerminalBytesOutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_terminal_bytes_out_total",
			Help: "Total bytes written to client sockets across all terminal connections",
		},
	)

	AdminHTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_admin_http_requests_total",
			Help: "Total number of admin HTTP requests, by route and status",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsTotal,
		SessionsActive,
		RateLimitRejectionsTotal,
		CircuitBreakerOpen,
		ContainerProvisionDuration,
		ContainerDestroyDuration,
		ReaperCyclesTotal,
		TerminalConnectionsActive,
		TerminalBytesOutTotal,
		AdminHTTPRequestsTotal,
	)
}

// Handler returns the Prometheus scrape handler for the admin surface.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations and observing the elapsed
// duration into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
