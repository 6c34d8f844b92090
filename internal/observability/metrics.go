package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors for the floor station: backend calls,
// realtime channel health, and the running session.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	apiRequestsTotal      *prometheus.CounterVec
	apiRequestDuration    *prometheus.HistogramVec
	realtimeConnectsTotal *prometheus.CounterVec
	realtimeMessagesTotal *prometheus.CounterVec
	realtimeDroppedTotal  prometheus.Counter
	snapshotWritesTotal   *prometheus.CounterVec
	submissionsTotal      *prometheus.CounterVec
	sessionElapsedSeconds prometheus.Gauge
	sessionCurrentBatch   prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "padaria_floor",
				Name:      "http_requests_total",
				Help:      "Total number of status-server requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		apiRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "padaria_floor",
				Name:      "api_requests_total",
				Help:      "Total number of backend REST calls by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		apiRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "padaria_floor",
				Name:      "api_request_duration_seconds",
				Help:      "Backend REST call duration in seconds by operation.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		realtimeConnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "padaria_floor",
				Name:      "realtime_connects_total",
				Help:      "Total number of realtime connection attempts by result.",
			},
			[]string{"result"},
		),
		realtimeMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "padaria_floor",
				Name:      "realtime_messages_total",
				Help:      "Total number of inbound realtime messages by type.",
			},
			[]string{"type"},
		),
		realtimeDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "padaria_floor",
				Name:      "realtime_dropped_sends_total",
				Help:      "Total number of outbound messages dropped while disconnected.",
			},
		),
		snapshotWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "padaria_floor",
				Name:      "snapshot_writes_total",
				Help:      "Total number of session snapshot writes by result.",
			},
			[]string{"result"},
		),
		submissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "padaria_floor",
				Name:      "submissions_total",
				Help:      "Total number of finished-session submissions by result.",
			},
			[]string{"result"},
		),
		sessionElapsedSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "padaria_floor",
				Name:      "session_elapsed_seconds",
				Help:      "Working seconds accumulated by the active batch.",
			},
		),
		sessionCurrentBatch: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "padaria_floor",
				Name:      "session_current_batch",
				Help:      "Ordinal of the batch currently tracked by the session.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.apiRequestsTotal,
		m.apiRequestDuration,
		m.realtimeConnectsTotal,
		m.realtimeMessagesTotal,
		m.realtimeDroppedTotal,
		m.snapshotWritesTotal,
		m.submissionsTotal,
		m.sessionElapsedSeconds,
		m.sessionCurrentBatch,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err))
		return err
	}
}

func (m *Metrics) ObserveAPIRequest(operation string, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	op := normalizeLabel(operation)
	m.apiRequestsTotal.WithLabelValues(op, normalizeLabel(outcome)).Inc()

	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.apiRequestDuration.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) IncRealtimeConnect(result string) {
	if m == nil {
		return
	}
	m.realtimeConnectsTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) IncRealtimeMessage(messageType string) {
	if m == nil {
		return
	}
	m.realtimeMessagesTotal.WithLabelValues(normalizeLabel(messageType)).Inc()
}

func (m *Metrics) IncRealtimeDroppedSend() {
	if m == nil {
		return
	}
	m.realtimeDroppedTotal.Inc()
}

func (m *Metrics) IncSnapshotWrite(result string) {
	if m == nil {
		return
	}
	m.snapshotWritesTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) IncSubmission(result string) {
	if m == nil {
		return
	}
	m.submissionsTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) SetSessionElapsed(seconds int) {
	if m == nil {
		return
	}
	m.sessionElapsedSeconds.Set(float64(seconds))
}

func (m *Metrics) SetSessionCurrentBatch(batchNumber int) {
	if m == nil {
		return
	}
	m.sessionCurrentBatch.Set(float64(batchNumber))
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
