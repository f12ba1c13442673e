package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "videoshare"

// Recorder owns a private Prometheus registry holding the HTTP, token,
// session, stream, catalog and maintenance series. Every recorder is
// independent so tests can assert on a fresh instance.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokenEvents     *prometheus.CounterVec
	trackedSessions prometheus.Gauge
	evictions       *prometheus.CounterVec
	activeStreams   prometheus.Gauge
	streamResponses *prometheus.CounterVec
	streamBytes     prometheus.Counter
	catalogScans    *prometheus.CounterVec
	catalogFiles    *prometheus.GaugeVec
	scanDuration    *prometheus.HistogramVec
	cycles          *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
}

var defaultRecorder = New()

// New constructs a Recorder with its own registry, including the Go runtime
// and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, normalized path and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and normalized path.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		tokenEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_events_total",
			Help:      "Capability token lifecycle events.",
		}, []string{"event"}),
		trackedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_sessions",
			Help:      "Client sessions currently held by the connection registry.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_evictions_total",
			Help:      "Client sessions removed from the registry by reason.",
		}, []string{"reason"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Media bodies currently being written to clients.",
		}),
		streamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_responses_total",
			Help:      "Media responses by status code.",
		}, []string{"status"}),
		streamBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_total",
			Help:      "Media bytes written to clients.",
		}),
		catalogScans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_scans_total",
			Help:      "Catalog directory scans by catalog and outcome.",
		}, []string{"catalog", "outcome"}),
		catalogFiles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_files",
			Help:      "Files found by the latest scan of each catalog.",
		}, []string{"catalog"}),
		scanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "catalog_scan_duration_seconds",
			Help:      "Catalog scan latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"catalog"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_cycles_total",
			Help:      "Maintenance cycles by outcome.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter by scope.",
		}, []string{"scope"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests,
		r.requestDuration,
		r.tokenEvents,
		r.trackedSessions,
		r.evictions,
		r.activeStreams,
		r.streamResponses,
		r.streamBytes,
		r.catalogScans,
		r.catalogFiles,
		r.scanDuration,
		r.cycles,
		r.rateLimited,
	)
	return r
}

// Default returns the process-wide recorder used when components are not
// handed one explicitly.
func Default() *Recorder {
	return defaultRecorder
}

// SetDefault replaces the process-wide recorder. Nil is ignored.
func SetDefault(r *Recorder) {
	if r != nil {
		defaultRecorder = r
	}
}

// Registry exposes the underlying registry for tests and custom collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest records one HTTP request under its normalized path.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	path = normalizePath(path)
	r.requests.WithLabelValues(method, path, fmt.Sprintf("%d", status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// TokenEvent counts a token lifecycle event such as issued, consumed,
// already_used, rejected, invalidated, swept or imported.
func (r *Recorder) TokenEvent(event string, n int) {
	if n <= 0 {
		return
	}
	r.tokenEvents.WithLabelValues(normalizeName(event)).Add(float64(n))
}

// SetTrackedSessions publishes the current registry size.
func (r *Recorder) SetTrackedSessions(n int) {
	r.trackedSessions.Set(float64(n))
}

// SessionsEvicted counts sessions removed for the given reason.
func (r *Recorder) SessionsEvicted(reason string, n int) {
	if n <= 0 {
		return
	}
	r.evictions.WithLabelValues(normalizeName(reason)).Add(float64(n))
}

// StreamStarted records a media response and raises the active gauge.
func (r *Recorder) StreamStarted(status int) {
	r.streamResponses.WithLabelValues(fmt.Sprintf("%d", status)).Inc()
	r.activeStreams.Inc()
}

// StreamStopped lowers the active gauge.
func (r *Recorder) StreamStopped() {
	r.activeStreams.Dec()
}

// StreamBytes adds delivered media bytes.
func (r *Recorder) StreamBytes(n int) {
	if n > 0 {
		r.streamBytes.Add(float64(n))
	}
}

// CatalogScanned records the outcome of one catalog scan.
func (r *Recorder) CatalogScanned(catalog string, files int, duration time.Duration, err error) {
	catalog = normalizeName(catalog)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else {
		r.catalogFiles.WithLabelValues(catalog).Set(float64(files))
	}
	r.catalogScans.WithLabelValues(catalog, outcome).Inc()
	r.scanDuration.WithLabelValues(catalog).Observe(duration.Seconds())
}

// MaintenanceCycle counts a maintenance cycle, failed when err is non-nil.
func (r *Recorder) MaintenanceCycle(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.cycles.WithLabelValues(outcome).Inc()
}

// RateLimited counts a rejected request.
func (r *Recorder) RateLimited(scope string) {
	r.rateLimited.WithLabelValues(normalizeName(scope)).Inc()
}

// Handler exposes the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// normalizePath collapses media paths and identifier-looking segments so
// label cardinality stays bounded.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if strings.HasPrefix(path, "/video/") {
		return "/video/:path"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
