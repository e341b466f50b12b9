package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamvault"

// Pipeline outcomes recorded by PipelineFinished.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeAborted   = "aborted"
)

// Recorder owns a Prometheus registry and the collectors for HTTP traffic,
// processing pipelines and event delivery. Each Recorder has its own registry
// so tests can assert on fresh counters.
type Recorder struct {
	registry *prometheus.Registry

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	pipelinesStarted  prometheus.Counter
	pipelinesFinished *prometheus.CounterVec
	activePipelines   prometheus.Gauge
	pipelineDuration  prometheus.Histogram

	eventsPublished   *prometheus.CounterVec
	broadcastFailures *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
}

var defaultRecorder = New()

// New constructs a Recorder with a private registry that also exposes the Go
// runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		requestCount: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, normalized path and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and normalized path.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		pipelinesStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipelines_started_total",
			Help:      "Processing pipelines that entered the processing state.",
		}),
		pipelinesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipelines_finished_total",
			Help:      "Processing pipelines that stopped, by outcome.",
		}, []string{"outcome"}),
		activePipelines: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipelines_active",
			Help:      "Processing pipelines currently running.",
		}),
		pipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Wall time of processing pipelines from start to exit.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 7.5, 10, 15, 30, 60},
		}),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Processing events handed to the broadcaster, by event name.",
		}, []string{"event"}),
		broadcastFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Processing events the broadcaster rejected, by event name.",
		}, []string{"event"}),
		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Processing events discarded for slow observers, by event name.",
		}, []string{"event"}),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest records an HTTP request by method, normalized path and status.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	path = normalizePath(path)
	r.requestCount.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (r *Recorder) PipelineStarted() {
	r.pipelinesStarted.Inc()
	r.activePipelines.Inc()
}

// PipelineFinished records the outcome of a pipeline that previously called
// PipelineStarted.
func (r *Recorder) PipelineFinished(outcome string, duration time.Duration) {
	r.pipelinesFinished.WithLabelValues(normalizeName(outcome)).Inc()
	r.activePipelines.Dec()
	r.pipelineDuration.Observe(duration.Seconds())
}

func (r *Recorder) EventPublished(event string) {
	r.eventsPublished.WithLabelValues(normalizeName(event)).Inc()
}

func (r *Recorder) BroadcastFailed(event string) {
	r.broadcastFailures.WithLabelValues(normalizeName(event)).Inc()
}

func (r *Recorder) EventDropped(event string) {
	r.eventsDropped.WithLabelValues(normalizeName(event)).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
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

// looksLikeIdentifier treats UUIDs and other long or digit-heavy segments as
// ids so path labels stay low-cardinality.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 20 {
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

// Handler exposes the default recorder.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
