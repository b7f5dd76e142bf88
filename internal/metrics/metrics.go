// Package metrics exposes per-camera pipeline counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors on a private registry. A nil *Metrics is
// valid and records nothing, so components and tests can run without it.
type Metrics struct {
	registry *prometheus.Registry

	framesRead       *prometheus.CounterVec
	detections       *prometheus.CounterVec
	processingErrors *prometheus.CounterVec
	streamErrors     *prometheus.CounterVec
	logEntries       *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	workersRunning   prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "container_reader_frames_read_total",
			Help: "Frames read from camera streams",
		}, []string{"camera"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "container_reader_detections_total",
			Help: "Regions returned by the detection engine",
		}, []string{"camera", "label"}),
		processingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "container_reader_processing_errors_total",
			Help: "Per-frame detection or extraction failures",
		}, []string{"camera", "stage"}),
		streamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "container_reader_stream_errors_total",
			Help: "Terminal stream failures (open or read)",
		}, []string{"camera", "kind"}),
		logEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "container_reader_log_entries_total",
			Help: "Entries appended to the detection log",
		}, []string{"camera", "label", "valid"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "container_reader_events_dropped_total",
			Help: "Events dropped because a subscriber queue was full",
		}, []string{"subscriber"}),
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "container_reader_workers_running",
			Help: "Stream workers currently running",
		}),
	}

	m.registry.MustRegister(
		m.framesRead,
		m.detections,
		m.processingErrors,
		m.streamErrors,
		m.logEntries,
		m.eventsDropped,
		m.workersRunning,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FrameRead(camera string) {
	if m == nil {
		return
	}
	m.framesRead.WithLabelValues(camera).Inc()
}

func (m *Metrics) Detection(camera, label string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(camera, label).Inc()
}

func (m *Metrics) ProcessingError(camera, stage string) {
	if m == nil {
		return
	}
	m.processingErrors.WithLabelValues(camera, stage).Inc()
}

func (m *Metrics) StreamError(camera, kind string) {
	if m == nil {
		return
	}
	m.streamErrors.WithLabelValues(camera, kind).Inc()
}

func (m *Metrics) LogEntry(camera, label string, valid bool) {
	if m == nil {
		return
	}
	m.logEntries.WithLabelValues(camera, label, strconv.FormatBool(valid)).Inc()
}

func (m *Metrics) EventDropped(subscriber string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.workersRunning.Inc()
}

func (m *Metrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.workersRunning.Dec()
}
