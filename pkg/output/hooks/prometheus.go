package hooks

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luminousflow/luminous/pkg/output/dispatcher"
	"github.com/luminousflow/luminous/pkg/output/events"
)

// Compile-time interface check.
var _ dispatcher.Hook = (*PrometheusHook)(nil)

// PrometheusHook exposes scan metrics for Prometheus scraping.
// Metrics include counters for started/finished scans and findings by
// severity, a gauge of running scans and a histogram of scan durations.
// The registry is shared with the HTTP middleware so one /metrics endpoint
// serves both.
type PrometheusHook struct {
	registry *prometheus.Registry

	// Counters
	scansStarted    prometheus.Counter
	scansFinished   *prometheus.CounterVec
	vulnerabilities *prometheus.CounterVec

	// Gauges
	activeScans prometheus.Gauge

	// Histograms
	scanDuration *prometheus.HistogramVec

	mu     sync.Mutex
	active map[string]struct{}
}

// PrometheusOptions configures the Prometheus hook behavior.
type PrometheusOptions struct {
	// Registry to register metrics in. A new registry is created when nil.
	Registry *prometheus.Registry

	// Namespace prefixes every metric name (default: "luminous").
	Namespace string
}

// NewPrometheusHook creates a new Prometheus hook and registers its metrics.
func NewPrometheusHook(opts PrometheusOptions) (*PrometheusHook, error) {
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Namespace == "" {
		opts.Namespace = "luminous"
	}

	hook := &PrometheusHook{
		registry: opts.Registry,
		active:   make(map[string]struct{}),
	}
	if err := hook.initMetrics(opts.Namespace); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return hook, nil
}

// initMetrics creates and registers all Prometheus metrics.
func (h *PrometheusHook) initMetrics(ns string) error {
	h.scansStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "scans_started_total",
		Help:      "Total number of scans accepted",
	})

	h.scansFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "scans_finished_total",
			Help:      "Total number of scans that reached a terminal status",
		},
		[]string{"status"},
	)

	h.vulnerabilities = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "vulnerabilities_total",
			Help:      "Total number of vulnerabilities found",
		},
		[]string{"severity"},
	)

	h.activeScans = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "active_scans",
		Help:      "Number of scans currently pending or running",
	})

	h.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "scan_duration_seconds",
			Help:      "Scan duration distribution in seconds",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"status"},
	)

	collectors := []prometheus.Collector{
		h.scansStarted,
		h.scansFinished,
		h.vulnerabilities,
		h.activeScans,
		h.scanDuration,
	}
	for _, c := range collectors {
		if err := h.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Name implements dispatcher.Named.
func (h *PrometheusHook) Name() string { return "prometheus" }

// Registry returns the registry the hook's metrics live in.
func (h *PrometheusHook) Registry() *prometheus.Registry { return h.registry }

// Handler serves the registry in Prometheus exposition format.
func (h *PrometheusHook) Handler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// OnEvent processes events and updates Prometheus metrics.
func (h *PrometheusHook) OnEvent(ctx context.Context, event events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch e := event.(type) {
	case *events.StartedEvent:
		h.scansStarted.Inc()
		h.active[e.ScanID()] = struct{}{}
	case *events.VulnerabilityEvent:
		h.vulnerabilities.WithLabelValues(string(e.Data.Vulnerability.Severity)).Inc()
	case *events.FinishedEvent:
		status := string(e.Data.Status)
		h.scansFinished.WithLabelValues(status).Inc()
		h.scanDuration.WithLabelValues(status).Observe(float64(e.Data.Duration))
		delete(h.active, e.ScanID())
	}
	h.activeScans.Set(float64(len(h.active)))
	return nil
}

// EventTypes returns the event types this hook handles.
func (h *PrometheusHook) EventTypes() []events.EventType {
	return append([]events.EventType{
		events.EventTypeStarted,
		events.EventTypeVulnerability,
	}, events.Terminal...)
}
