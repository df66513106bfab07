package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/luminousflow/luminous/pkg/defaults"
	"github.com/luminousflow/luminous/pkg/duration"
	"github.com/luminousflow/luminous/pkg/output/dispatcher"
	"github.com/luminousflow/luminous/pkg/output/events"
)

// Compile-time interface check.
var _ dispatcher.Hook = (*OTelHook)(nil)

// OTelHook exports scan telemetry to an OpenTelemetry collector.
// Each scan gets one span from scan_started to its terminal event;
// findings and phase changes are recorded as span events.
type OTelHook struct {
	opts           OTelOptions
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer

	mu     sync.Mutex
	spans  map[string]*scanSpan
	closed bool
}

type scanSpan struct {
	span  trace.Span
	phase string
}

// OTelOptions configures the OpenTelemetry hook behavior.
type OTelOptions struct {
	// Endpoint is the OTLP endpoint (e.g., "localhost:4317").
	Endpoint string

	// ServiceName is the service name for traces (default: "luminous").
	ServiceName string

	// Insecure uses insecure connection (no TLS).
	Insecure bool

	// Headers contains additional headers for the OTLP exporter.
	Headers map[string]string

	// ShutdownTimeout is the timeout for graceful shutdown (default: 5s).
	ShutdownTimeout time.Duration

	// ConnectionTimeout is the timeout for establishing connection (default: 10s).
	ConnectionTimeout time.Duration

	// Exporter replaces the OTLP exporter. Used by tests.
	Exporter sdktrace.SpanExporter
}

// NewOTelHook creates a new OpenTelemetry hook that exports telemetry to the configured endpoint.
// The exporter connects lazily and handles collector outages without blocking scans.
func NewOTelHook(opts OTelOptions) (*OTelHook, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = defaults.ToolName
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "localhost:4317"
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = duration.TelemetryShutdown
	}
	if opts.ConnectionTimeout == 0 {
		opts.ConnectionTimeout = duration.TelemetryConnect
	}

	exporter := opts.Exporter
	if exporter == nil {
		grpcOpts := []grpc.DialOption{}
		if opts.Insecure {
			grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		}

		exporterOpts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(opts.Endpoint),
			otlptracegrpc.WithDialOption(grpcOpts...),
		}
		if opts.Insecure {
			exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
		}
		if len(opts.Headers) > 0 {
			exporterOpts = append(exporterOpts, otlptracegrpc.WithHeaders(opts.Headers))
		}

		ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectionTimeout)
		defer cancel()

		var err error
		exporter, err = otlptracegrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("otel: create exporter: %w", err)
		}
	}

	// Avoid merging with resource.Default to prevent schema conflicts.
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(defaults.Version),
		attribute.String("service.component", "scan-orchestrator"),
	)

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	return &OTelHook{
		opts:           opts,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(defaults.ToolName + "/scanmanager"),
		spans:          make(map[string]*scanSpan),
	}, nil
}

// Name implements dispatcher.Named.
func (h *OTelHook) Name() string { return "otel" }

// OnEvent processes events and exports telemetry to the OpenTelemetry collector.
func (h *OTelHook) OnEvent(ctx context.Context, event events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	switch e := event.(type) {
	case *events.StartedEvent:
		h.handleStarted(ctx, e)
	case *events.ProgressEvent:
		h.handleProgress(e)
	case *events.VulnerabilityEvent:
		h.handleVulnerability(e)
	case *events.FinishedEvent:
		h.handleFinished(e)
	}
	return nil
}

// handleStarted creates the root span for the scan.
func (h *OTelHook) handleStarted(ctx context.Context, e *events.StartedEvent) {
	_, span := h.tracer.Start(context.WithoutCancel(ctx), "luminous.scan",
		trace.WithTimestamp(e.Timestamp()),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("scan_id", e.ScanID()),
			attribute.String("target", e.Data.Target.URL),
			attribute.StringSlice("tools", e.Data.Tools),
			attribute.Int("timeout_sec", e.Data.Timeout),
		),
	)
	h.spans[e.ScanID()] = &scanSpan{span: span}
}

// handleProgress records phase changes only; percent ticks would flood the span.
func (h *OTelHook) handleProgress(e *events.ProgressEvent) {
	s := h.spans[e.ScanID()]
	if s == nil || s.phase == e.Data.Phase {
		return
	}
	s.phase = e.Data.Phase
	s.span.AddEvent("phase", trace.WithTimestamp(e.Timestamp()), trace.WithAttributes(
		attribute.String("phase", e.Data.Phase),
		attribute.String("status", string(e.Data.Status)),
		attribute.Float64("progress", e.Data.Progress),
	))
}

func (h *OTelHook) handleVulnerability(e *events.VulnerabilityEvent) {
	s := h.spans[e.ScanID()]
	if s == nil {
		return
	}
	v := e.Data.Vulnerability
	s.span.AddEvent("vulnerability_found", trace.WithTimestamp(e.Timestamp()), trace.WithAttributes(
		attribute.String("severity", string(v.Severity)),
		attribute.String("title", v.Title),
		attribute.String("template_id", v.TemplateID),
		attribute.String("url", v.URL),
		attribute.String("cve", v.CVE),
	))
}

// handleFinished sets the final attributes and ends the span.
func (h *OTelHook) handleFinished(e *events.FinishedEvent) {
	s := h.spans[e.ScanID()]
	if s == nil {
		return
	}
	delete(h.spans, e.ScanID())

	st := e.Data.Stats
	s.span.SetAttributes(
		attribute.String("status", string(e.Data.Status)),
		attribute.Int64("duration_sec", e.Data.Duration),
		attribute.Int("vulnerabilities.total", st.Total),
		attribute.Int("vulnerabilities.critical", st.Critical),
		attribute.Int("vulnerabilities.high", st.High),
	)
	if e.Data.Analysis != nil {
		s.span.SetAttributes(
			attribute.Int("risk.score", e.Data.Analysis.RiskScore),
			attribute.String("risk.level", e.Data.Analysis.RiskLevel),
		)
	}

	switch e.EventType() {
	case events.EventTypeFailed:
		s.span.SetStatus(codes.Error, e.Data.Error)
	default:
		s.span.SetStatus(codes.Ok, string(e.Data.Status))
	}
	s.span.End(trace.WithTimestamp(e.Timestamp()))
}

// EventTypes returns the event types this hook handles.
func (h *OTelHook) EventTypes() []events.EventType {
	return append([]events.EventType{
		events.EventTypeStarted,
		events.EventTypeProgress,
		events.EventTypeVulnerability,
	}, events.Terminal...)
}

// Close ends open spans and flushes pending telemetry.
func (h *OTelHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	for id, s := range h.spans {
		s.span.SetStatus(codes.Error, "server shutdown")
		s.span.End()
		delete(h.spans, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.ShutdownTimeout)
	defer cancel()
	if err := h.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("otel: shutdown tracer provider: %w", err)
	}
	return nil
}

// Endpoint returns the OTLP endpoint being used.
func (h *OTelHook) Endpoint() string {
	return h.opts.Endpoint
}

// ServiceName returns the service name being used.
func (h *OTelHook) ServiceName() string {
	return h.opts.ServiceName
}
