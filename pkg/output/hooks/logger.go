package hooks

import (
	"context"
	"log/slog"

	"github.com/luminousflow/luminous/pkg/output/dispatcher"
	"github.com/luminousflow/luminous/pkg/output/events"
	"github.com/luminousflow/luminous/pkg/scan"
)

// orDefault returns l if non-nil, otherwise slog.Default().
func orDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

var _ dispatcher.Hook = (*LoggerHook)(nil)

// LoggerHook writes lifecycle events to a structured logger. Progress and
// scan log events are logged at debug so info output stays one line per
// state change or finding.
type LoggerHook struct {
	logger *slog.Logger
}

// NewLoggerHook creates a LoggerHook. A nil logger uses slog.Default().
func NewLoggerHook(logger *slog.Logger) *LoggerHook {
	return &LoggerHook{logger: orDefault(logger).With("component", "scan-events")}
}

// Name implements dispatcher.Named.
func (h *LoggerHook) Name() string { return "logger" }

// EventTypes returns nil: the logger sees every event.
func (h *LoggerHook) EventTypes() []events.EventType { return nil }

// OnEvent logs one event.
func (h *LoggerHook) OnEvent(ctx context.Context, event events.Event) error {
	l := h.logger.With("scan_id", event.ScanID())

	switch e := event.(type) {
	case *events.StartedEvent:
		l.InfoContext(ctx, "scan started",
			"target", e.Data.Target.URL,
			"tools", e.Data.Tools,
			"timeout_sec", e.Data.Timeout,
		)
	case *events.ProgressEvent:
		l.DebugContext(ctx, "scan progress",
			"status", e.Data.Status,
			"progress", e.Data.Progress,
			"phase", e.Data.Phase,
		)
	case *events.VulnerabilityEvent:
		v := e.Data.Vulnerability
		l.InfoContext(ctx, "vulnerability found",
			"severity", v.Severity,
			"title", v.Title,
			"url", v.URL,
			"template", v.TemplateID,
		)
	case *events.LogEvent:
		l.Log(ctx, slogLevel(e.Data.Level), e.Data.Message, "source", "scan")
	case *events.FinishedEvent:
		attrs := []any{
			"status", e.Data.Status,
			"duration_sec", e.Data.Duration,
			"vulnerabilities", e.Data.Stats.Total,
			"critical", e.Data.Stats.Critical,
			"high", e.Data.Stats.High,
		}
		if e.Data.Analysis != nil {
			attrs = append(attrs, "risk_score", e.Data.Analysis.RiskScore, "risk_level", e.Data.Analysis.RiskLevel)
		}
		if e.Data.Status == scan.StatusFailed {
			l.WarnContext(ctx, "scan failed", append(attrs, "error", e.Data.Error)...)
			return nil
		}
		l.InfoContext(ctx, "scan finished", attrs...)
	}
	return nil
}

// slogLevel maps scan log levels to slog levels. Engine chatter stays at
// debug unless it reports a problem.
func slogLevel(l scan.LogLevel) slog.Level {
	switch l {
	case scan.LogError:
		return slog.LevelWarn
	case scan.LogWarn:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
