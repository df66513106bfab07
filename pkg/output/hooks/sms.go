package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/output/dispatcher"
	"github.com/luminousflow/luminous/pkg/output/events"
	"github.com/luminousflow/luminous/pkg/scan"
)

// Compile-time interface check.
var _ dispatcher.Hook = (*SMSHook)(nil)

// DefaultSMSTemplate renders one short line per alert.
const DefaultSMSTemplate = `{{- if .Vulnerability -}}
[{{ .Vulnerability.Severity.String | upper }}] {{ .Vulnerability.Title | trunc 80 }} on {{ .Target }}
{{- else if eq .Status "failed" -}}
Scan of {{ .Target }} failed: {{ .Error | trunc 100 }}
{{- else -}}
Scan of {{ .Target }} {{ .Status }}: {{ .Stats.Total }} findings ({{ .Stats.Critical }} critical, {{ .Stats.High }} high){{ with .RiskLevel }}, risk {{ . }}{{ end }}
{{- end -}}`

// maxSMSLength keeps alerts within a few SMS segments.
const maxSMSLength = 480

// SMSData is the template context for one alert.
type SMSData struct {
	Event         events.EventType
	ScanID        string
	Target        string
	Status        scan.Status
	Stats         scan.Stats
	Duration      int64
	Error         string
	RiskScore     int
	RiskLevel     string
	Vulnerability *finding.Vulnerability
}

// smsSender is satisfied by *TwilioClient.
type smsSender interface {
	Send(ctx context.Context, to, body string) (*SMSReceipt, error)
}

// SMSHook texts operators when scans finish or severe findings appear.
type SMSHook struct {
	sender smsSender
	to     []string
	tmpl   *template.Template
	opts   SMSOptions
	logger *slog.Logger
}

// SMSOptions configures the SMS hook behavior.
type SMSOptions struct {
	// Recipients are the phone numbers to alert.
	Recipients []string

	// Template overrides DefaultSMSTemplate. Sprig functions are available.
	Template string

	// MinSeverity is the lowest finding severity that triggers an alert
	// (default: critical).
	MinSeverity finding.Severity

	// NotifyCompleted also alerts on scan_completed and scan_stopped.
	NotifyCompleted bool

	Logger *slog.Logger
}

// NewSMSHook validates the recipients and compiles the message template.
func NewSMSHook(sender smsSender, opts SMSOptions) (*SMSHook, error) {
	if len(opts.Recipients) == 0 {
		return nil, fmt.Errorf("sms: no recipients configured")
	}
	to := make([]string, 0, len(opts.Recipients))
	for _, r := range opts.Recipients {
		n, err := NormalizePhone(r)
		if err != nil {
			return nil, err
		}
		to = append(to, n)
	}
	if opts.MinSeverity == "" {
		opts.MinSeverity = finding.Critical
	}
	if opts.Template == "" {
		opts.Template = DefaultSMSTemplate
	}

	tmpl, err := template.New("sms").Funcs(sprig.TxtFuncMap()).Parse(opts.Template)
	if err != nil {
		return nil, fmt.Errorf("parse sms template: %w", err)
	}

	return &SMSHook{
		sender: sender,
		to:     to,
		tmpl:   tmpl,
		opts:   opts,
		logger: orDefault(opts.Logger),
	}, nil
}

// Name implements dispatcher.Named.
func (h *SMSHook) Name() string { return "sms" }

// EventTypes returns the event types this hook handles.
func (h *SMSHook) EventTypes() []events.EventType {
	return append([]events.EventType{events.EventTypeVulnerability}, events.Terminal...)
}

// OnEvent renders and sends an alert if the event qualifies. Delivery
// failures are returned for the dispatcher to log.
func (h *SMSHook) OnEvent(ctx context.Context, event events.Event) error {
	data, ok := h.alertData(event)
	if !ok {
		return nil
	}

	var sb strings.Builder
	if err := h.tmpl.Execute(&sb, data); err != nil {
		return fmt.Errorf("render sms template: %w", err)
	}
	body := strings.TrimSpace(sb.String())
	if len(body) > maxSMSLength {
		body = body[:maxSMSLength-3] + "..."
	}

	var firstErr error
	for _, to := range h.to {
		receipt, err := h.sender.Send(ctx, to, body)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		h.logger.Debug("sms sent", "scan_id", event.ScanID(), "sid", receipt.SID, "status", receipt.Status)
	}
	return firstErr
}

func (h *SMSHook) alertData(event events.Event) (SMSData, bool) {
	switch e := event.(type) {
	case *events.VulnerabilityEvent:
		v := e.Data.Vulnerability
		if !v.Severity.AtLeast(h.opts.MinSeverity) {
			return SMSData{}, false
		}
		return SMSData{
			Event:         e.EventType(),
			ScanID:        e.ScanID(),
			Target:        v.URL,
			Status:        scan.StatusRunning,
			Stats:         e.Data.Stats,
			Vulnerability: &v,
		}, true
	case *events.FinishedEvent:
		if e.EventType() != events.EventTypeFailed && !h.opts.NotifyCompleted {
			return SMSData{}, false
		}
		d := SMSData{
			Event:    e.EventType(),
			ScanID:   e.ScanID(),
			Target:   e.Data.Target.URL,
			Status:   e.Data.Status,
			Stats:    e.Data.Stats,
			Duration: e.Data.Duration,
			Error:    e.Data.Error,
		}
		if e.Data.Analysis != nil {
			d.RiskScore = e.Data.Analysis.RiskScore
			d.RiskLevel = e.Data.Analysis.RiskLevel
		}
		return d, true
	}
	return SMSData{}, false
}
