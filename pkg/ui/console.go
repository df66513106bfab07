package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/luminousflow/luminous/pkg/output/dispatcher"
	"github.com/luminousflow/luminous/pkg/output/events"
	"github.com/luminousflow/luminous/pkg/scan"
)

var _ dispatcher.Hook = (*ConsoleHook)(nil)

// ConsoleHook prints findings and scan outcomes to a terminal in a
// nuclei-like one-line format:
//
//	[high] [sqli-error-based] [a1b2c3d4] SQL Injection https://example.com/?id=1
type ConsoleHook struct {
	mu sync.Mutex
	w  io.Writer
	st *Styles
}

// NewConsoleHook creates a ConsoleHook writing to w with styles st.
func NewConsoleHook(w io.Writer, st *Styles) *ConsoleHook {
	return &ConsoleHook{w: w, st: st}
}

// Name implements dispatcher.Named.
func (h *ConsoleHook) Name() string { return "console" }

// EventTypes implements dispatcher.Hook.
func (h *ConsoleHook) EventTypes() []events.EventType {
	return []events.EventType{
		events.EventTypeStarted,
		events.EventTypeVulnerability,
		events.EventTypeCompleted,
		events.EventTypeFailed,
		events.EventTypeStopped,
	}
}

// OnEvent implements dispatcher.Hook.
func (h *ConsoleHook) OnEvent(_ context.Context, ev events.Event) error {
	var line string
	switch e := ev.(type) {
	case *events.StartedEvent:
		line = h.formatStarted(e)
	case *events.VulnerabilityEvent:
		line = h.formatFinding(e)
	case *events.FinishedEvent:
		line = h.formatFinished(e)
	default:
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintln(h.w, line)
	return err
}

func (h *ConsoleHook) formatStarted(e *events.StartedEvent) string {
	return strings.Join([]string{
		h.st.Bracketed(h.st.Status(scan.StatusRunning).Render("scan")),
		h.st.Bracketed(h.st.Subtle.Render(shortID(e.ScanID()))),
		h.st.URL.Render(e.Data.Target.URL),
		h.st.Subtle.Render(strings.Join(e.Data.Tools, ",")),
	}, " ")
}

func (h *ConsoleHook) formatFinding(e *events.VulnerabilityEvent) string {
	v := e.Data.Vulnerability
	parts := []string{
		h.st.Bracketed(h.st.Severity(v.Severity).Render(v.Severity.String())),
	}
	if v.TemplateID != "" {
		parts = append(parts, h.st.Bracketed(h.st.Value.Render(v.TemplateID)))
	}
	parts = append(parts,
		h.st.Bracketed(h.st.Subtle.Render(shortID(e.ScanID()))),
		h.st.StatValue.Render(SanitizeString(v.Title)),
	)
	if v.URL != "" {
		parts = append(parts, h.st.URL.Render(v.URL))
	}
	return strings.Join(parts, " ")
}

func (h *ConsoleHook) formatFinished(e *events.FinishedEvent) string {
	d := e.Data
	parts := []string{
		h.st.Bracketed(h.st.Status(d.Status).Render(string(d.Status))),
		h.st.Bracketed(h.st.Subtle.Render(shortID(e.ScanID()))),
		h.st.URL.Render(d.Target.URL),
		fmt.Sprintf("%d finding(s) in %ds", d.Stats.Total, d.Duration),
	}
	if d.Analysis != nil {
		parts = append(parts, h.st.Bracketed(fmt.Sprintf("risk %d %s", d.Analysis.RiskScore, d.Analysis.RiskLevel)))
	}
	if d.Error != "" {
		parts = append(parts, h.st.Subtle.Render(SanitizeString(d.Error)))
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
