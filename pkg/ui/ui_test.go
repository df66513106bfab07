package ui

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminousflow/luminous/pkg/analysis"
	"github.com/luminousflow/luminous/pkg/defaults"
	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/output/events"
	"github.com/luminousflow/luminous/pkg/scan"
	"github.com/luminousflow/luminous/pkg/testutil"
)

// plainStyles renders without ANSI sequences since a bytes.Buffer is
// never a terminal.
func plainStyles(buf *bytes.Buffer) *Styles {
	return NewStyles(NewRenderer(buf, false))
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf, plainStyles(&buf), BannerInfo{
		Addr:            ":3001",
		Environment:     "development",
		Database:        "./data/scans.db",
		MaxConcurrent:   5,
		NucleiAvailable: true,
		NucleiVersion:   "v3.3.0",
		AIProvider:      "local",
		Hooks:           []string{"logger", "websocket"},
	})
	out := buf.String()

	assert.NotContains(t, out, "\x1b[", "no color outside a terminal")
	assert.Contains(t, out, "v"+defaults.Version)
	assert.Contains(t, out, ":3001")
	assert.Contains(t, out, "available (v3.3.0)")
	assert.Contains(t, out, "logger, websocket")
}

func TestPrintBanner_Missing(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf, plainStyles(&buf), BannerInfo{})
	assert.Contains(t, buf.String(), "not installed")
	assert.Contains(t, buf.String(), "none")
}

func TestIsTerminal(t *testing.T) {
	var buf bytes.Buffer
	assert.False(t, IsTerminal(&buf))
	assert.False(t, UnicodeTerminal(&buf))
	assert.Equal(t, "[+]", Icon(&buf, "✔", "[+]"))
}

func TestSanitizeString(t *testing.T) {
	tests := map[string]string{
		"plain":              "plain",
		"Café Müller":        "Café Müller",
		"🔥 Exposed .git":     " Exposed .git",
		"bell\x07 and\nnl":   "bell andnl",
		"heart❤️!": "heart!",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeString(in), "input %q", in)
	}
}

func TestStyles_SeverityFallback(t *testing.T) {
	var buf bytes.Buffer
	st := plainStyles(&buf)
	assert.Equal(t, "high", st.Severity(finding.High).Render("high")[1:5])
	assert.Equal(t, "odd", st.Severity(finding.Severity("odd")).Render("odd"))
	assert.Equal(t, "[x]", st.Bracketed("x"))
}

func TestConsoleHook(t *testing.T) {
	var buf bytes.Buffer
	hook := NewConsoleHook(&buf, plainStyles(&buf))
	assert.Equal(t, "console", hook.Name())
	assert.NotContains(t, hook.EventTypes(), events.EventTypeLog)

	ctx := context.Background()
	opts := &scan.Options{
		Target: scan.Target{URL: "https://example.com"},
		Tools:  []scan.Tool{{Name: "nuclei", Enabled: true}},
	}
	require.NoError(t, hook.OnEvent(ctx, events.NewStartedEvent("0123456789abcdef", opts, 300)))

	v := finding.Vulnerability{
		ID: "v1", Title: "SQL Injection", Severity: finding.High,
		URL: "https://example.com/?id=1", TemplateID: "sqli-error-based", Tags: []string{},
	}
	require.NoError(t, hook.OnEvent(ctx, events.NewVulnerabilityEvent("0123456789abcdef", v, scan.Stats{Total: 1, High: 1})))

	end := time.Now()
	res := &scan.Result{
		ID: "0123456789abcdef", Target: opts.Target, Status: scan.StatusCompleted,
		Stats: scan.Stats{Total: 1, High: 1}, Duration: 12, EndTime: &end,
	}
	fin, err := events.NewFinishedEvent(res, &analysis.Analysis{RiskScore: 40, RiskLevel: "medium"})
	require.NoError(t, err)
	require.NoError(t, hook.OnEvent(ctx, fin))

	require.NoError(t, hook.OnEvent(ctx, events.NewLogEvent("0123456789abcdef", scan.LogEntry{Message: "ignored"})))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "[01234567] https://example.com nuclei")
	assert.Contains(t, string(lines[1]), "[sqli-error-based] [01234567] SQL Injection https://example.com/?id=1")
	assert.Contains(t, string(lines[2]), "[completed]")
	assert.Contains(t, string(lines[2]), "1 finding(s) in 12s [risk 40 medium]")
}

func TestConsoleHook_WriteError(t *testing.T) {
	var buf bytes.Buffer
	hook := NewConsoleHook(&testutil.FailingWriter{}, plainStyles(&buf))
	v := finding.Vulnerability{ID: "v1", Title: "XSS", Severity: finding.Medium, Tags: []string{}}
	err := hook.OnEvent(context.Background(), events.NewVulnerabilityEvent("s1", v, scan.Stats{Total: 1, Medium: 1}))
	assert.ErrorIs(t, err, testutil.ErrFault)
}
