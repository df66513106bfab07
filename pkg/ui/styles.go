package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/scan"
)

// Color palette.
var (
	Primary   = lipgloss.Color("#F5A524") // amber, the "luminous" accent
	Secondary = lipgloss.Color("#00D4AA")

	// Severity colors follow the usual nuclei scheme.
	Critical = lipgloss.Color("#FF0000")
	High     = lipgloss.Color("#FF6B6B")
	Medium   = lipgloss.Color("#FFD93D")
	Low      = lipgloss.Color("#6BCB77")
	Info     = lipgloss.Color("#4D96FF")

	Success = lipgloss.Color("#00D26A")
	Warning = lipgloss.Color("#FFB800")
	Error   = lipgloss.Color("#FF3838")
	Muted   = lipgloss.Color("#6B7280")
)

// Styles bundles the styles bound to one renderer so that color
// detection follows the writer they print to.
type Styles struct {
	Banner     lipgloss.Style
	Version    lipgloss.Style
	Label      lipgloss.Style
	Value      lipgloss.Style
	Bracket    lipgloss.Style
	URL        lipgloss.Style
	Subtle     lipgloss.Style
	StatValue  lipgloss.Style
	renderer   *lipgloss.Renderer
	severities map[finding.Severity]lipgloss.Style
}

// NewStyles builds the style set for r.
func NewStyles(r *lipgloss.Renderer) *Styles {
	badge := r.NewStyle().Bold(true).Padding(0, 1)
	return &Styles{
		Banner:    r.NewStyle().Foreground(Primary).Bold(true),
		Version:   r.NewStyle().Foreground(Secondary).Bold(true),
		Label:     r.NewStyle().Foreground(Muted).Width(14),
		Value:     r.NewStyle().Foreground(lipgloss.Color("#FAFAFA")),
		Bracket:   r.NewStyle().Foreground(Muted),
		URL:       r.NewStyle().Foreground(Secondary).Underline(true),
		Subtle:    r.NewStyle().Foreground(Muted).Italic(true),
		StatValue: r.NewStyle().Foreground(lipgloss.Color("#FAFAFA")).Bold(true),
		renderer:  r,
		severities: map[finding.Severity]lipgloss.Style{
			finding.Critical: badge.Foreground(lipgloss.Color("#FFFFFF")).Background(Critical),
			finding.High:     badge.Foreground(lipgloss.Color("#FFFFFF")).Background(High),
			finding.Medium:   badge.Foreground(lipgloss.Color("#000000")).Background(Medium),
			finding.Low:      badge.Foreground(lipgloss.Color("#000000")).Background(Low),
			finding.Info:     badge.Foreground(lipgloss.Color("#FFFFFF")).Background(Info),
		},
	}
}

// Severity returns the badge style for s.
func (st *Styles) Severity(s finding.Severity) lipgloss.Style {
	if style, ok := st.severities[s]; ok {
		return style
	}
	return st.renderer.NewStyle().Bold(true).Foreground(Muted)
}

// Status returns the style for a scan status.
func (st *Styles) Status(s scan.Status) lipgloss.Style {
	base := st.renderer.NewStyle().Bold(true)
	switch s {
	case scan.StatusCompleted:
		return base.Foreground(Success)
	case scan.StatusFailed:
		return base.Foreground(Error)
	case scan.StatusStopped:
		return base.Foreground(Warning)
	case scan.StatusRunning:
		return base.Foreground(Info)
	default:
		return base.Foreground(Muted)
	}
}

// Bracketed wraps s in muted brackets, nuclei style.
func (st *Styles) Bracketed(s string) string {
	return st.Bracket.Render("[") + s + st.Bracket.Render("]")
}
