// Package report renders a finished scan as a PDF: target and timing,
// severity breakdown, the risk analysis and the prioritized findings.
package report

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	gofpdf "github.com/go-pdf/fpdf"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/luminousflow/luminous/pkg/analysis"
	"github.com/luminousflow/luminous/pkg/defaults"
	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/scan"
)

// ErrNilResult is returned when Write is called without a scan.
var ErrNilResult = errors.New("report: nil scan result")

// maxFindings caps the findings table; the rest is summarised in a line.
const maxFindings = 50

var severityColors = map[finding.Severity][3]int{
	finding.Critical: {153, 27, 27},
	finding.High:     {220, 38, 38},
	finding.Medium:   {217, 119, 6},
	finding.Low:      {37, 99, 235},
	finding.Info:     {100, 116, 139},
}

var titleCase = cases.Title(language.English)

// Options tweaks rendering.
type Options struct {
	// NoCompress disables stream compression so text is searchable in
	// the raw bytes.
	NoCompress bool
	// Generated overrides the footer timestamp.
	Generated time.Time
}

// Write renders res and, when present, its analysis to w.
func Write(w io.Writer, res *scan.Result, a *analysis.Analysis) error {
	return WriteWithOptions(w, res, a, Options{})
}

// WriteWithOptions is Write with rendering options.
func WriteWithOptions(w io.Writer, res *scan.Result, a *analysis.Analysis, opts Options) error {
	if res == nil {
		return ErrNilResult
	}
	if opts.Generated.IsZero() {
		opts.Generated = time.Now().UTC()
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(!opts.NoCompress)
	pdf.SetTitle(defaults.ProductName+" report: "+res.Target.URL, true)
	pdf.SetCreator(defaults.UserAgent(), true)
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 18)

	r := &renderer{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor(""), res: res, a: a}
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.SetTextColor(140, 140, 140)
		pdf.CellFormat(0, 6, r.tr(fmt.Sprintf("%s v%s  |  generated %s  |  page %d",
			defaults.ProductName, defaults.Version, opts.Generated.Format(time.RFC3339), pdf.PageNo())),
			"", 0, "C", false, 0, "")
	})

	pdf.AddPage()
	r.cover()
	r.severityTable()
	if a != nil {
		r.analysis()
	}
	r.findings()

	if err := pdf.Error(); err != nil {
		return fmt.Errorf("report: render: %w", err)
	}
	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("report: write: %w", err)
	}
	return nil
}

var unsafeFilename = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Filename suggests a download name such as
// "luminous-example.com-20260102-1504.pdf".
func Filename(res *scan.Result) string {
	host := res.Target.URL
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	host, _, _ = strings.Cut(host, "/")
	host = strings.Trim(unsafeFilename.ReplaceAllString(host, "-"), "-")
	if host == "" {
		host = "scan"
	}
	return fmt.Sprintf("%s-%s-%s.pdf", defaults.ToolName, host, res.StartTime.UTC().Format("20060102-1504"))
}

type renderer struct {
	pdf *gofpdf.Fpdf
	tr  func(string) string
	res *scan.Result
	a   *analysis.Analysis
}

func (r *renderer) sectionHeader(title string) {
	pdf := r.pdf
	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 14)
	pdf.SetTextColor(30, 41, 59)
	pdf.CellFormat(0, 9, r.tr(title), "", 1, "L", false, 0, "")
	x, y := pdf.GetXY()
	pdf.SetDrawColor(203, 213, 225)
	pdf.Line(x, y, x+180, y)
	pdf.Ln(3)
}

func (r *renderer) keyValue(key, value string) {
	pdf := r.pdf
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetTextColor(71, 85, 105)
	pdf.CellFormat(35, 6, r.tr(key), "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.MultiCell(0, 6, r.tr(value), "", "L", false)
}

func (r *renderer) cover() {
	pdf, res := r.pdf, r.res
	pdf.SetFillColor(30, 41, 59)
	pdf.Rect(0, 0, 210, 32, "F")
	pdf.SetY(10)
	pdf.SetFont("Helvetica", "B", 18)
	pdf.SetTextColor(255, 255, 255)
	pdf.CellFormat(0, 8, r.tr(defaults.ProductName), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	pdf.CellFormat(0, 6, "Vulnerability Scan Report", "", 1, "L", false, 0, "")
	pdf.SetY(40)

	r.sectionHeader("Scan Overview")
	if res.Target.Name != "" {
		r.keyValue("Target", res.Target.Name)
	}
	r.keyValue("URL", res.Target.URL)
	r.keyValue("Scan ID", res.ID)
	r.keyValue("Status", titleCase.String(string(res.Status)))
	r.keyValue("Started", res.StartTime.UTC().Format(time.RFC1123))
	if res.EndTime != nil {
		r.keyValue("Finished", res.EndTime.UTC().Format(time.RFC1123))
	}
	r.keyValue("Duration", (time.Duration(res.Duration) * time.Second).String())
	if tools := enabledNames(res.Tools); tools != "" {
		r.keyValue("Tools", tools)
	}
	if res.Error != "" {
		r.keyValue("Error", res.Error)
	}
}

func (r *renderer) severityTable() {
	pdf := r.pdf
	stats := scan.ComputeStats(r.res.Vulnerabilities)
	r.sectionHeader("Findings by Severity")

	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(30, 41, 59)
	pdf.SetTextColor(255, 255, 255)
	pdf.CellFormat(60, 8, "Severity", "1", 0, "L", true, 0, "")
	pdf.CellFormat(30, 8, "Count", "1", 1, "C", true, 0, "")

	for _, sev := range finding.All {
		c := severityColors[sev]
		pdf.SetFont("Helvetica", "B", 10)
		pdf.SetTextColor(c[0], c[1], c[2])
		pdf.CellFormat(60, 7, titleCase.String(sev.String()), "1", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.SetTextColor(40, 40, 40)
		pdf.CellFormat(30, 7, fmt.Sprintf("%d", stats.Count(sev)), "1", 1, "C", false, 0, "")
	}
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(60, 7, "Total", "1", 0, "L", false, 0, "")
	pdf.CellFormat(30, 7, fmt.Sprintf("%d", stats.Total), "1", 1, "C", false, 0, "")
}

func (r *renderer) analysis() {
	pdf, a := r.pdf, r.a
	r.sectionHeader("Risk Analysis")
	r.keyValue("Risk", fmt.Sprintf("%s (%d/100)", titleCase.String(a.RiskLevel), a.RiskScore))
	if a.EstimatedFixTime != "" {
		r.keyValue("Fix estimate", a.EstimatedFixTime)
	}
	if a.Provider != "" {
		r.keyValue("Analysis by", string(a.Provider))
	}
	if a.Summary != "" {
		pdf.Ln(2)
		pdf.SetFont("Helvetica", "", 10)
		pdf.SetTextColor(40, 40, 40)
		pdf.MultiCell(0, 5, r.tr(a.Summary), "", "L", false)
	}
	r.bullets("Risk Factors", a.RiskFactors)
	r.bullets("Recommendations", a.Recommendations)
}

func (r *renderer) bullets(title string, items []string) {
	if len(items) == 0 {
		return
	}
	pdf := r.pdf
	pdf.Ln(3)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.SetTextColor(30, 41, 59)
	pdf.CellFormat(0, 7, r.tr(title), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(40, 40, 40)
	for _, item := range items {
		pdf.CellFormat(5, 5, "-", "", 0, "L", false, 0, "")
		pdf.MultiCell(0, 5, r.tr(item), "", "L", false)
	}
}

func (r *renderer) findings() {
	pdf := r.pdf
	vulns := r.res.Vulnerabilities
	if r.a != nil && len(r.a.PrioritizedVulns) > 0 && len(vulns) == 0 {
		vulns = r.a.PrioritizedVulns
	}
	r.sectionHeader("Findings")
	if len(vulns) == 0 {
		pdf.SetFont("Helvetica", "I", 10)
		pdf.SetTextColor(100, 100, 100)
		pdf.CellFormat(0, 6, "No vulnerabilities were found.", "", 1, "L", false, 0, "")
		return
	}

	sorted := append([]finding.Vulnerability(nil), vulns...)
	finding.SortBySeverity(sorted)
	shown := sorted
	if len(shown) > maxFindings {
		shown = shown[:maxFindings]
	}

	for i, v := range shown {
		c, ok := severityColors[v.Severity]
		if !ok {
			c = [3]int{128, 128, 128}
		}
		pdf.SetFont("Helvetica", "B", 10)
		pdf.SetTextColor(c[0], c[1], c[2])
		pdf.CellFormat(22, 6, strings.ToUpper(v.Severity.String()), "", 0, "L", false, 0, "")
		pdf.SetTextColor(30, 30, 30)
		title := v.Title
		if v.CVE != "" {
			title += " (" + v.CVE + ")"
		}
		pdf.MultiCell(0, 6, r.tr(fmt.Sprintf("%d. %s", i+1, title)), "", "L", false)

		pdf.SetFont("Helvetica", "", 9)
		pdf.SetTextColor(80, 80, 80)
		meta := v.URL
		if v.TemplateID != "" {
			meta += "  [" + v.TemplateID + "]"
		}
		if v.CVSS > 0 {
			meta += fmt.Sprintf("  CVSS %.1f", v.CVSS)
		}
		pdf.SetX(37)
		pdf.MultiCell(0, 5, r.tr(meta), "", "L", false)
		if d := strings.TrimSpace(v.Description); d != "" {
			pdf.SetX(37)
			pdf.MultiCell(0, 5, r.tr(d), "", "L", false)
		}
		pdf.Ln(2)
	}
	if rest := len(sorted) - len(shown); rest > 0 {
		pdf.SetFont("Helvetica", "I", 9)
		pdf.SetTextColor(100, 100, 100)
		pdf.CellFormat(0, 6, fmt.Sprintf("... and %d more finding(s) not shown.", rest), "", 1, "L", false, 0, "")
	}
}

func enabledNames(tools []scan.Tool) string {
	var names []string
	for _, t := range tools {
		if t.Enabled {
			names = append(names, t.Name)
		}
	}
	return strings.Join(names, ", ")
}
