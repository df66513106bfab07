// Package analysis scores finished scans and writes the risk summary shown
// on the dashboard.
//
// The heuristic analyzer is always available. When an ai.Summarizer is
// configured it rewrites the summary text; every other field stays
// heuristic so the score is reproducible.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/luminousflow/luminous/pkg/ai"
	"github.com/luminousflow/luminous/pkg/defaults"
	"github.com/luminousflow/luminous/pkg/duration"
	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/scan"
)

// Risk levels.
const (
	LevelCritical = "CRITICAL"
	LevelHigh     = "HIGH"
	LevelMedium   = "MEDIUM"
	LevelLow      = "LOW"
)

// Analysis is the risk summary of one scan.
type Analysis struct {
	ScanID           string                  `json:"scanId"`
	Summary          string                  `json:"summary"`
	RiskScore        int                     `json:"riskScore"`
	RiskLevel        string                  `json:"riskLevel"`
	Recommendations  []string                `json:"recommendations"`
	PrioritizedVulns []finding.Vulnerability `json:"prioritizedVulns"`
	RiskFactors      []string                `json:"riskFactors"`
	EstimatedFixTime string                  `json:"estimatedFixTime"`
	Provider         ai.Provider             `json:"provider"`
	CreatedAt        time.Time               `json:"createdAt"`
}

// Analyzer produces Analysis values.
type Analyzer struct {
	summarizer ai.Summarizer
	logger     *slog.Logger
}

// New creates an Analyzer. summarizer may be nil.
func New(summarizer ai.Summarizer, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{summarizer: summarizer, logger: logger}
}

// AIEnabled reports whether an LLM provider is configured.
func (a *Analyzer) AIEnabled() bool { return a.summarizer != nil }

// Analyze builds the analysis for res. It never fails: provider errors fall
// back to the heuristic summary.
func (a *Analyzer) Analyze(ctx context.Context, res *scan.Result) *Analysis {
	out := Heuristic(res)
	if a.summarizer == nil || len(res.Vulnerabilities) == 0 {
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, duration.AnalysisBudget)
	defer cancel()

	text, err := a.summarizer.Summarize(ctx, Digest(res, out))
	if err != nil {
		a.logger.Warn("ai summary failed, using heuristic summary",
			"scan_id", res.ID,
			"provider", a.summarizer.Provider(),
			"error", err,
		)
		return out
	}
	out.Summary = text
	out.Provider = a.summarizer.Provider()
	return out
}

// Heuristic computes the analysis without any external provider.
func Heuristic(res *scan.Result) *Analysis {
	vulns := res.Vulnerabilities
	stats := scan.ComputeStats(vulns)
	score := Score(vulns)
	level := Level(score)

	out := &Analysis{
		ScanID:           res.ID,
		RiskScore:        score,
		RiskLevel:        level,
		PrioritizedVulns: finding.Prioritize(vulns, defaults.PrioritizedVulns),
		EstimatedFixTime: FixTime(stats),
		Provider:         ai.ProviderLocal,
		CreatedAt:        time.Now().UTC(),
	}
	out.Recommendations, out.RiskFactors = assess(vulns, stats)
	out.Summary = summarize(res, stats, score, level, out.PrioritizedVulns)
	return out
}

var severityWeight = map[finding.Severity]int{
	finding.Critical: 25,
	finding.High:     15,
	finding.Medium:   7,
	finding.Low:      3,
	finding.Info:     1,
}

// Score returns the 0-100 risk score: the weighted severity sum, capped at
// 100 and raised to ten times the highest CVSS score.
func Score(vulns []finding.Vulnerability) int {
	sum := 0
	maxCVSS := 0.0
	for _, v := range vulns {
		sum += severityWeight[v.Severity]
		if v.CVSS > maxCVSS {
			maxCVSS = v.CVSS
		}
	}
	if floor := int(maxCVSS * 10); floor > sum {
		sum = floor
	}
	return min(sum, 100)
}

// Level maps a score to its band.
func Level(score int) string {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 40:
		return LevelMedium
	default:
		return LevelLow
	}
}

// FixTime estimates remediation effort from severity counts.
func FixTime(s scan.Stats) string {
	if s.Total == 0 {
		return "No remediation required"
	}
	hours := s.Critical*8 + s.High*4 + s.Medium*2 + s.Low
	switch {
	case hours <= 4:
		return "Less than 1 day"
	case hours <= 16:
		return "1-2 days"
	case hours <= 40:
		return "3-5 days"
	case hours <= 80:
		return "1-2 weeks"
	case hours <= 160:
		return "2-4 weeks"
	default:
		return "More than 1 month"
	}
}

func summarize(res *scan.Result, s scan.Stats, score int, level string, top []finding.Vulnerability) string {
	target := res.Target.URL
	if res.Target.Name != "" {
		target = fmt.Sprintf("%s (%s)", res.Target.Name, res.Target.URL)
	}
	if s.Total == 0 {
		return fmt.Sprintf("The scan of %s completed without detecting any vulnerabilities. "+
			"Overall risk is %s (score %d/100).", target, level, score)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "The scan of %s found %d %s: %d critical, %d high, %d medium, %d low and %d informational. ",
		target, s.Total, plural(s.Total, "vulnerability", "vulnerabilities"),
		s.Critical, s.High, s.Medium, s.Low, s.Info)
	fmt.Fprintf(&sb, "Overall risk is %s (score %d/100).", level, score)
	if len(top) > 0 && top[0].Severity.AtLeast(finding.Medium) {
		fmt.Fprintf(&sb, " The most severe issue is %q (%s).", top[0].Title, top[0].Severity)
	}
	switch {
	case s.Critical > 0:
		sb.WriteString(" Critical findings require immediate remediation.")
	case s.High > 0:
		sb.WriteString(" High severity findings should be fixed in the current release cycle.")
	}
	return sb.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
