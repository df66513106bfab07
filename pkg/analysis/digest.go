package analysis

import (
	"fmt"
	"strings"

	"github.com/luminousflow/luminous/pkg/scan"
)

// maxDigestDescription bounds each finding description sent to a provider.
const maxDigestDescription = 240

// Digest renders the scan as the user prompt for an LLM. Evidence is left
// out; it can carry response bodies from the target.
func Digest(res *scan.Result, a *Analysis) string {
	s := scan.ComputeStats(res.Vulnerabilities)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Target: %s\n", res.Target.URL)
	if res.Target.Name != "" {
		fmt.Fprintf(&sb, "Name: %s\n", res.Target.Name)
	}
	fmt.Fprintf(&sb, "Findings: %d total (critical %d, high %d, medium %d, low %d, info %d)\n",
		s.Total, s.Critical, s.High, s.Medium, s.Low, s.Info)
	fmt.Fprintf(&sb, "Risk score: %d/100 (%s)\n", a.RiskScore, a.RiskLevel)
	if len(a.RiskFactors) > 0 {
		fmt.Fprintf(&sb, "Risk factors: %s\n", strings.Join(a.RiskFactors, "; "))
	}

	sb.WriteString("Top findings:\n")
	for i, v := range a.PrioritizedVulns {
		fmt.Fprintf(&sb, "%d. [%s] %s", i+1, strings.ToUpper(string(v.Severity)), v.Title)
		if v.CVE != "" {
			fmt.Fprintf(&sb, " %s", v.CVE)
		}
		if v.URL != "" {
			fmt.Fprintf(&sb, " at %s", v.URL)
		}
		if d := strings.TrimSpace(v.Description); d != "" {
			if len(d) > maxDigestDescription {
				d = d[:maxDigestDescription] + "..."
			}
			fmt.Fprintf(&sb, ": %s", d)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
