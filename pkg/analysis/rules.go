package analysis

import (
	"fmt"
	"strings"

	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/scan"
)

// rule maps finding tags to advice. A rule fires once per scan.
type rule struct {
	tags           []string
	factor         string
	recommendation string
}

var rules = []rule{
	{
		tags:           []string{"sqli", "sql-injection", "sql"},
		factor:         "SQL injection exposure",
		recommendation: "Use parameterized queries or an ORM for every database access",
	},
	{
		tags:           []string{"xss", "cross-site-scripting"},
		factor:         "Cross-site scripting",
		recommendation: "Apply context-aware output encoding and deploy a Content-Security-Policy",
	},
	{
		tags:           []string{"rce", "cmdi", "command-injection", "code-injection", "ssti"},
		factor:         "Remote code execution",
		recommendation: "Isolate and patch components that allow code or command execution",
	},
	{
		tags:           []string{"lfi", "traversal", "path-traversal", "file-inclusion"},
		factor:         "Arbitrary file read",
		recommendation: "Canonicalize file paths and restrict file access to an allow list",
	},
	{
		tags:           []string{"ssrf"},
		factor:         "Server-side request forgery",
		recommendation: "Validate outbound URLs and block access to internal address ranges",
	},
	{
		tags:           []string{"default-login", "auth-bypass", "auth", "weak-credentials"},
		factor:         "Weak or bypassable authentication",
		recommendation: "Remove default credentials and enforce strong authentication",
	},
	{
		tags:           []string{"exposure", "disclosure", "config", "misconfig", "debug", "logs"},
		factor:         "Information disclosure",
		recommendation: "Remove exposed configuration files, debug endpoints and verbose errors",
	},
	{
		tags:           []string{"ssl", "tls"},
		factor:         "Weak transport security",
		recommendation: "Disable legacy TLS versions and weak cipher suites",
	},
	{
		tags:           []string{"headers", "misconfiguration", "cors"},
		factor:         "Missing security headers",
		recommendation: "Add HSTS, X-Content-Type-Options and a restrictive CORS policy",
	},
	{
		tags:           []string{"takeover"},
		factor:         "Subdomain takeover",
		recommendation: "Remove dangling DNS records pointing at deprovisioned services",
	},
}

func assess(vulns []finding.Vulnerability, s scan.Stats) (recs, factors []string) {
	if s.Total == 0 {
		return []string{
			"Continue scanning on a regular schedule",
			"Keep scanner templates and application dependencies up to date",
		}, []string{}
	}

	if s.Critical > 0 {
		factors = append(factors, fmt.Sprintf("%d critical %s", s.Critical, plural(s.Critical, "vulnerability", "vulnerabilities")))
		recs = append(recs, "Remediate critical vulnerabilities immediately and verify with a rescan")
	}
	if s.High > 0 {
		factors = append(factors, fmt.Sprintf("%d high severity %s", s.High, plural(s.High, "vulnerability", "vulnerabilities")))
		recs = append(recs, "Schedule fixes for high severity findings in the current release cycle")
	}

	fired := make([]bool, len(rules))
	var cves []string
	for i := range vulns {
		v := &vulns[i]
		if v.CVE != "" {
			cves = append(cves, v.CVE)
		}
		for j, r := range rules {
			if !fired[j] && v.HasTag(r.tags...) {
				fired[j] = true
			}
		}
	}
	for j, r := range rules {
		if fired[j] {
			factors = append(factors, r.factor)
			recs = append(recs, r.recommendation)
		}
	}

	if len(cves) > 0 {
		factors = append(factors, fmt.Sprintf("Known CVEs present (%s)", joinLimited(cves, 3)))
		recs = append(recs, "Upgrade affected components to versions that fix the listed CVEs")
	}

	recs = append(recs, "Rescan after remediation to confirm the fixes")
	return recs, factors
}

// joinLimited joins up to n unique items and notes how many were left out.
func joinLimited(items []string, n int) string {
	seen := make(map[string]bool, len(items))
	var uniq []string
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			uniq = append(uniq, it)
		}
	}
	if len(uniq) <= n {
		return strings.Join(uniq, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(uniq[:n], ", "), len(uniq)-n)
}
