// Package finding provides the vulnerability record shared by scan engines,
// the scan manager, persistence and analysis.
package finding

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"
)

// Vulnerability is a single normalised finding produced by a scan engine.
type Vulnerability struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	CVSS        float64   `json:"cvss,omitempty"`
	CVE         string    `json:"cve,omitempty"`
	URL         string    `json:"url"`
	Method      string    `json:"method,omitempty"`
	Evidence    string    `json:"evidence,omitempty"`
	Tags        []string  `json:"tags"`
	Timestamp   time.Time `json:"timestamp"`
	TemplateID  string    `json:"templateId,omitempty"`
	Tool        string    `json:"tool,omitempty"`
}

// HasTag reports whether the finding carries any of the given tags.
// Comparison is case-insensitive.
func (v *Vulnerability) HasTag(tags ...string) bool {
	for _, have := range v.Tags {
		for _, want := range tags {
			if strings.EqualFold(have, want) {
				return true
			}
		}
	}
	return false
}

// Fingerprint identifies repeat matches of the same issue at the same
// location. Engines often report one template several times (one per
// matcher or extractor); the scan manager keeps the first.
func (v *Vulnerability) Fingerprint() string {
	key := strings.Join([]string{
		strings.ToLower(v.Tool),
		v.TemplateID,
		strings.ToLower(v.Title),
		v.URL,
		v.Method,
	}, "\x00")
	return fmt.Sprintf("mmh3:%08x", murmur3.Sum32([]byte(key)))
}

// SortBySeverity orders findings from most to least severe. Equal
// severities are ordered by CVSS descending, then by discovery time.
// The sort is stable so engine order survives for full ties.
func SortBySeverity(vulns []Vulnerability) {
	sort.SliceStable(vulns, func(i, j int) bool {
		a, b := vulns[i], vulns[j]
		if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
			return ra > rb
		}
		if a.CVSS != b.CVSS {
			return a.CVSS > b.CVSS
		}
		return a.Timestamp.Before(b.Timestamp)
	})
}

// Prioritize returns at most n findings ranked by SortBySeverity.
// The input slice is not modified.
func Prioritize(vulns []Vulnerability, n int) []Vulnerability {
	ranked := make([]Vulnerability, len(vulns))
	copy(ranked, vulns)
	SortBySeverity(ranked)
	if n >= 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
