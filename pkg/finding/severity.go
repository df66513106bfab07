package finding

import "strings"

// Severity is the lowercase severity label shared by nuclei, the
// dashboard and the database.
type Severity string

// Severity levels, most severe first.
const (
	Critical Severity = "critical"
	High     Severity = "high"
	Medium   Severity = "medium"
	Low      Severity = "low"
	Info     Severity = "info"
)

// All lists every severity from most to least severe.
var All = []Severity{Critical, High, Medium, Low, Info}

var ranks = map[Severity]int{Critical: 5, High: 4, Medium: 3, Low: 2, Info: 1}

// aliases maps labels other scanners emit onto the nuclei scale.
var aliases = map[string]Severity{
	"informational": Info,
	"information":   Info,
	"moderate":      Medium,
	"important":     High,
	"severe":        Critical,
}

// IsValid reports whether s is one of the five canonical labels.
func (s Severity) IsValid() bool {
	_, ok := ranks[s]
	return ok
}

// Rank orders severities: critical is 5, info is 1, anything else 0.
func (s Severity) Rank() int { return ranks[s] }

// AtLeast reports whether s is as severe as floor or more. An empty floor
// admits everything.
func (s Severity) AtLeast(floor Severity) bool {
	return s.Rank() >= floor.Rank()
}

func (s Severity) String() string { return string(s) }

// CompareSeverity sorts more severe first, for slices.SortFunc.
func CompareSeverity(a, b Severity) int {
	return b.Rank() - a.Rank()
}

// ParseSeverity maps engine output onto a Severity, case-insensitively.
// "unknown", "" and unrecognised labels become Info so no finding is
// dropped for its label.
func ParseSeverity(raw string) Severity {
	label := strings.ToLower(strings.TrimSpace(raw))
	if s := Severity(label); s.IsValid() {
		return s
	}
	if s, ok := aliases[label]; ok {
		return s
	}
	return Info
}
