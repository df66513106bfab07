// Package scan defines the scan request, lifecycle status and result types
// exchanged between the HTTP API, the scan manager and persistence.
//
// All JSON field names are camelCase to stay wire-compatible with the
// dashboard client.
package scan

import (
	"time"

	"github.com/luminousflow/luminous/pkg/finding"
)

// Status is the lifecycle state of a scan.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// IsActive reports whether the scan counts against the concurrency cap.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// Target is the system under test.
type Target struct {
	URL  string `json:"url" validate:"required,url"`
	Name string `json:"name,omitempty" validate:"omitempty,max=200"`
}

// Tool selects one scanning engine for a scan.
type Tool struct {
	Name        string `json:"name" validate:"required,max=64"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty" validate:"omitempty,max=500"`
}

// Options is the body of a start-scan request.
type Options struct {
	Target   Target             `json:"target"`
	Tools    []Tool             `json:"tools" validate:"required,min=1,dive"`
	Severity []finding.Severity `json:"severity,omitempty" validate:"omitempty,dive,oneof=critical high medium low info"`
	// Timeout is in seconds. Absent means the server default; an explicit
	// value, zero included, must fall inside the allowed range.
	Timeout *int `json:"timeout,omitempty" validate:"omitempty,min=10,max=3600"`
}

// TimeoutSeconds returns the requested timeout, or 0 when none was given.
func (o *Options) TimeoutSeconds() int {
	if o.Timeout == nil {
		return 0
	}
	return *o.Timeout
}

// EnabledTools returns the tools the caller switched on, in request order.
func (o *Options) EnabledTools() []Tool {
	var out []Tool
	for _, t := range o.Tools {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// WantsSeverity reports whether findings of severity s should be kept.
// An empty filter keeps everything.
func (o *Options) WantsSeverity(s finding.Severity) bool {
	if len(o.Severity) == 0 {
		return true
	}
	for _, want := range o.Severity {
		if want == s {
			return true
		}
	}
	return false
}

// Stats counts findings per severity.
type Stats struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

// Add counts one finding of severity s.
func (st *Stats) Add(s finding.Severity) {
	st.Total++
	switch s {
	case finding.Critical:
		st.Critical++
	case finding.High:
		st.High++
	case finding.Medium:
		st.Medium++
	case finding.Low:
		st.Low++
	default:
		st.Info++
	}
}

// Count returns the number of findings at severity s.
func (st Stats) Count(s finding.Severity) int {
	switch s {
	case finding.Critical:
		return st.Critical
	case finding.High:
		return st.High
	case finding.Medium:
		return st.Medium
	case finding.Low:
		return st.Low
	case finding.Info:
		return st.Info
	}
	return 0
}

// ComputeStats tallies a finding list.
func ComputeStats(vulns []finding.Vulnerability) Stats {
	var st Stats
	for i := range vulns {
		st.Add(vulns[i].Severity)
	}
	return st
}

// Result is the full state of one scan as served by the status endpoints.
type Result struct {
	ID              string                  `json:"id"`
	Target          Target                  `json:"target"`
	Status          Status                  `json:"status"`
	Tools           []Tool                  `json:"tools"`
	Severity        []finding.Severity      `json:"severity,omitempty"`
	Timeout         int                     `json:"timeout"`
	Vulnerabilities []finding.Vulnerability `json:"vulnerabilities"`
	Stats           Stats                   `json:"stats"`
	Progress        float64                 `json:"progress"`
	Phase           string                  `json:"phase,omitempty"`
	Error           string                  `json:"error,omitempty"`
	StartTime       time.Time               `json:"startTime"`
	EndTime         *time.Time              `json:"endTime,omitempty"`
	// Duration is whole seconds between start and end (or now, while running).
	Duration int64 `json:"duration"`
}

// Summary is the compact form used by recent-scan listings.
type Summary struct {
	ID                 string     `json:"id"`
	TargetURL          string     `json:"targetUrl"`
	TargetName         string     `json:"targetName,omitempty"`
	Status             Status     `json:"status"`
	Progress           float64    `json:"progress"`
	Stats              Stats      `json:"stats"`
	VulnerabilityCount int        `json:"vulnerabilityCount"`
	StartTime          time.Time  `json:"startTime"`
	EndTime            *time.Time `json:"endTime,omitempty"`
	Duration           int64      `json:"duration"`
}

// Summarize reduces a Result to its listing form.
func (r *Result) Summarize() Summary {
	return Summary{
		ID:                 r.ID,
		TargetURL:          r.Target.URL,
		TargetName:         r.Target.Name,
		Status:             r.Status,
		Progress:           r.Progress,
		Stats:              r.Stats,
		VulnerabilityCount: r.Stats.Total,
		StartTime:          r.StartTime,
		EndTime:            r.EndTime,
		Duration:           r.Duration,
	}
}

// LogLevel classifies scan log lines.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one line of a scan's activity log.
type LogEntry struct {
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
