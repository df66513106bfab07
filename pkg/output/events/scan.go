package events

import (
	"fmt"

	"github.com/luminousflow/luminous/pkg/analysis"
	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/scan"
)

// StartedData describes an accepted scan.
type StartedData struct {
	Target   scan.Target        `json:"target"`
	Tools    []string           `json:"tools"`
	Severity []finding.Severity `json:"severity,omitempty"`
	Timeout  int                `json:"timeout"`
	Status   scan.Status        `json:"status"`
}

// StartedEvent is emitted once when a scan is accepted.
type StartedEvent struct {
	BaseEvent
	Data StartedData `json:"data"`
}

// NewStartedEvent builds a StartedEvent for the given request.
func NewStartedEvent(scanID string, opts *scan.Options, timeout int) *StartedEvent {
	tools := make([]string, 0, len(opts.Tools))
	for _, t := range opts.EnabledTools() {
		tools = append(tools, t.Name)
	}
	return &StartedEvent{
		BaseEvent: newBase(EventTypeStarted, scanID),
		Data: StartedData{
			Target:   opts.Target,
			Tools:    tools,
			Severity: opts.Severity,
			Timeout:  timeout,
			Status:   scan.StatusPending,
		},
	}
}

// ProgressData is a progress snapshot.
type ProgressData struct {
	Status   scan.Status `json:"status"`
	Progress float64     `json:"progress"`
	Phase    string      `json:"phase"`
	Tool     string      `json:"tool,omitempty"`
}

// ProgressEvent reports progress through a scan.
type ProgressEvent struct {
	BaseEvent
	Data ProgressData `json:"data"`
}

// NewProgressEvent builds a ProgressEvent.
func NewProgressEvent(scanID string, status scan.Status, progress float64, phase, tool string) *ProgressEvent {
	return &ProgressEvent{
		BaseEvent: newBase(EventTypeProgress, scanID),
		Data:      ProgressData{Status: status, Progress: progress, Phase: phase, Tool: tool},
	}
}

// VulnerabilityData carries one finding and the running totals.
type VulnerabilityData struct {
	Vulnerability finding.Vulnerability `json:"vulnerability"`
	Stats         scan.Stats            `json:"stats"`
}

// VulnerabilityEvent reports a new finding.
type VulnerabilityEvent struct {
	BaseEvent
	Data VulnerabilityData `json:"data"`
}

// NewVulnerabilityEvent builds a VulnerabilityEvent.
func NewVulnerabilityEvent(scanID string, v finding.Vulnerability, stats scan.Stats) *VulnerabilityEvent {
	return &VulnerabilityEvent{
		BaseEvent: newBase(EventTypeVulnerability, scanID),
		Data:      VulnerabilityData{Vulnerability: v, Stats: stats},
	}
}

// LogEvent carries one scan log line.
type LogEvent struct {
	BaseEvent
	Data scan.LogEntry `json:"data"`
}

// NewLogEvent builds a LogEvent.
func NewLogEvent(scanID string, entry scan.LogEntry) *LogEvent {
	return &LogEvent{BaseEvent: newBase(EventTypeLog, scanID), Data: entry}
}

// FinishedData is the final state of a scan.
type FinishedData struct {
	Status   scan.Status        `json:"status"`
	Target   scan.Target        `json:"target"`
	Stats    scan.Stats         `json:"stats"`
	Duration int64              `json:"duration"`
	Error    string             `json:"error,omitempty"`
	Analysis *analysis.Analysis `json:"analysis,omitempty"`
}

// FinishedEvent is emitted once when a scan reaches a terminal status.
type FinishedEvent struct {
	BaseEvent
	Data FinishedData `json:"data"`
}

// NewFinishedEvent builds the terminal event matching res.Status.
func NewFinishedEvent(res *scan.Result, a *analysis.Analysis) (*FinishedEvent, error) {
	var t EventType
	switch res.Status {
	case scan.StatusCompleted:
		t = EventTypeCompleted
	case scan.StatusFailed:
		t = EventTypeFailed
	case scan.StatusStopped:
		t = EventTypeStopped
	default:
		return nil, fmt.Errorf("events: scan %s is not finished (status %s)", res.ID, res.Status)
	}
	return &FinishedEvent{
		BaseEvent: newBase(t, res.ID),
		Data: FinishedData{
			Status:   res.Status,
			Target:   res.Target,
			Stats:    res.Stats,
			Duration: res.Duration,
			Error:    res.Error,
			Analysis: a,
		},
	}, nil
}
