// Package events defines the scan lifecycle events fanned out to hooks and
// WebSocket clients.
//
// Every event marshals to the same envelope:
//
//	{"type": "...", "scanId": "...", "timestamp": "...", "data": {...}}
//
// so the WebSocket hub can forward events without re-wrapping them.
package events

import "time"

// EventType represents the type of a lifecycle event.
type EventType string

const (
	// EventTypeStarted indicates a scan was accepted and queued.
	EventTypeStarted EventType = "scan_started"
	// EventTypeProgress indicates a progress or phase change.
	EventTypeProgress EventType = "scan_progress"
	// EventTypeVulnerability indicates a new finding.
	EventTypeVulnerability EventType = "vulnerability_found"
	// EventTypeLog indicates a scan log line.
	EventTypeLog EventType = "scan_log"
	// EventTypeCompleted indicates a scan finished normally.
	EventTypeCompleted EventType = "scan_completed"
	// EventTypeFailed indicates a scan ended with an error.
	EventTypeFailed EventType = "scan_failed"
	// EventTypeStopped indicates an operator stopped a scan.
	EventTypeStopped EventType = "scan_stopped"
)

// Terminal lists the event types that end a scan.
var Terminal = []EventType{EventTypeCompleted, EventTypeFailed, EventTypeStopped}

// IsTerminal reports whether t ends a scan.
func (t EventType) IsTerminal() bool {
	return t == EventTypeCompleted || t == EventTypeFailed || t == EventTypeStopped
}

// Event is the base interface for all events.
type Event interface {
	EventType() EventType
	Timestamp() time.Time
	ScanID() string
}

// BaseEvent contains common fields for all events.
// It is designed to be embedded in specific event types.
type BaseEvent struct {
	Type EventType `json:"type"`
	Time time.Time `json:"timestamp"`
	Scan string    `json:"scanId"`
}

// EventType returns the type of this event.
func (e BaseEvent) EventType() EventType { return e.Type }

// Timestamp returns when this event occurred.
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// ScanID returns the scan that produced this event.
func (e BaseEvent) ScanID() string { return e.Scan }

func newBase(t EventType, scanID string) BaseEvent {
	return BaseEvent{Type: t, Time: time.Now().UTC(), Scan: scanID}
}
