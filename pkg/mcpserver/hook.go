package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/luminousflow/luminous/pkg/output/dispatcher"
	"github.com/luminousflow/luminous/pkg/output/events"
)

var _ dispatcher.Hook = (*Hook)(nil)

// Hook forwards scan events to every connected MCP session as logging
// notifications. Sessions that never set a log level receive nothing.
type Hook struct {
	srv *Server
}

// NewHook creates a Hook bound to srv.
func NewHook(srv *Server) *Hook {
	return &Hook{srv: srv}
}

// Name implements dispatcher.Named.
func (h *Hook) Name() string { return "mcp" }

// EventTypes limits forwarding to findings and lifecycle changes. Progress
// and log lines are too chatty for a model context.
func (h *Hook) EventTypes() []events.EventType {
	return []events.EventType{
		events.EventTypeStarted,
		events.EventTypeVulnerability,
		events.EventTypeCompleted,
		events.EventTypeFailed,
		events.EventTypeStopped,
	}
}

// OnEvent sends ev to each session. Delivery is best effort.
func (h *Hook) OnEvent(ctx context.Context, ev events.Event) error {
	level := logInfo
	switch ev.EventType() {
	case events.EventTypeFailed:
		level = logError
	case events.EventTypeStopped, events.EventTypeVulnerability:
		level = logWarning
	}
	params := &mcp.LoggingMessageParams{
		Level:  level,
		Logger: "scanner",
		Data:   ev,
	}
	for ss := range h.srv.mcp.Sessions() {
		_ = ss.Log(ctx, params)
	}
	return nil
}
