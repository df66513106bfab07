// Package mcpserver exposes the scanner as a Model Context Protocol server
// so AI assistants can start, watch and stop vulnerability scans.
//
// # Tools
//
//   - start_scan:        admit a scan (same validation as the HTTP API)
//   - get_scan_status:   scan state, optionally waiting for completion
//   - stop_scan:         stop an active scan
//   - list_active_scans: pending and running scans
//   - list_recent_scans: newest scans first
//   - get_scan_logs:     tail of a scan's log
//   - scanner_health:    capacity, engine and AI availability
//
// # Transport
//
// HTTPHandler serves the streamable HTTP transport. The API server mounts
// it at /mcp. Hook forwards scan events to connected sessions as logging
// notifications.
//
// # Usage
//
//	srv := mcpserver.New(mcpserver.Config{Scanner: manager})
//	router.PathPrefix("/mcp").Handler(srv.HTTPHandler())
package mcpserver
