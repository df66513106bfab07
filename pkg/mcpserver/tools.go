package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/luminousflow/luminous/pkg/analysis"
	"github.com/luminousflow/luminous/pkg/defaults"
	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/scan"
	"github.com/luminousflow/luminous/pkg/scanmanager"
)

// maxWaitSeconds bounds get_scan_status long polling.
const maxWaitSeconds = 60

// pollInterval is how often a waiting get_scan_status re-reads the scan.
var pollInterval = 500 * time.Millisecond

func (s *Server) registerTools() {
	s.addStartScanTool()
	s.addGetScanStatusTool()
	s.addStopScanTool()
	s.addListActiveScansTool()
	s.addListRecentScansTool()
	s.addGetScanLogsTool()
	s.addScannerHealthTool()
}

func scanIDSchema() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Scan ID returned by start_scan.",
	}
}

func limitSchema(def int) map[string]any {
	return map[string]any{
		"type":    "integer",
		"minimum": 1,
		"maximum": defaults.MaxListLimit,
		"default": def,
	}
}

// start_scan

func (s *Server) addStartScanTool() {
	s.mcp.AddTool(
		&mcp.Tool{
			Name:  "start_scan",
			Title: "Start Vulnerability Scan",
			Description: `Start an asynchronous vulnerability scan and return its scanId immediately.

Poll get_scan_status with wait_seconds until the status is completed, failed or stopped.

EXAMPLE: {"target": {"url": "https://example.com", "name": "Example"}, "tools": [{"name": "nuclei", "enabled": true}], "severity": ["critical", "high"]}`,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"url":  map[string]any{"type": "string", "description": "http(s) URL to scan."},
							"name": map[string]any{"type": "string", "description": "Display name."},
						},
						"required": []string{"url"},
					},
					"tools": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"name":    map[string]any{"type": "string", "enum": []string{"nuclei"}},
								"enabled": map[string]any{"type": "boolean"},
							},
							"required": []string{"name", "enabled"},
						},
						"minItems": 1,
					},
					"severity": map[string]any{
						"type":        "array",
						"description": "Keep only findings of these severities. Omit for all.",
						"items": map[string]any{
							"type": "string",
							"enum": []string{"critical", "high", "medium", "low", "info"},
						},
					},
					"timeout": map[string]any{
						"type":        "integer",
						"description": "Scan timeout in seconds.",
						"minimum":     defaults.ScanTimeoutMinSec,
						"maximum":     defaults.ScanTimeoutMaxSec,
						"default":     defaults.ScanTimeoutDefaultSec,
					},
				},
				"required": []string{"target", "tools"},
			},
			Annotations: &mcp.ToolAnnotations{
				Title:         "Start Vulnerability Scan",
				OpenWorldHint: boolPtr(true),
			},
		},
		s.loggedTool("start_scan", s.handleStartScan),
	)
}

func (s *Server) handleStartScan(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var opts scan.Options
	if err := parseArgs(req, &opts); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	id, err := s.scanner.Start(ctx, opts)
	if err != nil {
		return startError(err), nil
	}
	return jsonResult(map[string]string{
		"scanId":    id,
		"status":    "started",
		"message":   "Vulnerability scan initiated successfully",
		"next_step": fmt.Sprintf(`get_scan_status {"scanId": %q, "wait_seconds": 30}`, id),
	})
}

func startError(err error) *mcp.CallToolResult {
	var verr *scan.ValidationError
	switch {
	case errors.As(err, &verr):
		parts := make([]string, len(verr.Fields))
		for i, f := range verr.Fields {
			parts[i] = f.Field + ": " + f.Message
		}
		return errorResult("invalid scan options: " + strings.Join(parts, "; "))
	case errors.Is(err, scanmanager.ErrNoTools):
		return errorResult(`no tool is enabled. Pass "tools": [{"name": "nuclei", "enabled": true}].`)
	case errors.Is(err, scanmanager.ErrCapacity):
		return errorResult("maximum concurrent scans reached. Wait for a scan to finish (list_active_scans) and retry.")
	default:
		return errorResult("failed to start scan: " + err.Error())
	}
}

// get_scan_status

func (s *Server) addGetScanStatusTool() {
	s.mcp.AddTool(
		&mcp.Tool{
			Name:  "get_scan_status",
			Title: "Get Scan Status",
			Description: `Return a scan's status, progress, statistics and findings. Completed scans include the risk analysis.

Set wait_seconds (max 60) to block until the scan finishes or the wait elapses. Progress notifications are sent while waiting.`,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"scanId": scanIDSchema(),
					"wait_seconds": map[string]any{
						"type":    "integer",
						"minimum": 0,
						"maximum": maxWaitSeconds,
						"default": 0,
					},
				},
				"required": []string{"scanId"},
			},
			Annotations: &mcp.ToolAnnotations{
				Title:          "Get Scan Status",
				ReadOnlyHint:   true,
				IdempotentHint: true,
				OpenWorldHint:  boolPtr(false),
			},
		},
		s.loggedTool("get_scan_status", s.handleGetScanStatus),
	)
}

type statusArgs struct {
	ScanID      string `json:"scanId"`
	WaitSeconds int    `json:"wait_seconds"`
}

type statusResponse struct {
	Scan     *scan.Result       `json:"scan"`
	Analysis *analysis.Analysis `json:"analysis,omitempty"`
	Summary  string             `json:"summary"`
}

func (s *Server) handleGetScanStatus(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args statusArgs
	if err := parseArgs(req, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ScanID == "" {
		return errorResult(`scanId is required. Example: {"scanId": "<id from start_scan>"}`), nil
	}
	wait := time.Duration(min(max(args.WaitSeconds, 0), maxWaitSeconds)) * time.Second

	res, err := s.waitForScan(ctx, req, args.ScanID, wait)
	if errors.Is(err, scanmanager.ErrNotFound) {
		return errorResult("scan not found: " + args.ScanID), nil
	}
	if err != nil {
		return nil, err
	}

	out := statusResponse{Scan: res, Summary: summarize(res)}
	if res.Status == scan.StatusCompleted {
		if a, err := s.scanner.Analysis(ctx, res.ID); err == nil {
			out.Analysis = a
		}
	}
	return jsonResult(out)
}

// waitForScan re-reads the scan until it is terminal or wait elapses.
func (s *Server) waitForScan(ctx context.Context, req *mcp.CallToolRequest, id string, wait time.Duration) (*scan.Result, error) {
	res, err := s.scanner.Result(ctx, id)
	if err != nil || wait <= 0 || res.Status.IsTerminal() {
		return res, err
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	last := -1.0
	for {
		if res.Progress != last {
			last = res.Progress
			notifyProgress(ctx, req, res.Progress, 100, res.Phase)
		}
		select {
		case <-ctx.Done():
			return res, nil
		case <-deadline.C:
			return res, nil
		case <-ticker.C:
		}
		next, err := s.scanner.Result(ctx, id)
		if err != nil {
			return res, nil
		}
		res = next
		if res.Status.IsTerminal() {
			return res, nil
		}
	}
}

func summarize(res *scan.Result) string {
	switch res.Status {
	case scan.StatusPending, scan.StatusRunning:
		return fmt.Sprintf("Scan of %s is %s at %.0f%% with %d finding(s) so far. Call get_scan_status again with wait_seconds.",
			res.Target.URL, res.Status, res.Progress, res.Stats.Total)
	case scan.StatusCompleted:
		return fmt.Sprintf("Scan of %s completed in %ds with %d finding(s): %d critical, %d high, %d medium, %d low, %d info.",
			res.Target.URL, res.Duration, res.Stats.Total,
			res.Stats.Critical, res.Stats.High, res.Stats.Medium, res.Stats.Low, res.Stats.Info)
	case scan.StatusFailed:
		return fmt.Sprintf("Scan of %s failed: %s. Use get_scan_logs for details.", res.Target.URL, res.Error)
	default:
		return fmt.Sprintf("Scan of %s was stopped with %d finding(s).", res.Target.URL, res.Stats.Total)
	}
}

// stop_scan

func (s *Server) addStopScanTool() {
	s.mcp.AddTool(
		&mcp.Tool{
			Name:        "stop_scan",
			Title:       "Stop Scan",
			Description: "Stop a pending or running scan. Findings collected so far are kept.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"scanId": scanIDSchema()},
				"required":   []string{"scanId"},
			},
			Annotations: &mcp.ToolAnnotations{
				Title:           "Stop Scan",
				DestructiveHint: boolPtr(true),
				IdempotentHint:  true,
				OpenWorldHint:   boolPtr(false),
			},
		},
		s.loggedTool("stop_scan", s.handleStopScan),
	)
}

func (s *Server) handleStopScan(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args statusArgs
	if err := parseArgs(req, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ScanID == "" {
		return errorResult("scanId is required"), nil
	}
	if !s.scanner.Stop(args.ScanID) {
		return errorResult("scan not found or already completed: " + args.ScanID), nil
	}
	return jsonResult(map[string]string{"message": "Scan stopped successfully", "scanId": args.ScanID})
}

// list_active_scans

func (s *Server) addListActiveScansTool() {
	s.mcp.AddTool(
		&mcp.Tool{
			Name:        "list_active_scans",
			Title:       "List Active Scans",
			Description: "List pending and running scans with their progress, plus the concurrency cap.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
			Annotations: &mcp.ToolAnnotations{
				Title:          "List Active Scans",
				ReadOnlyHint:   true,
				IdempotentHint: true,
				OpenWorldHint:  boolPtr(false),
			},
		},
		s.loggedTool("list_active_scans", s.handleListActiveScans),
	)
}

func (s *Server) handleListActiveScans(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	active := s.scanner.ActiveScans()
	if active == nil {
		active = []scan.Summary{}
	}
	return jsonResult(map[string]any{
		"activeScans":   active,
		"activeCount":   len(active),
		"maxConcurrent": s.scanner.MaxConcurrent(),
	})
}

// list_recent_scans

func (s *Server) addListRecentScansTool() {
	s.mcp.AddTool(
		&mcp.Tool{
			Name:        "list_recent_scans",
			Title:       "List Recent Scans",
			Description: "List the newest scans of any status, newest first.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"limit": limitSchema(defaults.RecentLimit)},
			},
			Annotations: &mcp.ToolAnnotations{
				Title:          "List Recent Scans",
				ReadOnlyHint:   true,
				IdempotentHint: true,
				OpenWorldHint:  boolPtr(false),
			},
		},
		s.loggedTool("list_recent_scans", s.handleListRecentScans),
	)
}

type limitArgs struct {
	ScanID string `json:"scanId"`
	Limit  int    `json:"limit"`
}

func clampLimit(n, def int) int {
	if n <= 0 {
		return def
	}
	return min(n, defaults.MaxListLimit)
}

func (s *Server) handleListRecentScans(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args limitArgs
	if err := parseArgs(req, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	list, err := s.scanner.Recent(ctx, clampLimit(args.Limit, defaults.RecentLimit))
	if err != nil {
		return nil, fmt.Errorf("listing recent scans: %w", err)
	}
	if list == nil {
		list = []scan.Summary{}
	}
	return jsonResult(map[string]any{"scans": list})
}

// get_scan_logs

func (s *Server) addGetScanLogsTool() {
	s.mcp.AddTool(
		&mcp.Tool{
			Name:        "get_scan_logs",
			Title:       "Get Scan Logs",
			Description: "Return the newest log lines of a scan, oldest first. Useful to explain failures.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"scanId": scanIDSchema(),
					"limit":  limitSchema(defaults.LogsLimit),
				},
				"required": []string{"scanId"},
			},
			Annotations: &mcp.ToolAnnotations{
				Title:          "Get Scan Logs",
				ReadOnlyHint:   true,
				IdempotentHint: true,
				OpenWorldHint:  boolPtr(false),
			},
		},
		s.loggedTool("get_scan_logs", s.handleGetScanLogs),
	)
}

func (s *Server) handleGetScanLogs(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args limitArgs
	if err := parseArgs(req, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ScanID == "" {
		return errorResult("scanId is required"), nil
	}
	logs, err := s.scanner.Logs(ctx, args.ScanID, clampLimit(args.Limit, defaults.LogsLimit))
	if errors.Is(err, scanmanager.ErrNotFound) {
		return errorResult("scan not found: " + args.ScanID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading scan logs: %w", err)
	}
	if logs == nil {
		logs = []scan.LogEntry{}
	}
	return jsonResult(map[string]any{"scanId": args.ScanID, "logs": logs})
}

// scanner_health

func (s *Server) addScannerHealthTool() {
	s.mcp.AddTool(
		&mcp.Tool{
			Name:        "scanner_health",
			Title:       "Scanner Health",
			Description: "Report free scan slots, whether the nuclei engine is installed and whether AI analysis is enabled.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
			Annotations: &mcp.ToolAnnotations{
				Title:          "Scanner Health",
				ReadOnlyHint:   true,
				IdempotentHint: true,
				OpenWorldHint:  boolPtr(false),
			},
		},
		s.loggedTool("scanner_health", s.handleScannerHealth),
	)
}

func (s *Server) handleScannerHealth(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	active := s.scanner.ActiveCount()
	limit := s.scanner.MaxConcurrent()
	out := map[string]any{
		"status":               "healthy",
		"activeScans":          active,
		"maxConcurrent":        limit,
		"availableSlots":       max(limit-active, 0),
		"aiEnabled":            s.scanner.AIEnabled(),
		"nucleiAvailable":      false,
		"websocketConnections": 0,
		"supportedSeverities":  finding.All,
		"timestamp":            time.Now().UTC(),
	}
	if s.cfg.NucleiAvailable != nil {
		out["nucleiAvailable"] = s.cfg.NucleiAvailable(ctx)
	}
	if s.cfg.Connections != nil {
		out["websocketConnections"] = s.cfg.Connections()
	}
	return jsonResult(out)
}
