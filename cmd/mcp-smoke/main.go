// Command mcp-smoke exercises the /mcp endpoint of a running luminous
// server the way an AI agent would and reports PASS/FAIL per scenario.
//
//	mcp-smoke -server http://127.0.0.1:3001
//	mcp-smoke -server http://127.0.0.1:3001 -live -target https://example.com
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/luminousflow/luminous/pkg/defaults"
	"github.com/luminousflow/luminous/pkg/duration"
)

// scenarioResult tracks the outcome of a single scenario.
type scenarioResult struct {
	name    string
	passed  bool
	skipped bool
	err     error
}

// scenario is a named test function that runs against a live MCP session.
type scenario struct {
	name string
	live bool // starts a real scan (skipped without -live)
	fn   func(ctx context.Context, s *mcp.ClientSession, target string) error
}

func main() {
	var (
		server  = flag.String("server", "http://127.0.0.1"+defaults.ListenAddr, "Base URL of the luminous server")
		target  = flag.String("target", "https://example.com", "Target URL for live scenarios")
		timeout = flag.Duration("timeout", 5*time.Minute, "Overall timeout")
		live    = flag.Bool("live", false, "Enable scenarios that start a real scan")
		runOnly = flag.String("scenario", "", "Run only this named scenario")
	)
	flag.Parse()
	log.SetFlags(0)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	base := strings.TrimRight(*server, "/")
	if err := waitForHealth(ctx, base); err != nil {
		log.Fatalf("FATAL health_check: %v", err)
	}
	fmt.Println("server: healthy")

	client := mcp.NewClient(&mcp.Implementation{Name: "mcp-smoke", Version: defaults.Version}, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: base + "/mcp"}, nil)
	if err != nil {
		log.Fatalf("FATAL connect: %v", err)
	}
	defer session.Close()

	var results []scenarioResult
	for _, sc := range allScenarios() {
		if *runOnly != "" && sc.name != *runOnly {
			continue
		}
		if sc.live && !*live {
			results = append(results, scenarioResult{name: sc.name, skipped: true})
			fmt.Printf("SKIP  %s (needs -live)\n", sc.name)
			continue
		}
		err := sc.fn(ctx, session, *target)
		results = append(results, scenarioResult{name: sc.name, passed: err == nil, err: err})
		if err == nil {
			fmt.Printf("PASS  %s\n", sc.name)
		} else {
			fmt.Printf("FAIL  %s: %v\n", sc.name, err)
		}
	}

	passed, failed, skipped := 0, 0, 0
	for _, r := range results {
		switch {
		case r.skipped:
			skipped++
		case r.passed:
			passed++
		default:
			failed++
		}
	}
	fmt.Printf("\n--- %d passed, %d failed, %d skipped ---\n", passed, failed, skipped)
	if failed > 0 {
		os.Exit(1)
	}
}

// allScenarios returns every smoke scenario in execution order.
func allScenarios() []scenario {
	return []scenario{
		{"tool_discovery", false, scenarioToolDiscovery},
		{"scanner_health", false, scenarioScannerHealth},
		{"listings", false, scenarioListings},
		{"error_handling", false, scenarioErrorHandling},
		{"scan_lifecycle", true, scenarioScanLifecycle},
		{"stop_scan", true, scenarioStopScan},
	}
}

// ---------------------------------------------------------------------------
// tool_discovery: every tool exists with a description and input schema,
// and calling an unknown tool fails.
// ---------------------------------------------------------------------------

func scenarioToolDiscovery(ctx context.Context, s *mcp.ClientSession, _ string) error {
	tools, err := s.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return fmt.Errorf("ListTools: %w", err)
	}

	expected := []string{
		"start_scan", "get_scan_status", "stop_scan", "list_active_scans",
		"list_recent_scans", "get_scan_logs", "scanner_health",
	}
	have := make(map[string]bool, len(tools.Tools))
	for _, t := range tools.Tools {
		have[t.Name] = true
		if t.Description == "" {
			return fmt.Errorf("tool %q has empty description", t.Name)
		}
		if t.InputSchema == nil {
			return fmt.Errorf("tool %q has nil input schema", t.Name)
		}
	}
	var missing []string
	for _, name := range expected {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing tools: %v (have %d)", missing, len(tools.Tools))
	}

	res, err := callToolRaw(ctx, s, "nonexistent_tool", map[string]any{})
	if err == nil && !res.IsError {
		return fmt.Errorf("NEG nonexistent tool: expected error, got success")
	}
	return nil
}

// ---------------------------------------------------------------------------
// scanner_health: slot arithmetic is consistent.
// ---------------------------------------------------------------------------

func scenarioScannerHealth(ctx context.Context, s *mcp.ClientSession, _ string) error {
	data, err := callToolJSON(ctx, s, "scanner_health", map[string]any{})
	if err != nil {
		return err
	}
	for _, field := range []string{"status", "activeScans", "maxConcurrent", "availableSlots", "nucleiAvailable", "aiEnabled"} {
		if _, ok := data[field]; !ok {
			return fmt.Errorf("scanner_health missing %q", field)
		}
	}
	active, _ := data["activeScans"].(float64)
	limit, _ := data["maxConcurrent"].(float64)
	slots, _ := data["availableSlots"].(float64)
	if limit <= 0 || active+slots != limit {
		return fmt.Errorf("scanner_health: active %v + slots %v != max %v", active, slots, limit)
	}
	return nil
}

// ---------------------------------------------------------------------------
// listings: active and recent listings return well-formed bodies.
// ---------------------------------------------------------------------------

func scenarioListings(ctx context.Context, s *mcp.ClientSession, _ string) error {
	active, err := callToolJSON(ctx, s, "list_active_scans", map[string]any{})
	if err != nil {
		return err
	}
	if _, ok := active["activeScans"].([]any); !ok {
		return fmt.Errorf("list_active_scans: activeScans is %T", active["activeScans"])
	}
	recent, err := callToolJSON(ctx, s, "list_recent_scans", map[string]any{"limit": 3})
	if err != nil {
		return err
	}
	if scans, _ := recent["scans"].([]any); len(scans) > 3 {
		return fmt.Errorf("list_recent_scans: limit ignored, got %d", len(scans))
	}
	return nil
}

// ---------------------------------------------------------------------------
// error_handling: invalid input is reported as a tool error, never a
// protocol failure or a silent success.
// ---------------------------------------------------------------------------

func scenarioErrorHandling(ctx context.Context, s *mcp.ClientSession, _ string) error {
	cases := []struct {
		tool string
		args map[string]any
		desc string
	}{
		{"start_scan", map[string]any{"target": map[string]any{"url": "ftp://example.com"}, "tools": []any{map[string]any{"name": "nuclei", "enabled": true}}}, "non-http target"},
		{"start_scan", map[string]any{"target": map[string]any{"url": "https://example.com"}, "tools": []any{}}, "no tools"},
		{"start_scan", map[string]any{"target": map[string]any{"url": "https://example.com"}, "tools": []any{map[string]any{"name": "nuclei", "enabled": true}}, "timeout": 5}, "timeout below minimum"},
		{"get_scan_status", map[string]any{"scanId": "00000000-0000-0000-0000-000000000000"}, "unknown scan"},
		{"get_scan_status", map[string]any{}, "missing scanId"},
		{"stop_scan", map[string]any{"scanId": "00000000-0000-0000-0000-000000000000"}, "stop unknown scan"},
		{"get_scan_logs", map[string]any{"scanId": "00000000-0000-0000-0000-000000000000"}, "logs of unknown scan"},
	}
	for _, c := range cases {
		if err := requireToolError(ctx, s, c.tool, c.args, c.desc); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// scan_lifecycle: start a real scan, wait for it and read its logs.
// ---------------------------------------------------------------------------

func scenarioScanLifecycle(ctx context.Context, s *mcp.ClientSession, target string) error {
	id, err := startScan(ctx, s, target)
	if err != nil {
		return err
	}

	var status string
	for i := 0; i < 20; i++ {
		data, err := callToolJSON(ctx, s, "get_scan_status", map[string]any{"scanId": id, "wait_seconds": 30})
		if err != nil {
			return err
		}
		sc, _ := data["scan"].(map[string]any)
		status, _ = sc["status"].(string)
		if status == "completed" || status == "failed" || status == "stopped" {
			if status == "completed" {
				if _, ok := data["analysis"]; !ok {
					return fmt.Errorf("completed scan has no analysis")
				}
			}
			break
		}
	}
	if status == "pending" || status == "running" {
		return fmt.Errorf("scan %s still %s", id, status)
	}

	logs, err := callToolJSON(ctx, s, "get_scan_logs", map[string]any{"scanId": id, "limit": 5})
	if err != nil {
		return err
	}
	if entries, _ := logs["logs"].([]any); len(entries) == 0 {
		return fmt.Errorf("get_scan_logs: no entries for finished scan")
	}
	return nil
}

// ---------------------------------------------------------------------------
// stop_scan: a running scan can be stopped once and only once.
// ---------------------------------------------------------------------------

func scenarioStopScan(ctx context.Context, s *mcp.ClientSession, target string) error {
	id, err := startScan(ctx, s, target)
	if err != nil {
		return err
	}
	if err := requireToolOK(ctx, s, "stop_scan", map[string]any{"scanId": id}); err != nil {
		return err
	}
	return requireToolError(ctx, s, "stop_scan", map[string]any{"scanId": id}, "second stop")
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func startScan(ctx context.Context, s *mcp.ClientSession, target string) (string, error) {
	data, err := callToolJSON(ctx, s, "start_scan", map[string]any{
		"target": map[string]any{"url": target, "name": "mcp-smoke"},
		"tools":  []any{map[string]any{"name": "nuclei", "enabled": true}},
	})
	if err != nil {
		return "", err
	}
	id, _ := data["scanId"].(string)
	if id == "" {
		return "", fmt.Errorf("start_scan: no scanId in %v", data)
	}
	return id, nil
}

func requireToolOK(ctx context.Context, s *mcp.ClientSession, name string, args map[string]any) error {
	result, err := callToolRaw(ctx, s, name, args)
	if err != nil {
		return fmt.Errorf("call %s: %w", name, err)
	}
	if result.IsError {
		return fmt.Errorf("call %s: tool error: %s", name, truncate(extractText(result), 200))
	}
	return nil
}

func requireToolError(ctx context.Context, s *mcp.ClientSession, name string, args map[string]any, desc string) error {
	result, err := callToolRaw(ctx, s, name, args)
	if err != nil {
		return nil
	}
	if !result.IsError {
		return fmt.Errorf("NEG %s (%s): expected error, got %s", name, desc, truncate(extractText(result), 100))
	}
	return nil
}

func callToolJSON(ctx context.Context, s *mcp.ClientSession, name string, args map[string]any) (map[string]any, error) {
	result, err := callToolRaw(ctx, s, name, args)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	if result.IsError {
		return nil, fmt.Errorf("call %s: tool error: %s", name, truncate(extractText(result), 200))
	}
	text := extractText(result)
	var data map[string]any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("call %s: parse JSON: %w (text: %s)", name, err, truncate(text, 100))
	}
	return data, nil
}

func callToolRaw(ctx context.Context, s *mcp.ClientSession, name string, args map[string]any) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal %s args: %w", name, err)
	}
	return s.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: json.RawMessage(payload)})
}

func extractText(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	if tc, ok := result.Content[0].(*mcp.TextContent); ok {
		return tc.Text
	}
	return fmt.Sprintf("%T", result.Content[0])
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func waitForHealth(ctx context.Context, base string) error {
	client := &http.Client{Timeout: duration.RetryFast}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/health", nil)
		if err != nil {
			return err
		}
		if resp, err := client.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("server at %s not healthy: %w", base, ctx.Err())
		case <-ticker.C:
		}
	}
}
