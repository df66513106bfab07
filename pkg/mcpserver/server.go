package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/luminousflow/luminous/pkg/analysis"
	"github.com/luminousflow/luminous/pkg/defaults"
	"github.com/luminousflow/luminous/pkg/scan"
)

// The SDK defines LoggingLevel as a bare string type.
const (
	logInfo    mcp.LoggingLevel = "info"
	logWarning mcp.LoggingLevel = "warning"
	logError   mcp.LoggingLevel = "error"
)

// Scanner is the scan lifecycle the tools drive. *scanmanager.Manager
// implements it.
type Scanner interface {
	Start(ctx context.Context, opts scan.Options) (string, error)
	Stop(id string) bool
	Result(ctx context.Context, id string) (*scan.Result, error)
	Analysis(ctx context.Context, id string) (*analysis.Analysis, error)
	Logs(ctx context.Context, id string, limit int) ([]scan.LogEntry, error)
	Recent(ctx context.Context, limit int) ([]scan.Summary, error)
	ActiveScans() []scan.Summary
	ActiveCount() int
	MaxConcurrent() int
	AIEnabled() bool
}

// Config holds MCP server configuration.
type Config struct {
	Scanner Scanner

	// NucleiAvailable and Connections feed scanner_health. Either may be nil.
	NucleiAvailable func(ctx context.Context) bool
	Connections     func() int

	Logger *slog.Logger
}

// Server wraps the MCP server with the scanner tools.
type Server struct {
	mcp     *mcp.Server
	scanner Scanner
	cfg     Config
	logger  *slog.Logger
}

// New creates a server with every tool registered.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		scanner: cfg.Scanner,
		cfg:     cfg,
		logger:  logger.With("component", "mcp"),
	}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    defaults.ToolName,
			Title:   defaults.ProductName,
			Version: defaults.Version,
		},
		&mcp.ServerOptions{Instructions: serverInstructions},
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying MCP server, e.g. for in-memory tests.
func (s *Server) MCPServer() *mcp.Server { return s.mcp }

// HTTPHandler returns the streamable HTTP transport handler.
func (s *Server) HTTPHandler() http.Handler {
	streamable := mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return s.mcp },
		nil,
	)
	return s.recovery(streamable)
}

// recovery keeps a panicking tool from killing the connection.
func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic in MCP handler", "panic", rec, "stack", string(debug.Stack()))
				// Headers may already be out on a stream; WriteHeader is then a no-op.
				w.Header().Set("Content-Type", defaults.ContentTypeJSON)
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal server error"}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// loggedTool wraps a handler with structured call logging. Arguments are
// not logged.
func (s *Server) loggedTool(name string, h mcp.ToolHandler) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := h(ctx, req)
		switch {
		case err != nil:
			s.logger.Error("tool call failed", "tool", name, "error", err)
		case res != nil && res.IsError:
			s.logger.Debug("tool call rejected", "tool", name)
		default:
			s.logger.Debug("tool call", "tool", name)
		}
		return res, err
	}
}

// notifyProgress sends a progress notification when the caller supplied a
// progress token.
func notifyProgress(ctx context.Context, req *mcp.CallToolRequest, progress, total float64, message string) {
	token := req.Params.GetProgressToken()
	if token == nil || req.Session == nil {
		return
	}
	_ = req.Session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
		ProgressToken: token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// jsonResult marshals v to indented JSON and wraps it in a CallToolResult.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return textResult(string(data)), nil
}

// errorResult creates an IsError result so the model sees the problem and
// can correct its call instead of getting a protocol error.
func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}

func parseArgs(req *mcp.CallToolRequest, dst any) error {
	if len(req.Params.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params.Arguments, dst); err != nil {
		return fmt.Errorf("parsing tool arguments: %w", err)
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }

const serverInstructions = `You are operating the LUMINOUS FLOW vulnerability scanner. Scans run the Nuclei engine against a web target and produce findings with an AI or heuristic risk analysis.

SAFETY: only scan targets the user is authorised to test. Ask when in doubt.

WORKFLOW:
1. scanner_health: check free slots and whether nuclei is installed.
2. start_scan with {"target": {"url": "https://example.com"}, "tools": [{"name": "nuclei", "enabled": true}]}. It returns a scanId immediately.
3. get_scan_status with {"scanId": "...", "wait_seconds": 30}. Repeat while status is "pending" or "running".
4. When status is "completed", the response includes the analysis: risk score, prioritized findings and recommendations.
5. get_scan_logs explains failures. stop_scan ends a scan early.

At most a fixed number of scans run at once; start_scan reports when capacity is reached.`
