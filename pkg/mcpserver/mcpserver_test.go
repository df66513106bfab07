package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminousflow/luminous/pkg/analysis"
	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/output/events"
	"github.com/luminousflow/luminous/pkg/scan"
	"github.com/luminousflow/luminous/pkg/scanmanager"
)

type fakeScanner struct {
	mu       sync.Mutex
	startErr error
	results  map[string]*scan.Result
	logs     map[string][]scan.LogEntry
	reads    int
	// finishAfter completes scan "slow" after this many reads.
	finishAfter int
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{results: make(map[string]*scan.Result), logs: make(map[string][]scan.LogEntry)}
}

func (f *fakeScanner) Start(_ context.Context, opts scan.Options) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	if err := scan.Validate(&opts); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results["new"] = &scan.Result{ID: "new", Target: opts.Target, Status: scan.StatusPending, StartTime: time.Now()}
	return "new", nil
}

func (f *fakeScanner) Stop(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[id]
	if !ok || !r.Status.IsActive() {
		return false
	}
	r.Status = scan.StatusStopped
	return true
}

func (f *fakeScanner) Result(_ context.Context, id string) (*scan.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[id]
	if !ok {
		return nil, scanmanager.ErrNotFound
	}
	f.reads++
	if id == "slow" && f.finishAfter > 0 && f.reads >= f.finishAfter {
		r.Status = scan.StatusCompleted
		r.Progress = 100
	} else if id == "slow" {
		r.Progress = float64(f.reads * 10)
	}
	cp := *r
	return &cp, nil
}

func (f *fakeScanner) Analysis(_ context.Context, id string) (*analysis.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[id]
	if !ok || r.Status != scan.StatusCompleted {
		return nil, scanmanager.ErrNotFound
	}
	return analysis.Heuristic(r), nil
}

func (f *fakeScanner) Logs(_ context.Context, id string, limit int) ([]scan.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.results[id]; !ok {
		return nil, scanmanager.ErrNotFound
	}
	all := f.logs[id]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (f *fakeScanner) Recent(context.Context, int) ([]scan.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []scan.Summary
	for _, r := range f.results {
		out = append(out, r.Summarize())
	}
	return out, nil
}

func (f *fakeScanner) ActiveScans() []scan.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []scan.Summary
	for _, r := range f.results {
		if r.Status.IsActive() {
			out = append(out, r.Summarize())
		}
	}
	return out
}

func (f *fakeScanner) ActiveCount() int   { return len(f.ActiveScans()) }
func (f *fakeScanner) MaxConcurrent() int { return 5 }
func (f *fakeScanner) AIEnabled() bool    { return true }

func newTestSession(t *testing.T, sc Scanner) (*Server, *mcp.ClientSession) {
	t.Helper()
	srv := New(Config{
		Scanner:         sc,
		NucleiAvailable: func(context.Context) bool { return true },
		Connections:     func() int { return 2 },
	})
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.MCPServer().Run(ctx, serverTransport) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return srv, cs
}

func call(t *testing.T, cs *mcp.ClientSession, name, args string) (*mcp.CallToolResult, map[string]any) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: json.RawMessage(args)})
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text := res.Content[0].(*mcp.TextContent).Text
	if res.IsError {
		return res, map[string]any{"error": text}
	}
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &body), text)
	return res, body
}

func TestListTools(t *testing.T) {
	_, cs := newTestSession(t, newFakeScanner())
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
		require.NotNil(t, tool.Annotations, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"start_scan", "get_scan_status", "stop_scan", "list_active_scans",
		"list_recent_scans", "get_scan_logs", "scanner_health",
	}, names)
}

func TestStartScan(t *testing.T) {
	tests := []struct {
		name     string
		args     string
		startErr error
		wantErr  string
	}{
		{name: "ok", args: `{"target":{"url":"https://example.com"},"tools":[{"name":"nuclei","enabled":true}]}`},
		{name: "bad url", args: `{"target":{"url":"ftp://x"},"tools":[{"name":"nuclei","enabled":true}]}`, wantErr: "invalid scan options"},
		{name: "bad json", args: `{"target":"nope"}`, wantErr: "invalid arguments"},
		{name: "capacity", args: `{}`, startErr: scanmanager.ErrCapacity, wantErr: "maximum concurrent scans"},
		{name: "no tools", args: `{}`, startErr: scanmanager.ErrNoTools, wantErr: "no tool is enabled"},
		{name: "other", args: `{}`, startErr: errors.New("disk full"), wantErr: "disk full"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := newFakeScanner()
			sc.startErr = tt.startErr
			_, cs := newTestSession(t, sc)

			res, body := call(t, cs, "start_scan", tt.args)
			if tt.wantErr != "" {
				assert.True(t, res.IsError)
				assert.Contains(t, body["error"], tt.wantErr)
				return
			}
			assert.False(t, res.IsError)
			assert.Equal(t, "new", body["scanId"])
			assert.Equal(t, "started", body["status"])
		})
	}
}

func TestGetScanStatus(t *testing.T) {
	sc := newFakeScanner()
	end := time.Now()
	sc.results["done"] = &scan.Result{
		ID: "done", Target: scan.Target{URL: "https://example.com"}, Status: scan.StatusCompleted,
		Vulnerabilities: []finding.Vulnerability{{ID: "v", Title: "XSS", Severity: finding.High, Tags: []string{}}},
		Stats:           scan.Stats{Total: 1, High: 1}, Progress: 100, EndTime: &end,
	}
	sc.results["slow"] = &scan.Result{ID: "slow", Target: scan.Target{URL: "https://example.com"}, Status: scan.StatusRunning}
	sc.finishAfter = 3
	pollInterval = 10 * time.Millisecond
	t.Cleanup(func() { pollInterval = 500 * time.Millisecond })
	_, cs := newTestSession(t, sc)

	_, body := call(t, cs, "get_scan_status", `{"scanId":"done"}`)
	assert.Equal(t, "completed", body["scan"].(map[string]any)["status"])
	require.Contains(t, body, "analysis")
	assert.Contains(t, body["summary"], "1 finding(s)")

	_, body = call(t, cs, "get_scan_status", `{"scanId":"slow","wait_seconds":5}`)
	assert.Equal(t, "completed", body["scan"].(map[string]any)["status"], "waits for completion")

	res, body := call(t, cs, "get_scan_status", `{"scanId":"missing"}`)
	assert.True(t, res.IsError)
	assert.Contains(t, body["error"], "scan not found")

	res, _ = call(t, cs, "get_scan_status", `{}`)
	assert.True(t, res.IsError)
}

func TestStopAndLists(t *testing.T) {
	sc := newFakeScanner()
	sc.results["run"] = &scan.Result{ID: "run", Target: scan.Target{URL: "https://a.example"}, Status: scan.StatusRunning}
	sc.logs["run"] = []scan.LogEntry{{Level: scan.LogInfo, Message: "one"}, {Level: scan.LogInfo, Message: "two"}}
	_, cs := newTestSession(t, sc)

	_, body := call(t, cs, "list_active_scans", `{}`)
	assert.Equal(t, float64(1), body["activeCount"])
	assert.Equal(t, float64(5), body["maxConcurrent"])

	_, body = call(t, cs, "get_scan_logs", `{"scanId":"run","limit":1}`)
	require.Len(t, body["logs"], 1)
	assert.Equal(t, "two", body["logs"].([]any)[0].(map[string]any)["message"])

	_, body = call(t, cs, "stop_scan", `{"scanId":"run"}`)
	assert.Equal(t, "Scan stopped successfully", body["message"])

	res, _ := call(t, cs, "stop_scan", `{"scanId":"run"}`)
	assert.True(t, res.IsError, "already stopped")

	_, body = call(t, cs, "list_active_scans", `{}`)
	assert.Equal(t, float64(0), body["activeCount"])

	_, body = call(t, cs, "list_recent_scans", `{"limit":5}`)
	assert.Len(t, body["scans"], 1)
}

func TestScannerHealth(t *testing.T) {
	_, cs := newTestSession(t, newFakeScanner())
	_, body := call(t, cs, "scanner_health", `{}`)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(5), body["availableSlots"])
	assert.Equal(t, true, body["nucleiAvailable"])
	assert.Equal(t, true, body["aiEnabled"])
	assert.Equal(t, float64(2), body["websocketConnections"])
}

func TestHook_ForwardsToSessions(t *testing.T) {
	srv := New(Config{Scanner: newFakeScanner()})
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.MCPServer().Run(ctx, serverTransport) }()

	got := make(chan *mcp.LoggingMessageParams, 4)
	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, &mcp.ClientOptions{
		LoggingMessageHandler: func(_ context.Context, req *mcp.LoggingMessageRequest) {
			got <- req.Params
		},
	})
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	require.NoError(t, cs.SetLoggingLevel(ctx, &mcp.SetLoggingLevelParams{Level: "debug"}))

	hook := NewHook(srv)
	assert.Equal(t, "mcp", hook.Name())
	assert.NotContains(t, hook.EventTypes(), events.EventTypeProgress)

	v := finding.Vulnerability{ID: "v1", Title: "SQLi", Severity: finding.Critical, Tags: []string{}}
	require.NoError(t, hook.OnEvent(ctx, events.NewVulnerabilityEvent("scan-1", v, scan.Stats{Total: 1, Critical: 1})))

	select {
	case msg := <-got:
		assert.Equal(t, logWarning, msg.Level)
		assert.Equal(t, "scanner", msg.Logger)
	case <-time.After(2 * time.Second):
		t.Fatal("no logging notification received")
	}
}
