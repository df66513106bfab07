package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminousflow/luminous/pkg/analysis"
	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/scan"
	"github.com/luminousflow/luminous/pkg/scanmanager"
)

type fakeScanner struct {
	mu       sync.Mutex
	startErr error
	started  []scan.Options
	results  map[string]*scan.Result
	analyses map[string]*analysis.Analysis
	logs     map[string][]scan.LogEntry
	active   []string
	stopped  []string
	panicOn  string
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{
		results:  make(map[string]*scan.Result),
		analyses: make(map[string]*analysis.Analysis),
		logs:     make(map[string][]scan.LogEntry),
	}
}

func (f *fakeScanner) Start(_ context.Context, opts scan.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	if err := scan.Validate(&opts); err != nil {
		return "", err
	}
	f.started = append(f.started, opts)
	return "scan-new", nil
}

func (f *fakeScanner) Stop(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.active {
		if a == id {
			f.stopped = append(f.stopped, id)
			return true
		}
	}
	return false
}

func (f *fakeScanner) Result(_ context.Context, id string) (*scan.Result, error) {
	if id == f.panicOn {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.results[id]
	if !ok {
		return nil, scanmanager.ErrNotFound
	}
	return res, nil
}

func (f *fakeScanner) Analysis(_ context.Context, id string) (*analysis.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.analyses[id]
	if !ok {
		return nil, scanmanager.ErrNotFound
	}
	return a, nil
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

func (f *fakeScanner) Recent(_ context.Context, limit int) ([]scan.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]scan.Summary, 0, len(f.results))
	for _, r := range f.results {
		out = append(out, r.Summarize())
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeScanner) ActiveIDs() []string { return f.active }
func (f *fakeScanner) ActiveCount() int    { return len(f.active) }
func (f *fakeScanner) MaxConcurrent() int  { return 5 }
func (f *fakeScanner) AIEnabled() bool     { return false }

func newTestServer(t *testing.T, cfg Config, sc Scanner) *Server {
	t.Helper()
	s := New(cfg, sc)
	t.Cleanup(s.Close)
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "203.0.113.7:4000"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func completedScan(id string) *scan.Result {
	end := time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC)
	vulns := []finding.Vulnerability{{
		ID: "v1", Title: "Reflected XSS", Severity: finding.High,
		URL: "https://example.com/search", Tags: []string{"xss"}, Tool: "nuclei",
	}}
	return &scan.Result{
		ID:              id,
		Target:          scan.Target{URL: "https://example.com", Name: "Example"},
		Status:          scan.StatusCompleted,
		Tools:           []scan.Tool{{Name: "nuclei", Enabled: true}},
		Timeout:         600,
		Vulnerabilities: vulns,
		Stats:           scan.ComputeStats(vulns),
		Progress:        100,
		StartTime:       end.Add(-2 * time.Minute),
		EndTime:         &end,
		Duration:        120,
	}
}

const validStart = `{"target":{"url":"https://example.com","name":"Example"},"tools":[{"name":"nuclei","enabled":true}]}`

func TestHealthAndPing(t *testing.T) {
	s := newTestServer(t, Config{Version: "9.9.9"}, newFakeScanner())

	rec := do(t, s.Handler(), http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "9.9.9", body["version"])
	assert.NotEmpty(t, body["timestamp"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = do(t, s.Handler(), http.MethodGet, "/api/ping", "")
	assert.Equal(t, "LUMINOUS FLOW Scanner API v2.0", decode(t, rec)["message"])
}

func TestStart(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		startErr   error
		wantStatus int
		wantError  string
	}{
		{name: "accepted", path: "/api/v2/scanner/start", body: validStart, wantStatus: http.StatusAccepted},
		{name: "legacy alias", path: "/api/scanner/start", body: validStart, wantStatus: http.StatusAccepted},
		{name: "malformed json", path: "/api/v2/scanner/start", body: `{"target":`, wantStatus: http.StatusBadRequest, wantError: "Invalid request data"},
		{name: "invalid url", path: "/api/v2/scanner/start", body: `{"target":{"url":"not a url"},"tools":[{"name":"nuclei","enabled":true}]}`, wantStatus: http.StatusBadRequest, wantError: "Invalid request data"},
		{name: "explicit zero timeout", path: "/api/v2/scanner/start", body: `{"target":{"url":"https://example.com"},"tools":[{"name":"nuclei","enabled":true}],"timeout":0}`, wantStatus: http.StatusBadRequest, wantError: "Invalid request data"},
		{name: "null timeout uses default", path: "/api/v2/scanner/start", body: `{"target":{"url":"https://example.com"},"tools":[{"name":"nuclei","enabled":true}],"timeout":null}`, wantStatus: http.StatusAccepted},
		{name: "no tools enabled", path: "/api/v2/scanner/start", body: validStart, startErr: scanmanager.ErrNoTools, wantStatus: http.StatusBadRequest, wantError: "Invalid request data"},
		{name: "at capacity", path: "/api/v2/scanner/start", body: validStart, startErr: scanmanager.ErrCapacity, wantStatus: http.StatusTooManyRequests, wantError: "Maximum concurrent scans reached"},
		{name: "shutting down", path: "/api/v2/scanner/start", body: validStart, startErr: scanmanager.ErrShuttingDown, wantStatus: http.StatusServiceUnavailable},
		{name: "store failure", path: "/api/v2/scanner/start", body: validStart, startErr: errors.New("disk full"), wantStatus: http.StatusInternalServerError, wantError: "Internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := newFakeScanner()
			sc.startErr = tt.startErr
			s := newTestServer(t, Config{}, sc)

			rec := do(t, s.Handler(), http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			body := decode(t, rec)
			if tt.wantStatus == http.StatusAccepted {
				assert.Equal(t, "scan-new", body["scanId"])
				assert.Equal(t, "started", body["status"])
				assert.Equal(t, "Vulnerability scan initiated successfully", body["message"])
				return
			}
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, body["error"])
			}
			if tt.wantError == "Invalid request data" {
				assert.NotEmpty(t, body["details"])
			}
		})
	}
}

func TestStart_InternalErrorHiddenInProduction(t *testing.T) {
	sc := newFakeScanner()
	sc.startErr = errors.New("disk full")

	dev := newTestServer(t, Config{}, sc)
	assert.Equal(t, "disk full", decode(t, do(t, dev.Handler(), http.MethodPost, "/api/v2/scanner/start", validStart))["message"])

	prod := newTestServer(t, Config{Production: true}, sc)
	assert.Equal(t, "Something went wrong", decode(t, do(t, prod.Handler(), http.MethodPost, "/api/v2/scanner/start", validStart))["message"])
}

func TestStart_RateLimited(t *testing.T) {
	s := newTestServer(t, Config{StartRatePerMinute: 1, StartBurst: 2}, newFakeScanner())

	for i := 0; i < 2; i++ {
		rec := do(t, s.Handler(), http.MethodPost, "/api/v2/scanner/start", validStart)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := do(t, s.Handler(), http.MethodPost, "/api/v2/scanner/start", validStart)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = do(t, s.Handler(), http.MethodGet, "/api/v2/scanner/active", "")
	assert.Equal(t, http.StatusOK, rec.Code, "only start is limited")
}

func TestStart_BodyTooLarge(t *testing.T) {
	s := newTestServer(t, Config{MaxBodyBytes: 16}, newFakeScanner())
	rec := do(t, s.Handler(), http.MethodPost, "/api/v2/scanner/start", validStart)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestStatus(t *testing.T) {
	sc := newFakeScanner()
	sc.results["done"] = completedScan("done")
	sc.analyses["done"] = &analysis.Analysis{ScanID: "done", RiskScore: 40, RiskLevel: "medium"}
	running := completedScan("running")
	running.Status = scan.StatusRunning
	running.EndTime = nil
	sc.results["running"] = running
	sc.analyses["running"] = &analysis.Analysis{ScanID: "running"}
	s := newTestServer(t, Config{}, sc)

	body := decode(t, do(t, s.Handler(), http.MethodGet, "/api/v2/scanner/status/done", ""))
	assert.Equal(t, "done", body["scan"].(map[string]any)["id"])
	require.Contains(t, body, "analysis")
	assert.Equal(t, "medium", body["analysis"].(map[string]any)["riskLevel"])

	body = decode(t, do(t, s.Handler(), http.MethodGet, "/api/v2/scanner/status/running", ""))
	assert.NotContains(t, body, "analysis", "analysis only for completed scans")

	body = decode(t, do(t, s.Handler(), http.MethodGet, "/api/scanner/status/done", ""))
	assert.NotContains(t, body, "analysis", "legacy status omits analysis")

	rec := do(t, s.Handler(), http.MethodGet, "/api/v2/scanner/status/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Scan not found", decode(t, rec)["error"])

	rec = do(t, s.Handler(), http.MethodGet, "/api/ai-analysis/done", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(40), decode(t, rec)["riskScore"])
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/api/ai-analysis/missing", "").Code)
}

func TestStop(t *testing.T) {
	sc := newFakeScanner()
	sc.active = []string{"a1"}
	s := newTestServer(t, Config{}, sc)

	rec := do(t, s.Handler(), http.MethodPost, "/api/v2/scanner/stop/a1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Scan stopped successfully", body["message"])
	assert.Equal(t, "a1", body["scanId"])
	assert.Equal(t, []string{"a1"}, sc.stopped)

	rec = do(t, s.Handler(), http.MethodPost, "/api/v2/scanner/stop/zz", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Scan not found or already completed", decode(t, rec)["error"])

	rec = do(t, s.Handler(), http.MethodGet, "/api/v2/scanner/stop/a1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestLogs(t *testing.T) {
	sc := newFakeScanner()
	sc.results["s1"] = completedScan("s1")
	for i := 0; i < 5; i++ {
		sc.logs["s1"] = append(sc.logs["s1"], scan.LogEntry{Level: scan.LogInfo, Message: "line", Timestamp: time.Now()})
	}
	s := newTestServer(t, Config{}, sc)

	body := decode(t, do(t, s.Handler(), http.MethodGet, "/api/v2/scanner/logs/s1?limit=3", ""))
	assert.Equal(t, "s1", body["scanId"])
	assert.Len(t, body["logs"], 3)

	body = decode(t, do(t, s.Handler(), http.MethodGet, "/api/v2/scanner/logs/s1?limit=bogus", ""))
	assert.Len(t, body["logs"], 5)

	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/api/v2/scanner/logs/nope", "").Code)
}

func TestActiveRecentAndHealth(t *testing.T) {
	sc := newFakeScanner()
	sc.active = []string{"a1", "a2"}
	sc.results["done"] = completedScan("done")
	s := newTestServer(t, Config{
		Connections:     func() int { return 4 },
		NucleiAvailable: func(context.Context) bool { return true },
	}, sc)

	body := decode(t, do(t, s.Handler(), http.MethodGet, "/api/v2/scanner/active", ""))
	assert.Equal(t, []any{"a1", "a2"}, body["activeScans"])
	assert.Equal(t, float64(2), body["activeCount"])
	assert.Equal(t, float64(5), body["maxConcurrent"])

	body = decode(t, do(t, s.Handler(), http.MethodGet, "/api/v2/scanner/recent", ""))
	require.Len(t, body["scans"], 1)
	assert.Equal(t, "https://example.com", body["scans"].([]any)[0].(map[string]any)["targetUrl"])

	body = decode(t, do(t, s.Handler(), http.MethodGet, "/api/v2/scanner/health", ""))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(3), body["availableSlots"])
	assert.Equal(t, true, body["nucleiAvailable"])
	assert.Equal(t, false, body["aiEnabled"])
	assert.Equal(t, float64(4), body["websocketConnections"])
}

func TestReport(t *testing.T) {
	sc := newFakeScanner()
	sc.results["done"] = completedScan("done")
	sc.analyses["done"] = analysis.Heuristic(sc.results["done"])
	running := completedScan("running")
	running.Status = scan.StatusRunning
	sc.results["running"] = running
	s := newTestServer(t, Config{}, sc)

	rec := do(t, s.Handler(), http.MethodGet, "/api/v2/scanner/report/done", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".pdf")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "%PDF-"))

	assert.Equal(t, http.StatusConflict, do(t, s.Handler(), http.MethodGet, "/api/v2/scanner/report/running", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/api/v2/scanner/report/missing", "").Code)
}

func TestNotFoundAndRecovery(t *testing.T) {
	sc := newFakeScanner()
	sc.panicOn = "explode"
	s := newTestServer(t, Config{Production: true}, sc)

	rec := do(t, s.Handler(), http.MethodGet, "/api/nothing-here", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Not found", body["error"])
	assert.Equal(t, "/api/nothing-here", body["path"])

	rec = do(t, s.Handler(), http.MethodGet, "/api/v2/scanner/status/explode", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Something went wrong", decode(t, rec)["message"])
}

func TestCORS(t *testing.T) {
	sc := newFakeScanner()
	dev := newTestServer(t, Config{}, sc)
	prod := newTestServer(t, Config{Production: true, FrontendURL: "https://app.example.com"}, sc)

	preflight := func(h http.Handler, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/v2/scanner/start", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := preflight(dev.Handler(), "http://localhost:5173")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = preflight(prod.Handler(), "https://app.example.com")
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = preflight(prod.Handler(), "https://evil.example.net")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMountsAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mounted := func(name string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, name) })
	}
	s := newTestServer(t, Config{
		Registerer:     reg,
		MetricsHandler: mounted("metrics"),
		WebSocket:      mounted("ws"),
		MCP:            mounted("mcp"),
	}, newFakeScanner())

	assert.Equal(t, "ws", do(t, s.Handler(), http.MethodGet, "/ws", "").Body.String())
	assert.Equal(t, "metrics", do(t, s.Handler(), http.MethodGet, "/metrics", "").Body.String())
	assert.Equal(t, "mcp", do(t, s.Handler(), http.MethodPost, "/mcp", `{}`).Body.String())

	do(t, s.Handler(), http.MethodGet, "/api/v2/scanner/status/abc", "")
	do(t, s.Handler(), http.MethodGet, "/api/v2/scanner/status/def", "")
	got := testutil.ToFloat64(s.metrics.requests.WithLabelValues("/api/v2/scanner/status/{scanId}", http.MethodGet, "404"))
	assert.Equal(t, float64(2), got, "scan IDs collapse into the route template")
}

func TestClientLimiter(t *testing.T) {
	l := newClientLimiter(60, 1)
	now := time.Unix(1000, 0)

	ok, _ := l.reserve("a", now)
	assert.True(t, ok)
	ok, wait := l.reserve("a", now)
	assert.False(t, ok)
	assert.InDelta(t, time.Second.Seconds(), wait.Seconds(), 0.01)

	ok, _ = l.reserve("b", now)
	assert.True(t, ok, "buckets are per client")

	ok, _ = l.reserve("a", now.Add(time.Second))
	assert.True(t, ok, "token refills")

	assert.Equal(t, 2, l.size())
	assert.Equal(t, 2, l.sweep(now.Add(time.Hour)))
	assert.Equal(t, 0, l.size())
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "198.51.100.9, 203.0.113.7")

	assert.Equal(t, "10.0.0.1", clientIP(req, false))
	assert.Equal(t, "203.0.113.7", clientIP(req, true), "the proxy-appended hop wins")

	req.Header.Set("X-Forwarded-For", "198.51.100.9, 203.0.113.7, ")
	assert.Equal(t, "203.0.113.7", clientIP(req, true), "trailing empty entries are skipped")

	req.Header.Set("X-Forwarded-For", "198.51.100.9")
	req.Header.Add("X-Forwarded-For", "203.0.113.8")
	assert.Equal(t, "203.0.113.8", clientIP(req, true), "last header line wins")

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "10.0.0.1", clientIP(req, true))
}

func TestStart_RateLimitIgnoresSpoofedForwardedHops(t *testing.T) {
	s := newTestServer(t, Config{StartRatePerMinute: 1, StartBurst: 3, TrustProxy: true}, newFakeScanner())

	admitted := 0
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v2/scanner/start", strings.NewReader(validStart))
		req.RemoteAddr = "10.0.0.1:5555"
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d, 203.0.113.7", i))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code == http.StatusAccepted {
			admitted++
		}
	}
	assert.Equal(t, 3, admitted, "one client behind the proxy gets only its burst")
}
