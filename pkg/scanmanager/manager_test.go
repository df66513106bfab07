package scanmanager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminousflow/luminous/pkg/analysis"
	"github.com/luminousflow/luminous/pkg/engine"
	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/output/events"
	"github.com/luminousflow/luminous/pkg/scan"
	"github.com/luminousflow/luminous/pkg/store"
	"github.com/luminousflow/luminous/pkg/testutil"
)

// memStore is an in-memory Store.
type memStore struct {
	mu          sync.Mutex
	scans       map[string]*scan.Result
	vulns       map[string][]finding.Vulnerability
	logs        map[string][]scan.LogEntry
	analyses    map[string]*analysis.Analysis
	interrupted string
}

func newMemStore() *memStore {
	return &memStore{
		scans:    make(map[string]*scan.Result),
		vulns:    make(map[string][]finding.Vulnerability),
		logs:     make(map[string][]scan.LogEntry),
		analyses: make(map[string]*analysis.Analysis),
	}
}

func (s *memStore) CreateScan(_ context.Context, r *scan.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.scans[r.ID] = &cp
	return nil
}

func (s *memStore) UpdateScan(_ context.Context, r *scan.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scans[r.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *r
	s.scans[r.ID] = &cp
	return nil
}

func (s *memStore) GetScan(_ context.Context, id string) (*scan.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.scans[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	cp.Vulnerabilities = append([]finding.Vulnerability{}, s.vulns[id]...)
	return &cp, nil
}

func (s *memStore) RecentScans(_ context.Context, limit int) ([]scan.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scan.Summary, 0, len(s.scans))
	for _, r := range s.scans {
		out = append(out, r.Summarize())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) MarkInterrupted(_ context.Context, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupted = reason
	var n int64
	for _, r := range s.scans {
		if r.Status.IsActive() {
			r.Status = scan.StatusFailed
			r.Error = reason
			n++
		}
	}
	return n, nil
}

func (s *memStore) AddVulnerability(_ context.Context, scanID string, v finding.Vulnerability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vulns[scanID] = append(s.vulns[scanID], v)
	return nil
}

func (s *memStore) AppendLog(_ context.Context, scanID string, e scan.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[scanID] = append(s.logs[scanID], e)
	return nil
}

func (s *memStore) Logs(_ context.Context, scanID string, limit int) ([]scan.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.logs[scanID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]scan.LogEntry{}, all...), nil
}

func (s *memStore) SaveAnalysis(_ context.Context, a *analysis.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analyses[a.ScanID] = a
	return nil
}

func (s *memStore) GetAnalysis(_ context.Context, scanID string) (*analysis.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[scanID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (s *memStore) stored(id string) scan.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.scans[id]
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Dispatch(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, 0, len(r.events))
	for _, ev := range r.events {
		if ev.EventType() != events.EventTypeLog {
			out = append(out, ev.EventType())
		}
	}
	return out
}

func (r *recorder) progress() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []float64
	for _, ev := range r.events {
		if p, ok := ev.(*events.ProgressEvent); ok {
			out = append(out, p.Data.Progress)
		}
	}
	return out
}

func newTestManager(t *testing.T, cfg Config, engines ...engine.Engine) (*Manager, *memStore, *recorder) {
	t.Helper()
	st := newMemStore()
	rec := &recorder{}
	m := New(cfg, st, engine.NewRegistry(engines...), nil, rec)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, st, rec
}

func options(tools ...string) scan.Options {
	opts := scan.Options{Target: scan.Target{URL: "https://example.com", Name: "Example"}}
	for _, name := range tools {
		opts.Tools = append(opts.Tools, scan.Tool{Name: name, Enabled: true})
	}
	return opts
}

func waitDone(t *testing.T, m *Manager, id string) *scan.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, id))
	res, err := m.Result(context.Background(), id)
	require.NoError(t, err)
	return res
}

func TestStart_CompletesWithFilteredDedupedFindings(t *testing.T) {
	vuln := finding.Vulnerability{
		Title: "SQL injection", Severity: finding.Critical, URL: "https://example.com/login",
		TemplateID: "sqli-login", Tags: []string{"sqli"},
	}
	eng := &testutil.ScriptEngine{ToolName: "nuclei", Script: func(_ context.Context, req engine.Request, sink engine.Sink) error {
		assert.Equal(t, "https://example.com", req.Target)
		sink.Progress(50, "nuclei: scanning")
		sink.Finding(vuln)
		sink.Finding(vuln)
		sink.Finding(finding.Vulnerability{Title: "Banner", Severity: finding.Info, URL: "https://example.com"})
		sink.Log(scan.LogDebug, "stats line")
		return nil
	}}
	m, st, rec := newTestManager(t, Config{}, eng)

	opts := options("nuclei")
	opts.Severity = []finding.Severity{finding.Critical, finding.High}
	id, err := m.Start(context.Background(), opts)
	require.NoError(t, err)

	res := waitDone(t, m, id)
	assert.Equal(t, scan.StatusCompleted, res.Status)
	assert.Equal(t, 100.0, res.Progress)
	require.Len(t, res.Vulnerabilities, 1)
	assert.Equal(t, "nuclei", res.Vulnerabilities[0].Tool)
	assert.NotEmpty(t, res.Vulnerabilities[0].ID)
	assert.Equal(t, scan.Stats{Total: 1, Critical: 1}, res.Stats)
	require.NotNil(t, res.EndTime)

	a, err := m.Analysis(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, a.ScanID)
	assert.Equal(t, analysis.LevelLow, a.RiskLevel)
	assert.Equal(t, 25, a.RiskScore)

	stored := st.stored(id)
	assert.Equal(t, scan.StatusCompleted, stored.Status)
	_, err = st.GetAnalysis(context.Background(), id)
	assert.NoError(t, err)

	types := rec.types()
	assert.Equal(t, events.EventTypeStarted, types[0])
	assert.Equal(t, events.EventTypeCompleted, types[len(types)-1])
	vulnEvents := 0
	for _, ty := range types {
		if ty == events.EventTypeVulnerability {
			vulnEvents++
		}
	}
	assert.Equal(t, 1, vulnEvents)

	logs, err := m.Logs(context.Background(), id, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
	assert.Contains(t, logs[len(logs)-1].Message, "scan completed")
}

func TestStart_Rejects(t *testing.T) {
	m, _, _ := newTestManager(t, Config{}, &testutil.ScriptEngine{ToolName: "nuclei"})

	_, err := m.Start(context.Background(), scan.Options{Target: scan.Target{URL: "ftp://x"}})
	var verr *scan.ValidationError
	assert.True(t, errors.As(err, &verr))

	opts := options()
	opts.Tools = []scan.Tool{{Name: "nuclei", Enabled: false}}
	_, err = m.Start(context.Background(), opts)
	assert.ErrorIs(t, err, ErrNoTools)
}

func TestStart_CapacityAndStop(t *testing.T) {
	started := make(chan struct{}, 4)
	m, st, rec := newTestManager(t, Config{MaxConcurrent: 1}, testutil.BlockingEngine("nuclei", started))

	first, err := m.Start(context.Background(), options("nuclei"))
	require.NoError(t, err)
	<-started

	_, err = m.Start(context.Background(), options("nuclei"))
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, 1, m.ActiveCount())
	assert.Equal(t, []string{first}, m.ActiveIDs())

	assert.True(t, m.Stop(first))
	assert.False(t, m.Stop(first), "second stop is a no-op")
	assert.False(t, m.Stop("missing"))

	res := waitDone(t, m, first)
	assert.Equal(t, scan.StatusStopped, res.Status)
	assert.Equal(t, scan.StatusStopped, st.stored(first).Status)
	assert.Contains(t, rec.types(), events.EventTypeStopped)

	_, err = m.Start(context.Background(), options("nuclei"))
	assert.NoError(t, err, "slot is released after stop")
}

func TestRun_Timeout(t *testing.T) {
	m, _, rec := newTestManager(t, Config{DefaultTimeout: 50 * time.Millisecond}, testutil.BlockingEngine("nuclei", nil))

	id, err := m.Start(context.Background(), options("nuclei"))
	require.NoError(t, err)

	res := waitDone(t, m, id)
	assert.Equal(t, scan.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "scan timed out after")
	assert.Contains(t, rec.types(), events.EventTypeFailed)
}

func TestRun_Failures(t *testing.T) {
	tests := []struct {
		name    string
		engines []engine.Engine
		tools   []string
		wantErr string
	}{
		{
			name:    "engine error",
			engines: []engine.Engine{&testutil.ScriptEngine{ToolName: "nuclei", Script: func(context.Context, engine.Request, engine.Sink) error { return errors.New("nuclei exited with code 2: bad flag") }}},
			tools:   []string{"nuclei"},
			wantErr: "nuclei exited with code 2: bad flag",
		},
		{
			name:    "unsupported tools only",
			engines: []engine.Engine{&testutil.ScriptEngine{ToolName: "nuclei"}},
			tools:   []string{"nikto"},
			wantErr: "no supported scanning tools enabled",
		},
		{
			name:    "engine not installed",
			engines: []engine.Engine{&testutil.ScriptEngine{ToolName: "nuclei", Unavailable: true}},
			tools:   []string{"nuclei"},
			wantErr: "no usable scanning engine: nuclei unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestManager(t, Config{}, tt.engines...)
			id, err := m.Start(context.Background(), options(tt.tools...))
			require.NoError(t, err)

			res := waitDone(t, m, id)
			assert.Equal(t, scan.StatusFailed, res.Status)
			assert.Equal(t, tt.wantErr, res.Error)

			_, err = m.Analysis(context.Background(), id)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRun_SkipsUnsupportedTool(t *testing.T) {
	m, _, _ := newTestManager(t, Config{}, &testutil.ScriptEngine{ToolName: "nuclei"})
	id, err := m.Start(context.Background(), options("nikto", "nuclei"))
	require.NoError(t, err)

	res := waitDone(t, m, id)
	assert.Equal(t, scan.StatusCompleted, res.Status)

	logs, err := m.Logs(context.Background(), id, 100)
	require.NoError(t, err)
	var skipped bool
	for _, l := range logs {
		if l.Level == scan.LogWarn && l.Message == `tool "nikto" is not supported, skipping` {
			skipped = true
		}
	}
	assert.True(t, skipped)
}

func TestRun_ProgressScaledAcrossTools(t *testing.T) {
	report := func(name string, pct float64) *testutil.ScriptEngine {
		return &testutil.ScriptEngine{ToolName: name, Script: func(_ context.Context, _ engine.Request, sink engine.Sink) error {
			sink.Progress(pct, name)
			return nil
		}}
	}
	m, _, rec := newTestManager(t, Config{}, report("alpha", 100), report("beta", 50))
	id, err := m.Start(context.Background(), options("alpha", "beta"))
	require.NoError(t, err)
	waitDone(t, m, id)

	assert.Equal(t, []float64{0, 50, 75, 100}, rec.progress())
}

func TestCleanupEvictsFinishedScans(t *testing.T) {
	m, _, _ := newTestManager(t, Config{TTL: time.Minute}, &testutil.ScriptEngine{ToolName: "nuclei"})
	id, err := m.Start(context.Background(), options("nuclei"))
	require.NoError(t, err)
	waitDone(t, m, id)

	assert.Equal(t, 0, m.cleanup(time.Now()), "within TTL")
	assert.Equal(t, 1, m.cleanup(time.Now().Add(2*time.Minute)))
	assert.Nil(t, m.get(id))

	res, err := m.Result(context.Background(), id)
	require.NoError(t, err, "falls back to the store")
	assert.Equal(t, scan.StatusCompleted, res.Status)

	a, err := m.Analysis(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, a.ScanID)

	logs, err := m.Logs(context.Background(), id, 2)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	_, err = m.Result(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Logs(context.Background(), "missing", 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecentOverlaysLiveProgress(t *testing.T) {
	started := make(chan struct{}, 1)
	m, _, _ := newTestManager(t, Config{}, testutil.BlockingEngine("nuclei", started))
	id, err := m.Start(context.Background(), options("nuclei"))
	require.NoError(t, err)
	<-started

	recent, err := m.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, id, recent[0].ID)
	assert.Equal(t, scan.StatusRunning, recent[0].Status)
	assert.Equal(t, 10.0, recent[0].Progress)
}

func TestRecoverInterrupted(t *testing.T) {
	m, st, _ := newTestManager(t, Config{})
	require.NoError(t, st.CreateScan(context.Background(), &scan.Result{ID: "old", Status: scan.StatusRunning}))

	n, err := m.RecoverInterrupted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, InterruptedReason, st.stored("old").Error)
}

func TestShutdownFailsActiveScans(t *testing.T) {
	started := make(chan struct{}, 1)
	m, st, _ := newTestManager(t, Config{}, testutil.BlockingEngine("nuclei", started))
	id, err := m.Start(context.Background(), options("nuclei"))
	require.NoError(t, err)
	<-started

	testutil.AssertTimeout(t, "shutdown", 5*time.Second, func() {
		assert.NoError(t, m.Shutdown(context.Background()))
	})
	stored := st.stored(id)
	assert.Equal(t, scan.StatusFailed, stored.Status)
	assert.Equal(t, "interrupted by server shutdown", stored.Error)

	_, err = m.Start(context.Background(), options("nuclei"))
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.NoError(t, m.Shutdown(context.Background()), "idempotent")
}

func TestLogRing(t *testing.T) {
	r := newLogRing(3)
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		r.add(scan.LogEntry{Message: msg})
	}
	got := r.tail(0)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].Message)
	assert.Equal(t, "e", got[2].Message)

	got = r.tail(2)
	assert.Equal(t, "d", got[0].Message)
	assert.Equal(t, 3, r.len())
}

// gatedStore holds CreateScan until release is closed.
type gatedStore struct {
	*memStore
	entered chan string
	release chan struct{}

	mu   sync.Mutex
	fail error
}

func newGatedStore() *gatedStore {
	return &gatedStore{memStore: newMemStore(), entered: make(chan string, 4), release: make(chan struct{})}
}

func (g *gatedStore) CreateScan(ctx context.Context, r *scan.Result) error {
	g.entered <- r.ID
	<-g.release
	g.mu.Lock()
	err := g.fail
	g.mu.Unlock()
	if err != nil {
		return err
	}
	return g.memStore.CreateScan(ctx, r)
}

type startResult struct {
	id  string
	err error
}

func startAsync(m *Manager) <-chan startResult {
	ch := make(chan startResult, 1)
	go func() {
		id, err := m.Start(context.Background(), options("nuclei"))
		ch <- startResult{id, err}
	}()
	return ch
}

func TestStart_ScanHiddenUntilPersisted(t *testing.T) {
	gate := newGatedStore()
	rec := &recorder{}
	m := New(Config{MaxConcurrent: 1}, gate, engine.NewRegistry(testutil.BlockingEngine("nuclei", nil)), nil, rec)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	pending := startAsync(m)
	id := <-gate.entered

	assert.Empty(t, m.ActiveIDs())
	assert.False(t, m.Stop(id), "scan cannot be stopped before it is stored")
	_, err := m.Result(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Start(context.Background(), options("nuclei"))
	assert.ErrorIs(t, err, ErrCapacity, "slot is held while persisting")

	close(gate.release)
	got := <-pending
	require.NoError(t, got.err)
	assert.Equal(t, id, got.id)

	require.True(t, m.Stop(id))
	res := waitDone(t, m, id)
	assert.Equal(t, scan.StatusStopped, res.Status)
	assert.Equal(t, scan.StatusStopped, gate.stored(id).Status)

	types := rec.types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.EventTypeStarted, types[0])
	assert.Contains(t, types, events.EventTypeStopped)
}

func TestStart_PersistFailureReleasesSlot(t *testing.T) {
	gate := newGatedStore()
	gate.fail = errors.New("disk full")
	close(gate.release)
	rec := &recorder{}
	m := New(Config{MaxConcurrent: 1}, gate, engine.NewRegistry(testutil.BlockingEngine("nuclei", nil)), nil, rec)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	_, err := m.Start(context.Background(), options("nuclei"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Zero(t, m.ActiveCount())
	assert.Empty(t, rec.types(), "nothing is announced for an unsaved scan")

	gate.mu.Lock()
	gate.fail = nil
	gate.mu.Unlock()
	id, err := m.Start(context.Background(), options("nuclei"))
	require.NoError(t, err)
	assert.Equal(t, []string{id}, m.ActiveIDs())
}

func TestStart_ShutdownWhilePersisting(t *testing.T) {
	gate := newGatedStore()
	rec := &recorder{}
	m := New(Config{}, gate, engine.NewRegistry(testutil.BlockingEngine("nuclei", nil)), nil, rec)

	pending := startAsync(m)
	id := <-gate.entered
	testutil.AssertTimeout(t, "shutdown", 5*time.Second, func() {
		assert.NoError(t, m.Shutdown(context.Background()))
	})
	close(gate.release)

	got := <-pending
	assert.ErrorIs(t, got.err, ErrShuttingDown)
	stored := gate.stored(id)
	assert.Equal(t, scan.StatusFailed, stored.Status)
	assert.Equal(t, "interrupted by server shutdown", stored.Error)
	assert.Equal(t, []events.EventType{events.EventTypeStarted, events.EventTypeFailed}, rec.types())
	assert.Empty(t, m.ActiveIDs())
}
