// Package scanmanager owns the scan lifecycle: admission against the
// concurrency cap, the asynchronous run loop that drives the engines,
// terminal transitions and the in-memory table that API readers consult
// before falling back to the store.
package scanmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luminousflow/luminous/pkg/analysis"
	"github.com/luminousflow/luminous/pkg/defaults"
	"github.com/luminousflow/luminous/pkg/duration"
	"github.com/luminousflow/luminous/pkg/engine"
	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/output/events"
	"github.com/luminousflow/luminous/pkg/scan"
	"github.com/luminousflow/luminous/pkg/store"
)

// Sentinel errors. Callers should use errors.Is().
var (
	// ErrCapacity is returned when MaxConcurrent scans are already active.
	ErrCapacity = errors.New("scanmanager: maximum concurrent scans reached")

	// ErrNoTools is returned when a request enables no tool.
	ErrNoTools = errors.New("scanmanager: at least one tool must be enabled")

	// ErrNotFound is returned for unknown scan IDs.
	ErrNotFound = errors.New("scanmanager: scan not found")

	// ErrShuttingDown is returned by Start after Shutdown began.
	ErrShuttingDown = errors.New("scanmanager: shutting down")
)

// InterruptedReason is recorded on scans left active by a previous process.
const InterruptedReason = "interrupted by server restart"

// Store is the persistence the manager needs. *store.Store implements it.
type Store interface {
	CreateScan(ctx context.Context, r *scan.Result) error
	UpdateScan(ctx context.Context, r *scan.Result) error
	GetScan(ctx context.Context, id string) (*scan.Result, error)
	RecentScans(ctx context.Context, limit int) ([]scan.Summary, error)
	MarkInterrupted(ctx context.Context, reason string) (int64, error)
	AddVulnerability(ctx context.Context, scanID string, v finding.Vulnerability) error
	AppendLog(ctx context.Context, scanID string, e scan.LogEntry) error
	Logs(ctx context.Context, scanID string, limit int) ([]scan.LogEntry, error)
	SaveAnalysis(ctx context.Context, a *analysis.Analysis) error
	GetAnalysis(ctx context.Context, scanID string) (*analysis.Analysis, error)
}

// Emitter receives lifecycle events. *dispatcher.Dispatcher implements it.
type Emitter interface {
	Dispatch(ctx context.Context, event events.Event) error
}

// Config tunes the manager. Zero values fall back to pkg/defaults and
// pkg/duration.
type Config struct {
	MaxConcurrent   int
	DefaultTimeout  time.Duration
	TTL             time.Duration
	CleanupInterval time.Duration
	DrainTimeout    time.Duration
	LogBuffer       int
	Logger          *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaults.MaxConcurrentScans
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaults.ScanTimeoutDefaultSec * time.Second
	}
	if c.TTL <= 0 {
		c.TTL = duration.ScanTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = duration.ScanCleanup
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = duration.ScanDrain
	}
	if c.LogBuffer <= 0 {
		c.LogBuffer = defaults.ScanLogBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager runs scans and tracks them in memory.
type Manager struct {
	cfg      Config
	store    Store
	engines  *engine.Registry
	analyzer *analysis.Analyzer
	emitter  Emitter
	logger   *slog.Logger

	mu       sync.RWMutex
	scans    map[string]*Scan
	reserved int
	closed   bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	stop       chan struct{}
	stopOnce   sync.Once
}

// New creates a Manager and starts its cleanup goroutine. emitter and
// analyzer may be nil.
func New(cfg Config, st Store, engines *engine.Registry, analyzer *analysis.Analyzer, emitter Emitter) *Manager {
	cfg.applyDefaults()
	if engines == nil {
		engines = engine.NewRegistry()
	}
	if analyzer == nil {
		analyzer = analysis.New(nil, cfg.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		store:      st,
		engines:    engines,
		analyzer:   analyzer,
		emitter:    emitter,
		logger:     cfg.Logger,
		scans:      make(map[string]*Scan),
		baseCtx:    ctx,
		baseCancel: cancel,
		stop:       make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// RecoverInterrupted marks scans a previous process left pending or
// running as failed.
func (m *Manager) RecoverInterrupted(ctx context.Context) (int64, error) {
	n, err := m.store.MarkInterrupted(ctx, InterruptedReason)
	if err != nil {
		return 0, fmt.Errorf("scanmanager: recover interrupted scans: %w", err)
	}
	if n > 0 {
		m.logger.Warn("marked interrupted scans as failed", "count", n)
	}
	return n, nil
}

// Start validates opts, admits the scan and runs it in the background. It
// returns the new scan ID once the pending record is persisted.
func (m *Manager) Start(ctx context.Context, opts scan.Options) (string, error) {
	if err := scan.Validate(&opts); err != nil {
		return "", err
	}
	if len(opts.EnabledTools()) == 0 {
		return "", ErrNoTools
	}

	timeout := time.Duration(opts.TimeoutSeconds()) * time.Second
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	timeoutSec := int(timeout / time.Second)
	id := uuid.NewString()
	s := newScan(id, opts, timeoutSec, m.cfg.LogBuffer)

	// Hold a capacity slot while the pending record is written so the scan
	// is never visible before it exists in the store.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrShuttingDown
	}
	active := m.activeLocked() + m.reserved
	if active >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		return "", fmt.Errorf("%w (%d/%d)", ErrCapacity, active, m.cfg.MaxConcurrent)
	}
	m.reserved++
	m.mu.Unlock()

	if err := m.store.CreateScan(ctx, s.Snapshot()); err != nil {
		m.mu.Lock()
		m.reserved--
		m.mu.Unlock()
		return "", fmt.Errorf("scanmanager: persist scan: %w", err)
	}

	runCtx, cancelTimeout := context.WithTimeout(m.baseCtx, timeout)
	runCtx, cancelRun := context.WithCancel(runCtx)
	s.mu.Lock()
	s.cancel = func() {
		cancelRun()
		cancelTimeout()
	}
	s.mu.Unlock()

	m.logger.Info("scan admitted",
		"scan_id", id,
		"target", opts.Target.URL,
		"timeout_sec", timeoutSec,
		"active", active+1,
	)
	m.emit(events.NewStartedEvent(id, &opts, timeoutSec))

	m.mu.Lock()
	m.reserved--
	if m.closed {
		m.mu.Unlock()
		m.finish(s, scan.StatusFailed, "interrupted by server shutdown", nil, "scan failed: interrupted by server shutdown")
		return "", ErrShuttingDown
	}
	m.scans[id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(runCtx, s)
	return id, nil
}

// Stop ends an active scan. It reports false when the scan is unknown or
// already finished.
func (m *Manager) Stop(id string) bool {
	s := m.get(id)
	if s == nil || !s.isActive() {
		return false
	}
	return m.finish(s, scan.StatusStopped, "", nil, "scan stopped by operator")
}

// Wait blocks until the scan finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) error {
	s := m.get(id)
	if s == nil {
		return ErrNotFound
	}
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the scan, preferring the live in-memory copy.
func (m *Manager) Result(ctx context.Context, id string) (*scan.Result, error) {
	if s := m.get(id); s != nil {
		return s.Snapshot(), nil
	}
	res, err := m.store.GetScan(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return res, err
}

// Analysis returns the analysis of a completed scan.
func (m *Manager) Analysis(ctx context.Context, id string) (*analysis.Analysis, error) {
	if s := m.get(id); s != nil {
		if a := s.getAnalysis(); a != nil {
			return a, nil
		}
		if s.isActive() {
			return nil, ErrNotFound
		}
	}
	a, err := m.store.GetAnalysis(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return a, err
}

// Logs returns up to limit log entries, oldest first.
func (m *Manager) Logs(ctx context.Context, id string, limit int) ([]scan.LogEntry, error) {
	if limit <= 0 || limit > defaults.MaxListLimit {
		limit = defaults.LogsLimit
	}
	if s := m.get(id); s != nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.logs.tail(limit), nil
	}
	if _, err := m.Result(ctx, id); err != nil {
		return nil, err
	}
	return m.store.Logs(ctx, id, limit)
}

// Recent lists the newest scans, overlaying live progress for scans still
// held in memory.
func (m *Manager) Recent(ctx context.Context, limit int) ([]scan.Summary, error) {
	if limit <= 0 || limit > defaults.MaxListLimit {
		limit = defaults.RecentLimit
	}
	list, err := m.store.RecentScans(ctx, limit)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if s := m.get(list[i].ID); s != nil {
			list[i] = s.Snapshot().Summarize()
		}
	}
	return list, nil
}

// ActiveScans returns summaries of pending and running scans, oldest first.
func (m *Manager) ActiveScans() []scan.Summary {
	m.mu.RLock()
	out := make([]scan.Summary, 0, len(m.scans))
	for _, s := range m.scans {
		if s.isActive() {
			out = append(out, s.Snapshot().Summarize())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// ActiveIDs returns the IDs of pending and running scans.
func (m *Manager) ActiveIDs() []string {
	active := m.ActiveScans()
	ids := make([]string, len(active))
	for i, s := range active {
		ids[i] = s.ID
	}
	return ids
}

// ActiveCount returns the number of pending and running scans.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked()
}

// MaxConcurrent returns the concurrency cap.
func (m *Manager) MaxConcurrent() int { return m.cfg.MaxConcurrent }

// Engines returns the engine registry.
func (m *Manager) Engines() *engine.Registry { return m.engines }

// AIEnabled reports whether analyses use an LLM provider.
func (m *Manager) AIEnabled() bool { return m.analyzer.AIEnabled() }

// Shutdown fails every active scan, cancels the engines and waits for the
// run goroutines to exit. Safe to call multiple times.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	m.closed = true
	active := make([]*Scan, 0, len(m.scans))
	for _, s := range m.scans {
		if s.isActive() {
			active = append(active, s)
		}
	}
	m.mu.Unlock()

	for _, s := range active {
		m.finish(s, scan.StatusFailed, "interrupted by server shutdown", nil, "scan failed: interrupted by server shutdown")
	}
	m.baseCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(m.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("scanmanager: %d scan goroutine(s) still running after %s", len(active), m.cfg.DrainTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) get(id string) *Scan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scans[id]
}

// activeLocked counts active scans. Must be called with m.mu held.
func (m *Manager) activeLocked() int {
	n := 0
	for _, s := range m.scans {
		if s.isActive() {
			n++
		}
	}
	return n
}

// finish applies a terminal transition, records note as the last log line,
// persists the result and emits the matching event. It reports false if
// the scan had already finished.
func (m *Manager) finish(s *Scan, status scan.Status, errMsg string, a *analysis.Analysis, note string) bool {
	res := s.finish(status, errMsg, a)
	if res == nil {
		return false
	}
	defer s.closeDone()

	level := scan.LogInfo
	switch status {
	case scan.StatusFailed:
		level = scan.LogError
	case scan.StatusStopped:
		level = scan.LogWarn
	}
	m.log(s, level, note)

	ctx := context.Background()
	if a != nil {
		if err := m.store.SaveAnalysis(ctx, a); err != nil {
			m.logger.Error("persist analysis", "scan_id", res.ID, "error", err)
		}
	}
	if err := m.store.UpdateScan(ctx, res); err != nil {
		m.logger.Error("persist scan", "scan_id", res.ID, "status", res.Status, "error", err)
	}

	m.logger.Info("scan finished",
		"scan_id", res.ID,
		"status", res.Status,
		"findings", res.Stats.Total,
		"duration_sec", res.Duration,
	)
	ev, err := events.NewFinishedEvent(res, a)
	if err == nil {
		m.emit(ev)
	}
	return true
}

// log records a scan log line in memory and in the store and emits it.
func (m *Manager) log(s *Scan, level scan.LogLevel, msg string) {
	e := scan.LogEntry{Level: level, Message: msg, Timestamp: time.Now().UTC()}
	s.mu.Lock()
	s.logs.add(e)
	id := s.res.ID
	s.mu.Unlock()

	if err := m.store.AppendLog(context.Background(), id, e); err != nil {
		m.logger.Debug("persist scan log", "scan_id", id, "error", err)
	}
	m.emit(events.NewLogEvent(id, e))
}

func (m *Manager) emit(ev events.Event) {
	if m.emitter == nil {
		return
	}
	if err := m.emitter.Dispatch(context.Background(), ev); err != nil {
		m.logger.Debug("dispatch event", "type", ev.EventType(), "scan_id", ev.ScanID(), "error", err)
	}
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.cleanup(time.Now())
		}
	}
}

// cleanup drops terminal scans older than the TTL from memory. The store
// keeps them.
func (m *Manager) cleanup(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.scans {
		if s.expired(now, m.cfg.TTL) {
			delete(m.scans, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("evicted finished scans from memory", "count", removed, "remaining", len(m.scans))
	}
	return removed
}
