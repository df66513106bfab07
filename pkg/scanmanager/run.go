package scanmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/luminousflow/luminous/pkg/duration"
	"github.com/luminousflow/luminous/pkg/engine"
	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/output/events"
	"github.com/luminousflow/luminous/pkg/scan"
)

type job struct {
	tool string
	eng  engine.Engine
}

// run drives one scan from pending to a terminal state.
func (m *Manager) run(ctx context.Context, s *Scan) {
	defer m.wg.Done()
	defer func() {
		s.mu.RLock()
		cancel := s.cancel
		s.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
	}()

	if !s.markRunning() {
		return
	}
	snap := s.Snapshot()
	if err := m.store.UpdateScan(context.Background(), snap); err != nil {
		m.logger.Error("persist scan", "scan_id", snap.ID, "error", err)
	}
	m.emit(events.NewProgressEvent(snap.ID, scan.StatusRunning, 0, "starting", ""))
	m.log(s, scan.LogInfo, "scan started against "+snap.Target.URL)

	var jobs []job
	for _, t := range s.opts.EnabledTools() {
		eng := m.engines.Get(t.Name)
		if eng == nil {
			m.log(s, scan.LogWarn, fmt.Sprintf("tool %q is not supported, skipping", t.Name))
			continue
		}
		jobs = append(jobs, job{tool: eng.Name(), eng: eng})
	}
	if len(jobs) == 0 {
		m.fail(s, "no supported scanning tools enabled")
		return
	}

	var unavailable []string
	ran := 0
	for i, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		probeCtx, cancelProbe := context.WithTimeout(ctx, duration.EngineProbe)
		ok := j.eng.Available(probeCtx)
		cancelProbe()
		if !ok {
			if ctx.Err() != nil {
				break
			}
			unavailable = append(unavailable, j.tool)
			m.log(s, scan.LogError, j.tool+" is not available on this host")
			continue
		}

		m.log(s, scan.LogInfo, "running "+j.tool)
		sink := &toolSink{m: m, s: s, tool: j.tool, index: i, count: len(jobs)}
		req := engine.Request{ScanID: snap.ID, Target: snap.Target.URL, Severities: s.opts.Severity}
		if err := j.eng.Run(ctx, req, sink); err != nil {
			if ctx.Err() != nil {
				break
			}
			m.fail(s, err.Error())
			return
		}
		ran++
	}

	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			m.fail(s, fmt.Sprintf("scan timed out after %ds", snap.Timeout))
		}
		// Cancelled runs were already finished by Stop or Shutdown.
		return
	}
	if ran == 0 {
		m.fail(s, "no usable scanning engine: "+strings.Join(unavailable, ", ")+" unavailable")
		return
	}
	m.complete(ctx, s)
}

func (m *Manager) fail(s *Scan, msg string) {
	m.finish(s, scan.StatusFailed, msg, nil, "scan failed: "+msg)
}

// complete analyses the findings and marks the scan completed. A Stop that
// lands during analysis wins and the analysis is discarded.
func (m *Manager) complete(ctx context.Context, s *Scan) {
	if p, ok := s.setProgress(100, "analyzing"); ok {
		m.emit(events.NewProgressEvent(s.res.ID, scan.StatusRunning, p, "analyzing", ""))
	}
	snap := s.Snapshot()
	a := m.analyzer.Analyze(ctx, snap)
	a.ScanID = snap.ID
	m.finish(s, scan.StatusCompleted, "", a, fmt.Sprintf("scan completed: %d finding(s), risk %s (%d)",
		snap.Stats.Total, a.RiskLevel, a.RiskScore))
}

// toolSink adapts engine callbacks to one scan. Progress from tool index i
// of n is scaled into the [i/n, (i+1)/n] slice of the overall bar.
type toolSink struct {
	m     *Manager
	s     *Scan
	tool  string
	index int
	count int
}

func (t *toolSink) Progress(percent float64, phase string) {
	percent = min(max(percent, 0), 100)
	overall := (float64(t.index)*100 + percent) / float64(t.count)
	p, ok := t.s.setProgress(overall, phase)
	if !ok {
		return
	}
	t.m.emit(events.NewProgressEvent(t.s.res.ID, scan.StatusRunning, p, phase, t.tool))
}

func (t *toolSink) Finding(v finding.Vulnerability) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Tool == "" {
		v.Tool = t.tool
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}
	if v.Tags == nil {
		v.Tags = []string{}
	}
	stats, ok := t.s.addFinding(v)
	if !ok {
		return
	}
	if err := t.m.store.AddVulnerability(context.Background(), t.s.res.ID, v); err != nil {
		t.m.logger.Error("persist vulnerability", "scan_id", t.s.res.ID, "vuln_id", v.ID, "error", err)
	}
	t.m.emit(events.NewVulnerabilityEvent(t.s.res.ID, v, stats))
}

func (t *toolSink) Log(level scan.LogLevel, msg string) {
	t.m.log(t.s, level, msg)
}
