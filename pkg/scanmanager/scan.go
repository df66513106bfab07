package scanmanager

import (
	"sync"
	"time"

	"github.com/luminousflow/luminous/pkg/analysis"
	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/scan"
)

// Scan is the in-memory state of one scan. The running goroutine and API
// readers share it, so every field sits behind mu.
type Scan struct {
	mu sync.RWMutex

	res      scan.Result
	opts     scan.Options
	seen     map[string]struct{}
	logs     *logRing
	analysis *analysis.Analysis

	finishedAt time.Time

	cancel func()
	// done is closed when the scan reaches a terminal state.
	done chan struct{}
}

func newScan(id string, opts scan.Options, timeoutSec, logBuffer int) *Scan {
	return &Scan{
		res: scan.Result{
			ID:              id,
			Target:          opts.Target,
			Status:          scan.StatusPending,
			Tools:           opts.Tools,
			Severity:        opts.Severity,
			Timeout:         timeoutSec,
			Vulnerabilities: []finding.Vulnerability{},
			Phase:           "queued",
			StartTime:       time.Now().UTC(),
		},
		opts: opts,
		seen: make(map[string]struct{}),
		logs: newLogRing(logBuffer),
		done: make(chan struct{}),
	}
}

// Done returns a channel closed once the scan is finished.
func (s *Scan) Done() <-chan struct{} { return s.done }

// Snapshot returns a copy of the result safe to serialize. Duration is
// computed live while the scan runs.
func (s *Scan) Snapshot() *scan.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Scan) snapshotLocked() *scan.Result {
	out := s.res
	out.Tools = append([]scan.Tool(nil), s.res.Tools...)
	out.Severity = append([]finding.Severity(nil), s.res.Severity...)
	out.Vulnerabilities = append([]finding.Vulnerability{}, s.res.Vulnerabilities...)
	if s.res.EndTime != nil {
		end := *s.res.EndTime
		out.EndTime = &end
	} else {
		out.Duration = int64(time.Since(s.res.StartTime).Seconds())
	}
	return &out
}

func (s *Scan) status() scan.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.res.Status
}

func (s *Scan) isActive() bool { return s.status().IsActive() }

// markRunning moves a pending scan to running. It reports false when the
// scan was already finished, e.g. stopped before its goroutine started.
func (s *Scan) markRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.res.Status != scan.StatusPending {
		return false
	}
	s.res.Status = scan.StatusRunning
	s.res.Phase = "starting"
	return true
}

// setProgress records overall progress. Progress never moves backwards.
func (s *Scan) setProgress(pct float64, phase string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.res.Status.IsTerminal() {
		return 0, false
	}
	if pct > s.res.Progress {
		s.res.Progress = pct
	}
	if phase != "" {
		s.res.Phase = phase
	}
	return s.res.Progress, true
}

// addFinding applies the severity filter and de-duplication. It returns
// the stats after the finding was counted, or false when it was dropped.
func (s *Scan) addFinding(v finding.Vulnerability) (scan.Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.res.Status.IsTerminal() || !s.opts.WantsSeverity(v.Severity) {
		return scan.Stats{}, false
	}
	fp := v.Fingerprint()
	if _, dup := s.seen[fp]; dup {
		return scan.Stats{}, false
	}
	s.seen[fp] = struct{}{}
	s.res.Vulnerabilities = append(s.res.Vulnerabilities, v)
	s.res.Stats.Add(v.Severity)
	return s.res.Stats, true
}

// finish applies a terminal transition. The first transition wins and
// later calls are no-ops that return nil. done stays open until closeDone.
func (s *Scan) finish(status scan.Status, errMsg string, a *analysis.Analysis) *scan.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.res.Status.IsTerminal() {
		return nil
	}
	now := time.Now().UTC()
	s.res.Status = status
	s.res.Error = errMsg
	s.res.EndTime = &now
	s.res.Duration = int64(now.Sub(s.res.StartTime).Seconds())
	switch status {
	case scan.StatusCompleted:
		s.res.Progress = 100
		s.res.Phase = "completed"
		s.analysis = a
	case scan.StatusStopped:
		s.res.Phase = "stopped"
	default:
		s.res.Phase = "failed"
	}
	s.finishedAt = now
	if s.cancel != nil {
		s.cancel()
	}
	return s.snapshotLocked()
}

// closeDone releases waiters. Called once the terminal state is persisted
// and announced.
func (s *Scan) closeDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *Scan) getAnalysis() *analysis.Analysis {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.analysis
}

func (s *Scan) expired(now time.Time, ttl time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.res.Status.IsTerminal() && now.Sub(s.finishedAt) > ttl
}

// logRing keeps the newest n log entries.
type logRing struct {
	buf   []scan.LogEntry
	start int
	n     int
}

func newLogRing(n int) *logRing {
	if n <= 0 {
		n = 1
	}
	return &logRing{buf: make([]scan.LogEntry, 0, n), n: n}
}

func (r *logRing) add(e scan.LogEntry) {
	if len(r.buf) < r.n {
		r.buf = append(r.buf, e)
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % r.n
}

// tail returns up to limit entries, oldest first.
func (r *logRing) tail(limit int) []scan.LogEntry {
	ordered := make([]scan.LogEntry, 0, len(r.buf))
	ordered = append(ordered, r.buf[r.start:]...)
	ordered = append(ordered, r.buf[:r.start]...)
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

func (r *logRing) len() int { return len(r.buf) }
