// Package testutil provides shared test helpers: a scripted scanning
// engine, goroutine leak detection and fault-injecting writers.
package testutil

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/luminousflow/luminous/pkg/engine"
)

// ErrFault is the sentinel error returned by fault injection helpers.
var ErrFault = errors.New("injected fault")

// ScriptEngine is an engine.Engine whose scan is the Script func.
type ScriptEngine struct {
	ToolName    string
	Unavailable bool
	Script      func(ctx context.Context, req engine.Request, sink engine.Sink) error
}

var _ engine.Engine = (*ScriptEngine)(nil)

// Name implements engine.Engine.
func (e *ScriptEngine) Name() string { return e.ToolName }

// Available implements engine.Engine.
func (e *ScriptEngine) Available(context.Context) bool { return !e.Unavailable }

// Run implements engine.Engine. A nil Script finishes immediately.
func (e *ScriptEngine) Run(ctx context.Context, req engine.Request, sink engine.Sink) error {
	if e.Script == nil {
		return nil
	}
	return e.Script(ctx, req, sink)
}

// BlockingEngine reports 10% progress, signals started (if non-nil) and
// then runs until its context is cancelled.
func BlockingEngine(name string, started chan<- struct{}) *ScriptEngine {
	return &ScriptEngine{ToolName: name, Script: func(ctx context.Context, _ engine.Request, sink engine.Sink) error {
		sink.Progress(10, name+": running")
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return ctx.Err()
	}}
}

// FailingWriter is an io.Writer that fails after Limit bytes.
// If Limit is 0, every Write call fails immediately.
type FailingWriter struct {
	mu      sync.Mutex
	written int
	Limit   int
}

func (w *FailingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.written+len(p) > w.Limit {
		remaining := w.Limit - w.written
		if remaining > 0 {
			w.written += remaining
			return remaining, ErrFault
		}
		return 0, ErrFault
	}
	w.written += len(p)
	return len(p), nil
}

// GoroutineTracker captures goroutine count before/after a test to detect leaks.
type GoroutineTracker struct {
	before int
}

// TrackGoroutines snapshots the current goroutine count. Call CheckLeaks after.
func TrackGoroutines() *GoroutineTracker {
	runtime.Gosched()
	return &GoroutineTracker{before: runtime.NumGoroutine()}
}

// CheckLeaks waits briefly for goroutines to drain, then fails the test if
// more than tolerance extra goroutines are still running.
func (g *GoroutineTracker) CheckLeaks(t *testing.T, tolerance int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		runtime.Gosched()
		if runtime.NumGoroutine() <= g.before+tolerance {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	if after := runtime.NumGoroutine(); after > g.before+tolerance {
		t.Errorf("goroutine leak: before=%d after=%d tolerance=%d", g.before, after, tolerance)
	}
}

// AssertTimeout runs fn and fails if it doesn't complete within d.
func AssertTimeout(t *testing.T, name string, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s: timed out after %v (possible deadlock)", name, d)
	}
}
