// Package engine abstracts the external scanning tools a scan can run.
//
// An Engine reports everything it learns through a Sink so the scan manager
// can persist, de-duplicate and broadcast results as they arrive instead of
// waiting for the tool to exit.
package engine

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/scan"
)

// Request is the per-tool slice of a scan.
type Request struct {
	ScanID     string
	Target     string
	Severities []finding.Severity
}

// Sink receives engine output. Implementations must be safe for concurrent
// use because engines read stdout and stderr on separate goroutines.
type Sink interface {
	// Progress reports completion of this engine's work, 0–100.
	Progress(percent float64, phase string)
	// Finding reports one normalised vulnerability.
	Finding(v finding.Vulnerability)
	// Log records a line in the scan's activity log.
	Log(level scan.LogLevel, msg string)
}

// Engine is a scanning tool.
type Engine interface {
	// Name is the tool name clients use in scan requests.
	Name() string
	// Available reports whether the tool can run on this host.
	Available(ctx context.Context) bool
	// Run scans req.Target until done or ctx is cancelled.
	Run(ctx context.Context, req Request, sink Sink) error
}

// Registry resolves tool names to engines. Lookups are case-insensitive.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry returns a registry holding the given engines.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		r.Register(e)
	}
	return r
}

// Register adds or replaces an engine.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[strings.ToLower(e.Name())] = e
}

// Get returns the engine for name, or nil.
func (r *Registry) Get(name string) Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engines[strings.ToLower(strings.TrimSpace(name))]
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for _, e := range r.engines {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}
