// Package dispatcher provides the central event routing for scan lifecycle
// events. The scan manager emits every event through a Dispatcher, which
// forwards it to registered hooks (logger, metrics, tracing, SMS, the
// WebSocket hub).
//
// The dispatcher decouples event generation from event consumption: a
// failing or slow hook never blocks or fails a scan.
package dispatcher

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/luminousflow/luminous/pkg/output/events"
)

// Hook is the interface for event hooks.
type Hook interface {
	// OnEvent is called for each matching event.
	OnEvent(ctx context.Context, event events.Event) error

	// EventTypes returns the event types this hook handles.
	// Return nil or empty slice to receive all events.
	EventTypes() []events.EventType
}

// DefaultQueueSize is the per-hook queue length in async mode.
const DefaultQueueSize = 1024

// Dispatcher routes events to hooks.
// It is safe for concurrent use.
type Dispatcher struct {
	hooks   []Hook
	workers []*worker
	mu      sync.RWMutex
	closed  bool

	async     bool
	queueSize int
	logger    *slog.Logger
}

// Config configures the dispatcher behavior.
type Config struct {
	// Async gives every hook its own FIFO queue and worker goroutine, so a
	// slow hook never delays the scan or the other hooks while each hook
	// still sees events in dispatch order. Close drains the queues.
	Async bool

	// QueueSize bounds each hook's queue. Defaults to DefaultQueueSize.
	// When a queue is full, progress and log events for that hook are
	// dropped; lifecycle events and findings wait for room.
	QueueSize int

	// Logger receives hook failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// New creates a new event dispatcher with the given configuration.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Dispatcher{
		hooks:     make([]Hook, 0),
		async:     cfg.Async,
		queueSize: size,
		logger:    logger,
	}
}

type queued struct {
	ctx   context.Context
	event events.Event
}

// worker delivers one hook's events in order.
type worker struct {
	hook  Hook
	queue chan queued
	done  chan struct{}
}

func (d *Dispatcher) run(w *worker) {
	defer close(w.done)
	for q := range w.queue {
		d.call(q.ctx, w.hook, q.event)
	}
}

// RegisterHook adds a hook to the dispatcher.
// Hooks will receive events that match their EventTypes filter.
// Hooks registered after Close are ignored.
func (d *Dispatcher) RegisterHook(h Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.hooks = append(d.hooks, h)
	if d.async {
		w := &worker{hook: h, queue: make(chan queued, d.queueSize), done: make(chan struct{})}
		d.workers = append(d.workers, w)
		go d.run(w)
	}
}

// Dispatch sends an event to all registered hooks.
// It returns nil even if individual hooks fail, to ensure all consumers
// have a chance to receive the event. Events dispatched after Close are
// dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, event events.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil
	}

	if !d.async {
		for _, h := range d.hooks {
			if hookSupportsEvent(h, event.EventType()) {
				d.call(ctx, h, event)
			}
		}
		return nil
	}

	q := queued{ctx: context.WithoutCancel(ctx), event: event}
	for _, w := range d.workers {
		if !hookSupportsEvent(w.hook, event.EventType()) {
			continue
		}
		if droppable(event.EventType()) {
			select {
			case w.queue <- q:
			default:
				d.logger.Warn("hook queue full, event dropped",
					"hook", hookName(w.hook),
					"event", event.EventType(),
					"scan_id", event.ScanID(),
				)
			}
			continue
		}
		w.queue <- q
	}
	return nil
}

// droppable reports whether an event may be shed under backpressure.
// Later progress and log events supersede earlier ones.
func droppable(t events.EventType) bool {
	return t == events.EventTypeProgress || t == events.EventTypeLog
}

func (d *Dispatcher) call(ctx context.Context, h Hook, event events.Event) {
	if err := h.OnEvent(ctx, event); err != nil {
		d.logger.Warn("hook failed",
			"hook", hookName(h),
			"event", event.EventType(),
			"scan_id", event.ScanID(),
			"error", err,
		)
	}
}

// hookSupportsEvent checks if a hook handles the given event type.
func hookSupportsEvent(h Hook, eventType events.EventType) bool {
	types := h.EventTypes()
	// Empty slice means hook receives all events
	if len(types) == 0 {
		return true
	}
	for _, et := range types {
		if et == eventType {
			return true
		}
	}
	return false
}

// Named is implemented by hooks that want a readable name in logs.
type Named interface {
	Name() string
}

func hookName(h Hook) string {
	if n, ok := h.(Named); ok {
		return n.Name()
	}
	return "unnamed"
}

// Close drains every async queue, then closes every hook that implements
// io.Closer. After Close is called, Dispatch is a no-op.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	hooks := d.hooks
	workers := d.workers
	d.mu.Unlock()

	for _, w := range workers {
		close(w.queue)
	}
	for _, w := range workers {
		<-w.done
	}

	var firstErr error
	for _, h := range hooks {
		c, ok := h.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			d.logger.Warn("hook close failed", "hook", hookName(h), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
