// Package audit records context store mutations into the external memory
// service for later analysis. It is best-effort telemetry, never
// authoritative state: events are queued on a bounded channel drained by a
// single background worker, and an event that cannot be queued or stored is
// dropped with a log line.
package audit

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/contextd/contextd/internal/memoryservice"
)

// Event is one recorded store mutation.
type Event struct {
	Op      string
	Context string
	Detail  map[string]any
	Time    time.Time
}

// Recorder queues mutation events and stores them asynchronously. It
// satisfies the store's Notifier interface; Record never blocks the
// triggering mutation.
type Recorder struct {
	svc     memoryservice.Service
	queue   chan Event
	timeout time.Duration
	quit    chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// New creates a Recorder with the given queue capacity and per-store-call
// timeout. Call Start to launch the worker and Close on shutdown.
func New(svc memoryservice.Service, queueSize int, timeout time.Duration) *Recorder {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Recorder{
		svc:     svc,
		queue:   make(chan Event, queueSize),
		timeout: timeout,
		quit:    make(chan struct{}),
	}
}

// Start launches the background worker.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
}

// Record enqueues a mutation event. When the queue is full the event is
// dropped: under a mutation burst, losing audit events is preferable to
// blocking writes or growing without bound.
func (r *Recorder) Record(op, contextName string, detail map[string]any) {
	if r.stopped.Load() {
		return
	}
	ev := Event{Op: op, Context: contextName, Detail: detail, Time: time.Now().UTC()}
	select {
	case r.queue <- ev:
	default:
		log.Printf("[audit] queue full, dropping %s event for %q", op, contextName)
	}
}

// Close stops accepting events, drains whatever is already queued, and
// waits for the worker to exit. Events still in flight at process shutdown
// may be lost; that is acceptable by design.
func (r *Recorder) Close() {
	if r.stopped.Swap(true) {
		return
	}
	close(r.quit)
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case ev := <-r.queue:
			r.store(ev)
		case <-r.quit:
			for {
				select {
				case ev := <-r.queue:
					r.store(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) store(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	tags := []string{"context_change", ev.Op, ev.Context, "automated"}
	metadata := map[string]any{
		"operation": ev.Op,
		"context":   ev.Context,
		"timestamp": ev.Time.Format(time.RFC3339),
	}
	if len(ev.Detail) > 0 {
		metadata["detail"] = ev.Detail
	}

	if _, err := r.svc.Store(ctx, summarize(ev), tags, metadata); err != nil {
		log.Printf("[audit] store %s event for %q: %v", ev.Op, ev.Context, err)
	}
}

// summarize formats a human-readable one-liner for an event.
func summarize(ev Event) string {
	switch ev.Op {
	case "created":
		if cat, ok := ev.Detail["tool_category"].(string); ok {
			return fmt.Sprintf("Created context %q for tool category %q", ev.Context, cat)
		}
		return fmt.Sprintf("Created context %q", ev.Context)
	case "updated":
		if fields, ok := ev.Detail["updated_fields"].([]string); ok && len(fields) > 0 {
			sorted := append([]string(nil), fields...)
			sort.Strings(sorted)
			return fmt.Sprintf("Updated context %q: %s", ev.Context, strings.Join(sorted, ", "))
		}
		return fmt.Sprintf("Updated context %q", ev.Context)
	case "pattern_added":
		section, _ := ev.Detail["section"].(string)
		pattern, _ := ev.Detail["pattern_name"].(string)
		return fmt.Sprintf("Added pattern %q to %s of context %q", pattern, section, ev.Context)
	case "optimized":
		return fmt.Sprintf("Optimized context %q", ev.Context)
	default:
		return fmt.Sprintf("Context %q: %s", ev.Context, ev.Op)
	}
}
