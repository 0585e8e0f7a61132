package election

import (
	"sync"
	"time"
)

// EventKind names a simulator event.
type EventKind string

const (
	// EventElectionStarted reports a new run against a chosen backend.
	EventElectionStarted EventKind = "election-started"

	// EventElectionReset reports that all nodes were forced back to idle.
	EventElectionReset EventKind = "election-reset"

	// EventNodeCrashed reports a forced node failure.
	EventNodeCrashed EventKind = "node-crashed"

	// EventNodeUpdate reports a node's status change, with its lease expiry
	// when it holds one.
	EventNodeUpdate EventKind = "node-update"

	// EventLeaderElected reports a node winning the lease.
	EventLeaderElected EventKind = "leader-elected"

	// EventLeaderLost reports a node losing or giving up leadership.
	EventLeaderLost EventKind = "leader-lost"
)

// Event is a single state-transition report. Fields beyond Kind are set per
// kind: Backend on election-started, NodeID on every node-scoped event,
// Status and Lease on node-update.
type Event struct {
	Kind    EventKind  `json:"kind"`
	Backend string     `json:"backend,omitempty"`
	NodeID  string     `json:"nodeId,omitempty"`
	Status  NodeStatus `json:"status,omitempty"`
	Lease   *time.Time `json:"lease,omitempty"`
}

// EventSink receives every engine transition. Events for the same node
// arrive in the order the transitions happened. Emit is fire-and-forget:
// the engine neither queues nor retries, and it calls Emit on its critical
// path, so sinks must return quickly and never call back into the engine.
type EventSink interface {
	Emit(event Event)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(event Event)

// Emit calls f.
func (f SinkFunc) Emit(event Event) {
	f(event)
}

// nopSink drops every event; used when no sink is injected.
type nopSink struct{}

func (nopSink) Emit(Event) {}

// Recorder is an EventSink that accumulates events for tests and diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends the event.
func (r *Recorder) Emit(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kind of every recorded event, in order.
func (r *Recorder) Kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()

	var kinds = make([]EventKind, 0, len(r.events))
	for _, event := range r.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

// Clear drops everything recorded so far.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
