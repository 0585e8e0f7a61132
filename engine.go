package election

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/LeonLicher/MongoUebung/storage"
)

var (
	// ErrUnknownBackend is returned when StartElection names a backend kind
	// that was never registered.
	ErrUnknownBackend = errors.New("unknown backend kind")

	// ErrUnknownNode is returned when CrashNode names a node outside the
	// registry.
	ErrUnknownNode = errors.New("unknown node id")
)

// Engine drives competition, heartbeats, and crash handling for every
// registered node against one storage backend per run.
//
// One mutex serializes every state transition and event emission, which is
// what gives events their per-node ordering. Backend calls and timer waits
// happen outside it, so concurrent acquisition attempts genuinely interleave
// and the backend's atomicity decides the race.
type Engine struct {
	cmdMu sync.Mutex // serializes StartElection, StopElection, ResetElection, CrashNode

	mu       sync.Mutex
	registry *Registry
	backends map[string]storage.Backend
	sink     EventSink
	options  options

	running   bool
	epoch     uint64 // bumped on every stop; outstanding callbacks check it and drop out
	backend   storage.Backend
	kind      string
	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewEngine creates an engine over the given registry and the set of
// selectable backends, keyed by the kind names StartElection accepts.
// A nil sink drops all events.
func NewEngine(registry *Registry, backends map[string]storage.Backend, sink EventSink, opts ...Option) *Engine {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if sink == nil {
		sink = nopSink{}
	}

	return &Engine{
		registry: registry,
		backends: backends,
		sink:     sink,
		options:  options,
	}
}

// StartElection stops any previous run, clears the chosen backend, and sets
// every non-crashed node competing. Crashed nodes stay crashed. Naming an
// unregistered kind fails without disturbing a run already in progress; a
// backend reset failure leaves the engine stopped.
func (e *Engine) StartElection(ctx context.Context, kind string) error {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()

	e.mu.Lock()
	backend, ok := e.backends[kind]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
	var previous = e.stopLocked()
	e.mu.Unlock()

	if previous != nil && previous != backend {
		if err := previous.Close(); err != nil {
			e.options.logger.Warn("failed to close previous backend", "error", err)
		}
	}

	if err := backend.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset backend %q: %w", kind, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.running = true
	e.backend = backend
	e.kind = kind
	e.runCtx, e.runCancel = context.WithCancel(context.Background())

	e.options.logger.Info("election started",
		"backend", kind,
		"nodes", e.registry.Len())
	e.emitLocked(Event{Kind: EventElectionStarted, Backend: kind})

	var epoch = e.epoch
	for _, node := range e.registry.List() {
		if node.Status == StatusCrashed {
			continue
		}
		e.enterCompetingLocked(node, epoch)
	}

	return nil
}

// StopElection cancels every pending schedule and closes the backend.
// Node statuses are left as they were for inspection; no events are emitted.
func (e *Engine) StopElection() error {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()

	e.mu.Lock()
	var backend = e.stopLocked()
	e.mu.Unlock()

	if backend == nil {
		return nil
	}
	if err := backend.Close(); err != nil {
		return fmt.Errorf("failed to close backend: %w", err)
	}
	return nil
}

// ResetElection stops any run and forces every node, crashed ones included,
// back to idle. A reset that changes nothing emits nothing, so repeated
// resets produce a single election-reset.
func (e *Engine) ResetElection() error {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()

	e.mu.Lock()
	var (
		wasRunning = e.running
		backend    = e.stopLocked()
		touched    []string
	)
	for _, node := range e.registry.List() {
		if node.Status != StatusIdle || !node.LeaseExpiry.IsZero() {
			touched = append(touched, node.ID)
		}
	}
	e.registry.Reset()

	if wasRunning || len(touched) > 0 {
		e.options.logger.Info("election reset", "nodes_touched", len(touched))
		e.emitLocked(Event{Kind: EventElectionReset})
		for _, id := range touched {
			e.emitLocked(Event{Kind: EventNodeUpdate, NodeID: id, Status: StatusIdle})
		}
	}
	e.mu.Unlock()

	if backend == nil {
		return nil
	}
	if err := backend.Close(); err != nil {
		return fmt.Errorf("failed to close backend: %w", err)
	}
	return nil
}

// CrashNode forcibly fails the node: its schedules are cancelled and its
// status moves to crashed. When the node held leadership its lease is also
// released, so the next competitor does not have to wait out the expiry.
// Crashing a node while no election runs just marks it.
func (e *Engine) CrashNode(id string) error {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()

	e.mu.Lock()
	node, ok := e.registry.Get(id)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownNode, id)
	}
	if node.Status == StatusCrashed {
		e.mu.Unlock()
		return nil
	}

	var wasLeader = node.Status == StatusLeader
	e.registry.MarkCrashed(id)

	e.options.logger.Info("node crashed",
		"node_id", id,
		"was_leader", wasLeader)
	e.emitLocked(Event{Kind: EventNodeCrashed, NodeID: id})
	e.emitLocked(Event{Kind: EventNodeUpdate, NodeID: id, Status: StatusCrashed})
	if wasLeader {
		e.emitLocked(Event{Kind: EventLeaderLost, NodeID: id})
	}

	var (
		backend = e.backend
		ctx     = e.runCtx
	)
	e.mu.Unlock()

	if wasLeader && backend != nil {
		if err := backend.Release(ctx); err != nil {
			// The lease record stays behind and expires on its own.
			e.options.logger.Warn("failed to release lease after crash",
				"node_id", id,
				"error", err)
		}
	}

	return nil
}

// Nodes returns stable-ordered snapshots of every node's observable state.
func (e *Engine) Nodes() []NodeView {
	e.mu.Lock()
	defer e.mu.Unlock()

	var views = make([]NodeView, 0, e.registry.Len())
	for _, node := range e.registry.List() {
		views = append(views, node.view())
	}
	return views
}

// Leader returns the id of the node holding an unexpired lease at the given
// instant, if any.
func (e *Engine) Leader(now time.Time) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, node := range e.registry.List() {
		if node.Status == StatusLeader && node.LeaseExpiry.After(now) {
			return node.ID, true
		}
	}
	return "", false
}

// Running reports whether an election run is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// BackendKind returns the active backend's registered name, or "" when the
// engine is stopped.
func (e *Engine) BackendKind() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kind
}

// stopLocked cancels all schedules, invalidates outstanding callbacks, and
// detaches the active backend, returning it for the caller to close outside
// the lock. Callers hold e.mu.
func (e *Engine) stopLocked() storage.Backend {
	e.epoch++
	e.running = false

	if e.runCancel != nil {
		e.runCancel()
		e.runCtx, e.runCancel = nil, nil
	}

	for _, node := range e.registry.List() {
		node.cancelSchedules()
	}

	var backend = e.backend
	e.backend = nil
	e.kind = ""
	return backend
}

// enterCompetingLocked moves the node into competing and schedules one
// acquisition attempt after a fresh jitter delay. Callers hold e.mu.
func (e *Engine) enterCompetingLocked(node *Node, epoch uint64) {
	node.cancelSchedules()
	node.Status = StatusCompeting
	node.LeaseExpiry = time.Time{}
	e.emitLocked(Event{Kind: EventNodeUpdate, NodeID: node.ID, Status: StatusCompeting})

	var delay time.Duration
	if e.options.competitionJitter > 0 {
		delay = rand.N(e.options.competitionJitter)
	}

	e.options.logger.Debug("node competing",
		"node_id", node.ID,
		"jitter", delay)
	node.jitterTimer = time.AfterFunc(delay, func() {
		e.attemptAcquire(node, epoch)
	})
}

// attemptAcquire races for the lease once. The backend call happens outside
// e.mu so concurrent attempts interleave; epoch and status are re-checked
// before the result is applied, so an attempt overtaken by a stop, reset, or
// crash cannot produce a stale transition. A success overtaken that way is
// dropped and the orphaned record simply expires.
func (e *Engine) attemptAcquire(node *Node, epoch uint64) {
	e.mu.Lock()
	if !e.stillCompetingLocked(node, epoch) {
		e.mu.Unlock()
		return
	}
	var (
		backend = e.backend
		ctx     = e.runCtx
	)
	e.mu.Unlock()

	var now = time.Now()
	acquired, err := backend.TryAcquire(ctx, node.ID, now)
	if err != nil {
		// A backend failure is indistinguishable from a lost race.
		e.options.logger.Warn("acquisition attempt failed",
			"node_id", node.ID,
			"error", err)
		acquired = false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.stillCompetingLocked(node, epoch) {
		return
	}

	if !acquired {
		node.Status = StatusFollower
		e.emitLocked(Event{Kind: EventNodeUpdate, NodeID: node.ID, Status: StatusFollower})
		node.backoffTimer = time.AfterFunc(e.options.retryBackoff, func() {
			e.recompete(node, epoch)
		})
		return
	}

	node.Status = StatusLeader
	node.LeaseExpiry = now.Add(e.options.leaseDuration)
	e.options.logger.Info("leader elected",
		"node_id", node.ID,
		"lease_expiry", node.LeaseExpiry)
	e.emitLocked(e.nodeUpdateLocked(node))
	e.emitLocked(Event{Kind: EventLeaderElected, NodeID: node.ID})

	node.heartbeatStop = make(chan struct{})
	go e.runHeartbeat(e.runCtx, node, epoch, node.heartbeatStop)
}

// stillCompetingLocked reports whether an acquisition attempt scheduled at
// epoch should still apply. Callers hold e.mu.
func (e *Engine) stillCompetingLocked(node *Node, epoch uint64) bool {
	return e.running && e.epoch == epoch && node.Status == StatusCompeting
}

// recompete re-enters competition after the retry backoff, unless the run
// moved on or the node did.
func (e *Engine) recompete(node *Node, epoch uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || e.epoch != epoch || node.Status != StatusFollower {
		return
	}
	e.enterCompetingLocked(node, epoch)
}

// runHeartbeat renews the node's lease every heartbeat interval until the
// run ends, the node stops leading, or a renewal fails.
func (e *Engine) runHeartbeat(ctx context.Context, node *Node, epoch uint64, stop chan struct{}) {
	var ticker = time.NewTicker(e.options.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !e.renewOnce(node, epoch) {
				return
			}
		}
	}
}

// renewOnce performs one renewal round trip and reports whether the
// heartbeat loop should continue. A failed renewal demotes the node and
// puts it straight back into competition: no retry backoff, only a fresh
// jitter delay, since it lost a lease rather than a race.
func (e *Engine) renewOnce(node *Node, epoch uint64) bool {
	e.mu.Lock()
	if !e.running || e.epoch != epoch || node.Status != StatusLeader {
		e.mu.Unlock()
		return false
	}
	var (
		backend = e.backend
		ctx     = e.runCtx
	)
	e.mu.Unlock()

	var now = time.Now()
	renewed, err := backend.Renew(ctx, node.ID, now)
	if err != nil {
		// A backend failure is indistinguishable from a lost lease.
		e.options.logger.Warn("heartbeat failed",
			"node_id", node.ID,
			"error", err)
		renewed = false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.epoch != epoch || node.Status != StatusLeader {
		return false
	}

	if renewed {
		node.LeaseExpiry = now.Add(e.options.leaseDuration)
		e.emitLocked(e.nodeUpdateLocked(node))
		return true
	}

	e.options.logger.Info("leader lost lease", "node_id", node.ID)
	e.emitLocked(Event{Kind: EventLeaderLost, NodeID: node.ID})
	node.Status = StatusFollower
	node.LeaseExpiry = time.Time{}
	e.emitLocked(Event{Kind: EventNodeUpdate, NodeID: node.ID, Status: StatusFollower})
	e.enterCompetingLocked(node, epoch)
	return false
}

// nodeUpdateLocked builds a node-update event carrying the node's lease.
// Callers hold e.mu.
func (e *Engine) nodeUpdateLocked(node *Node) Event {
	var event = Event{Kind: EventNodeUpdate, NodeID: node.ID, Status: node.Status}
	if !node.LeaseExpiry.IsZero() {
		var expiry = node.LeaseExpiry
		event.Lease = &expiry
	}
	return event
}

// emitLocked delivers one event while holding e.mu, which is what keeps
// per-node event order aligned with transition order.
func (e *Engine) emitLocked(event Event) {
	e.sink.Emit(event)
}

// String renders a human-readable snapshot of the run and its nodes.
func (e *Engine) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var b strings.Builder

	if e.running {
		b.WriteString(fmt.Sprintf("Election: running (backend: %s)\n", e.kind))
	} else {
		b.WriteString("Election: stopped\n")
	}
	b.WriteString(fmt.Sprintf("Nodes: %d\n", e.registry.Len()))

	b.WriteString("\n┌────────────────────────────────────────────┐\n")
	for _, node := range e.registry.List() {
		var (
			marker = " "
			lease  = "-"
		)
		switch node.Status {
		case StatusLeader:
			marker = "●"
			lease = fmt.Sprintf("ttl:%s", time.Until(node.LeaseExpiry).Round(time.Second))
		case StatusCrashed:
			marker = "✗"
		}
		b.WriteString(fmt.Sprintf("│ %s %-12s  %-10s  %-12s\n", marker, node.ID, node.Status, lease))
	}
	b.WriteString("└────────────────────────────────────────────┘\n")

	return b.String()
}
